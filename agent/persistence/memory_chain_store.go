package persistence

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryChainStore is an in-memory implementation of ChainStore.
// Suitable for development and testing. Data is lost on restart.
// The store is bounded by Capacity; the least recently created chain is
// evicted first.
type MemoryChainStore struct {
	chains   map[string]*list.Element
	order    *list.List // front = oldest
	capacity int
	mu       sync.RWMutex
	closed   bool
	cleanup  *cleanupLoop
	logger   *zap.Logger
}

var _ ChainStore = (*MemoryChainStore)(nil)

// NewMemoryChainStore creates a new in-memory chain store
func NewMemoryChainStore(config StoreConfig, logger *zap.Logger) *MemoryChainStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MemoryChainStore{
		chains:   make(map[string]*list.Element),
		order:    list.New(),
		capacity: config.Capacity,
		logger:   logger.With(zap.String("component", "chain_store"), zap.String("backend", "memory")),
	}
	s.cleanup = startCleanupLoop(config.Cleanup, s.Cleanup, s.logger)
	return s
}

// Close closes the store
func (s *MemoryChainStore) Close() error {
	s.cleanup.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryChainStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// RecordHop appends a hop to the chain
func (s *MemoryChainStore) RecordHop(ctx context.Context, correlationID string, hop HopRecord) (*ChainState, error) {
	if err := validateHop(correlationID, hop); err != nil {
		return nil, err
	}
	if hop.At.IsZero() {
		hop.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var chain *ChainState
	if el, ok := s.chains[correlationID]; ok {
		chain = el.Value.(*ChainState)
	} else {
		chain = NewChainState(correlationID, hop.At)
		s.chains[correlationID] = s.order.PushBack(chain)
		s.evictLocked()
	}
	chain.Apply(hop)
	return chain.Clone(), nil
}

func (s *MemoryChainStore) evictLocked() {
	if s.capacity <= 0 {
		return
	}
	for s.order.Len() > s.capacity {
		front := s.order.Front()
		chain := s.order.Remove(front).(*ChainState)
		delete(s.chains, chain.CorrelationID)
		s.logger.Debug("chain evicted", zap.String("correlation_id", chain.CorrelationID))
	}
}

// Get retrieves a chain by correlation id
func (s *MemoryChainStore) Get(ctx context.Context, correlationID string) (*ChainState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	el, ok := s.chains[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	return el.Value.(*ChainState).Clone(), nil
}

// Delete removes a chain
func (s *MemoryChainStore) Delete(ctx context.Context, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if el, ok := s.chains[correlationID]; ok {
		s.order.Remove(el)
		delete(s.chains, correlationID)
	}
	return nil
}

// Cleanup removes chains not updated within olderThan
func (s *MemoryChainStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := time.Now().Add(-olderThan)
	count := 0
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		chain := el.Value.(*ChainState)
		if chain.UpdatedAt.Before(cutoff) {
			s.order.Remove(el)
			delete(s.chains, chain.CorrelationID)
			count++
		}
		el = next
	}
	return count, nil
}

// Len returns the number of chains held.
func (s *MemoryChainStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chains)
}
