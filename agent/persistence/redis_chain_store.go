package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/internal/cache"
)

// RedisChainStore is a Redis-based implementation of ChainStore.
// Suitable for distributed deployments. Each chain is one JSON value
// updated with an optimistic WATCH transaction; keys expire after the
// cleanup retention.
type RedisChainStore struct {
	cache     *cache.Manager
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

var _ ChainStore = (*RedisChainStore)(nil)

// NewRedisChainStore creates a chain store on top of a cache manager
func NewRedisChainStore(manager *cache.Manager, config StoreConfig, logger *zap.Logger) (*RedisChainStore, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: redis chain store requires a cache manager", ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "chain:"
	}
	ttl := config.Cleanup.Retention
	if ttl <= 0 {
		ttl = -1
	}
	return &RedisChainStore{
		cache:     manager,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger.With(zap.String("component", "chain_store"), zap.String("backend", "redis")),
	}, nil
}

// chainKey returns the Redis key for a chain
func (s *RedisChainStore) chainKey(correlationID string) string {
	return s.keyPrefix + correlationID
}

// Close is a no-op; the cache manager is owned by the caller.
func (s *RedisChainStore) Close() error {
	return nil
}

// Ping checks if the store is healthy
func (s *RedisChainStore) Ping(ctx context.Context) error {
	return s.cache.Ping(ctx)
}

// RecordHop appends a hop to the chain
func (s *RedisChainStore) RecordHop(ctx context.Context, correlationID string, hop HopRecord) (*ChainState, error) {
	if err := validateHop(correlationID, hop); err != nil {
		return nil, err
	}
	if hop.At.IsZero() {
		hop.At = time.Now()
	}

	raw, err := s.cache.Update(ctx, s.chainKey(correlationID), s.ttl, func(current string, exists bool) (string, error) {
		chain := NewChainState(correlationID, hop.At)
		if exists {
			if err := json.Unmarshal([]byte(current), chain); err != nil {
				return "", fmt.Errorf("failed to unmarshal chain: %w", err)
			}
		}
		chain.Apply(hop)
		data, err := json.Marshal(chain)
		if err != nil {
			return "", fmt.Errorf("failed to marshal chain: %w", err)
		}
		return string(data), nil
	})
	if errors.Is(err, cache.ErrConflict) {
		return nil, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if err != nil {
		return nil, err
	}

	var chain ChainState
	if err := json.Unmarshal([]byte(raw), &chain); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chain: %w", err)
	}
	return &chain, nil
}

// Get retrieves a chain by correlation id
func (s *RedisChainStore) Get(ctx context.Context, correlationID string) (*ChainState, error) {
	var chain ChainState
	err := s.cache.GetJSON(ctx, s.chainKey(correlationID), &chain)
	if cache.IsCacheMiss(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &chain, nil
}

// Delete removes a chain
func (s *RedisChainStore) Delete(ctx context.Context, correlationID string) error {
	return s.cache.Delete(ctx, s.chainKey(correlationID))
}

// Cleanup removes chains not updated within olderThan. Keys also expire on
// their own after the configured retention.
func (s *RedisChainStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	keys, err := s.cache.Keys(ctx, s.keyPrefix+"*")
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	var stale []string
	for _, key := range keys {
		var chain ChainState
		if err := s.cache.GetJSON(ctx, key, &chain); err != nil {
			if !cache.IsCacheMiss(err) {
				s.logger.Warn("skipping unreadable chain", zap.String("key", key), zap.Error(err))
			}
			continue
		}
		if chain.UpdatedAt.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.cache.Delete(ctx, stale...); err != nil {
		return 0, err
	}
	return len(stale), nil
}
