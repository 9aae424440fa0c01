package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

const (
	chainFileExt   = ".json"
	lockRetryDelay = 10 * time.Millisecond
)

// FileChainStore是一个基于文件的执行"ChainStore".
// 每条链路一个 JSON 文件, 读-改-写由 flock 跨进程串行化,
// 同一目录可以被多个阶段进程共享.
type FileChainStore struct {
	baseDir string
	lock    *flock.Flock
	mu      sync.RWMutex // 进程内串行化, flock 对同一实例不可重入
	closed  bool
	cleanup *cleanupLoop
	logger  *zap.Logger
}

var _ ChainStore = (*FileChainStore)(nil)

// 新建文件链路存储器
func NewFileChainStore(config StoreConfig, logger *zap.Logger) (*FileChainStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseDir := filepath.Join(config.BaseDir, "chains")
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create chain store directory: %w", err)
	}

	s := &FileChainStore{
		baseDir: baseDir,
		lock:    flock.New(filepath.Join(baseDir, ".lock")),
		logger:  logger.With(zap.String("component", "chain_store"), zap.String("backend", "file")),
	}
	s.cleanup = startCleanupLoop(config.Cleanup, s.Cleanup, s.logger)
	return s, nil
}

// 链路文件路径, 关联 ID 经过转义避免路径穿越
func (s *FileChainStore) path(correlationID string) string {
	return filepath.Join(s.baseDir, url.PathEscape(correlationID)+chainFileExt)
}

// 关闭商店
func (s *FileChainStore) Close() error {
	s.cleanup.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.lock.Close()
}

// 检查目录是否可用
func (s *FileChainStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.baseDir)
	return err
}

// withLock 在进程锁与文件锁下执行 fn
func (s *FileChainStore) withLock(ctx context.Context, exclusive bool, fn func() error) error {
	if exclusive {
		s.mu.Lock()
		defer s.mu.Unlock()
	} else {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}
	if s.closed {
		return ErrStoreClosed
	}

	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = s.lock.TryLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = s.lock.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("failed to lock chain store: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to lock chain store: %w", ErrConflict)
	}
	defer func() {
		if uerr := s.lock.Unlock(); uerr != nil {
			s.logger.Warn("failed to unlock chain store", zap.Error(uerr))
		}
	}()

	return fn()
}

func (s *FileChainStore) read(correlationID string) (*ChainState, error) {
	data, err := os.ReadFile(s.path(correlationID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var chain ChainState
	if err := json.Unmarshal(data, &chain); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chain: %w", err)
	}
	return &chain, nil
}

// 原子写: 写入临时文件后重命名
func (s *FileChainStore) write(chain *ChainState) error {
	data, err := json.MarshalIndent(chain, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal chain: %w", err)
	}
	path := s.path(chain.CorrelationID)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

// 追加跳转记录
func (s *FileChainStore) RecordHop(ctx context.Context, correlationID string, hop HopRecord) (*ChainState, error) {
	if err := validateHop(correlationID, hop); err != nil {
		return nil, err
	}
	if hop.At.IsZero() {
		hop.At = time.Now()
	}

	var out *ChainState
	err := s.withLock(ctx, true, func() error {
		chain, err := s.read(correlationID)
		if errors.Is(err, ErrNotFound) {
			chain = NewChainState(correlationID, hop.At)
		} else if err != nil {
			return err
		}
		chain.Apply(hop)
		if err := s.write(chain); err != nil {
			return err
		}
		out = chain
		return nil
	})
	return out, err
}

// 读取链路
func (s *FileChainStore) Get(ctx context.Context, correlationID string) (*ChainState, error) {
	var out *ChainState
	err := s.withLock(ctx, false, func() error {
		chain, err := s.read(correlationID)
		out = chain
		return err
	})
	return out, err
}

// 删除链路
func (s *FileChainStore) Delete(ctx context.Context, correlationID string) error {
	return s.withLock(ctx, true, func() error {
		err := os.Remove(s.path(correlationID))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	})
}

// 清理长时间未更新的链路
func (s *FileChainStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	count := 0
	err := s.withLock(ctx, true, func() error {
		entries, err := os.ReadDir(s.baseDir)
		if err != nil {
			return err
		}
		cutoff := time.Now().Add(-olderThan)
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, chainFileExt) {
				continue
			}
			id, err := url.PathUnescape(strings.TrimSuffix(name, chainFileExt))
			if err != nil {
				continue
			}
			chain, err := s.read(id)
			if err != nil {
				s.logger.Warn("skipping unreadable chain file", zap.String("file", name), zap.Error(err))
				continue
			}
			if chain.UpdatedAt.Before(cutoff) {
				if err := os.Remove(filepath.Join(s.baseDir, name)); err != nil {
					return err
				}
				count++
			}
		}
		return nil
	})
	return count, err
}
