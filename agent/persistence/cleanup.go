package persistence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// cleanupLoop runs periodic cleanup until stopped.
type cleanupLoop struct {
	stop chan struct{}
	once sync.Once
	done chan struct{}
}

func startCleanupLoop(config CleanupConfig, cleanup func(ctx context.Context, olderThan time.Duration) (int, error), logger *zap.Logger) *cleanupLoop {
	l := &cleanupLoop{stop: make(chan struct{}), done: make(chan struct{})}
	if !config.Enabled || config.Interval <= 0 || config.Retention <= 0 {
		close(l.done)
		return l
	}

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), config.Interval)
				n, err := cleanup(ctx, config.Retention)
				cancel()
				if err != nil {
					logger.Warn("chain cleanup failed", zap.Error(err))
				} else if n > 0 {
					logger.Debug("chain cleanup removed chains", zap.Int("count", n))
				}
			}
		}
	}()
	return l
}

// Stop stops the loop and waits for a running cleanup to return.
func (l *cleanupLoop) Stop() {
	if l == nil {
		return
	}
	l.once.Do(func() { close(l.stop) })
	<-l.done
}
