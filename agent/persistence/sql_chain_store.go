package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// chainRecord is the task_chains row.
type chainRecord struct {
	CorrelationID string    `gorm:"column:correlation_id;primaryKey;size:128"`
	OriginTaskID  string    `gorm:"column:origin_task_id;size:128"`
	Status        string    `gorm:"column:status;size:32;index"`
	FlowStep      string    `gorm:"column:flow_step;size:32"`
	ResultURL     string    `gorm:"column:result_url;type:text"`
	Error         string    `gorm:"column:error;type:text"`
	Hops          string    `gorm:"column:hops;type:text"`
	Version       int64     `gorm:"column:version"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at;index"`
}

// TableName returns the table name for chain rows.
func (chainRecord) TableName() string {
	return "task_chains"
}

func recordFromChain(c *ChainState) (*chainRecord, error) {
	hops, err := json.Marshal(c.Hops)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal hops: %w", err)
	}
	return &chainRecord{
		CorrelationID: c.CorrelationID,
		OriginTaskID:  c.OriginTaskID,
		Status:        string(c.Status),
		FlowStep:      c.FlowStep,
		ResultURL:     c.ResultURL,
		Error:         c.Error,
		Hops:          string(hops),
		Version:       c.Version,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}, nil
}

func (r *chainRecord) chain() (*ChainState, error) {
	c := &ChainState{
		CorrelationID: r.CorrelationID,
		OriginTaskID:  r.OriginTaskID,
		Status:        ChainStatus(r.Status),
		FlowStep:      r.FlowStep,
		ResultURL:     r.ResultURL,
		Error:         r.Error,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.Hops != "" {
		if err := json.Unmarshal([]byte(r.Hops), &c.Hops); err != nil {
			return nil, fmt.Errorf("failed to unmarshal hops: %w", err)
		}
	}
	return c, nil
}

// maxWriteAttempts bounds optimistic retries for SQL and Mongo writes.
const maxWriteAttempts = 20

// SQLChainStore is a gorm implementation of ChainStore. The task_chains
// table is created by the migrations under migrations/. Writes use a
// version column for optimistic concurrency so the same code runs on
// postgres, mysql and sqlite.
type SQLChainStore struct {
	db      *gorm.DB
	cleanup *cleanupLoop
	logger  *zap.Logger
}

var _ ChainStore = (*SQLChainStore)(nil)

// NewSQLChainStore creates a chain store over db.
func NewSQLChainStore(db *gorm.DB, config StoreConfig, logger *zap.Logger) (*SQLChainStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: sql chain store requires a database", ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SQLChainStore{
		db:     db,
		logger: logger.With(zap.String("component", "chain_store"), zap.String("backend", "sql")),
	}
	s.cleanup = startCleanupLoop(config.Cleanup, s.Cleanup, s.logger)
	return s, nil
}

// Close stops background cleanup; the connection pool is owned by the caller.
func (s *SQLChainStore) Close() error {
	s.cleanup.Stop()
	return nil
}

// Ping checks if the store is healthy
func (s *SQLChainStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// RecordHop appends a hop to the chain
func (s *SQLChainStore) RecordHop(ctx context.Context, correlationID string, hop HopRecord) (*ChainState, error) {
	if err := validateHop(correlationID, hop); err != nil {
		return nil, err
	}
	if hop.At.IsZero() {
		hop.At = time.Now()
	}
	db := s.db.WithContext(ctx)

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		var rec chainRecord
		err := db.Where("correlation_id = ?", correlationID).Take(&rec).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			chain := NewChainState(correlationID, hop.At)
			chain.Apply(hop)
			row, err := recordFromChain(chain)
			if err != nil {
				return nil, err
			}
			if err := db.Create(row).Error; err != nil {
				// 并发创建: 行已存在则按更新路径重试
				var n int64
				if cerr := db.Model(&chainRecord{}).Where("correlation_id = ?", correlationID).Count(&n).Error; cerr == nil && n > 0 {
					continue
				}
				return nil, fmt.Errorf("failed to create chain: %w", err)
			}
			return chain, nil

		case err != nil:
			return nil, fmt.Errorf("failed to load chain: %w", err)
		}

		chain, err := rec.chain()
		if err != nil {
			return nil, err
		}
		prev := chain.Version
		chain.Apply(hop)
		row, err := recordFromChain(chain)
		if err != nil {
			return nil, err
		}

		res := db.Model(&chainRecord{}).
			Where("correlation_id = ? AND version = ?", correlationID, prev).
			Updates(map[string]any{
				"origin_task_id": row.OriginTaskID,
				"status":         row.Status,
				"flow_step":      row.FlowStep,
				"result_url":     row.ResultURL,
				"error":          row.Error,
				"hops":           row.Hops,
				"version":        row.Version,
				"updated_at":     row.UpdatedAt,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to update chain: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return chain, nil
		}
		s.logger.Debug("chain version conflict, retrying",
			zap.String("correlation_id", correlationID),
			zap.Int("attempt", attempt+1),
		)
	}
	return nil, ErrConflict
}

// Get retrieves a chain by correlation id
func (s *SQLChainStore) Get(ctx context.Context, correlationID string) (*ChainState, error) {
	var rec chainRecord
	err := s.db.WithContext(ctx).Where("correlation_id = ?", correlationID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.chain()
}

// Delete removes a chain
func (s *SQLChainStore) Delete(ctx context.Context, correlationID string) error {
	return s.db.WithContext(ctx).Where("correlation_id = ?", correlationID).Delete(&chainRecord{}).Error
}

// Cleanup removes chains not updated within olderThan
func (s *SQLChainStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	res := s.db.WithContext(ctx).Where("updated_at < ?", time.Now().Add(-olderThan)).Delete(&chainRecord{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}
