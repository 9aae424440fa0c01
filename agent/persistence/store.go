// Package persistence provides the chain-state store used by relay stages
// and the origin tracker.
//
// A chain is the sequence of hops one unit of work takes through the
// pipeline, keyed by its correlation id. Every stage records a hop when it
// finishes its local work; the terminal stage and the dispatcher (on a
// failed forward) record terminal hops.
//
// Supported backends:
// - Memory: For development and testing (default)
// - File: For single-node deployments, shared between processes via flock
// - Redis: For distributed deployments
// - SQL: gorm over postgres, mysql or sqlite
// - Mongo: a single collection keyed by correlation id
package persistence

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("concurrent update conflict")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQL    StoreType = "sql"
	StoreTypeMongo  StoreType = "mongo"
)

// IsValid reports whether t names a known backend.
func (t StoreType) IsValid() bool {
	switch t {
	case StoreTypeMemory, StoreTypeFile, StoreTypeRedis, StoreTypeSQL, StoreTypeMongo:
		return true
	}
	return false
}

// CleanupConfig defines cleanup behavior for finished chains
type CleanupConfig struct {
	// Enabled determines if automatic cleanup is enabled
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled" env:"ENABLED"`

	// Interval is how often cleanup runs (default: 1h)
	Interval time.Duration `json:"interval" yaml:"interval" toml:"interval" env:"INTERVAL"`

	// Retention is how long a chain is kept after its last update (default: 24h)
	Retention time.Duration `json:"retention" yaml:"retention" toml:"retention" env:"RETENTION"`
}

// DefaultCleanupConfig returns the default cleanup configuration
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Enabled:   true,
		Interval:  1 * time.Hour,
		Retention: 24 * time.Hour,
	}
}

// StoreConfig is the base configuration for all store implementations
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type" toml:"type" env:"TYPE"`

	// BaseDir is the base directory for file-based storage
	BaseDir string `json:"base_dir" yaml:"base_dir" toml:"base_dir" env:"BASE_DIR"`

	// Capacity bounds the memory backend; the oldest chain is evicted first.
	Capacity int `json:"capacity" yaml:"capacity" toml:"capacity" env:"CAPACITY"`

	// KeyPrefix namespaces redis keys below the cache manager prefix.
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" toml:"key_prefix" env:"KEY_PREFIX"`

	// Collection is the mongo collection name.
	Collection string `json:"collection" yaml:"collection" toml:"collection" env:"COLLECTION"`

	// Cleanup configuration
	Cleanup CleanupConfig `json:"cleanup" yaml:"cleanup" toml:"cleanup" env:"CLEANUP"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:       StoreTypeMemory,
		BaseDir:    "./data/chains",
		Capacity:   10000,
		KeyPrefix:  "chain:",
		Collection: "task_chains",
		Cleanup:    DefaultCleanupConfig(),
	}
}

// Store is the base interface for all persistent stores
type Store interface {
	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// ChainStore persists chain state keyed by correlation id.
type ChainStore interface {
	Store

	// RecordHop appends hop to the chain, creating it when absent, and
	// returns the resulting state.
	RecordHop(ctx context.Context, correlationID string, hop HopRecord) (*ChainState, error)

	// Get returns the chain or ErrNotFound.
	Get(ctx context.Context, correlationID string) (*ChainState, error)

	// Delete removes a chain. Deleting a missing chain is not an error.
	Delete(ctx context.Context, correlationID string) error

	// Cleanup removes chains not updated within olderThan and returns the
	// number removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

func validateHop(correlationID string, hop HopRecord) error {
	if correlationID == "" || hop.Stage == "" || !hop.Status.IsValid() {
		return ErrInvalidInput
	}
	return nil
}
