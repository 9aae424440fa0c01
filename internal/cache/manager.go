package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/internal/tlsutil"
)

var (
	// ErrCacheMiss 键不存在
	ErrCacheMiss = errors.New("cache miss")
	// ErrClosed Manager 已关闭
	ErrClosed = errors.New("cache manager is closed")
	// ErrConflict Update 的乐观重试耗尽
	ErrConflict = errors.New("cache update conflict")
)

// IsCacheMiss 判断 err 是否为未命中
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// Config Redis 连接配置
type Config struct {
	Addr      string `yaml:"addr" json:"addr" toml:"addr"`
	Password  string `yaml:"password" json:"password" toml:"password"`
	DB        int    `yaml:"db" json:"db" toml:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" toml:"key_prefix"`

	// DefaultTTL 用于 ttl 为 0 的写入
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl" toml:"default_ttl"`

	MaxRetries   int  `yaml:"max_retries" json:"max_retries" toml:"max_retries"`
	PoolSize     int  `yaml:"pool_size" json:"pool_size" toml:"pool_size"`
	MinIdleConns int  `yaml:"min_idle_conns" json:"min_idle_conns" toml:"min_idle_conns"`
	TLSEnabled   bool `yaml:"tls_enabled" json:"tls_enabled" toml:"tls_enabled"`

	// HealthCheckInterval 为 0 时不启动后台探活
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" toml:"health_check_interval"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		KeyPrefix:           "agentrelay:",
		DefaultTTL:          5 * time.Minute,
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		HealthCheckInterval: 30 * time.Second,
	}
}

// connectTimeout 约束 NewManager 中的首次 Ping
const connectTimeout = 5 * time.Second

// maxUpdateAttempts 是 Update 在 WATCH 冲突时的最大尝试次数
const maxUpdateAttempts = 100

// scanBatch 是 Keys 每次 SCAN 的提示数量
const scanBatch = 100

// Manager 持有共享的 Redis 客户端，所有键自动加上 KeyPrefix
type Manager struct {
	client *redis.Client
	config Config
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
}

// NewManager 连接 Redis，首次 Ping 失败时返回错误
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := &redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	}
	if config.TLSEnabled {
		opts.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	m := &Manager{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "cache")),
		stop:   make(chan struct{}),
	}
	if config.HealthCheckInterval > 0 {
		go m.probe(config.HealthCheckInterval)
	}
	m.logger.Info("redis connected", zap.String("addr", config.Addr), zap.String("key_prefix", config.KeyPrefix))
	return m, nil
}

// do 在读锁下执行 fn，Manager 关闭后返回 ErrClosed
func (m *Manager) do(fn func(c *redis.Client) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return fn(m.client)
}

func (m *Manager) key(k string) string {
	return m.config.KeyPrefix + k
}

// expiry 把调用方的 ttl 转成 Redis 过期时间：0 取默认值，负数不过期
func (m *Manager) expiry(ttl time.Duration) time.Duration {
	switch {
	case ttl == 0:
		return m.config.DefaultTTL
	case ttl < 0:
		return 0
	}
	return ttl
}

// Get 读取字符串值
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := m.do(func(c *redis.Client) error {
		var err error
		val, err = c.Get(ctx, m.key(key)).Result()
		return err
	})
	switch {
	case errors.Is(err, redis.Nil):
		return "", ErrCacheMiss
	case err != nil && !errors.Is(err, ErrClosed):
		return "", fmt.Errorf("cache get %s: %w", key, err)
	}
	return val, err
}

// Set 写入字符串值
func (m *Manager) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := m.do(func(c *redis.Client) error {
		return c.Set(ctx, m.key(key), value, m.expiry(ttl)).Err()
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return err
}

// GetJSON 读取并解码 JSON 值
func (m *Manager) GetJSON(ctx context.Context, key string, dest any) error {
	val, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("decode cached %s: %w", key, err)
	}
	return nil
}

// SetJSON 编码并写入 JSON 值
func (m *Manager) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return m.Set(ctx, key, string(data), ttl)
}

// UpdateFunc 接收当前值（不存在时 exists 为 false）并返回新值
type UpdateFunc func(current string, exists bool) (string, error)

// Update 以 WATCH/MULTI 读-改-写一个键并返回写入的值。fn 可能被多次调用，
// 冲突重试耗尽时返回 ErrConflict。
func (m *Manager) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) (string, error) {
	full := m.key(key)
	var written string

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, full).Result()
		exists := err == nil
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		next, err := fn(current, exists)
		if err != nil {
			return err
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return pipe.Set(ctx, full, next, m.expiry(ttl)).Err()
		}); err != nil {
			return err
		}
		written = next
		return nil
	}

	err := m.do(func(c *redis.Client) error {
		for range maxUpdateAttempts {
			err := c.Watch(ctx, txf, full)
			if !errors.Is(err, redis.TxFailedErr) {
				return err
			}
		}
		return fmt.Errorf("cache update %s: %w", key, ErrConflict)
	})
	if err != nil {
		return "", err
	}
	return written, nil
}

// Delete 删除若干键
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = m.key(k)
	}
	err := m.do(func(c *redis.Client) error {
		return c.Del(ctx, full...).Err()
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		m.logger.Warn("cache delete failed", zap.Strings("keys", keys), zap.Error(err))
		return fmt.Errorf("cache delete: %w", err)
	}
	return err
}

// Keys 以 SCAN 列出匹配 pattern 的键，返回值不含 KeyPrefix
func (m *Manager) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	err := m.do(func(c *redis.Client) error {
		iter := c.Scan(ctx, 0, m.key(pattern), scanBatch).Iterator()
		for iter.Next(ctx) {
			out = append(out, strings.TrimPrefix(iter.Val(), m.config.KeyPrefix))
		}
		return iter.Err()
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		return nil, fmt.Errorf("cache scan: %w", err)
	}
	return out, err
}

// Ping 检查连接
func (m *Manager) Ping(ctx context.Context) error {
	return m.do(func(c *redis.Client) error {
		return c.Ping(ctx).Err()
	})
}

// Close 停止探活并关闭客户端；可重复调用
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.stop)
	return m.client.Close()
}

func (m *Manager) probe(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		if err := m.Ping(ctx); err != nil && !errors.Is(err, ErrClosed) {
			m.logger.Warn("redis health probe failed", zap.Error(err))
		}
		cancel()
	}
}
