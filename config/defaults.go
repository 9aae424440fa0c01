// =============================================================================
// 📦 AgentRelay 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/agentrelay/agent/persistence"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Metrics:    DefaultMetricsConfig(),
		Stage:      DefaultStageConfig(),
		Peers:      DefaultPeersConfig(),
		Discovery:  DefaultDiscoveryConfig(),
		Dispatch:   DefaultDispatchConfig(),
		Tracker:    DefaultTrackerConfig(),
		ChainStore: persistence.DefaultStoreConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Mongo:      DefaultMongoConfig(),
		Origin:     DefaultOriginConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    6 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RequestTimeout:  5 * time.Minute,
		MaxBodyBytes:    10 << 20,
		ResultCacheSize: 1000,
		ResultTTL:       time.Hour,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentrelay",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "agentrelay",
	}
}

// DefaultStageConfig 返回默认阶段配置
func DefaultStageConfig() StageConfig {
	return StageConfig{
		DescriptorPath:   ".well-known/agent.json",
		LexiconFallback:  true,
		ProcessorTimeout: 5 * time.Minute,
		NotifyTimeout:    10 * time.Second,
	}
}

// DefaultPeersConfig 返回默认对端配置
func DefaultPeersConfig() PeersConfig {
	return PeersConfig{
		Mode:      "auto",
		ProbeHost: "agent",
	}
}

// DefaultDiscoveryConfig 返回默认发现配置
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		PeerTimeout:        5 * time.Second,
		Concurrency:        4,
		DescriptorCacheTTL: 0,
		RetryCount:         1,
	}
}

// DefaultDispatchConfig 返回默认转发配置
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Async:          true,
		Timeout:        time.Minute,
		ForwardTimeout: 30 * time.Second,
		Workers:        16,
		QueueSize:      256,
	}
}

// DefaultTrackerConfig 返回默认跟踪器配置
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Dwell:            3 * time.Minute,
		Ceiling:          10 * time.Minute,
		MaxProbeFailures: 5,
		ProbeTimeout:     3 * time.Second,
		Capacity:         10000,
		TTL:              24 * time.Hour,
		CleanupInterval:  10 * time.Minute,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "agentrelay:",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "agentrelay",
		Password:        "",
		Name:            "agentrelay",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:            "",
		Database:       "agentrelay",
		ConnectTimeout: 10 * time.Second,
	}
}

// DefaultOriginConfig 返回默认入口配置
func DefaultOriginConfig() OriginConfig {
	return OriginConfig{
		Name:          "origin",
		SubmitTimeout: 30 * time.Second,
		WatchInterval: 2 * time.Second,
		AllowedHosts:  []string{"youtube.com", "youtu.be"},
	}
}
