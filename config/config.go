package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/agentrelay/agent/discovery"
	"github.com/BaSui01/agentrelay/agent/persistence"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 AgentRelay 的完整配置结构
type Config struct {
	// Server HTTP 服务器配置
	Server ServerConfig `yaml:"server" toml:"server" env:"SERVER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" toml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标配置
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics" env:"METRICS"`

	// Stage 本进程承担的阶段
	Stage StageConfig `yaml:"stage" toml:"stage" env:"STAGE"`

	// Peers 对端阶段地址
	Peers PeersConfig `yaml:"peers" toml:"peers" env:"PEERS"`

	// Discovery 发现客户端配置
	Discovery DiscoveryConfig `yaml:"discovery" toml:"discovery" env:"DISCOVERY"`

	// Dispatch 转发配置
	Dispatch DispatchConfig `yaml:"dispatch" toml:"dispatch" env:"DISPATCH"`

	// Tracker 完成跟踪器配置（仅入口）
	Tracker TrackerConfig `yaml:"tracker" toml:"tracker" env:"TRACKER"`

	// ChainStore 链路状态存储
	ChainStore persistence.StoreConfig `yaml:"chain_store" toml:"chain_store" env:"CHAIN_STORE"`

	// Redis 缓存配置
	Redis RedisConfig `yaml:"redis" toml:"redis" env:"REDIS"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" toml:"database" env:"DATABASE"`

	// Mongo MongoDB 配置
	Mongo MongoConfig `yaml:"mongo" toml:"mongo" env:"MONGO"`

	// Origin 入口服务配置
	Origin OriginConfig `yaml:"origin" toml:"origin" env:"ORIGIN"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" toml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" toml:"metrics_port" env:"METRICS_PORT"`
	// 对外地址，用于改写描述符中的 url；为空时按请求推断
	PublicURL string `yaml:"public_url" toml:"public_url" env:"PUBLIC_URL"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" toml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 单个任务的处理超时
	RequestTimeout time.Duration `yaml:"request_timeout" toml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// 请求体大小上限
	MaxBodyBytes int64 `yaml:"max_body_bytes" toml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	// /tasks/get 保留的最近结果数
	ResultCacheSize int `yaml:"result_cache_size" toml:"result_cache_size" env:"RESULT_CACHE_SIZE"`
	// 结果保留时长
	ResultTTL time.Duration `yaml:"result_ttl" toml:"result_ttl" env:"RESULT_TTL"`
	// 每 IP 限流
	RateLimitRPS   float64 `yaml:"rate_limit_rps" toml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" toml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" toml:"level" env:"LEVEL"`
	// 输出格式: json, console, auto（终端时使用 console）
	Format string `yaml:"format" toml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" toml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" toml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" toml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" toml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" toml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// 是否启用独立的 /metrics 监听
	Enabled bool `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	// 指标命名空间
	Namespace string `yaml:"namespace" toml:"namespace" env:"NAMESPACE"`
}

// StageConfig 阶段配置
type StageConfig struct {
	// 阶段类型: transcriber, extractor, storer
	Kind string `yaml:"kind" toml:"kind" env:"KIND"`
	// 阶段名称，写入 source_agent 与跳转记录；为空时使用描述符名称
	Name string `yaml:"name" toml:"name" env:"NAME"`
	// 静态描述符文件路径
	DescriptorPath string `yaml:"descriptor_path" toml:"descriptor_path" env:"DESCRIPTOR_PATH"`
	// 是否启用短语词典兜底匹配
	LexiconFallback bool `yaml:"lexicon_fallback" toml:"lexicon_fallback" env:"LEXICON_FALLBACK"`
	// 领域协作者地址
	ProcessorURL string `yaml:"processor_url" toml:"processor_url" env:"PROCESSOR_URL"`
	// 协作者调用超时
	ProcessorTimeout time.Duration `yaml:"processor_timeout" toml:"processor_timeout" env:"PROCESSOR_TIMEOUT"`
	// 完成通知超时
	NotifyTimeout time.Duration `yaml:"notify_timeout" toml:"notify_timeout" env:"NOTIFY_TIMEOUT"`
}

// PeersConfig 对端地址配置
type PeersConfig struct {
	// 模式: auto, local, fleet
	Mode string `yaml:"mode" toml:"mode" env:"MODE"`
	// auto 模式下解析的主机名
	ProbeHost string `yaml:"probe_host" toml:"probe_host" env:"PROBE_HOST"`
	// 本机地址
	Local []discovery.Peer `yaml:"local" toml:"local"`
	// 容器网络地址
	Fleet []discovery.Peer `yaml:"fleet" toml:"fleet"`
}

// PeerSet 转换为 discovery.PeerSet
func (p PeersConfig) PeerSet() discovery.PeerSet {
	return discovery.PeerSet{
		Mode:      discovery.PeerMode(p.Mode),
		Local:     p.Local,
		Fleet:     p.Fleet,
		ProbeHost: p.ProbeHost,
	}
}

// DiscoveryConfig 发现配置
type DiscoveryConfig struct {
	// 单个对端调用超时
	PeerTimeout time.Duration `yaml:"peer_timeout" toml:"peer_timeout" env:"PEER_TIMEOUT"`
	// 并发探测数
	Concurrency int `yaml:"concurrency" toml:"concurrency" env:"CONCURRENCY"`
	// 描述符缓存时长，0 表示不缓存
	DescriptorCacheTTL time.Duration `yaml:"descriptor_cache_ttl" toml:"descriptor_cache_ttl" env:"DESCRIPTOR_CACHE_TTL"`
	// 幂等 GET 请求的重试次数
	RetryCount int `yaml:"retry_count" toml:"retry_count" env:"RETRY_COUNT"`
}

// DispatchConfig 转发配置
type DispatchConfig struct {
	// 是否在返回本地结果后异步转发
	Async bool `yaml:"async" toml:"async" env:"ASYNC"`
	// 整个转发（发现 + POST）的超时
	Timeout time.Duration `yaml:"timeout" toml:"timeout" env:"TIMEOUT"`
	// 单次 POST /tasks/send 的超时
	ForwardTimeout time.Duration `yaml:"forward_timeout" toml:"forward_timeout" env:"FORWARD_TIMEOUT"`
	// 异步转发的最大并发数
	Workers int `yaml:"workers" toml:"workers" env:"WORKERS"`
	// 异步转发队列长度，满时同步转发
	QueueSize int `yaml:"queue_size" toml:"queue_size" env:"QUEUE_SIZE"`
}

// TrackerConfig 完成跟踪器配置
type TrackerConfig struct {
	// 入口阶段地址
	EntryURL string `yaml:"entry_url" toml:"entry_url" env:"ENTRY_URL"`
	// 终端阶段地址
	TerminalURL string `yaml:"terminal_url" toml:"terminal_url" env:"TERMINAL_URL"`
	// 健康推断前的等待时间
	Dwell time.Duration `yaml:"dwell" toml:"dwell" env:"DWELL"`
	// 强制完成的上限时间
	Ceiling time.Duration `yaml:"ceiling" toml:"ceiling" env:"CEILING"`
	// 允许的连续探测失败次数
	MaxProbeFailures int `yaml:"max_probe_failures" toml:"max_probe_failures" env:"MAX_PROBE_FAILURES"`
	// 单次探测超时
	ProbeTimeout time.Duration `yaml:"probe_timeout" toml:"probe_timeout" env:"PROBE_TIMEOUT"`
	// 跟踪任务数上限
	Capacity int `yaml:"capacity" toml:"capacity" env:"CAPACITY"`
	// 记录保留时长
	TTL time.Duration `yaml:"ttl" toml:"ttl" env:"TTL"`
	// 清理周期
	CleanupInterval time.Duration `yaml:"cleanup_interval" toml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" toml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" toml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" toml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" toml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" toml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix" env:"KEY_PREFIX"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" toml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" toml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" toml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" toml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" toml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" toml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" toml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" toml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" toml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// MongoConfig MongoDB 配置
type MongoConfig struct {
	// 连接 URI
	URI string `yaml:"uri" toml:"uri" env:"URI"`
	// 数据库名
	Database string `yaml:"database" toml:"database" env:"DATABASE"`
	// 连接超时
	ConnectTimeout time.Duration `yaml:"connect_timeout" toml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// OriginConfig 入口服务配置
type OriginConfig struct {
	// 入口阶段名称，写入 source_agent
	Name string `yaml:"name" toml:"name" env:"NAME"`
	// 完成回调地址；为空时不下发 callback_url
	CallbackURL string `yaml:"callback_url" toml:"callback_url" env:"CALLBACK_URL"`
	// 提交时转发到入口阶段的超时
	SubmitTimeout time.Duration `yaml:"submit_timeout" toml:"submit_timeout" env:"SUBMIT_TIMEOUT"`
	// websocket 推送的轮询间隔
	WatchInterval time.Duration `yaml:"watch_interval" toml:"watch_interval" env:"WATCH_INTERVAL"`
	// 允许提交的视频主机
	AllowedHosts []string `yaml:"allowed_hosts" toml:"allowed_hosts" env:"ALLOWED_HOSTS"`
}

// =============================================================================
// ✅ 校验
// =============================================================================

var (
	validStageKinds = map[string]bool{"transcriber": true, "extractor": true, "storer": true}
	validDrivers    = map[string]bool{"postgres": true, "mysql": true, "sqlite": true}
	validLogFormats = map[string]bool{"json": true, "console": true, "auto": true}
)

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	// 验证服务器配置
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Metrics.Enabled && (c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535) {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.MetricsPort == c.Server.HTTPPort && c.Metrics.Enabled {
		errs = append(errs, "metrics port must differ from HTTP port")
	}

	if !validLogFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("unknown log format %q", c.Log.Format))
	}

	if c.Stage.Kind != "" && !validStageKinds[c.Stage.Kind] {
		errs = append(errs, fmt.Sprintf("unknown stage kind %q", c.Stage.Kind))
	}

	if !discovery.PeerMode(c.Peers.Mode).IsValid() {
		errs = append(errs, fmt.Sprintf("invalid peers mode %q", c.Peers.Mode))
	}
	if c.Discovery.Concurrency <= 0 {
		errs = append(errs, "discovery concurrency must be positive")
	}

	if c.Tracker.Dwell <= 0 || c.Tracker.Ceiling <= 0 {
		errs = append(errs, "tracker dwell and ceiling must be positive")
	} else if c.Tracker.Dwell >= c.Tracker.Ceiling {
		errs = append(errs, "tracker dwell must be shorter than ceiling")
	}
	if c.Tracker.MaxProbeFailures < 0 {
		errs = append(errs, "tracker max_probe_failures must not be negative")
	}

	if !c.ChainStore.Type.IsValid() {
		errs = append(errs, fmt.Sprintf("unknown chain store type %q", c.ChainStore.Type))
	}
	if c.ChainStore.Type == persistence.StoreTypeSQL && !validDrivers[c.Database.Driver] {
		errs = append(errs, fmt.Sprintf("unknown database driver %q", c.Database.Driver))
	}
	if c.ChainStore.Type == persistence.StoreTypeMongo && c.Mongo.URI == "" {
		errs = append(errs, "mongo uri is required for the mongo chain store")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateStage 在 serve 命令中额外要求阶段类型
func (c *Config) ValidateStage() error {
	if c.Stage.Kind == "" {
		return fmt.Errorf("stage kind is required")
	}
	if c.Stage.ProcessorURL == "" {
		return fmt.Errorf("stage processor_url is required")
	}
	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
