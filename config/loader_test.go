// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentrelay/agent/discovery"
	"github.com/BaSui01/agentrelay/agent/persistence"
)

// noEnv 隔离进程环境变量
func noEnv(string) (string, bool) { return "", false }

func mapEnv(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// 服务器
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 5*time.Minute, cfg.Server.RequestTimeout)

	// 发现与转发
	assert.Equal(t, "auto", cfg.Peers.Mode)
	assert.Equal(t, "agent", cfg.Peers.ProbeHost)
	assert.Equal(t, 4, cfg.Discovery.Concurrency)
	assert.True(t, cfg.Dispatch.Async)

	// 跟踪器阈值
	assert.Equal(t, 3*time.Minute, cfg.Tracker.Dwell)
	assert.Equal(t, 10*time.Minute, cfg.Tracker.Ceiling)
	assert.Equal(t, 5, cfg.Tracker.MaxProbeFailures)

	// 链路存储默认在内存中
	assert.Equal(t, persistence.StoreTypeMemory, cfg.ChainStore.Type)
	assert.Equal(t, []string{"youtube.com", "youtu.be"}, cfg.Origin.AllowedHosts)

	require.NoError(t, cfg.Validate())
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().WithLookupEnv(noEnv).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).
		WithLookupEnv(noEnv).
		Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
server:
  http_port: 8001
  read_timeout: 45s
stage:
  kind: extractor
  name: recipe-extractor
  processor_url: http://localhost:9000/process
peers:
  mode: local
  local:
    - name: storer
      address: http://localhost:8002
tracker:
  dwell: 1m
  ceiling: 4m
chain_store:
  type: redis
  key_prefix: "chains:"
  cleanup:
    retention: 2h
log:
  level: debug
  format: console
`)

	cfg, err := NewLoader().WithConfigPath(path).WithLookupEnv(noEnv).Load()
	require.NoError(t, err)

	assert.Equal(t, 8001, cfg.Server.HTTPPort)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "extractor", cfg.Stage.Kind)
	assert.Equal(t, "recipe-extractor", cfg.Stage.Name)
	assert.Equal(t, []discovery.Peer{{Name: "storer", Address: "http://localhost:8002"}}, cfg.Peers.Local)
	assert.Equal(t, time.Minute, cfg.Tracker.Dwell)
	assert.Equal(t, 4*time.Minute, cfg.Tracker.Ceiling)
	assert.Equal(t, persistence.StoreTypeRedis, cfg.ChainStore.Type)
	assert.Equal(t, "chains:", cfg.ChainStore.KeyPrefix)
	assert.Equal(t, 2*time.Hour, cfg.ChainStore.Cleanup.Retention)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 未出现的键保留默认值
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.True(t, cfg.Stage.LexiconFallback)
}

func TestLoader_LoadFromTOML(t *testing.T) {
	path := writeFile(t, "relay.toml", `
[server]
http_port = 8003

[stage]
kind = "storer"
lexicon_fallback = false

[peers]
mode = "fleet"

[[peers.fleet]]
name = "extractor"
address = "http://extractor:8001"

[database]
driver = "sqlite"
name = "chains.db"
`)

	cfg, err := NewLoader().WithConfigPath(path).WithLookupEnv(noEnv).Load()
	require.NoError(t, err)

	assert.Equal(t, 8003, cfg.Server.HTTPPort)
	assert.Equal(t, "storer", cfg.Stage.Kind)
	assert.False(t, cfg.Stage.LexiconFallback)
	assert.Equal(t, "fleet", cfg.Peers.Mode)
	assert.Equal(t, []discovery.Peer{{Name: "extractor", Address: "http://extractor:8001"}}, cfg.Peers.Fleet)
	assert.Equal(t, "chains.db", cfg.Database.DSN())
}

func TestLoader_UnsupportedExtension(t *testing.T) {
	path := writeFile(t, "relay.json", `{}`)
	_, err := NewLoader().WithConfigPath(path).WithLookupEnv(noEnv).Load()
	assert.Error(t, err)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := writeFile(t, "relay.yaml", "server: [unclosed")
	_, err := NewLoader().WithConfigPath(path).WithLookupEnv(noEnv).Load()
	assert.Error(t, err)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	env := map[string]string{
		"AGENTRELAY_SERVER_HTTP_PORT":            "7777",
		"AGENTRELAY_STAGE_KIND":                  "transcriber",
		"AGENTRELAY_DISPATCH_ASYNC":              "false",
		"AGENTRELAY_DISPATCH_FORWARD_TIMEOUT":    "12s",
		"AGENTRELAY_TRACKER_MAX_PROBE_FAILURES":  "9",
		"AGENTRELAY_CHAIN_STORE_TYPE":            "file",
		"AGENTRELAY_CHAIN_STORE_CLEANUP_ENABLED": "false",
		"AGENTRELAY_ORIGIN_ALLOWED_HOSTS":        "youtube.com, m.youtube.com ,",
		"AGENTRELAY_TELEMETRY_SAMPLE_RATE":       "0.5",
	}

	cfg, err := NewLoader().WithLookupEnv(mapEnv(env)).Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, "transcriber", cfg.Stage.Kind)
	assert.False(t, cfg.Dispatch.Async)
	assert.Equal(t, 12*time.Second, cfg.Dispatch.ForwardTimeout)
	assert.Equal(t, 9, cfg.Tracker.MaxProbeFailures)
	assert.Equal(t, persistence.StoreTypeFile, cfg.ChainStore.Type)
	assert.False(t, cfg.ChainStore.Cleanup.Enabled)
	assert.Equal(t, []string{"youtube.com", "m.youtube.com"}, cfg.Origin.AllowedHosts)
	assert.InDelta(t, 0.5, cfg.Telemetry.SampleRate, 0.0001)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
server:
  http_port: 8888
stage:
  name: yaml-stage
  kind: storer
`)
	env := map[string]string{
		"AGENTRELAY_SERVER_HTTP_PORT": "9999",
		"AGENTRELAY_STAGE_NAME":       "env-stage",
	}

	cfg, err := NewLoader().WithConfigPath(path).WithLookupEnv(mapEnv(env)).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "env-stage", cfg.Stage.Name)
	// 文件中的值保留
	assert.Equal(t, "storer", cfg.Stage.Kind)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYRELAY_SERVER_HTTP_PORT", "6666")

	cfg, err := NewLoader().WithEnvPrefix("MYRELAY").Load()
	require.NoError(t, err)
	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	_, err := NewLoader().WithLookupEnv(mapEnv(map[string]string{
		"AGENTRELAY_TRACKER_DWELL": "soon",
	})).Load()
	assert.Error(t, err)
}

func TestLoader_Validators(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
tracker:
  dwell: 10m
  ceiling: 3m
`)
	_, err := NewLoader().
		WithConfigPath(path).
		WithLookupEnv(noEnv).
		WithValidator((*Config).Validate).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dwell must be shorter than ceiling")
}

// --- 校验测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.HTTPPort = 70000 }, "invalid HTTP port"},
		{"port clash", func(c *Config) { c.Server.MetricsPort = c.Server.HTTPPort }, "metrics port"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
		{"bad stage kind", func(c *Config) { c.Stage.Kind = "uploader" }, "stage kind"},
		{"bad peer mode", func(c *Config) { c.Peers.Mode = "cloud" }, "peers mode"},
		{"zero concurrency", func(c *Config) { c.Discovery.Concurrency = 0 }, "concurrency"},
		{"dwell equals ceiling", func(c *Config) { c.Tracker.Dwell = c.Tracker.Ceiling }, "dwell"},
		{"negative probe failures", func(c *Config) { c.Tracker.MaxProbeFailures = -1 }, "max_probe_failures"},
		{"bad store", func(c *Config) { c.ChainStore.Type = "etcd" }, "chain store type"},
		{"sql with bad driver", func(c *Config) {
			c.ChainStore.Type = persistence.StoreTypeSQL
			c.Database.Driver = "oracle"
		}, "database driver"},
		{"mongo without uri", func(c *Config) { c.ChainStore.Type = persistence.StoreTypeMongo }, "mongo uri"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateStage(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.ValidateStage())

	cfg.Stage.Kind = "transcriber"
	assert.Error(t, cfg.ValidateStage())

	cfg.Stage.ProcessorURL = "http://localhost:9000"
	assert.NoError(t, cfg.ValidateStage())
}

func TestPeersConfig_PeerSet(t *testing.T) {
	p := PeersConfig{
		Mode:      "local",
		ProbeHost: "agent",
		Local:     []discovery.Peer{{Name: "a", Address: "http://a"}},
	}
	set := p.PeerSet()
	assert.Equal(t, discovery.PeerModeLocal, set.Mode)
	assert.Equal(t, "agent", set.ProbeHost)
	assert.Len(t, set.Local, 1)
	assert.Empty(t, set.Fleet)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DefaultDatabaseConfig()
	assert.Contains(t, d.DSN(), "host=localhost port=5432")

	d.Driver = "mysql"
	d.Port = 3306
	assert.Equal(t, "agentrelay:@tcp(localhost:3306)/agentrelay?parseTime=true", d.DSN())

	d.Driver = "sqlite"
	d.Name = "/tmp/x.db"
	assert.Equal(t, "/tmp/x.db", d.DSN())

	d.Driver = "unknown"
	assert.Empty(t, d.DSN())
}

func TestLoader_Overrides(t *testing.T) {
	loader := NewLoader().WithLookupEnv(mapEnv(map[string]string{
		"AGENTRELAY_SERVER_HTTP_PORT": "7001",
		"AGENTRELAY_STAGE_NAME":       "",
		"AGENTRELAY_DISPATCH_WORKERS": "4",
	}))
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Dispatch.Workers)
	assert.ElementsMatch(t, []string{"AGENTRELAY_SERVER_HTTP_PORT", "AGENTRELAY_DISPATCH_WORKERS"}, loader.Overrides())

	_, err = loader.WithLookupEnv(noEnv).Load()
	require.NoError(t, err)
	assert.Empty(t, loader.Overrides())
}

func TestLoader_YMLExtension(t *testing.T) {
	path := writeFile(t, "relay.yml", "dispatch:\n  queue_size: 32\n")
	cfg, err := NewLoader().WithConfigPath(path).WithLookupEnv(noEnv).Load()
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Dispatch.QueueSize)
}

func TestLoader_ShippedSampleConfig(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join("..", "configs", "agentrelay.yaml")).
		WithLookupEnv(noEnv).
		Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.ValidateStage())

	assert.Equal(t, "extractor", cfg.Stage.Kind)
	assert.Equal(t, "configs/extractor.agent.json", cfg.Stage.DescriptorPath)
	assert.Equal(t, 5*time.Minute, cfg.Server.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.Origin.SubmitTimeout)
	assert.Len(t, cfg.Peers.Local, 3)
	assert.Len(t, cfg.Peers.Fleet, 3)
	assert.Equal(t, "http://storer:8080", cfg.Peers.Fleet[2].Address)
	assert.Equal(t, persistence.StoreTypeMemory, cfg.ChainStore.Type)
}
