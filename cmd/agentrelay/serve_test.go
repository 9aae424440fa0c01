package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
	"github.com/BaSui01/agentrelay/api/handlers"
	"github.com/BaSui01/agentrelay/config"
)

func stageConfig(t *testing.T, descriptor *a2a.StageDescriptor) *config.Config {
	t.Helper()
	processor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	t.Cleanup(processor.Close)

	cfg := config.DefaultConfig()
	cfg.Stage.Kind = "storer"
	cfg.Stage.ProcessorURL = processor.URL
	cfg.Stage.DescriptorPath = filepath.Join(t.TempDir(), "agent.json")
	cfg.Peers.Mode = "local"

	if descriptor != nil {
		data, err := json.Marshal(descriptor)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(cfg.Stage.DescriptorPath, data, 0o600))
	}
	return cfg
}

func startStage(t *testing.T, cfg *config.Config) (*stageRuntime, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rt, err := buildStage(ctx, cfg, backendOptions{}, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = rt.stage.Shutdown(context.Background())
		_ = rt.backends.Close(context.Background())
	})

	ts := httptest.NewServer(rt.handler)
	t.Cleanup(ts.Close)
	return rt, ts
}

func TestBuildStage_Endpoints(t *testing.T) {
	cfg := stageConfig(t, &a2a.StageDescriptor{
		Name:         "notion-storer",
		Skills:       []a2a.Skill{{Name: "notion_registration"}},
		Capabilities: []a2a.Capability{a2a.CapabilityStoreRecord},
	})
	rt, ts := startStage(t, cfg)
	assert.Equal(t, "notion-storer", rt.name)

	resp, err := http.Get(ts.URL + a2a.PathHealth)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	var ready handlers.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ready))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pass", ready.Checks["chain_store"].Status)

	resp, err = http.Get(ts.URL + a2a.PathDescriptor)
	require.NoError(t, err)
	var d a2a.StageDescriptor
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&d))
	resp.Body.Close()
	assert.Equal(t, "notion-storer", d.Name)
	assert.Equal(t, ts.URL, d.URL)
	// 阶段类型固有能力与文件声明合并
	assert.Equal(t, []a2a.Capability{
		a2a.CapabilityStoreRecord,
		a2a.CapabilityValidateRecord,
		a2a.CapabilityManageRecords,
	}, d.Capabilities)

	resp, err = http.Get(ts.URL + "/version")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBuildStage_MissingDescriptor(t *testing.T) {
	cfg := stageConfig(t, nil)
	rt, ts := startStage(t, cfg)
	assert.Equal(t, "storer", rt.name)

	resp, err := http.Get(ts.URL + a2a.PathDescriptor)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + a2a.PathHealth)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBuildStage_ConfiguredName(t *testing.T) {
	cfg := stageConfig(t, &a2a.StageDescriptor{Name: "from-file"})
	cfg.Stage.Name = "from-config"

	rt, _ := startStage(t, cfg)
	assert.Equal(t, "from-config", rt.name)
}

func TestBuildStage_UnknownKind(t *testing.T) {
	cfg := stageConfig(t, nil)
	cfg.Stage.Kind = "uploader"

	_, err := buildStage(context.Background(), cfg, backendOptions{}, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestResultCleanupInterval(t *testing.T) {
	assert.Equal(t, 15*time.Minute, resultCleanupInterval(time.Hour))
	assert.Equal(t, time.Minute, resultCleanupInterval(time.Minute))
	assert.Equal(t, time.Minute, resultCleanupInterval(0))
}

func TestHTTPServerConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = 9000

	sc := httpServerConfig(cfg)
	assert.Equal(t, ":9000", sc.Addr)
	assert.Equal(t, cfg.Server.ReadTimeout, sc.ReadTimeout)
	assert.Equal(t, 2*cfg.Server.ReadTimeout, sc.IdleTimeout)
	assert.Equal(t, cfg.Server.ShutdownTimeout, sc.ShutdownTimeout)
}

func TestPoolConfig_ClampsIdle(t *testing.T) {
	d := config.DefaultDatabaseConfig()
	d.MaxOpenConns = 2
	d.MaxIdleConns = 10

	p := poolConfig(d)
	assert.Equal(t, 2, p.MaxOpenConns)
	assert.Equal(t, 2, p.MaxIdleConns)
}
