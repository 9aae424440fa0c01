package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/agent/discovery"
	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
	"github.com/BaSui01/agentrelay/agent/tracker"
	"github.com/BaSui01/agentrelay/config"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

func noEnv(string) (string, bool) { return "", false }

// runCLI 以隔离环境执行根命令，返回标准输出
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx := newCommandContext()
	ctx.lookupEnv = noEnv

	var out bytes.Buffer
	cmd := newRootCommandWith(ctx)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// entryStage 模拟入口阶段：接受任务，/tasks/get 报告整条链路已完成
func entryStage(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+a2a.PathTasksSend, func(w http.ResponseWriter, r *http.Request) {
		var env a2a.TaskEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(a2a.NewCompletedResult(env.TaskID, a2a.Metadata{a2a.MetaFlowStep: "youtube"}))
	})
	mux.HandleFunc("GET "+a2a.PathTasksGet, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(a2a.NewCompletedResult(r.URL.Query().Get("taskId"), a2a.Metadata{
			a2a.MetaFlowStep:      "completed",
			a2a.MetaFlowCompleted: true,
		}))
	})
	mux.HandleFunc("GET "+a2a.PathHealth, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func originServer(t *testing.T, entryURL string) *httptest.Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Tracker.EntryURL = entryURL
	cfg.Origin.WatchInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rt, err := buildOrigin(ctx, cfg, backendOptions{}, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.backends.Close(context.Background()) })

	ts := httptest.NewServer(rt.handler)
	t.Cleanup(ts.Close)
	return ts
}

// =============================================================================
// 🧪 version / health
// =============================================================================

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "AgentRelay "+Version)
	assert.Contains(t, out, "Git Commit: "+GitCommit)
}

func TestHealthCommand(t *testing.T) {
	entry := entryStage(t)

	out, err := runCLI(t, "health", "--addr", entry.URL)
	require.NoError(t, err)
	assert.Equal(t, "OK\n", out)
}

// =============================================================================
// 🧪 submit / status
// =============================================================================

func TestSubmitCommand_Watch(t *testing.T) {
	origin := originServer(t, entryStage(t).URL)

	out, err := runCLI(t, "submit", "--origin", origin.URL, "--watch", "https://youtu.be/abc")
	require.NoError(t, err)
	assert.Contains(t, out, "Task: ")
	assert.Contains(t, out, string(tracker.StateCompleted))
	assert.Contains(t, out, "Status")
}

func TestSubmitCommand_InvalidURL(t *testing.T) {
	origin := originServer(t, entryStage(t).URL)

	_, err := runCLI(t, "submit", "--origin", origin.URL, "https://vimeo.com/1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "submit failed (400)")
}

func TestStatusCommand(t *testing.T) {
	origin := originServer(t, entryStage(t).URL)

	resp, err := newOriginClient(origin.URL, 5*time.Second).Submit(context.Background(), "https://youtu.be/abc")
	require.NoError(t, err)
	require.NotEmpty(t, resp.TaskID)

	out, err := runCLI(t, "status", "--origin", origin.URL, "--json", resp.TaskID)
	require.NoError(t, err)

	var rec tracker.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, resp.TaskID, rec.TaskID)
	assert.Equal(t, tracker.StateCompleted, rec.Status)

	out, err = runCLI(t, "status", "--origin", origin.URL, resp.TaskID)
	require.NoError(t, err)
	assert.Contains(t, out, resp.TaskID)
}

func TestStatusCommand_NotFound(t *testing.T) {
	origin := originServer(t, entryStage(t).URL)

	_, err := runCLI(t, "status", "--origin", origin.URL, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, tracker.ErrNotFound)
}

// =============================================================================
// 🧪 discover
// =============================================================================

func TestDiscoverCommand(t *testing.T) {
	extractor := httptest.NewServer(a2a.NewHTTPServer(nil, a2a.NewStaticDescriptorSource(&a2a.StageDescriptor{
		Name:   "extractor",
		Skills: []a2a.Skill{{Name: "recipe_extraction"}},
	}, ""), discovery.NewMatcher(&discovery.MatcherConfig{Profile: discovery.ExtractorProfile, LexiconFallback: true}, nil), nil))
	defer extractor.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	path := filepath.Join(t.TempDir(), "relay.yaml")
	cfgYAML := fmt.Sprintf(`peers:
  mode: local
  local:
    - name: broken
      address: %s
    - name: extractor
      address: %s
discovery:
  peer_timeout: 2s
  concurrency: 2
  retry_count: 0
`, broken.URL, extractor.URL)
	require.NoError(t, os.WriteFile(path, []byte(cfgYAML), 0o600))

	out, err := runCLI(t, "--config", path, "discover", "--skill", "recipe")
	require.NoError(t, err)
	assert.Contains(t, out, "Peers (local): 2, qualified: 1")
	assert.Contains(t, out, "extractor")
	assert.Contains(t, out, "skill=skill")
	assert.NotContains(t, out, broken.URL)
}

func TestDiscoverRows(t *testing.T) {
	rows := discoverRows([]discovery.QualifiedStage{{
		Peer: discovery.Peer{Name: "peer-1", Address: "http://storer:8080"},
		Descriptor: &a2a.StageDescriptor{
			Name:         "storer",
			Capabilities: []a2a.Capability{a2a.CapabilityStoreRecord},
		},
		MatchedBy: map[string]a2a.MatchedBy{
			"skill":           a2a.MatchedByLexicon,
			"capability_type": a2a.MatchedByCapabilityType,
		},
	}})

	require.Len(t, rows, 1)
	assert.Equal(t, "storer", rows[0][0])
	assert.Equal(t, "http://storer:8080", rows[0][1])
	assert.Equal(t, string(a2a.CapabilityStoreRecord), rows[0][2])
	assert.Equal(t, "capability_type=capability_type, skill=lexicon", rows[0][3])
}

// =============================================================================
// 🧪 migrate
// =============================================================================

func TestMigrateCommand_SQLite(t *testing.T) {
	dbURL := "file:" + filepath.Join(t.TempDir(), "relay.db") + "?_pragma=busy_timeout(5000)"
	conn := []string{"--db-type", "sqlite", "--db-url", dbURL}

	out, err := runCLI(t, append([]string{"migrate", "version"}, conn...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "No migrations applied yet")

	out, err = runCLI(t, append([]string{"migrate", "up"}, conn...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Current version: 1")

	out, err = runCLI(t, append([]string{"migrate", "status"}, conn...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "create_task_chains")

	out, err = runCLI(t, append([]string{"migrate", "down"}, conn...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Rollback complete. Current version: 0")
}

func TestMigrateCommand_InvalidArgs(t *testing.T) {
	dbURL := "file:" + filepath.Join(t.TempDir(), "relay.db")
	_, err := runCLI(t, "migrate", "goto", "abc", "--db-type", "sqlite", "--db-url", dbURL)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "invalid version number"))

	_, err = runCLI(t, "migrate", "up", "--db-type", "oracle", "--db-url", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create migrator")
}
