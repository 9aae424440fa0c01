package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentrelay/types"
)

type substringMatcher struct{}

func (substringMatcher) Match(q CapabilityQuery, d *StageDescriptor) (*QueryResponse, error) {
	if q.IsEmpty() {
		return nil, types.NewError(types.ErrBadRequest, "empty query")
	}
	for _, name := range d.SkillNames() {
		if q.Skill != "" && strings.Contains(name, q.Skill) {
			return &QueryResponse{Available: true, Details: map[string]any{"matchedBy": MatchedBySkill}}, nil
		}
	}
	return NewUnavailable(), nil
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
}

func (o *recordingObserver) RecordTask(_ string, status string, _ time.Duration) {
	o.mu.Lock()
	o.statuses = append(o.statuses, status)
	o.mu.Unlock()
}

func newTestServer(t *testing.T, handler TaskHandler) *HTTPServer {
	t.Helper()
	src := NewStaticDescriptorSource(&StageDescriptor{
		Name:   "Recipe Extractor",
		Skills: []Skill{{Name: "recipe_extraction"}},
	}, "")
	return NewHTTPServer(nil, src, substringMatcher{}, handler)
}

func doRequest(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPServer_Health(t *testing.T) {
	rec := doRequest(t, newTestServer(t, nil), http.MethodGet, PathHealth, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHTTPServer_Descriptor(t *testing.T) {
	t.Run("rewrites url", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://extractor:8001"+PathDescriptor, nil)
		rec := httptest.NewRecorder()
		newTestServer(t, nil).ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var d StageDescriptor
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
		assert.Equal(t, "http://extractor:8001", d.URL)
	})

	t.Run("missing artifact is 404", func(t *testing.T) {
		src := NewDescriptorSource(filepath.Join(t.TempDir(), "agent.json"), "")
		srv := NewHTTPServer(nil, src, substringMatcher{}, nil)
		rec := doRequest(t, srv, http.MethodGet, PathDescriptor, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), string(types.ErrNotFound))
	})

	t.Run("malformed artifact is 500", func(t *testing.T) {
		src := NewDescriptorSource(writeDescriptor(t, `not json`), "")
		srv := NewHTTPServer(nil, src, substringMatcher{}, nil)
		rec := doRequest(t, srv, http.MethodGet, PathDescriptor, nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), string(types.ErrMalformed))
	})
}

func TestHTTPServer_QuerySkill(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doRequest(t, srv, http.MethodPost, PathQuerySkill, CapabilityQuery{Skill: "recipe"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Available)

	rec = doRequest(t, srv, http.MethodPost, PathQuerySkill, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.ErrBadRequest))

	rec = doRequest(t, srv, http.MethodPost, PathQuerySkill, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPServer_TaskSend(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		obs := &recordingObserver{}
		srv := newTestServer(t, TaskHandlerFunc(func(ctx context.Context, env *TaskEnvelope) (*TaskResult, error) {
			return NewCompletedResult("", env.Metadata, NewArtifact("transcription", NewTextPart("done"))), nil
		}))
		srv.SetObserver(obs)

		env := NewTaskEnvelope("hop-1", Metadata{MetaCorrelationID: "corr"}, NewTextPart("x"))
		rec := doRequest(t, srv, http.MethodPost, PathTasksSend, env)
		require.Equal(t, http.StatusOK, rec.Code)

		var result TaskResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Equal(t, "hop-1", result.TaskID)
		assert.Equal(t, TaskStatusCompleted, result.Status)
		assert.Equal(t, []string{"completed"}, obs.statuses)

		cached, ok := srv.LookupResult("hop-1")
		require.True(t, ok)
		assert.Equal(t, TaskStatusCompleted, cached.Status)
	})

	t.Run("typed error keeps code", func(t *testing.T) {
		srv := newTestServer(t, TaskHandlerFunc(func(ctx context.Context, env *TaskEnvelope) (*TaskResult, error) {
			return nil, types.NewError(types.ErrBadRequest, "Missing or invalid 'youtube_url'")
		}))
		rec := doRequest(t, srv, http.MethodPost, PathTasksSend, NewTaskEnvelope("hop-2", nil, NewTextPart("no url")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var result TaskResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Equal(t, TaskStatusFailed, result.Status)
		assert.Equal(t, types.ErrBadRequest, result.Error.Code)
		assert.Contains(t, result.Error.Message, "youtube_url")
	})

	t.Run("plain error is internal", func(t *testing.T) {
		srv := newTestServer(t, TaskHandlerFunc(func(ctx context.Context, env *TaskEnvelope) (*TaskResult, error) {
			return nil, errors.New("boom")
		}))
		rec := doRequest(t, srv, http.MethodPost, PathTasksSend, NewTaskEnvelope("", nil, NewTextPart("x")))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), string(types.ErrInternalError))
	})

	t.Run("panic is internal", func(t *testing.T) {
		srv := newTestServer(t, TaskHandlerFunc(func(ctx context.Context, env *TaskEnvelope) (*TaskResult, error) {
			panic("unexpected")
		}))
		rec := doRequest(t, srv, http.MethodPost, PathTasksSend, NewTaskEnvelope("", nil, NewTextPart("x")))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), string(types.ErrInternalError))
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := doRequest(t, newTestServer(t, nil), http.MethodPost, PathTasksSend, "{")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no parts", func(t *testing.T) {
		rec := doRequest(t, newTestServer(t, nil), http.MethodPost, PathTasksSend, map[string]any{"taskId": "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHTTPServer_TaskSendRejectsMismatchedPayload(t *testing.T) {
	called := false
	srv := newTestServer(t, TaskHandlerFunc(func(ctx context.Context, env *TaskEnvelope) (*TaskResult, error) {
		called = true
		return NewCompletedResult(env.TaskID, nil), nil
	}))

	tests := []struct {
		name string
		body string
		code int
	}{
		{"text part carrying data", `{"taskId":"m1","message":{"parts":[{"mimeType":"text/plain","data":{"recipe_name":"x"}}]}}`, http.StatusBadRequest},
		{"uri list without uri", `{"taskId":"m2","message":{"parts":[{"mimeType":"text/uri-list"}]}}`, http.StatusBadRequest},
		{"json part without payload", `{"taskId":"m3","message":{"parts":[{"mimeType":"application/json"}]}}`, http.StatusBadRequest},
		{"unknown discriminator passes", `{"taskId":"m4","message":{"parts":[{"mimeType":"image/png","uri":"https://x/y.png"}]}}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called = false
			rec := doRequest(t, srv, http.MethodPost, PathTasksSend, tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.code == http.StatusOK, called)
			if tt.code != http.StatusOK {
				var result TaskResult
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
				assert.Equal(t, types.ErrBadRequest, result.Error.Code)
				assert.Contains(t, result.Error.Message, ErrPartPayloadMismatch.Error())
			}
		})
	}
}

func TestHTTPServer_TaskGet(t *testing.T) {
	srv := newTestServer(t, TaskHandlerFunc(func(ctx context.Context, env *TaskEnvelope) (*TaskResult, error) {
		return NewCompletedResult(env.TaskID, Metadata{"notion_url": "https://notion.so/p"}), nil
	}))
	doRequest(t, srv, http.MethodPost, PathTasksSend, NewTaskEnvelope("known", nil, NewTextPart("x")))

	rec := doRequest(t, srv, http.MethodGet, PathTasksGet+"?taskId=known", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result TaskResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "https://notion.so/p", result.Metadata.String("notion_url"))

	rec = doRequest(t, srv, http.MethodGet, PathTasksGet+"?taskId=unknown", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, TaskStatusCompleted, result.Status)
	assert.True(t, result.Metadata.Bool("synthesized"))

	rec = doRequest(t, srv, http.MethodGet, PathTasksGet, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPServer_ResultCacheBounds(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.ResultCacheSize = 2
	cfg.ResultTTL = time.Minute
	srv := NewHTTPServer(cfg, nil, nil, TaskHandlerFunc(func(ctx context.Context, env *TaskEnvelope) (*TaskResult, error) {
		return NewCompletedResult(env.TaskID, nil), nil
	}))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	srv.now = func() time.Time { return now }

	for _, id := range []string{"a", "b", "c"} {
		doRequest(t, srv, http.MethodPost, PathTasksSend, NewTaskEnvelope(id, nil, NewTextPart("x")))
	}
	assert.Equal(t, 2, srv.ResultCount())
	_, ok := srv.LookupResult("a")
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = srv.LookupResult("b")
	assert.False(t, ok)
	assert.Equal(t, 1, srv.CleanupExpiredResults(time.Minute))
	assert.Equal(t, 0, srv.ResultCount())
}

func TestHTTPServer_ExtraHandlers(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.Handle(PathValidate, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	assert.Equal(t, http.StatusAccepted, doRequest(t, srv, http.MethodPost, PathValidate, nil).Code)
	assert.Equal(t, http.StatusNotFound, doRequest(t, srv, http.MethodGet, "/nope", nil).Code)
}

type noticeSink struct {
	got *CompletionNotice
	err error
}

func (s *noticeSink) ReceiveCompletion(_ context.Context, n *CompletionNotice) error {
	s.got = n
	return s.err
}

func TestCompletionHandler(t *testing.T) {
	sink := &noticeSink{}
	h := CompletionHandler(sink, nil)

	rec := doRequest(t, h, http.MethodPost, PathCallback, CompletionNotice{CorrelationID: "corr", Status: TaskStatusCompleted})
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, sink.got)
	assert.Equal(t, "corr", sink.got.CorrelationID)

	assert.Equal(t, http.StatusBadRequest, doRequest(t, h, http.MethodPost, PathCallback, CompletionNotice{}).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, doRequest(t, h, http.MethodGet, PathCallback, nil).Code)

	sink.err = types.NewError(types.ErrNotFound, "unknown correlation id")
	rec = doRequest(t, h, http.MethodPost, PathCallback, CompletionNotice{CorrelationID: "other"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
