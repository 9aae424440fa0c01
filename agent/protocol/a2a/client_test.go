package a2a

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentrelay/types"
)

func TestNewHTTPClient(t *testing.T) {
	t.Run("with nil config uses defaults", func(t *testing.T) {
		client := NewHTTPClient(nil)
		assert.NotNil(t, client)
		assert.Equal(t, 30*time.Second, client.config.Timeout)
		assert.Equal(t, 0, client.config.RetryCount)
	})

	t.Run("with custom config", func(t *testing.T) {
		client := NewHTTPClient(&ClientConfig{Timeout: 5 * time.Second, RetryCount: 2})
		assert.Equal(t, 5*time.Second, client.config.Timeout)
		assert.NotNil(t, client.config.Headers)
	})
}

func TestHTTPClient_FetchDescriptor(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, PathDescriptor, r.URL.Path)
			_ = json.NewEncoder(w).Encode(StageDescriptor{Name: "storer", Skills: []Skill{{Name: "notion_storage"}}})
		}))
		defer server.Close()

		d, err := NewHTTPClient(nil).FetchDescriptor(context.Background(), server.URL+"/")
		require.NoError(t, err)
		assert.Equal(t, "storer", d.Name)
	})

	t.Run("empty url", func(t *testing.T) {
		_, err := NewHTTPClient(nil).FetchDescriptor(context.Background(), "")
		assert.ErrorIs(t, err, ErrRemoteUnavailable)
	})

	t.Run("non 2xx", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		_, err := NewHTTPClient(nil).FetchDescriptor(context.Background(), server.URL)
		assert.ErrorIs(t, err, ErrUnexpectedStatus)
		assert.Equal(t, http.StatusNotFound, StatusCodeOf(err))
	})

	t.Run("invalid descriptor", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"description":"no name"}`))
		}))
		defer server.Close()

		_, err := NewHTTPClient(nil).FetchDescriptor(context.Background(), server.URL)
		assert.ErrorIs(t, err, ErrInvalidResponse)
	})

	t.Run("unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		addr := server.URL
		server.Close()

		_, err := NewHTTPClient(&ClientConfig{Timeout: time.Second}).FetchDescriptor(context.Background(), addr)
		assert.ErrorIs(t, err, ErrRemoteUnavailable)
	})

	t.Run("cache", func(t *testing.T) {
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			_ = json.NewEncoder(w).Encode(StageDescriptor{Name: "cached"})
		}))
		defer server.Close()

		client := NewHTTPClient(&ClientConfig{Timeout: time.Second, DescriptorCacheTTL: time.Minute})
		for i := 0; i < 3; i++ {
			_, err := client.FetchDescriptor(context.Background(), server.URL)
			require.NoError(t, err)
		}
		assert.Equal(t, int32(1), hits.Load())

		client.ClearCache()
		_, err := client.FetchDescriptor(context.Background(), server.URL)
		require.NoError(t, err)
		assert.Equal(t, int32(2), hits.Load())
	})
}

func TestHTTPClient_GetRetries(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(StageDescriptor{Name: "eventually"})
	}))
	defer server.Close()

	client := NewHTTPClient(&ClientConfig{Timeout: time.Second, RetryCount: 2, RetryDelay: time.Millisecond})
	d, err := client.FetchDescriptor(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "eventually", d.Name)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestHTTPClient_QuerySkill(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var q CapabilityQuery
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		_ = json.NewEncoder(w).Encode(QueryResponse{
			Available: q.Skill == "recipe",
			Details:   map[string]any{"matchedBy": "skill"},
		})
	}))
	defer server.Close()

	client := NewHTTPClient(nil)
	resp, err := client.QuerySkill(context.Background(), server.URL, CapabilityQuery{Skill: "recipe"})
	require.NoError(t, err)
	assert.True(t, resp.Available)
	assert.Equal(t, MatchedBySkill, resp.MatchedBy())

	resp, err = client.QuerySkill(context.Background(), server.URL, CapabilityQuery{Skill: "video"})
	require.NoError(t, err)
	assert.False(t, resp.Available)
}

func TestHTTPClient_SendTask(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, PathTasksSend, r.URL.Path)
			env, err := DecodeEnvelope(mustReadAll(t, r))
			if !assert.NoError(t, err) {
				return
			}
			_ = json.NewEncoder(w).Encode(NewCompletedResult(env.TaskID, env.Metadata))
		}))
		defer server.Close()

		env := NewTaskEnvelope("hop-1", Metadata{MetaFlowStep: "recipe"}, NewTextPart("transcript"))
		result, err := NewHTTPClient(nil).SendTask(context.Background(), server.URL, env)
		require.NoError(t, err)
		assert.Equal(t, "hop-1", result.TaskID)
		assert.Equal(t, TaskStatusCompleted, result.Status)
	})

	t.Run("failed result with status error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(NewFailedResult("hop-2", types.NewError(types.ErrBadRequest, "Missing or invalid 'youtube_url'"), nil))
		}))
		defer server.Close()

		env := NewTaskEnvelope("hop-2", nil, NewTextPart("x"))
		result, err := NewHTTPClient(nil).SendTask(context.Background(), server.URL, env)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnexpectedStatus)
		assert.Equal(t, http.StatusBadRequest, StatusCodeOf(err))
		require.NotNil(t, result)
		assert.Equal(t, types.ErrBadRequest, result.Error.Code)
	})

	t.Run("nil envelope", func(t *testing.T) {
		_, err := NewHTTPClient(nil).SendTask(context.Background(), "http://localhost", nil)
		assert.ErrorIs(t, err, ErrMissingParts)
	})

	t.Run("inconsistent result rejected", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"taskId":"hop-3","status":"working","error":{"code":"InternalError","message":"x"}}`))
		}))
		defer server.Close()

		result, err := NewHTTPClient(nil).SendTask(context.Background(), server.URL, NewTaskEnvelope("hop-3", nil, NewTextPart("x")))
		assert.Nil(t, result)
		assert.ErrorIs(t, err, ErrInvalidResponse)
		assert.ErrorIs(t, err, ErrInvalidStatus)
	})
}

func TestHTTPClient_GetTask(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("taskId") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(&TaskResult{TaskID: r.URL.Query().Get("taskId"), Status: TaskStatusWorking})
	}))
	defer server.Close()

	client := NewHTTPClient(nil)
	result, err := client.GetTask(context.Background(), server.URL, "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", result.TaskID)
	assert.Equal(t, TaskStatusWorking, result.Status)

	_, err = client.GetTask(context.Background(), server.URL, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestHTTPClient_HealthAndNotify(t *testing.T) {
	var notice CompletionNotice
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathHealth:
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		case PathCallback:
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&notice))
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer server.Close()

	client := NewHTTPClient(nil)
	require.NoError(t, client.Health(context.Background(), server.URL))

	err := client.NotifyCompletion(context.Background(), server.URL+PathCallback, &CompletionNotice{
		CorrelationID: "corr-1",
		Status:        TaskStatusCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, "corr-1", notice.CorrelationID)

	assert.ErrorIs(t, client.NotifyCompletion(context.Background(), "", &CompletionNotice{}), ErrRemoteUnavailable)
}

func mustReadAll(t *testing.T, r *http.Request) []byte {
	t.Helper()
	var raw json.RawMessage
	assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
	return raw
}
