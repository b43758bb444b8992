package rookery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer serves /auth/token plus the given handlers, counting
// token issuances.
func newTestServer(t *testing.T, tokenCalls *atomic.Int64, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
		if tokenCalls != nil {
			tokenCalls.Add(1)
		}
		var req struct {
			APIKey string `json:"api_key"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.APIKey != "rk_test_key" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": "UNAUTHORIZED", "message": "invalid api key"},
			})
			return
		}
		writeData(w, http.StatusOK, map[string]any{
			"token":      "jwt-1",
			"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	})
	for pattern, h := range handlers {
		mux.HandleFunc(pattern, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": data,
		"meta": map[string]any{"request_id": "req-1", "timestamp": time.Now().UTC()},
	})
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: baseURL, APIKey: "rk_test_key"})
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{APIKey: "rk_x"})
	assert.Error(t, err)
	_, err = NewClient(Config{BaseURL: "http://localhost:8090"})
	assert.Error(t, err)

	c, err := NewClient(Config{BaseURL: "http://localhost:8090/", APIKey: "rk_x"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8090", c.baseURL, "trailing slash is trimmed")
}

func TestSubmitTaskRoundTrip(t *testing.T) {
	taskID := uuid.New()
	srv := newTestServer(t, nil, map[string]http.HandlerFunc{
		"POST /tasks": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer jwt-1", r.Header.Get("Authorization"))
			var req SubmitTaskRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "summarize the report", req.Input)
			writeData(w, http.StatusAccepted, SubmitTaskResponse{
				Task:   Task{ID: taskID, AgentType: "general", Input: req.Input, Status: "pending"},
				Queued: true,
			})
		},
	})

	c := newTestClient(t, srv.URL)
	resp, err := c.SubmitTask(context.Background(), SubmitTaskRequest{Input: "summarize the report"})
	require.NoError(t, err)
	assert.True(t, resp.Queued)
	assert.Equal(t, taskID, resp.Task.ID)
}

func TestTokenCachedAcrossRequests(t *testing.T) {
	var tokenCalls atomic.Int64
	srv := newTestServer(t, &tokenCalls, map[string]http.HandlerFunc{
		"GET /tasks": func(w http.ResponseWriter, r *http.Request) {
			writeData(w, http.StatusOK, []Task{})
		},
	})

	c := newTestClient(t, srv.URL)
	for i := 0; i < 3; i++ {
		_, err := c.ListTasks(context.Background(), ListTasksOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), tokenCalls.Load(), "the JWT is fetched once and reused")
}

func TestRetriesOnceOnRevokedToken(t *testing.T) {
	var tokenCalls, taskCalls atomic.Int64
	srv := newTestServer(t, &tokenCalls, map[string]http.HandlerFunc{
		"GET /tasks": func(w http.ResponseWriter, r *http.Request) {
			if taskCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{"code": "UNAUTHORIZED", "message": "invalid or expired token"},
				})
				return
			}
			writeData(w, http.StatusOK, []Task{})
		},
	})

	c := newTestClient(t, srv.URL)
	_, err := c.ListTasks(context.Background(), ListTasksOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), taskCalls.Load())
	assert.Equal(t, int64(2), tokenCalls.Load(), "a 401 invalidates the cached token")
}

func TestErrorEnvelopeParsing(t *testing.T) {
	srv := newTestServer(t, nil, map[string]http.HandlerFunc{
		"GET /tasks/{id}": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": "NOT_FOUND", "message": "task not found"},
			})
		},
	})

	c := newTestClient(t, srv.URL)
	_, err := c.GetTask(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
	assert.Equal(t, "task not found", apiErr.Message)
}

func TestNonEnvelopeErrorBody(t *testing.T) {
	srv := newTestServer(t, nil, map[string]http.HandlerFunc{
		"GET /status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream gone\n"))
		},
	})

	c := newTestClient(t, srv.URL)
	_, err := c.Status(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "UNKNOWN", apiErr.Code)
	assert.Equal(t, "upstream gone", apiErr.Message)
}

func TestCapacityError(t *testing.T) {
	srv := newTestServer(t, nil, map[string]http.HandlerFunc{
		"POST /agents": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": "CAPACITY_EXHAUSTED", "message": "agent roster full"},
			})
		},
	})

	c := newTestClient(t, srv.URL)
	_, err := c.SpawnAgent(context.Background(), SpawnAgentRequest{AgentType: "general"})
	assert.True(t, IsCapacity(err))
}

func TestListQueryParameters(t *testing.T) {
	srv := newTestServer(t, nil, map[string]http.HandlerFunc{
		"GET /tasks": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			assert.Equal(t, "pending", q.Get("status"))
			assert.Equal(t, "code", q.Get("agent_type"))
			assert.Equal(t, "5", q.Get("limit"))
			assert.Equal(t, "10", q.Get("offset"))
			writeData(w, http.StatusOK, []Task{{ID: uuid.New()}})
		},
	})

	c := newTestClient(t, srv.URL)
	tasks, err := c.ListTasks(context.Background(), ListTasksOptions{
		Status: "pending", AgentType: "code", Limit: 5, Offset: 10,
	})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestInvalidAPIKeySurfacesUnauthorized(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "rk_wrong"})
	require.NoError(t, err)

	_, err = c.Status(context.Background())
	assert.True(t, IsUnauthorized(err))
}
