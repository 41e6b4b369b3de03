package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/apierr"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/config"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/models"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/queue"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/state"
)

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) (*Server, *state.AppState) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{DefaultModel: "gemini-2.5-pro", LogDir: t.TempDir()}
	if mutate != nil {
		mutate(cfg)
	}
	st := state.New(cfg)
	st.Catalogue.Replace([]models.Model{
		{ID: "gemini-2.5-pro"},
		{ID: "gemini-2.5-flash"},
	})
	return NewServer(st), st
}

func doRequest(s *Server, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

// resolveNext emulates the queue worker for one request.
func resolveNext(t *testing.T, st *state.AppState, result *queue.Result, failure error) {
	t.Helper()
	go func() {
		env, ok := st.Queue.PopWait(5 * time.Second)
		if !ok {
			return
		}
		if failure != nil {
			env.Future.Fail(failure)
			return
		}
		env.Future.Resolve(result)
	}()
}

func TestChatCompletionsValidation(t *testing.T) {
	s, _ := newTestServer(t, nil)

	cases := []struct {
		name    string
		body    string
		message string
	}{
		{"invalid json", `{"messages":[`, "not valid JSON"},
		{"missing messages", `{"model":"gemini-2.5-pro"}`, "non-empty array"},
		{"empty messages", `{"messages":[]}`, "non-empty array"},
		{"only system turns", `{"messages":[{"role":"system","content":"rules"}]}`, "non-system message"},
		{"blank content", `{"messages":[{"role":"user","content":"   "}]}`, "prompt is empty"},
		{"unknown model", `{"model":"gpt-oss","messages":[{"role":"user","content":"hi"}]}`, "unknown model"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(s, http.MethodPost, "/v1/chat/completions", tc.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_request_error", gjson.Get(rec.Body.String(), "error.type").String())
			assert.Contains(t, gjson.Get(rec.Body.String(), "error.message").String(), tc.message)
		})
	}
}

func TestChatCompletionsJSONResult(t *testing.T) {
	s, st := newTestServer(t, nil)
	resolveNext(t, st, &queue.Result{JSON: []byte(`{"object":"chat.completion","choices":[{"message":{"content":"hi there"}}]}`)}, nil)

	body := `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hello"}]}`
	rec := doRequest(s, http.MethodPost, "/v1/chat/completions", body, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "hi there", gjson.Get(rec.Body.String(), "choices.0.message.content").String())
}

func TestChatCompletionsErrorResult(t *testing.T) {
	s, st := newTestServer(t, nil)
	resolveNext(t, st, nil, apierr.New(apierr.KindGatewayTimeout, "completion wait exceeded budget"))

	body := `{"messages":[{"role":"user","content":"hello"}]}`
	rec := doRequest(s, http.MethodPost, "/v1/chat/completions", body, nil)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "gateway_timeout", gjson.Get(rec.Body.String(), "error.type").String())
}

func streamOf(items ...queue.StreamItem) <-chan queue.StreamItem {
	ch := make(chan queue.StreamItem, len(items))
	for _, item := range items {
		ch <- item
	}
	close(ch)
	return ch
}

func TestChatCompletionsSSE(t *testing.T) {
	s, st := newTestServer(t, nil)
	resolveNext(t, st, &queue.Result{Stream: streamOf(
		queue.StreamItem{Data: []byte(`{"choices":[{"delta":{"content":"Hel"}}]}`)},
		queue.StreamItem{Data: []byte(`{"choices":[{"delta":{"content":"lo"}}]}`)},
	)}, nil)

	body := `{"stream":true,"messages":[{"role":"user","content":"hello"}]}`
	rec := doRequest(s, http.MethodPost, "/v1/chat/completions", body, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	payload := rec.Body.String()
	assert.Contains(t, payload, `data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n\n")
	assert.Contains(t, payload, `data: {"choices":[{"delta":{"content":"lo"}}]}`+"\n\n")
	assert.True(t, strings.HasSuffix(payload, "data: [DONE]\n\n"))
}

func TestChatCompletionsSSEMidStreamError(t *testing.T) {
	s, st := newTestServer(t, nil)
	resolveNext(t, st, &queue.Result{Stream: streamOf(
		queue.StreamItem{Data: []byte(`{"choices":[{"delta":{"content":"partial"}}]}`)},
		queue.StreamItem{Err: apierr.New(apierr.KindUpstreamError, "stream interrupted")},
	)}, nil)

	body := `{"stream":true,"messages":[{"role":"user","content":"hello"}]}`
	rec := doRequest(s, http.MethodPost, "/v1/chat/completions", body, nil)

	require.Equal(t, http.StatusOK, rec.Code, "the status was already committed")
	payload := rec.Body.String()
	assert.Contains(t, payload, "partial")
	assert.Contains(t, payload, `"type":"upstream_error"`)
	assert.NotContains(t, payload, "[DONE]", "an interrupted stream never reports completion")
}

func TestChatCompletionsSSEErrorBeforeFirstChunk(t *testing.T) {
	s, st := newTestServer(t, nil)
	resolveNext(t, st, &queue.Result{Stream: streamOf(
		queue.StreamItem{Err: apierr.New(apierr.KindQuotaExceeded, "quota exhausted")},
	)}, nil)

	body := `{"stream":true,"messages":[{"role":"user","content":"hello"}]}`
	rec := doRequest(s, http.MethodPost, "/v1/chat/completions", body, nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "quota_exceeded", gjson.Get(rec.Body.String(), "error.type").String())
}

func TestOpenAIModels(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := doRequest(s, http.MethodGet, "/v1/models", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	payload := rec.Body.String()
	assert.Equal(t, "list", gjson.Get(payload, "object").String())
	assert.Equal(t, int64(2), gjson.Get(payload, "data.#").Int())
	assert.Equal(t, "gemini-2.5-flash", gjson.Get(payload, "data.0.id").String())
	assert.Equal(t, "google", gjson.Get(payload, "data.0.owned_by").String())
}

func TestAuthMiddleware(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.APIKeys = []string{"sk-valid"}
		cfg.AuthExcludedPaths = []string{"/api/model-capabilities/*"}
	})

	rec := doRequest(s, http.MethodGet, "/v1/models", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(s, http.MethodGet, "/v1/models", "", http.Header{"Authorization": {"Bearer sk-wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "authentication_error", gjson.Get(rec.Body.String(), "error.type").String())

	rec = doRequest(s, http.MethodGet, "/v1/models", "", http.Header{"Authorization": {"Bearer sk-valid"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/v1/models?key=sk-valid", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Built-in and configured exclusions bypass authentication.
	rec = doRequest(s, http.MethodGet, "/health", "", nil)
	assert.NotEqual(t, http.StatusUnauthorized, rec.Code)
	rec = doRequest(s, http.MethodGet, "/api/model-capabilities/gemini-2.5-pro", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth(t *testing.T) {
	s, st := newTestServer(t, nil)

	rec := doRequest(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", gjson.Get(rec.Body.String(), "status").String())

	st.Initialized.Store(true)
	st.WorkerAlive.Store(true)
	rec = doRequest(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", gjson.Get(rec.Body.String(), "status").String())
}

func TestCancel(t *testing.T) {
	s, st := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/v1/cancel/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env := queue.NewEnvelope([]byte(`{}`), "gemini-2.5-pro", false, queue.ContextLiveness{Ctx: context.Background()})
	require.True(t, st.Queue.Push(env))

	rec = doRequest(s, http.MethodPost, "/v1/cancel/"+env.ReqID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "cancelled").Bool())
	assert.True(t, env.Cancelled())
	assert.True(t, env.Future.Resolved())
}

func TestQueueSnapshot(t *testing.T) {
	s, st := newTestServer(t, nil)
	env := queue.NewEnvelope([]byte(`{}`), "gemini-2.5-pro", true, queue.ContextLiveness{Ctx: context.Background()})
	require.True(t, st.Queue.Push(env))

	rec := doRequest(s, http.MethodGet, "/v1/queue", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	payload := rec.Body.String()
	assert.Equal(t, int64(1), gjson.Get(payload, "queue_length").Int())
	assert.Equal(t, env.ReqID, gjson.Get(payload, "items.0.req_id").String())
	assert.True(t, gjson.Get(payload, "items.0.stream").Bool())
	assert.False(t, gjson.Get(payload, "processing").Bool())
}

func TestModelCapabilities(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(s, http.MethodGet, "/api/model-capabilities", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "budget", gjson.Get(rec.Body.String(), "gemini-2\\.5-pro.thinking_type").String())

	rec = doRequest(s, http.MethodGet, "/api/model-capabilities/gemini-2.5-flash", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(24576), gjson.Get(rec.Body.String(), "budget_max").Int())

	rec = doRequest(s, http.MethodGet, "/api/model-capabilities/unmatched-model", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUsageWithoutStore(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := doRequest(s, http.MethodGet, "/api/usage", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "models").IsObject())
}

func TestRootBanner(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := doRequest(s, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/v1/chat/completions")
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := doRequest(s, http.MethodOptions, "/v1/chat/completions", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
