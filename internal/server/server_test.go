package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkhongsap/line-bot-connect/internal/cache"
	"github.com/tkhongsap/line-bot-connect/internal/classify"
	"github.com/tkhongsap/line-bot-connect/internal/detector"
	"github.com/tkhongsap/line-bot-connect/internal/middleware"
	"github.com/tkhongsap/line-bot-connect/internal/providers"
	"github.com/tkhongsap/line-bot-connect/internal/routing"
	"github.com/tkhongsap/line-bot-connect/internal/security"
	"github.com/tkhongsap/line-bot-connect/internal/types"
)

const (
	testFP       = types.Fingerprint("https://line.openai.azure.com|gpt-4o|2025-04-01-preview")
	testAPIKey   = "relay-test-key-0001"
	notEnabled   = `{"error":{"code":"OperationNotSupported","message":"The responses operation does not work with the specified model."}}`
	unauthorized = `{"error":{"code":"401","message":"Access denied due to invalid subscription key."}}`
)

// stubSurface answers probes and completions with fixed errors
type stubSurface struct {
	surface types.Surface

	mu          sync.Mutex
	probeErr    error
	completeErr error
}

func (s *stubSurface) Surface() types.Surface { return s.surface }

func (s *stubSurface) Complete(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return nil, s.completeErr
	}
	return &types.ChatResponse{ID: "resp-1", Content: "hello from " + string(s.surface), Model: "gpt-4o"}, nil
}

func (s *stubSurface) Probe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probeErr
}

func (s *stubSurface) set(probeErr, completeErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeErr, s.completeErr = probeErr, completeErr
}

type testServer struct {
	server  *Server
	handler http.Handler
	primary *stubSurface
	legacy  *stubSurface
}

func newTestServer(t *testing.T, mutate func(*ServerConfig)) *testServer {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	primary := &stubSurface{surface: types.SurfacePrimary}
	legacy := &stubSurface{surface: types.SurfaceLegacy}
	clients := providers.NewRegistry()
	clients.Register(testFP, primary, legacy)

	reg := prometheus.NewRegistry()
	det := detector.NewProbeDetector(clients, detector.Options{ProbeRate: 1000, ProbeBurst: 100}, logger)
	c := cache.NewTieredCache(nil, cache.Options{}, logger)
	router := routing.NewRouter(c, det, routing.Options{Registerer: reg}, logger)

	config := &ServerConfig{
		Port:        "0",
		CORSOrigins: []string{"https://admin.example.com"},
		Validation:  &middleware.ValidationConfig{Enabled: true},
	}
	if mutate != nil {
		mutate(config)
	}

	srv, err := NewServer(config, Dependencies{
		Router:      router,
		Executor:    routing.NewExecutor(router, clients, logger),
		Clients:     clients,
		Gatherer:    reg,
		Preferences: types.DefaultRoutingPreferences(),
		Fingerprint: testFP,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop(context.Background()) })

	return &testServer{server: srv, handler: srv.Handler(), primary: primary, legacy: legacy}
}

func (ts *testServer) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

const relayBody = `{"id":"corr-42","user_id":"U1","messages":[{"role":"user","content":"สวัสดีครับ"}]}`

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["degraded"])
	assert.Equal(t, float64(1), body["deployments"])
}

func TestRelay_ServedByPrimary(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/v1/relay", relayBody, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp types.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, types.SurfacePrimary, resp.ServedBy)
	assert.Equal(t, "hello from primary", resp.Content)
	require.NotNil(t, resp.RouterMetadata)
	assert.Equal(t, "corr-42", resp.RouterMetadata.CorrelationID)
	assert.Equal(t, "fresh_detection", resp.RouterMetadata.RoutingReason)
}

func TestRelay_UsesRequestIDAsCorrelationID(t *testing.T) {
	ts := newTestServer(t, nil)

	body := `{"user_id":"U1","messages":[{"role":"user","content":"hi"}]}`
	rec := ts.do(http.MethodPost, "/v1/relay", body, map[string]string{middleware.RequestIDHeader: "line-evt-7"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "line-evt-7", resp.RouterMetadata.CorrelationID)
}

func TestRelay_FallsBackWhenPrimaryNotEnabled(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.primary.set(nil, &classify.StatusError{StatusCode: 400, Body: []byte(notEnabled)})

	rec := ts.do(http.MethodPost, "/v1/relay", relayBody, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp types.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, types.SurfaceLegacy, resp.ServedBy)
	assert.True(t, resp.RouterMetadata.FallbackUsed)
	assert.Equal(t, 2, resp.RouterMetadata.AttemptCount)
}

func TestRelay_RendersRoutingError(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.primary.set(&classify.StatusError{StatusCode: 400, Body: []byte(notEnabled)}, nil)
	ts.legacy.set(nil, &classify.StatusError{StatusCode: 401, Body: []byte(unauthorized)})

	rec := ts.do(http.MethodPost, "/v1/relay", relayBody, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())

	var resp types.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "routing_error", resp.Error.Type)
	assert.Equal(t, string(types.KindAuthenticationFailed), resp.Error.Kind)
	assert.Equal(t, "corr-42", resp.Error.CorrelationID)
	assert.False(t, resp.Error.FallbackAttempted)
	assert.Equal(t, http.StatusBadGateway, resp.Error.Code)
}

func TestRelay_RequestErrors(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		body       string
		headers    map[string]string
		wantStatus int
		wantType   string
	}{
		{
			name:       "schema violation",
			target:     "/v1/relay",
			body:       `{"user_id":"U1","messages":[{"role":"robot","content":"hi"}]}`,
			wantStatus: http.StatusBadRequest,
			wantType:   "validation_error",
		},
		{
			name:       "unknown fingerprint",
			target:     "/v1/relay?fingerprint=https%3A%2F%2Fother%7Cx%7Cy",
			body:       relayBody,
			wantStatus: http.StatusNotFound,
			wantType:   "api_error",
		},
		{
			name:       "wrong content type",
			target:     "/v1/relay",
			body:       relayBody,
			headers:    map[string]string{"Content-Type": "text/plain"},
			wantStatus: http.StatusUnsupportedMediaType,
			wantType:   "api_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)

			rec := ts.do(http.MethodPost, tt.target, tt.body, tt.headers)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			var resp map[string]map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantType, resp["error"]["type"])
		})
	}
}

func TestRoutingDecisionAndSnapshot(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/v1/routing/decision", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var decision routing.RoutingDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.Equal(t, types.SurfacePrimary, decision.ChosenSurface)
	assert.Equal(t, routing.ReasonFreshDetection, decision.Reason)
	assert.Equal(t, testFP, decision.Fingerprint)

	rec = ts.do(http.MethodPost, "/v1/routing/decision", "", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.Equal(t, routing.ReasonCacheHit, decision.Reason)

	rec = ts.do(http.MethodGet, "/v1/routing/snapshot", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot types.HealthSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, cache.ModeMemory, snapshot.CacheMode)
	assert.Zero(t, snapshot.Counters.TotalRouted, "dry runs are not routed calls")
	require.Contains(t, snapshot.Fingerprints, testFP)
	assert.True(t, snapshot.Fingerprints[testFP].Surfaces[types.SurfacePrimary].Verdict.Available)

	rec = ts.do(http.MethodPost, "/v1/relay", relayBody, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodGet, "/v1/routing/snapshot", "", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, int64(1), snapshot.Counters.TotalRouted)
	assert.Equal(t, int64(1), snapshot.Counters.BySurface[types.SurfacePrimary])
}

func TestInvalidateCache(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(http.MethodPost, "/v1/routing/decision", "", nil)

	rec := ts.do(http.MethodDelete, "/v1/routing/cache", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodDelete, "/v1/routing/cache?fingerprint=*", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodPost, "/v1/routing/decision", "", nil)
	var decision routing.RoutingDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.Equal(t, routing.ReasonFreshDetection, decision.Reason)
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t, func(c *ServerConfig) {
		c.Auth = &security.Config{APIKeys: []string{testAPIKey}}
	})

	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodPost, "/v1/relay", relayBody, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/v1/routing/snapshot", "", nil).Code)

	rec := ts.do(http.MethodPost, "/v1/relay", relayBody, map[string]string{"X-API-Key": testAPIKey})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/metrics", "", nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/docs/openapi.yaml", "", nil).Code)
}

func TestRelay_RateLimited(t *testing.T) {
	ts := newTestServer(t, func(c *ServerConfig) {
		c.RateLimit = &security.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, BurstSize: 1}
	})

	assert.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/v1/relay", relayBody, nil).Code)

	rec := ts.do(http.MethodPost, "/v1/relay", relayBody, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// admin endpoints are not limited
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/v1/routing/snapshot", "", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(http.MethodPost, "/v1/relay", relayBody, nil)

	rec := ts.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "linebot_routing_decisions_total")
	assert.Contains(t, rec.Body.String(), "linebot_relay_requests_total")
}

func TestOpenAPIDocs(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/docs/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.3", doc["openapi"])
	assert.Contains(t, doc["paths"], "/v1/relay")

	rec = ts.do(http.MethodGet, "/docs", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "swagger-ui")
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodOptions, "/v1/relay", "", map[string]string{"Origin": "https://admin.example.com"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://admin.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = ts.do(http.MethodOptions, "/v1/relay", "", map[string]string{"Origin": "https://evil.example.com"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestYAMLToJSON_NonStringKeys(t *testing.T) {
	out, err := yamlToJSON([]byte("responses:\n  200:\n    description: ok\n"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"responses":{"200":{"description":"ok"}}}`, string(out))
}
