package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"wagate/internal/app"
	"wagate/internal/apperr"
	"wagate/internal/config"
	"wagate/internal/worker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

type call struct {
	scope   string
	action  string
	payload string
}

type fakeHandler struct {
	mu      sync.Mutex
	calls   []call
	result  app.Result
	tickErr error
}

func (f *fakeHandler) record(scope, action string, payload json.RawMessage) app.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{scope: scope, action: action, payload: string(payload)})
	return f.result
}

func (f *fakeHandler) HandleAdminRequest(_ context.Context, action string, payload json.RawMessage) app.Result {
	return f.record("admin", action, payload)
}

func (f *fakeHandler) HandleFrontendRequest(_ context.Context, action string, payload json.RawMessage) app.Result {
	return f.record("vendor", action, payload)
}

func (f *fakeHandler) OnScheduledTick(_ context.Context, kind string) (worker.TickReport, error) {
	f.record("tick", kind, nil)
	return worker.TickReport{Kind: kind, Due: 3, Processed: 3}, f.tickErr
}

func (f *fakeHandler) Active() bool { return true }

func testAPIConfig() *config.APIConfig {
	return &config.APIConfig{
		Enabled: true,
		HTTP:    config.APIHTTPConfig{Enabled: true},
		Auth: config.APIAuthConfig{
			Enabled:      true,
			HeaderAPIKey: "x-api-key",
			HeaderExtra:  "x-api-extra",
			APIKeys: []config.APIClientKey{
				{Key: "ops", Extra: "ops-extra", Name: "operator", Permissions: []string{"admin"}},
				{Key: "shop-7", Extra: "shop-extra", Name: "vendor 7", Permissions: []string{"vendor"}, VendorID: 7},
				{Key: "all", Extra: "all-extra", Name: "unrestricted"},
			},
		},
	}
}

func newTestServer(t *testing.T, cfg *config.APIConfig, h *fakeHandler) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	srv := NewHTTPServer(cfg, h, &logger)
	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url, key, extra, body string) (*http.Response, app.Result) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("x-api-key", key)
		req.Header.Set("x-api-extra", extra)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var res app.Result
	_ = json.NewDecoder(resp.Body).Decode(&res)
	return resp, res
}

func TestHTTP_AdminAction(t *testing.T) {
	h := &fakeHandler{result: app.Result{Success: true, Data: map[string]string{"state": "pairing"}}}
	ts := newTestServer(t, testAPIConfig(), h)

	resp, res := post(t, ts.URL+"/api/v1/admin/start_pairing", "ops", "ops-extra", `{"vendor_id":3}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, res.Success)
	require.Len(t, h.calls, 1)
	assert.Equal(t, call{scope: "admin", action: "start_pairing", payload: `{"vendor_id":3}`}, h.calls[0])
}

func TestHTTP_AuthFailures(t *testing.T) {
	h := &fakeHandler{result: app.Result{Success: true}}
	ts := newTestServer(t, testAPIConfig(), h)

	tests := []struct {
		name   string
		path   string
		key    string
		extra  string
		status int
	}{
		{name: "no headers", path: "/api/v1/admin/list_sessions", status: http.StatusUnauthorized},
		{name: "unknown key", path: "/api/v1/admin/list_sessions", key: "nope", extra: "x", status: http.StatusUnauthorized},
		{name: "wrong extra", path: "/api/v1/admin/list_sessions", key: "ops", extra: "x", status: http.StatusUnauthorized},
		{name: "operator on vendor route", path: "/api/v1/vendor/check_session", key: "ops", extra: "ops-extra", status: http.StatusForbidden},
		{name: "vendor on admin route", path: "/api/v1/admin/list_sessions", key: "shop-7", extra: "shop-extra", status: http.StatusForbidden},
		{name: "vendor on tick route", path: "/api/v1/ticks/session-check", key: "shop-7", extra: "shop-extra", status: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := post(t, ts.URL+tt.path, tt.key, tt.extra, `{}`)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
	assert.Empty(t, h.calls)

	resp, _ := post(t, ts.URL+"/api/v1/vendor/check_session", "all", "all-extra", `{"vendor_id":2}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTP_VendorKeyIsBoundToVendor(t *testing.T) {
	h := &fakeHandler{result: app.Result{Success: true}}
	ts := newTestServer(t, testAPIConfig(), h)

	resp, _ := post(t, ts.URL+"/api/v1/vendor/send_message", "shop-7", "shop-extra", `{"vendor_id":99,"template":"order_update"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, h.calls, 1)

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(h.calls[0].payload), &sent))
	assert.EqualValues(t, 7, sent["vendor_id"])
	assert.Equal(t, "order_update", sent["template"])

	resp, _ = post(t, ts.URL+"/api/v1/vendor/start_pairing", "shop-7", "shop-extra", ``)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"vendor_id":7}`, h.calls[1].payload)

	resp, _ = post(t, ts.URL+"/api/v1/vendor/start_pairing", "shop-7", "shop-extra", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTP_FailedResultStatus(t *testing.T) {
	tests := []struct {
		kind   apperr.Kind
		status int
	}{
		{apperr.KindInvalidRequest, http.StatusBadRequest},
		{apperr.KindNotFound, http.StatusNotFound},
		{apperr.KindSessionNotReady, http.StatusConflict},
		{apperr.KindRateLimited, http.StatusTooManyRequests},
		{apperr.KindNetworkUnavailable, http.StatusBadGateway},
		{apperr.KindTimeout, http.StatusGatewayTimeout},
		{"internal", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			h := &fakeHandler{result: app.Result{Error: &app.ResultError{Kind: tt.kind, Message: app.MessageFor(tt.kind)}}}
			ts := newTestServer(t, testAPIConfig(), h)
			resp, res := post(t, ts.URL+"/api/v1/admin/get_job", "ops", "ops-extra", `{"job_id":"x"}`)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.False(t, res.Success)
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.kind, res.Error.Kind)
		})
	}
}

func TestHTTP_BadBody(t *testing.T) {
	h := &fakeHandler{result: app.Result{Success: true}}
	ts := newTestServer(t, testAPIConfig(), h)

	resp, res := post(t, ts.URL+"/api/v1/admin/send_message", "ops", "ops-extra", `{"vendor_id":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, res.Error)
	assert.Equal(t, apperr.KindInvalidRequest, res.Error.Kind)
	assert.Empty(t, h.calls)
}

func TestHTTP_Tick(t *testing.T) {
	h := &fakeHandler{}
	ts := newTestServer(t, testAPIConfig(), h)

	resp, res := post(t, ts.URL+"/api/v1/ticks/session-check", "ops", "ops-extra", ``)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, res.Success)
	assert.Equal(t, call{scope: "tick", action: "session-check"}, h.calls[0])

	h.tickErr = apperr.New(apperr.KindInvalidRequest, "unknown tick kind")
	resp, res = post(t, ts.URL+"/api/v1/ticks/nope", "ops", "ops-extra", ``)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, res.Success)

	h.tickErr = errors.New("disk I/O error")
	resp, _ = post(t, ts.URL+"/api/v1/ticks/state-backup", "ops", "ops-extra", ``)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHTTP_MethodAndHealth(t *testing.T) {
	h := &fakeHandler{}
	ts := newTestServer(t, testAPIConfig(), h)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["active"])

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/admin/list_sessions", nil)
	req.Header.Set("x-api-key", "ops")
	req.Header.Set("x-api-extra", "ops-extra")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
}

func TestHTTP_RateLimit(t *testing.T) {
	cfg := testAPIConfig()
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 1}
	h := &fakeHandler{result: app.Result{Success: true}}
	ts := newTestServer(t, cfg, h)

	resp, _ := post(t, ts.URL+"/api/v1/admin/list_sessions", "ops", "ops-extra", ``)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = post(t, ts.URL+"/api/v1/admin/list_sessions", "ops", "ops-extra", ``)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Limits are per key.
	resp, _ = post(t, ts.URL+"/api/v1/admin/list_sessions", "all", "all-extra", ``)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTP_AuthDisabled(t *testing.T) {
	cfg := testAPIConfig()
	cfg.Auth.Enabled = false
	h := &fakeHandler{result: app.Result{Success: true}}
	ts := newTestServer(t, cfg, h)

	resp, _ := post(t, ts.URL+"/api/v1/admin/list_sessions", "", "", ``)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/api/v1/admin", routeLabel("/api/v1/admin/send_message"))
	assert.Equal(t, "/api/v1/vendor", routeLabel("/api/v1/vendor/check_session"))
	assert.Equal(t, "/api/v1/ticks", routeLabel("/api/v1/ticks/product-sync"))
	assert.Equal(t, "/healthz", routeLabel("/healthz"))
	assert.Equal(t, "other", routeLabel("/wp-admin"))
}

func TestGRPCHealth(t *testing.T) {
	cfg := testAPIConfig()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	logger := zerolog.Nop()
	srv := newGRPCServer(cfg, lis, hs, &logger)
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	_, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	assert.Error(t, err, "api key is required")

	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-api-key", "shop-7", "x-api-extra", "shop-extra")
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
