package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"wagate/internal/app"
	"wagate/internal/apperr"
	"wagate/internal/config"
	"wagate/internal/metrics"
	"wagate/internal/worker"

	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// Handler is what the HTTP transport drives; *app.App implements it.
type Handler interface {
	HandleAdminRequest(ctx context.Context, action string, payload json.RawMessage) app.Result
	HandleFrontendRequest(ctx context.Context, action string, payload json.RawMessage) app.Result
	OnScheduledTick(ctx context.Context, kind string) (worker.TickReport, error)
	Active() bool
}

// HTTPServer exposes the admin, vendor and tick endpoints.
type HTTPServer struct {
	cfg     *config.APIConfig
	handler Handler
	server  *http.Server
	auth    *HTTPAuth
	logger  *zerolog.Logger
}

func NewHTTPServer(cfg *config.APIConfig, handler Handler, logger *zerolog.Logger) *HTTPServer {
	l := logger.With().Str("component", "http").Logger()
	srv := &HTTPServer{cfg: cfg, handler: handler, logger: &l}
	srv.auth = NewHTTPAuth(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/admin/{action}", srv.handleAdmin)
	mux.HandleFunc("POST /api/v1/vendor/{action}", srv.handleVendor)
	mux.HandleFunc("POST /api/v1/ticks/{kind}", srv.handleTick)
	mux.HandleFunc("GET /healthz", srv.handleHealth)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.loggingMiddleware(srv.auth.Wrap(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	return srv
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request) {
	payload, err := readPayload(w, r)
	if err != nil {
		writeResult(w, app.Result{Error: &app.ResultError{Kind: apperr.KindInvalidRequest, Message: err.Error()}})
		return
	}
	writeResult(w, s.handler.HandleAdminRequest(r.Context(), r.PathValue("action"), payload))
}

func (s *HTTPServer) handleVendor(w http.ResponseWriter, r *http.Request) {
	payload, err := readPayload(w, r)
	if err != nil {
		writeResult(w, app.Result{Error: &app.ResultError{Kind: apperr.KindInvalidRequest, Message: err.Error()}})
		return
	}
	if client, ok := clientFrom(r.Context()); ok && client.VendorID != 0 {
		if payload, err = bindVendor(payload, client.VendorID); err != nil {
			writeResult(w, app.Result{Error: &app.ResultError{Kind: apperr.KindInvalidRequest, Message: err.Error()}})
			return
		}
	}
	writeResult(w, s.handler.HandleFrontendRequest(r.Context(), r.PathValue("action"), payload))
}

func (s *HTTPServer) handleTick(w http.ResponseWriter, r *http.Request) {
	report, err := s.handler.OnScheduledTick(r.Context(), r.PathValue("kind"))
	if err != nil {
		kind := apperr.KindOf(err)
		if kind == "" {
			kind = "internal"
		}
		writeResult(w, app.Result{Data: report, Error: &app.ResultError{Kind: kind, Message: app.MessageFor(kind)}})
		return
	}
	writeResult(w, app.Result{Success: true, Data: report})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "active": s.handler.Active()})
}

func readPayload(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("request body is too large or unreadable")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("invalid JSON body")
	}
	return body, nil
}

// bindVendor forces vendor_id to the vendor the API key belongs to.
func bindVendor(payload json.RawMessage, vendorID int64) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("payload must be a JSON object")
		}
	}
	fields["vendor_id"] = json.RawMessage(fmt.Sprintf("%d", vendorID))
	return json.Marshal(fields)
}

// statusFor maps a failed result to an HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidRequest, apperr.KindTemplateNotFound, apperr.KindMissingVariable:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidState, apperr.KindSessionNotReady, apperr.KindSessionRevoked:
		return http.StatusConflict
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindNetworkUnavailable, apperr.KindCredentialRejected, apperr.KindInvalidResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeResult(w http.ResponseWriter, res app.Result) {
	if res.Success {
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, statusFor(res.Error.Kind), res)
}

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg     *config.APIConfig
	clients clients
	limiter *rateLimiter
}

func NewHTTPAuth(cfg *config.APIConfig) *HTTPAuth {
	return &HTTPAuth{cfg: cfg, clients: newClients(cfg), limiter: newRateLimiter(cfg)}
}

type clientCtxKey struct{}

func clientFrom(ctx context.Context) (config.APIClientKey, bool) {
	c, ok := ctx.Value(clientCtxKey{}).(config.APIClientKey)
	return c, ok
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			client, err := a.checkAuth(r)
			if err != nil {
				statusCode := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					statusCode = http.StatusForbidden
				}
				writeError(w, statusCode, err.Error())
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), clientCtxKey{}, client))
		}

		if !a.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

var errPermissionDenied = errors.New("permission denied")

func (a *HTTPAuth) checkAuth(r *http.Request) (config.APIClientKey, error) {
	apiKey := strings.TrimSpace(r.Header.Get(a.clients.apiKeyHeader()))
	extra := strings.TrimSpace(r.Header.Get(a.clients.extraHeader()))
	if apiKey == "" || extra == "" {
		return config.APIClientKey{}, errors.New("missing api key headers")
	}

	client, ok := a.clients.authenticate(apiKey, extra)
	if !ok {
		return config.APIClientKey{}, errors.New("invalid api key")
	}
	if !permitted(client, requiredPermissionHTTP(r.URL.Path)) {
		return config.APIClientKey{}, errPermissionDenied
	}
	if client.VendorID != 0 && requiredPermissionHTTP(r.URL.Path) != permVendor {
		return config.APIClientKey{}, errPermissionDenied
	}
	return client, nil
}

func requiredPermissionHTTP(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/v1/vendor/"):
		return permVendor
	case strings.HasPrefix(path, "/api/v1/admin/"), strings.HasPrefix(path, "/api/v1/ticks/"):
		return permAdmin
	default:
		return ""
	}
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.clients.apiKeyHeader())); apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.IncHTTP(routeLabel(r.URL.Path))
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// routeLabel keeps metric cardinality bounded by dropping the action name.
func routeLabel(path string) string {
	for _, prefix := range []string{"/api/v1/admin/", "/api/v1/vendor/", "/api/v1/ticks/"} {
		if strings.HasPrefix(path, prefix) {
			return strings.TrimSuffix(prefix, "/")
		}
	}
	if path == "/healthz" {
		return path
	}
	return "other"
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
