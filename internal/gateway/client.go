// Package gateway talks to the WhatsApp gateway HTTP API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"wagate/internal/apperr"
	"wagate/internal/metrics"
	"wagate/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 20

// TokenSource hands out bearer tokens per subject.
type TokenSource interface {
	GetToken(ctx context.Context, subject string) (models.AuthToken, error)
	Invalidate(ctx context.Context, subject string) error
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	RPS     float64
	Burst   int
}

// Client performs authenticated gateway calls and classifies their failures.
// It retries only once, after a rejected token; everything else is left to
// the caller.
type Client struct {
	cfg        Config
	tokens     TokenSource
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zerolog.Logger
	now        func() time.Time
}

func NewClient(cfg Config, tokens TokenSource, httpClient *http.Client, logger *zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	l := logger.With().Str("component", "gateway").Logger()
	return &Client{
		cfg:        cfg,
		tokens:     tokens,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     &l,
		now:        time.Now,
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Call POSTs payload to endpoint as subject and decodes the response into out.
// A credential_rejected response invalidates the token and is retried exactly
// once with a fresh one.
func (c *Client) Call(ctx context.Context, endpoint string, payload interface{}, subject string, out interface{}) error {
	sent, err := c.attempt(ctx, endpoint, payload, subject, out)
	if err == nil || !sent || !apperr.Is(err, apperr.KindCredentialRejected) {
		return err
	}

	c.logger.Info().Str("endpoint", endpoint).Str("subject", subject).Msg("Gateway rejected token, refreshing")
	if ierr := c.tokens.Invalidate(ctx, subject); ierr != nil {
		c.logger.Warn().Err(ierr).Str("subject", subject).Msg("Token invalidation failed")
	}
	_, err = c.attempt(ctx, endpoint, payload, subject, out)
	return err
}

// attempt performs one request. sent reports whether the gateway answered,
// so token-issue failures are not mistaken for a rejected token.
func (c *Client) attempt(ctx context.Context, endpoint string, payload interface{}, subject string, out interface{}) (sent bool, err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(apperr.KindOf(err))
		}
		metrics.IncGatewayCall(endpoint, outcome)
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return false, apperr.Wrap(apperr.KindTimeout, err, "gateway throttle wait cancelled")
	}

	tok, err := c.tokens.GetToken(ctx, subject)
	if err != nil {
		return false, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return false, apperr.Wrap(apperr.KindInvalidRequest, err, "cannot encode gateway request")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	url := strings.TrimRight(c.cfg.BaseURL, "/") + endpoint
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, apperr.Wrap(apperr.KindConfiguration, err, "invalid gateway url")
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	tok.OAuth2().SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if callCtx.Err() != nil || isTimeout(err) {
			return false, apperr.Wrap(apperr.KindTimeout, err, "gateway call timed out")
		}
		return false, apperr.Wrap(apperr.KindNetworkUnavailable, err, "gateway unreachable")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if callCtx.Err() != nil {
			return true, apperr.Wrap(apperr.KindTimeout, err, "gateway call timed out")
		}
		return true, apperr.Wrap(apperr.KindNetworkUnavailable, err, "gateway response interrupted")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return true, c.classify(resp, data, endpoint, requestID)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Warn().
			Str("endpoint", endpoint).
			Str("request_id", requestID).
			Str("body", truncate(string(data), 512)).
			Msg("Undecodable gateway response")
		return true, apperr.Wrap(apperr.KindInvalidResponse, err, "malformed gateway response")
	}
	return true, nil
}

func (c *Client) classify(resp *http.Response, data []byte, endpoint, requestID string) error {
	var eb errorBody
	_ = json.Unmarshal(data, &eb)

	kind := apperr.KindForStatus(resp.StatusCode)
	switch eb.Error.Code {
	case "session_revoked", "session_not_found":
		kind = apperr.KindSessionRevoked
	}

	c.logger.Warn().
		Str("endpoint", endpoint).
		Str("request_id", requestID).
		Int("status", resp.StatusCode).
		Str("code", eb.Error.Code).
		Str("body", truncate(string(data), 512)).
		Msg("Gateway call failed")

	return &apperr.Error{
		Kind:       kind,
		Message:    messageFor(kind),
		Status:     resp.StatusCode,
		RetryAfter: apperr.ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
	}
}

func messageFor(kind apperr.Kind) string {
	switch kind {
	case apperr.KindCredentialRejected:
		return "gateway rejected credentials"
	case apperr.KindRateLimited:
		return "gateway rate limit reached"
	case apperr.KindTimeout:
		return "gateway timed out"
	case apperr.KindNetworkUnavailable:
		return "gateway unavailable"
	case apperr.KindSessionRevoked:
		return "gateway session revoked"
	case apperr.KindNotFound:
		return "gateway resource not found"
	default:
		return "gateway rejected request"
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
