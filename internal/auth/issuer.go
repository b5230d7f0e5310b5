package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"wagate/internal/apperr"
	"wagate/internal/credentials"
	"wagate/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const (
	tokenPath      = "/v1/auth/token"
	jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionTTL   = time.Minute
)

// CredentialSource provides the material token assertions are signed with.
type CredentialSource interface {
	SigningSecret(ctx context.Context) (string, error)
	VendorCredentials(ctx context.Context, vendorID int64) (credentials.VendorCredentials, bool, error)
}

// AssertionClaims are the claims of the JWT presented to the gateway token endpoint.
type AssertionClaims struct {
	APIKey string `json:"api_key,omitempty"`
	jwt.RegisteredClaims
}

type IssuerConfig struct {
	BaseURL  string
	Issuer   string
	Audience string
}

// GatewayIssuer exchanges a signed assertion for a gateway access token.
type GatewayIssuer struct {
	cfg    IssuerConfig
	creds  CredentialSource
	client *http.Client
	logger *zerolog.Logger
	now    func() time.Time
}

func NewGatewayIssuer(cfg IssuerConfig, creds CredentialSource, client *http.Client, logger *zerolog.Logger) *GatewayIssuer {
	if client == nil {
		client = http.DefaultClient
	}
	return &GatewayIssuer{
		cfg:    cfg,
		creds:  creds,
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Issue obtains a fresh token for subject.
func (g *GatewayIssuer) Issue(ctx context.Context, subject string) (models.AuthToken, error) {
	assertion, err := g.assertion(ctx, subject)
	if err != nil {
		return models.AuthToken{}, err
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(g.cfg.BaseURL, "/")+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return models.AuthToken{}, apperr.Wrap(apperr.KindConfiguration, err, "invalid gateway url")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	issuedAt := g.now()
	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return models.AuthToken{}, apperr.Wrap(apperr.KindTimeout, err, "token request timed out")
		}
		return models.AuthToken{}, apperr.Wrap(apperr.KindNetworkUnavailable, err, "gateway unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.AuthToken{}, apperr.Wrap(apperr.KindNetworkUnavailable, err, "token response interrupted")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := apperr.KindForStatus(resp.StatusCode)
		if kind == apperr.KindNotFound {
			kind = apperr.KindConfiguration
		}
		g.logger.Warn().
			Int("status", resp.StatusCode).
			Str("subject", subject).
			Str("body", truncate(string(body), 512)).
			Msg("Token request rejected")
		return models.AuthToken{}, &apperr.Error{
			Kind:       kind,
			Message:    "token request rejected",
			Status:     resp.StatusCode,
			RetryAfter: apperr.ParseRetryAfter(resp.Header.Get("Retry-After"), g.now()),
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		if err == nil {
			err = errors.New("missing access_token or expires_in")
		}
		return models.AuthToken{}, apperr.Wrap(apperr.KindInvalidResponse, err, "malformed token response")
	}
	if tr.TokenType == "" {
		tr.TokenType = "Bearer"
	}

	return models.AuthToken{
		Subject:   subject,
		Value:     tr.AccessToken,
		TokenType: tr.TokenType,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

func (g *GatewayIssuer) assertion(ctx context.Context, subject string) (string, error) {
	secret, err := g.creds.SigningSecret(ctx)
	if err != nil {
		return "", err
	}

	jtiBytes := make([]byte, 16)
	if _, err := rand.Read(jtiBytes); err != nil {
		return "", err
	}

	now := g.now()
	claims := AssertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.cfg.Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{g.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(assertionTTL)),
			ID:        hex.EncodeToString(jtiBytes),
		},
	}

	if vendorID, ok := ParseVendorSubject(subject); ok {
		creds, found, err := g.creds.VendorCredentials(ctx, vendorID)
		if err != nil {
			return "", err
		}
		if found {
			claims.APIKey = creds.APIKey
		}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", apperr.Wrap(apperr.KindConfiguration, err, "cannot sign token assertion")
	}
	return signed, nil
}

// ParseVendorSubject extracts the vendor id of a "vendor:<id>" subject.
func ParseVendorSubject(subject string) (int64, bool) {
	rest, ok := strings.CutPrefix(subject, vendorPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
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
