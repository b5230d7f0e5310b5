// Package catalog looks up vendor products for catalog sync.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"wagate/internal/apperr"
	"wagate/internal/config"
	"wagate/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Catalog resolves a product of a vendor.
type Catalog interface {
	Product(ctx context.Context, vendorID, productID int64) (*models.Product, error)
}

// Noop is used when no catalog service is configured. It returns a bare
// product carrying only its ids.
type Noop struct{}

func (Noop) Product(_ context.Context, vendorID, productID int64) (*models.Product, error) {
	return &models.Product{ID: productID, VendorID: vendorID, Available: true}, nil
}

// New returns the HTTP catalog when a base URL is configured and Noop otherwise.
func New(cfg config.CatalogConfig, redisClient *redis.Client, logger *zerolog.Logger) Catalog {
	if cfg.BaseURL == "" {
		return Noop{}
	}
	c := NewHTTPCatalog(cfg, logger)
	if redisClient != nil {
		c.UseRedisCache(redisClient, cfg.CacheTTL)
	}
	return c
}

// HTTPCatalog reads products from the store's catalog API.
type HTTPCatalog struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zerolog.Logger

	redis    *redis.Client
	cacheTTL time.Duration
}

func NewHTTPCatalog(cfg config.CatalogConfig, logger *zerolog.Logger) *HTTPCatalog {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	l := logger.With().Str("component", "catalog").Logger()
	return &HTTPCatalog{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     &l,
	}
}

// UseRedisCache enables caching of product lookups.
func (c *HTTPCatalog) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

func (c *HTTPCatalog) Product(ctx context.Context, vendorID, productID int64) (*models.Product, error) {
	cacheKey := fmt.Sprintf("catalog:product:%d:%d", vendorID, productID)
	var p models.Product
	if c.readCache(ctx, cacheKey, &p) {
		return &p, nil
	}

	endpoint := fmt.Sprintf("%s/api/v1/vendors/%d/products/%d", c.baseURL, vendorID, productID)
	if err := c.doGet(ctx, endpoint, &p); err != nil {
		return nil, err
	}
	if p.ID == 0 {
		p.ID = productID
	}
	p.VendorID = vendorID
	c.writeCache(ctx, cacheKey, p)
	return &p, nil
}

func (c *HTTPCatalog) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	return json.Unmarshal([]byte(val), out) == nil
}

func (c *HTTPCatalog) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.cacheTTL).Err(); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("catalog cache write failed")
	}
}

func (c *HTTPCatalog) doGet(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindConfiguration, err, "invalid catalog url")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var te interface{ Timeout() bool }
		if ctx.Err() != nil || (errors.As(err, &te) && te.Timeout()) {
			return apperr.Wrap(apperr.KindTimeout, err, "catalog timed out")
		}
		return apperr.Wrap(apperr.KindNetworkUnavailable, err, "catalog unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn().Int("status", resp.StatusCode).Str("body", string(body)).Str("url", endpoint).Msg("catalog request failed")
		kind := apperr.KindForStatus(resp.StatusCode)
		if kind == apperr.KindCredentialRejected {
			kind = apperr.KindConfiguration
		}
		return &apperr.Error{Kind: kind, Message: "catalog lookup failed", Status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.KindInvalidResponse, err, "malformed catalog response")
	}
	return nil
}
