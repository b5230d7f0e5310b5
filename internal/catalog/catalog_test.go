package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"wagate/internal/apperr"
	"wagate/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_PicksImplementation(t *testing.T) {
	logger := zerolog.Nop()
	assert.IsType(t, Noop{}, New(config.CatalogConfig{}, nil, &logger))
	assert.IsType(t, &HTTPCatalog{}, New(config.CatalogConfig{BaseURL: "http://catalog"}, nil, &logger))
}

func TestNoop(t *testing.T) {
	p, err := Noop{}.Product(context.Background(), 3, 9)
	require.NoError(t, err)
	assert.EqualValues(t, 9, p.ID)
	assert.EqualValues(t, 3, p.VendorID)
}

func TestHTTPCatalog_ProductCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/api/v1/vendors/3/products/9", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		_, _ = w.Write([]byte(`{"id":9,"name":"Mug","price":4.5,"available":true}`))
	}))
	defer srv.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	logger := zerolog.Nop()
	c := New(config.CatalogConfig{BaseURL: srv.URL, APIKey: "secret", CacheTTL: time.Minute}, client, &logger)

	for i := 0; i < 3; i++ {
		p, err := c.Product(context.Background(), 3, 9)
		require.NoError(t, err)
		assert.Equal(t, "Mug", p.Name)
		assert.EqualValues(t, 3, p.VendorID)
	}
	assert.EqualValues(t, 1, hits.Load())

	mr.FastForward(2 * time.Minute)
	_, err := c.Product(context.Background(), 3, 9)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestHTTPCatalog_Errors(t *testing.T) {
	cases := map[int]apperr.Kind{
		http.StatusNotFound:            apperr.KindNotFound,
		http.StatusUnauthorized:        apperr.KindConfiguration,
		http.StatusServiceUnavailable:  apperr.KindNetworkUnavailable,
		http.StatusTooManyRequests:     apperr.KindRateLimited,
		http.StatusUnprocessableEntity: apperr.KindInvalidRequest,
	}
	for status, kind := range cases {
		status, kind := status, kind
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(status)
			}))
			defer srv.Close()

			logger := zerolog.Nop()
			_, err := NewHTTPCatalog(config.CatalogConfig{BaseURL: srv.URL}, &logger).Product(context.Background(), 1, 1)
			assert.Equal(t, kind, apperr.KindOf(err))
		})
	}
}

func TestHTTPCatalog_Malformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{`))
	}))
	defer srv.Close()

	logger := zerolog.Nop()
	_, err := NewHTTPCatalog(config.CatalogConfig{BaseURL: srv.URL}, &logger).Product(context.Background(), 1, 1)
	assert.Equal(t, apperr.KindInvalidResponse, apperr.KindOf(err))
}
