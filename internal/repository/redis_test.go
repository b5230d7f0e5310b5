package repository

import (
	"context"
	"testing"
	"time"

	"wagate/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisTokenCache(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	defer client.Close()

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	repo := NewRedisTokenCache(client, "test:token:")
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		token := models.AuthToken{
			Subject:   "vendor:1",
			Value:     "abc",
			TokenType: "Bearer",
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Hour),
		}
		require.NoError(t, repo.Set(ctx, token))

		got, err := repo.Get(ctx, "vendor:1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "abc", got.Value)
		assert.True(t, token.ExpiresAt.Equal(got.ExpiresAt))

		assert.Equal(t, time.Hour, s.TTL("test:token:vendor:1"))
	})

	t.Run("EntryExpiresWithToken", func(t *testing.T) {
		s.FastForward(time.Hour + time.Second)
		got, err := repo.Get(ctx, "vendor:1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("ExpiredTokenIsNotStored", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, models.AuthToken{Subject: "system", Value: "old", ExpiresAt: now.Add(-time.Second)}))
		assert.False(t, s.Exists("test:token:system"))
	})

	t.Run("Miss", func(t *testing.T) {
		got, err := repo.Get(ctx, "vendor:999")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, models.AuthToken{Subject: "vendor:2", Value: "x", ExpiresAt: now.Add(time.Minute)}))
		require.NoError(t, repo.Delete(ctx, "vendor:2"))
		got, _ := repo.Get(ctx, "vendor:2")
		assert.Nil(t, got)
	})

	t.Run("CorruptEntry", func(t *testing.T) {
		require.NoError(t, s.Set("test:token:vendor:3", "{not json"))
		_, err := repo.Get(ctx, "vendor:3")
		assert.Error(t, err)
	})

	t.Run("NilClient", func(t *testing.T) {
		repo := NewRedisTokenCache(nil, "x:")
		_, err := repo.Get(ctx, "system")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "redis client is nil")
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, Ping(ctx, client))
	})

	t.Run("ServerDown", func(t *testing.T) {
		s.Close()
		_, err := repo.Get(ctx, "system")
		assert.Error(t, err)
	})

	t.Run("Close", func(t *testing.T) {
		assert.NoError(t, Close(client))
		assert.NoError(t, Close(nil))
	})
}

func TestNewRedisClient(t *testing.T) {
	s := miniredis.RunT(t)
	client := NewRedisClient(configFor(s.Addr()))
	defer client.Close()
	assert.NoError(t, Ping(context.Background(), client))
}
