package repository

import (
	"context"
	"sync/atomic"
	"time"

	"wagate/internal/domain"
	"wagate/internal/models"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverTokenCache reads and writes the primary cache and switches to the
// fallback when the primary errors. The primary is probed again once per
// recoveryInterval.
type FailoverTokenCache struct {
	primary   domain.TokenCache
	fallback  domain.TokenCache
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
}

func NewFailoverTokenCache(primary, fallback domain.TokenCache, logger *zerolog.Logger) *FailoverTokenCache {
	return &FailoverTokenCache{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *FailoverTokenCache) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary token cache failed, falling back to memory")
	}
	r.lastCheck.Store(r.now().UnixNano())
}

// usePrimary reports whether the primary should be tried for this call.
func (r *FailoverTokenCache) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return r.now().Sub(time.Unix(0, r.lastCheck.Load())) > recoveryInterval
}

func (r *FailoverTokenCache) recovered() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary token cache recovered")
	}
}

func (r *FailoverTokenCache) Get(ctx context.Context, subject string) (*models.AuthToken, error) {
	if r.usePrimary() {
		token, err := r.primary.Get(ctx, subject)
		if err == nil {
			r.recovered()
			return token, nil
		}
		r.markDown(err)
	}
	return r.fallback.Get(ctx, subject)
}

func (r *FailoverTokenCache) Set(ctx context.Context, token models.AuthToken) error {
	if r.usePrimary() {
		err := r.primary.Set(ctx, token)
		if err == nil {
			r.recovered()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.Set(ctx, token)
}

func (r *FailoverTokenCache) Delete(ctx context.Context, subject string) error {
	// The fallback may hold a copy written while the primary was down.
	_ = r.fallback.Delete(ctx, subject)
	if r.usePrimary() {
		err := r.primary.Delete(ctx, subject)
		if err == nil {
			r.recovered()
			return nil
		}
		r.markDown(err)
	}
	return nil
}
