package repository

import (
	"context"
	"sync"
	"time"

	"wagate/internal/models"
)

// MemoryTokenCache is the process-local token cache used when Redis is
// absent or down.
type MemoryTokenCache struct {
	tokens sync.Map
	now    func() time.Time
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{now: time.Now}
}

func (r *MemoryTokenCache) Get(_ context.Context, subject string) (*models.AuthToken, error) {
	val, ok := r.tokens.Load(subject)
	if !ok {
		return nil, nil
	}
	token := val.(models.AuthToken)
	if !r.now().Before(token.ExpiresAt) {
		r.tokens.CompareAndDelete(subject, val)
		return nil, nil
	}
	return &token, nil
}

func (r *MemoryTokenCache) Set(_ context.Context, token models.AuthToken) error {
	r.tokens.Store(token.Subject, token)
	return nil
}

func (r *MemoryTokenCache) Delete(_ context.Context, subject string) error {
	r.tokens.Delete(subject)
	return nil
}
