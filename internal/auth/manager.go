// Package auth issues gateway tokens and keeps them fresh.
package auth

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"wagate/internal/apperr"
	"wagate/internal/domain"
	"wagate/internal/metrics"
	"wagate/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	SystemSubject = "system"
	vendorPrefix  = "vendor:"
)

// VendorSubject is the token subject acting on behalf of a vendor.
func VendorSubject(vendorID int64) string {
	return vendorPrefix + strconv.FormatInt(vendorID, 10)
}

// Issuer obtains a brand new token for a subject.
type Issuer interface {
	Issue(ctx context.Context, subject string) (models.AuthToken, error)
}

// Error reports a failed token refresh. Err carries the classification.
type Error struct {
	Subject string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("token refresh for %s: %v", e.Subject, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Config struct {
	SafetyMargin   time.Duration
	RefreshTimeout time.Duration
}

// Manager hands out valid tokens per subject. Concurrent refreshes of one
// subject share a single request to the gateway.
type Manager struct {
	issuer Issuer
	cache  domain.TokenCache
	cfg    Config
	logger *zerolog.Logger
	now    func() time.Time

	group singleflight.Group

	mu          sync.RWMutex
	tokens      map[string]models.AuthToken
	generations map[string]uint64
}

func NewManager(issuer Issuer, cache domain.TokenCache, cfg Config, logger *zerolog.Logger) *Manager {
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = models.DefaultTokenSafetyMargin
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 10 * time.Second
	}
	l := logger.With().Str("component", "auth").Logger()
	return &Manager{
		issuer:      issuer,
		cache:       cache,
		cfg:         cfg,
		logger:      &l,
		now:         time.Now,
		tokens:      make(map[string]models.AuthToken),
		generations: make(map[string]uint64),
	}
}

func (m *Manager) snapshot(subject string) (models.AuthToken, uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[subject]
	return tok, m.generations[subject], ok
}

// store replaces the snapshot unless the subject was invalidated since gen was read.
func (m *Manager) store(tok models.AuthToken, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generations[tok.Subject] != gen {
		return false
	}
	m.tokens[tok.Subject] = tok
	return true
}

// GetToken returns a token for subject that stays valid for at least the
// safety margin, refreshing it when needed.
func (m *Manager) GetToken(ctx context.Context, subject string) (models.AuthToken, error) {
	tok, gen, ok := m.snapshot(subject)
	if ok && tok.ValidAt(m.now(), m.cfg.SafetyMargin) {
		return tok, nil
	}

	if m.cache != nil {
		cached, err := m.cache.Get(ctx, subject)
		if err != nil {
			m.logger.Warn().Err(err).Str("subject", subject).Msg("Token cache read failed")
		} else if cached != nil && cached.ValidAt(m.now(), m.cfg.SafetyMargin) {
			m.store(*cached, gen)
			return *cached, nil
		}
	}

	ch := m.group.DoChan(subject, func() (interface{}, error) {
		return m.refresh(ctx, subject)
	})

	select {
	case <-ctx.Done():
		return models.AuthToken{}, &Error{Subject: subject, Err: apperr.Wrap(apperr.KindTimeout, ctx.Err(), "token refresh interrupted")}
	case res := <-ch:
		if res.Err != nil {
			return models.AuthToken{}, res.Err
		}
		return res.Val.(models.AuthToken), nil
	}
}

// refresh runs detached from the caller that started it so that caller
// giving up does not fail the others waiting on the same flight.
func (m *Manager) refresh(parent context.Context, subject string) (models.AuthToken, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), m.cfg.RefreshTimeout)
	defer cancel()

	_, gen, _ := m.snapshot(subject)

	tok, err := m.issuer.Issue(ctx, subject)
	if err != nil {
		metrics.IncTokenRefresh(string(kindOrUnknown(err)))
		m.logger.Error().Err(err).Str("subject", subject).Msg("Token refresh failed")
		return models.AuthToken{}, &Error{Subject: subject, Err: err}
	}
	if tok.Subject == "" {
		tok.Subject = subject
	}
	if !tok.ExpiresAt.After(m.now()) {
		err := apperr.New(apperr.KindInvalidResponse, "gateway issued an expired token")
		return models.AuthToken{}, &Error{Subject: subject, Err: err}
	}

	metrics.IncTokenRefresh("ok")
	if m.store(tok, gen) && m.cache != nil {
		if err := m.cache.Set(ctx, tok); err != nil {
			m.logger.Warn().Err(err).Str("subject", subject).Msg("Token cache write failed")
		}
	}
	m.logger.Debug().Object("token", tok).Msg("Token refreshed")
	return tok, nil
}

// Invalidate drops the token of subject everywhere so the next GetToken
// issues a new one.
func (m *Manager) Invalidate(ctx context.Context, subject string) error {
	m.mu.Lock()
	delete(m.tokens, subject)
	m.generations[subject]++
	m.mu.Unlock()

	m.group.Forget(subject)

	if m.cache != nil {
		if err := m.cache.Delete(ctx, subject); err != nil {
			return fmt.Errorf("invalidate cached token: %w", err)
		}
	}
	return nil
}

func kindOrUnknown(err error) apperr.Kind {
	if k := apperr.KindOf(err); k != "" {
		return k
	}
	return "unknown"
}
