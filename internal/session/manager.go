// Package session owns the per-vendor gateway session state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wagate/internal/apperr"
	"wagate/internal/config"
	"wagate/internal/domain"
	"wagate/internal/events"
	"wagate/internal/gateway"
	"wagate/internal/metrics"
	"wagate/internal/models"
	"wagate/internal/worker"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Gateway is the part of the gateway client sessions need.
type Gateway interface {
	StartPairing(ctx context.Context, vendorID int64) (gateway.Pairing, error)
	SessionStatus(ctx context.Context, vendorID int64, ref string) (gateway.RemoteStatus, error)
	Logout(ctx context.Context, vendorID int64, sessionID string) error
}

type Config struct {
	PairingTTL       time.Duration
	FailureThreshold int
	MinCheckAge      time.Duration
	TickBudget       time.Duration
	MaxConcurrency   int
	BatchSize        int
}

func ConfigFrom(cfg config.SessionConfig) Config {
	return Config{
		PairingTTL:       cfg.PairingTTL,
		FailureThreshold: cfg.FailureThreshold,
		MinCheckAge:      cfg.MinCheckAge,
		TickBudget:       cfg.TickBudget,
		MaxConcurrency:   cfg.MaxConcurrency,
		BatchSize:        cfg.BatchSize,
	}
}

// Manager is the only writer of VendorSession records. Operations on one
// vendor are serialized; different vendors proceed concurrently.
type Manager struct {
	repo      domain.SessionRepository
	gw        Gateway
	publisher domain.EventPublisher
	cfg       Config
	logger    *zerolog.Logger
	now       func() time.Time

	locks  *keyedMutex
	tickMu sync.Mutex
}

// minFailureThreshold keeps connected -> degraded -> expired as the only
// failure path.
const minFailureThreshold = 2

func NewManager(repo domain.SessionRepository, gw Gateway, publisher domain.EventPublisher, cfg Config, logger *zerolog.Logger) *Manager {
	if cfg.PairingTTL <= 0 {
		cfg.PairingTTL = models.DefaultPairingTTL
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = models.DefaultFailureThreshold
	}
	if cfg.FailureThreshold < minFailureThreshold {
		cfg.FailureThreshold = minFailureThreshold
	}
	if cfg.TickBudget <= 0 {
		cfg.TickBudget = models.DefaultTickBudget
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	l := logger.With().Str("component", "session").Logger()
	return &Manager{
		repo:      repo,
		gw:        gw,
		publisher: publisher,
		cfg:       cfg,
		logger:    &l,
		now:       func() time.Time { return time.Now().UTC() },
		locks:     newKeyedMutex(),
	}
}

type change struct {
	from, to models.SessionState
	reason   string
}

// move applies a state change to s, keeping the remote id consistent with
// the new state.
func (m *Manager) move(s *models.VendorSession, to models.SessionState, reason string) (*change, error) {
	from := s.State
	if from == to {
		return nil, nil
	}
	if !CanTransition(from, to) {
		return nil, apperr.New(apperr.KindInvalidState, fmt.Sprintf("session cannot go from %s to %s", from, to))
	}
	s.State = to
	if to != models.SessionConnected && to != models.SessionDegraded {
		s.RemoteSessionID = nil
	}
	if to != models.SessionPairing {
		s.PairingHandle = ""
		s.PairingCode = ""
		s.PairingExpiresAt = nil
	}
	return &change{from: from, to: to, reason: reason}, nil
}

func (m *Manager) save(ctx context.Context, s *models.VendorSession, ch *change) error {
	s.UpdatedAt = m.now()
	if err := m.repo.SaveSession(ctx, s); err != nil {
		return fmt.Errorf("save session %d: %w", s.VendorID, err)
	}
	if ch == nil {
		return nil
	}

	metrics.IncSessionTransition(string(ch.from), string(ch.to))
	m.logger.Info().
		Int64("vendor_id", s.VendorID).
		Str("from", string(ch.from)).
		Str("to", string(ch.to)).
		Str("reason", ch.reason).
		Int("failures", s.ConsecutiveFailures).
		Msg("Session state changed")

	if m.publisher != nil {
		payload := events.SessionEventPayload{
			VendorID:  s.VendorID,
			From:      string(ch.from),
			To:        string(ch.to),
			Reason:    ch.reason,
			Failures:  s.ConsecutiveFailures,
			ChangedAt: s.UpdatedAt,
		}
		if err := m.publisher.PublishJSON(events.EventSessionStateChanged, payload); err != nil {
			m.logger.Warn().Err(err).Int64("vendor_id", s.VendorID).Msg("Publish session event failed")
		}
	}
	return nil
}

func (m *Manager) load(ctx context.Context, vendorID int64) (*models.VendorSession, error) {
	s, err := m.repo.GetSession(ctx, vendorID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "vendor has no session")
	}
	return s, err
}

// Get returns the stored session of a vendor.
func (m *Manager) Get(ctx context.Context, vendorID int64) (*models.VendorSession, error) {
	return m.load(ctx, vendorID)
}

// List returns every stored session.
func (m *Manager) List(ctx context.Context) ([]*models.VendorSession, error) {
	return m.repo.ListSessions(ctx)
}

// Ready is the readiness gate for sending through a vendor's session.
func (m *Manager) Ready(ctx context.Context, vendorID int64) (*models.VendorSession, error) {
	s, err := m.repo.GetSession(ctx, vendorID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, apperr.New(apperr.KindSessionNotReady, "vendor has not paired a WhatsApp session")
	}
	if err != nil {
		return nil, err
	}
	if !s.Ready() {
		return nil, apperr.New(apperr.KindSessionNotReady, fmt.Sprintf("vendor session is %s", s.State))
	}
	return s, nil
}

// StartPairing requests a pairing handle for the vendor. A pairing that is
// still live is returned as is.
func (m *Manager) StartPairing(ctx context.Context, vendorID int64) (*models.VendorSession, error) {
	unlock := m.locks.Lock(vendorID)
	defer unlock()

	now := m.now()
	s, err := m.repo.GetSession(ctx, vendorID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s = &models.VendorSession{VendorID: vendorID, State: models.SessionUnpaired, CreatedAt: now}
		if err := m.save(ctx, s, nil); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	switch s.State {
	case models.SessionConnected, models.SessionDegraded:
		return nil, apperr.New(apperr.KindInvalidState, "vendor session is already connected")
	case models.SessionPairing:
		if s.PairingExpiresAt != nil && now.Before(*s.PairingExpiresAt) {
			return s.Clone(), nil
		}
		ch, err := m.move(s, models.SessionExpired, "pairing timed out")
		if err != nil {
			return nil, err
		}
		if err := m.save(ctx, s, ch); err != nil {
			return nil, err
		}
	}

	p, err := m.gw.StartPairing(ctx, vendorID)
	if err != nil {
		m.logger.Warn().Err(err).Int64("vendor_id", vendorID).Msg("Pairing request failed")
		return nil, err
	}

	expires := now.Add(m.cfg.PairingTTL)
	if !p.ExpiresAt.IsZero() && p.ExpiresAt.Before(expires) {
		expires = p.ExpiresAt.UTC()
	}

	ch, err := m.move(s, models.SessionPairing, "pairing requested")
	if err != nil {
		return nil, err
	}
	s.PairingHandle = p.Handle
	s.PairingCode = p.Code
	s.PairingExpiresAt = &expires
	s.ConsecutiveFailures = 0
	s.LastError = nil
	if err := m.save(ctx, s, ch); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// CheckStatus runs a health check for one vendor now. Unpaired and expired
// sessions are returned without contacting the gateway.
func (m *Manager) CheckStatus(ctx context.Context, vendorID int64) (*models.VendorSession, error) {
	unlock := m.locks.Lock(vendorID)
	defer unlock()

	s, err := m.load(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	if !checkable(s.State) {
		return s, nil
	}
	if _, err := m.check(ctx, s); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// check polls the gateway and folds the result into s. Gateway failures
// never surface; only storage errors do.
func (m *Manager) check(ctx context.Context, s *models.VendorSession) (bool, error) {
	now := m.now()
	var (
		ch  *change
		err error
	)

	switch s.State {
	case models.SessionPairing:
		ch, err = m.checkPairing(ctx, s, now)
	case models.SessionConnected, models.SessionDegraded:
		ch, err = m.checkConnected(ctx, s)
	default:
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.LastCheckedAt = &now
	if err := m.save(ctx, s, ch); err != nil {
		return false, err
	}
	return ch != nil, nil
}

func (m *Manager) checkPairing(ctx context.Context, s *models.VendorSession, now time.Time) (*change, error) {
	if s.PairingExpiresAt != nil && !now.Before(*s.PairingExpiresAt) {
		return m.move(s, models.SessionExpired, "pairing timed out")
	}

	st, err := m.gw.SessionStatus(ctx, s.VendorID, s.PairingHandle)
	if err != nil {
		if apperr.Is(err, apperr.KindSessionRevoked) {
			return m.move(s, models.SessionExpired, "pairing rejected by gateway")
		}
		s.LastError = models.StringPtr(err.Error())
		return nil, nil
	}

	switch st.State {
	case gateway.RemoteActive:
		ch, err := m.move(s, models.SessionConnected, "pairing confirmed")
		if err != nil {
			return nil, err
		}
		s.RemoteSessionID = models.StringPtr(st.SessionID)
		s.ConsecutiveFailures = 0
		s.LastError = nil
		return ch, nil
	case gateway.RemoteRevoked, gateway.RemoteExpired:
		return m.move(s, models.SessionExpired, "pairing "+string(st.State)+" on gateway")
	}
	return nil, nil
}

func (m *Manager) checkConnected(ctx context.Context, s *models.VendorSession) (*change, error) {
	st, err := m.gw.SessionStatus(ctx, s.VendorID, s.RemoteID())
	if err == nil && st.State == gateway.RemoteActive {
		ch, err := m.move(s, models.SessionConnected, "health check recovered")
		if err != nil {
			return nil, err
		}
		if st.SessionID != "" {
			s.RemoteSessionID = models.StringPtr(st.SessionID)
		}
		s.ConsecutiveFailures = 0
		s.LastError = nil
		return ch, nil
	}

	revoked := apperr.Is(err, apperr.KindSessionRevoked) ||
		(err == nil && (st.State == gateway.RemoteRevoked || st.State == gateway.RemoteExpired))
	if revoked {
		s.LastError = models.StringPtr("session revoked by gateway")
		return m.move(s, models.SessionExpired, "revoked by gateway")
	}

	if err == nil {
		err = apperr.New(apperr.KindInvalidResponse, "remote session is "+string(st.State))
	}
	s.ConsecutiveFailures++
	s.LastError = models.StringPtr(err.Error())
	m.logger.Warn().
		Err(err).
		Int64("vendor_id", s.VendorID).
		Int("failures", s.ConsecutiveFailures).
		Msg("Session health check failed")

	// A connected session is always degraded first.
	if s.State == models.SessionDegraded && s.ConsecutiveFailures >= m.cfg.FailureThreshold {
		return m.move(s, models.SessionExpired, "failure threshold reached")
	}
	return m.move(s, models.SessionDegraded, "health check failed")
}

// Revoke disconnects a vendor. The gateway logout is best effort.
func (m *Manager) Revoke(ctx context.Context, vendorID int64) (*models.VendorSession, error) {
	unlock := m.locks.Lock(vendorID)
	defer unlock()

	s, err := m.load(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	if !checkable(s.State) {
		return nil, apperr.New(apperr.KindInvalidState, fmt.Sprintf("vendor session is %s", s.State))
	}
	if s.Ready() {
		if err := m.gw.Logout(ctx, vendorID, s.RemoteID()); err != nil {
			m.logger.Warn().Err(err).Int64("vendor_id", vendorID).Msg("Gateway logout failed")
		}
	}
	ch, err := m.move(s, models.SessionExpired, "revoked")
	if err != nil {
		return nil, err
	}
	if err := m.save(ctx, s, ch); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Remove destroys the vendor's session record.
func (m *Manager) Remove(ctx context.Context, vendorID int64) error {
	unlock := m.locks.Lock(vendorID)
	defer unlock()

	s, err := m.load(ctx, vendorID)
	if err != nil {
		return err
	}
	if s.Ready() {
		if err := m.gw.Logout(ctx, vendorID, s.RemoteID()); err != nil {
			m.logger.Warn().Err(err).Int64("vendor_id", vendorID).Msg("Gateway logout failed")
		}
	}
	if err := m.repo.DeleteSession(ctx, vendorID); err != nil {
		return fmt.Errorf("delete session %d: %w", vendorID, err)
	}

	m.logger.Info().Int64("vendor_id", vendorID).Msg("Session removed")
	if m.publisher != nil {
		payload := events.SessionEventPayload{VendorID: vendorID, From: string(s.State), Reason: "vendor removed", ChangedAt: m.now()}
		if err := m.publisher.PublishJSON(events.EventSessionRemoved, payload); err != nil {
			m.logger.Warn().Err(err).Int64("vendor_id", vendorID).Msg("Publish session event failed")
		}
	}
	return nil
}

// Tick checks the live sessions that are due, oldest first, within the tick
// budget. Sessions not reached in time wait for the next tick.
func (m *Manager) Tick(ctx context.Context) (worker.TickReport, error) {
	if !m.tickMu.TryLock() {
		return worker.TickReport{Kind: "session-check", Overlap: true}, nil
	}
	defer m.tickMu.Unlock()

	started := time.Now()
	due, err := m.repo.ListSessionsForCheck(ctx, m.now().Add(-m.cfg.MinCheckAge), m.cfg.BatchSize)
	if err != nil {
		return worker.TickReport{Kind: "session-check"}, fmt.Errorf("list sessions for check: %w", err)
	}
	report := m.run(ctx, "session-check", due, started)
	return report, nil
}

// Reconcile checks every live session regardless of when it was last checked.
func (m *Manager) Reconcile(ctx context.Context) (worker.TickReport, error) {
	if !m.tickMu.TryLock() {
		return worker.TickReport{Kind: "session-reconcile", Overlap: true}, nil
	}
	defer m.tickMu.Unlock()

	started := time.Now()
	all, err := m.repo.ListSessions(ctx)
	if err != nil {
		return worker.TickReport{Kind: "session-reconcile"}, fmt.Errorf("list sessions: %w", err)
	}
	live := all[:0]
	for _, s := range all {
		if checkable(s.State) {
			live = append(live, s)
		}
	}
	return m.run(ctx, "session-reconcile", live, started), nil
}

func (m *Manager) run(ctx context.Context, kind string, due []*models.VendorSession, started time.Time) worker.TickReport {
	budget, cancel := context.WithTimeout(ctx, m.cfg.TickBudget)
	defer cancel()
	// Checks that have started finish on their own gateway timeout.
	work := context.WithoutCancel(ctx)

	var (
		tally worker.Tally
		g     errgroup.Group
	)
	g.SetLimit(m.cfg.MaxConcurrency)

	for _, s := range due {
		vendorID := s.VendorID
		if budget.Err() != nil {
			tally.Deferred()
			continue
		}
		g.Go(func() error {
			if budget.Err() != nil {
				tally.Deferred()
				return nil
			}
			unlock, ok := m.locks.TryLock(vendorID)
			if !ok {
				tally.Skipped()
				return nil
			}
			defer unlock()

			cur, err := m.repo.GetSession(work, vendorID)
			if err != nil {
				if !errors.Is(err, domain.ErrNotFound) {
					tally.Error()
					m.logger.Error().Err(err).Int64("vendor_id", vendorID).Msg("Load session for check failed")
				} else {
					tally.Skipped()
				}
				return nil
			}
			if !checkable(cur.State) {
				tally.Skipped()
				return nil
			}
			changed, err := m.check(work, cur)
			if err != nil {
				tally.Error()
				m.logger.Error().Err(err).Int64("vendor_id", vendorID).Msg("Session check failed")
				return nil
			}
			tally.Processed(changed)
			return nil
		})
	}
	_ = g.Wait()

	report := tally.Report(kind, len(due), started)
	metrics.ObserveTick(kind, report.Duration)
	m.logger.Info().
		Str("kind", kind).
		Int("due", report.Due).
		Int("checked", report.Processed).
		Int("changed", report.Changed).
		Int("skipped", report.Skipped).
		Int("deferred", report.Deferred).
		Int("errors", report.Errors).
		Dur("duration", report.Duration).
		Msg("Session tick finished")
	return report
}
