package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wagate/internal/models"
)

const sessionColumns = `vendor_id, remote_session_id, state, pairing_handle, pairing_code, pairing_expires_at,
       last_checked_at, last_error, consecutive_failures, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.VendorSession, error) {
	var (
		s                           models.VendorSession
		state                       string
		remoteID, lastErr           sql.NullString
		pairingExpires, lastChecked sql.NullTime
	)
	err := row.Scan(
		&s.VendorID, &remoteID, &state, &s.PairingHandle, &s.PairingCode, &pairingExpires,
		&lastChecked, &lastErr, &s.ConsecutiveFailures, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.State = models.SessionState(state)
	s.RemoteSessionID = stringPtr(remoteID)
	s.LastError = stringPtr(lastErr)
	s.PairingExpiresAt = timePtr(pairingExpires)
	s.LastCheckedAt = timePtr(lastChecked)
	s.CreatedAt = utc(s.CreatedAt)
	s.UpdatedAt = utc(s.UpdatedAt)
	return &s, nil
}

func (db *DB) GetSession(ctx context.Context, vendorID int64) (*models.VendorSession, error) {
	row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM vendor_sessions WHERE vendor_id = ?`, vendorID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session for vendor %d: %w", vendorID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// SaveSession inserts or replaces the session of s.VendorID.
func (db *DB) SaveSession(ctx context.Context, s *models.VendorSession) error {
	if !s.State.Valid() {
		return fmt.Errorf("invalid session state %q", s.State)
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}

	query := `INSERT INTO vendor_sessions (` + sessionColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(vendor_id) DO UPDATE SET
                  remote_session_id = excluded.remote_session_id,
                  state = excluded.state,
                  pairing_handle = excluded.pairing_handle,
                  pairing_code = excluded.pairing_code,
                  pairing_expires_at = excluded.pairing_expires_at,
                  last_checked_at = excluded.last_checked_at,
                  last_error = excluded.last_error,
                  consecutive_failures = excluded.consecutive_failures,
                  updated_at = excluded.updated_at`

	_, err := db.ExecContext(ctx, query,
		s.VendorID,
		nullString(s.RemoteSessionID),
		string(s.State),
		s.PairingHandle,
		s.PairingCode,
		nullTime(s.PairingExpiresAt),
		nullTime(s.LastCheckedAt),
		nullString(s.LastError),
		s.ConsecutiveFailures,
		utc(s.CreatedAt),
		utc(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (db *DB) DeleteSession(ctx context.Context, vendorID int64) error {
	res, err := db.ExecContext(ctx, `DELETE FROM vendor_sessions WHERE vendor_id = ?`, vendorID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session for vendor %d: %w", vendorID, ErrNotFound)
	}
	return nil
}

func (db *DB) ListSessions(ctx context.Context) ([]*models.VendorSession, error) {
	return db.querySessions(ctx, `SELECT `+sessionColumns+` FROM vendor_sessions ORDER BY vendor_id`)
}

func (db *DB) ListSessionsForCheck(ctx context.Context, cutoff time.Time, limit int) ([]*models.VendorSession, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + sessionColumns + ` FROM vendor_sessions
              WHERE state IN (?, ?, ?)
                AND (last_checked_at IS NULL OR last_checked_at < ?)
              ORDER BY last_checked_at IS NOT NULL, last_checked_at ASC, vendor_id ASC
              LIMIT ?`
	return db.querySessions(ctx, query,
		string(models.SessionPairing), string(models.SessionConnected), string(models.SessionDegraded),
		cutoff.UTC(), limit)
}

func (db *DB) querySessions(ctx context.Context, query string, args ...interface{}) ([]*models.VendorSession, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.VendorSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}
