package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const settingActive = "connector_active"

func (db *DB) GetSetting(ctx context.Context, name string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM settings WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

func (db *DB) PutSetting(ctx context.Context, name, value string) error {
	query := `INSERT INTO settings (name, value, updated_at) VALUES (?, ?, ?)
              ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := db.ExecContext(ctx, query, name, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to put setting: %w", err)
	}
	return nil
}

// SetActive records whether the connector is activated. Every process sharing
// the database sees the change on its next scheduled tick.
func (db *DB) SetActive(ctx context.Context, active bool) error {
	return db.PutSetting(ctx, settingActive, strconv.FormatBool(active))
}

// IsActive reports the stored activation state. A connector that was never
// activated is inactive.
func (db *DB) IsActive(ctx context.Context) (bool, error) {
	v, err := db.GetSetting(ctx, settingActive)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(v)
}
