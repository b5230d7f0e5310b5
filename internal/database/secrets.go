package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (db *DB) GetSecret(ctx context.Context, name string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("secret %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get secret: %w", err)
	}
	return value, nil
}

func (db *DB) PutSecret(ctx context.Context, name, value string) error {
	now := time.Now().UTC()
	query := `INSERT INTO secrets (name, value, created_at, updated_at) VALUES (?, ?, ?, ?)
              ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := db.ExecContext(ctx, query, name, value, now, now); err != nil {
		return fmt.Errorf("failed to put secret: %w", err)
	}
	return nil
}

func (db *DB) PutSecretIfAbsent(ctx context.Context, name, value string) (bool, error) {
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO secrets (name, value, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		name, value, now, now)
	if err != nil {
		return false, fmt.Errorf("failed to put secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func (db *DB) DeleteSecret(ctx context.Context, name string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}
