package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wagate/internal/models"
)

const syncJobColumns = `id, vendor_id, product_id, status, attempts, next_retry_at, last_error, error_kind,
       gateway_sync_id, created_at, updated_at`

func scanSyncJob(row rowScanner) (*models.SyncJob, error) {
	var (
		j         models.SyncJob
		status    string
		lastErr   sql.NullString
		nextRetry sql.NullTime
	)
	err := row.Scan(
		&j.ID, &j.VendorID, &j.ProductID, &status, &j.Attempts, &nextRetry, &lastErr, &j.ErrorKind,
		&j.GatewaySyncID, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = models.SyncStatus(status)
	j.NextRetryAt = timePtr(nextRetry)
	j.LastError = stringPtr(lastErr)
	j.CreatedAt = utc(j.CreatedAt)
	j.UpdatedAt = utc(j.UpdatedAt)
	return &j, nil
}

func (db *DB) CreateSyncJob(ctx context.Context, job *models.SyncJob) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt

	query := `INSERT INTO sync_jobs (` + syncJobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		job.ID, job.VendorID, job.ProductID, string(job.Status), job.Attempts, nullTime(job.NextRetryAt),
		nullString(job.LastError), job.ErrorKind, job.GatewaySyncID, utc(job.CreatedAt), utc(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create sync job: %w", err)
	}
	return nil
}

// UpdateSyncJob writes the mutable fields of job unless its stored status is terminal.
func (db *DB) UpdateSyncJob(ctx context.Context, job *models.SyncJob) error {
	job.UpdatedAt = time.Now().UTC()
	query := `UPDATE sync_jobs SET status = ?, attempts = ?, next_retry_at = ?, last_error = ?, error_kind = ?,
                  gateway_sync_id = ?, updated_at = ?
              WHERE id = ? AND status NOT IN (?, ?)`
	res, err := db.ExecContext(ctx, query,
		string(job.Status), job.Attempts, nullTime(job.NextRetryAt), nullString(job.LastError), job.ErrorKind,
		job.GatewaySyncID, job.UpdatedAt,
		job.ID, string(models.SyncSynced), string(models.SyncAbandoned),
	)
	if err != nil {
		return fmt.Errorf("failed to update sync job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		if _, err := db.GetSyncJob(ctx, job.ID); err != nil {
			return err
		}
		return fmt.Errorf("sync job %s: %w", job.ID, models.ErrTerminalJob)
	}
	return nil
}

func (db *DB) GetSyncJob(ctx context.Context, id string) (*models.SyncJob, error) {
	row := db.QueryRowContext(ctx, `SELECT `+syncJobColumns+` FROM sync_jobs WHERE id = ?`, id)
	j, err := scanSyncJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job: %w", err)
	}
	return j, nil
}

// FindOpenSyncJob returns the pending job for the pair, or ErrNotFound.
func (db *DB) FindOpenSyncJob(ctx context.Context, vendorID, productID int64) (*models.SyncJob, error) {
	query := `SELECT ` + syncJobColumns + ` FROM sync_jobs
              WHERE vendor_id = ? AND product_id = ? AND status = ?
              ORDER BY created_at ASC LIMIT 1`
	row := db.QueryRowContext(ctx, query, vendorID, productID, string(models.SyncPending))
	j, err := scanSyncJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("open sync job for vendor %d product %d: %w", vendorID, productID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find sync job: %w", err)
	}
	return j, nil
}

func (db *DB) DueSyncJobs(ctx context.Context, now time.Time, limit int) ([]*models.SyncJob, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + syncJobColumns + ` FROM sync_jobs
              WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY created_at ASC LIMIT ?`
	return db.querySyncJobs(ctx, query, string(models.SyncPending), now.UTC(), limit)
}

func (db *DB) ListSyncJobs(ctx context.Context, limit int) ([]*models.SyncJob, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + syncJobColumns + ` FROM sync_jobs ORDER BY created_at DESC LIMIT ?`
	return db.querySyncJobs(ctx, query, limit)
}

func (db *DB) querySyncJobs(ctx context.Context, query string, args ...interface{}) ([]*models.SyncJob, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.SyncJob
	for rows.Next() {
		j, err := scanSyncJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}
