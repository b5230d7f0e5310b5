package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wagate/internal/models"
)

const messageJobColumns = `id, vendor_id, template_name, variables, payload, status, attempts, next_retry_at,
       last_error, error_kind, gateway_message_id, created_at, updated_at`

func scanMessageJob(row rowScanner) (*models.MessageJob, error) {
	var (
		j                 models.MessageJob
		status, variables string
		payload, lastErr  sql.NullString
		nextRetry         sql.NullTime
	)
	err := row.Scan(
		&j.ID, &j.VendorID, &j.TemplateName, &variables, &payload, &status, &j.Attempts, &nextRetry,
		&lastErr, &j.ErrorKind, &j.GatewayMessageID, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	j.NextRetryAt = timePtr(nextRetry)
	j.LastError = stringPtr(lastErr)
	j.CreatedAt = utc(j.CreatedAt)
	j.UpdatedAt = utc(j.UpdatedAt)

	if variables != "" {
		if err := json.Unmarshal([]byte(variables), &j.Variables); err != nil {
			return nil, fmt.Errorf("failed to decode variables of job %s: %w", j.ID, err)
		}
	}
	if payload.Valid && payload.String != "" {
		var p models.MessagePayload
		if err := json.Unmarshal([]byte(payload.String), &p); err != nil {
			return nil, fmt.Errorf("failed to decode payload of job %s: %w", j.ID, err)
		}
		j.Payload = &p
	}
	return &j, nil
}

func encodeMessageJob(job *models.MessageJob) (string, sql.NullString, error) {
	vars := job.Variables
	if vars == nil {
		vars = map[string]string{}
	}
	rawVars, err := json.Marshal(vars)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("failed to encode variables: %w", err)
	}
	var payload sql.NullString
	if job.Payload != nil {
		rawPayload, err := json.Marshal(job.Payload)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("failed to encode payload: %w", err)
		}
		payload = sql.NullString{String: string(rawPayload), Valid: true}
	}
	return string(rawVars), payload, nil
}

func (db *DB) CreateMessageJob(ctx context.Context, job *models.MessageJob) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	vars, payload, err := encodeMessageJob(job)
	if err != nil {
		return err
	}

	query := `INSERT INTO message_jobs (` + messageJobColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, query,
		job.ID, job.VendorID, job.TemplateName, vars, payload, string(job.Status), job.Attempts,
		nullTime(job.NextRetryAt), nullString(job.LastError), job.ErrorKind, job.GatewayMessageID,
		utc(job.CreatedAt), utc(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create message job: %w", err)
	}
	return nil
}

// UpdateMessageJob writes the mutable fields of job. A job whose stored
// status is terminal is left untouched and models.ErrTerminalJob is returned.
func (db *DB) UpdateMessageJob(ctx context.Context, job *models.MessageJob) error {
	job.UpdatedAt = time.Now().UTC()
	_, payload, err := encodeMessageJob(job)
	if err != nil {
		return err
	}

	query := `UPDATE message_jobs SET payload = ?, status = ?, attempts = ?, next_retry_at = ?, last_error = ?,
                  error_kind = ?, gateway_message_id = ?, updated_at = ?
              WHERE id = ? AND status NOT IN (?, ?)`
	res, err := db.ExecContext(ctx, query,
		payload, string(job.Status), job.Attempts, nullTime(job.NextRetryAt), nullString(job.LastError),
		job.ErrorKind, job.GatewayMessageID, job.UpdatedAt,
		job.ID, string(models.JobSent), string(models.JobAbandoned),
	)
	if err != nil {
		return fmt.Errorf("failed to update message job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		if _, err := db.GetMessageJob(ctx, job.ID); err != nil {
			return err
		}
		return fmt.Errorf("message job %s: %w", job.ID, models.ErrTerminalJob)
	}
	return nil
}

func (db *DB) GetMessageJob(ctx context.Context, id string) (*models.MessageJob, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageJobColumns+` FROM message_jobs WHERE id = ?`, id)
	j, err := scanMessageJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message job: %w", err)
	}
	return j, nil
}

// DueMessageJobs returns pending jobs whose retry time has come, oldest first.
func (db *DB) DueMessageJobs(ctx context.Context, now time.Time, limit int) ([]*models.MessageJob, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + messageJobColumns + ` FROM message_jobs
              WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY created_at ASC LIMIT ?`
	return db.queryMessageJobs(ctx, query, string(models.JobPending), now.UTC(), limit)
}

// ListMessageJobs returns the most recent jobs. limit <= 0 means all.
func (db *DB) ListMessageJobs(ctx context.Context, limit int) ([]*models.MessageJob, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + messageJobColumns + ` FROM message_jobs ORDER BY created_at DESC LIMIT ?`
	return db.queryMessageJobs(ctx, query, limit)
}

func (db *DB) queryMessageJobs(ctx context.Context, query string, args ...interface{}) ([]*models.MessageJob, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query message jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.MessageJob
	for rows.Next() {
		j, err := scanMessageJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}
