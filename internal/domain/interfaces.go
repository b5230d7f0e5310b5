package domain

import (
	"context"
	"errors"
	"time"

	"wagate/internal/models"
)

// ErrNotFound is returned by repositories when a record does not exist.
var ErrNotFound = errors.New("record not found")

type SessionRepository interface {
	GetSession(ctx context.Context, vendorID int64) (*models.VendorSession, error)
	SaveSession(ctx context.Context, s *models.VendorSession) error
	DeleteSession(ctx context.Context, vendorID int64) error
	ListSessions(ctx context.Context) ([]*models.VendorSession, error)
	// ListSessionsForCheck returns live sessions last checked before cutoff,
	// never-checked first, then oldest check first.
	ListSessionsForCheck(ctx context.Context, cutoff time.Time, limit int) ([]*models.VendorSession, error)
}

type MessageJobRepository interface {
	CreateMessageJob(ctx context.Context, job *models.MessageJob) error
	UpdateMessageJob(ctx context.Context, job *models.MessageJob) error
	GetMessageJob(ctx context.Context, id string) (*models.MessageJob, error)
	DueMessageJobs(ctx context.Context, now time.Time, limit int) ([]*models.MessageJob, error)
	ListMessageJobs(ctx context.Context, limit int) ([]*models.MessageJob, error)
}

type SyncJobRepository interface {
	CreateSyncJob(ctx context.Context, job *models.SyncJob) error
	UpdateSyncJob(ctx context.Context, job *models.SyncJob) error
	GetSyncJob(ctx context.Context, id string) (*models.SyncJob, error)
	FindOpenSyncJob(ctx context.Context, vendorID, productID int64) (*models.SyncJob, error)
	DueSyncJobs(ctx context.Context, now time.Time, limit int) ([]*models.SyncJob, error)
	ListSyncJobs(ctx context.Context, limit int) ([]*models.SyncJob, error)
}

type SecretRepository interface {
	GetSecret(ctx context.Context, name string) (string, error)
	PutSecret(ctx context.Context, name, value string) error
	// PutSecretIfAbsent stores value unless name exists and reports whether it wrote.
	PutSecretIfAbsent(ctx context.Context, name, value string) (bool, error)
	DeleteSecret(ctx context.Context, name string) error
}

// TokenCache shares issued tokens between processes. Get returns (nil, nil) on a miss.
type TokenCache interface {
	Get(ctx context.Context, subject string) (*models.AuthToken, error)
	Set(ctx context.Context, token models.AuthToken) error
	Delete(ctx context.Context, subject string) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
