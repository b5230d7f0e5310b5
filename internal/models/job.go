package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrTerminalJob is returned when a job in a terminal state is asked to change.
var ErrTerminalJob = errors.New("job is in a terminal state")

// JobStatus is the delivery status of a MessageJob.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobSent      JobStatus = "sent"
	JobFailed    JobStatus = "failed"
	JobAbandoned JobStatus = "abandoned"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobSent || s == JobAbandoned
}

// TemplateParameter is one resolved slot of a rendered template.
type TemplateParameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MessagePayload is a rendered template ready for the gateway.
type MessagePayload struct {
	Template   string              `json:"template"`
	Language   string              `json:"language"`
	Header     string              `json:"header,omitempty"`
	Body       string              `json:"body"`
	Footer     string              `json:"footer,omitempty"`
	Parameters []TemplateParameter `json:"parameters"`
}

// MessageJob is one request to deliver a templated message to a vendor's session.
type MessageJob struct {
	ID               string            `json:"id"`
	VendorID         int64             `json:"vendor_id"`
	TemplateName     string            `json:"template_name"`
	Variables        map[string]string `json:"variables,omitempty"`
	Payload          *MessagePayload   `json:"payload,omitempty"`
	Status           JobStatus         `json:"status"`
	Attempts         int               `json:"attempts"`
	NextRetryAt      *time.Time        `json:"next_retry_at,omitempty"`
	LastError        *string           `json:"last_error,omitempty"`
	ErrorKind        string            `json:"error_kind,omitempty"`
	GatewayMessageID string            `json:"gateway_message_id,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// SetStatus moves the job to status, refusing to leave a terminal state.
func (j *MessageJob) SetStatus(status JobStatus) error {
	if j.Status.Terminal() && status != j.Status {
		return fmt.Errorf("message job %s %s -> %s: %w", j.ID, j.Status, status, ErrTerminalJob)
	}
	j.Status = status
	return nil
}

// SyncStatus is the status of a SyncJob.
type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncSynced    SyncStatus = "synced"
	SyncFailed    SyncStatus = "failed"
	SyncAbandoned SyncStatus = "abandoned"
)

// Terminal reports whether no further transition is allowed.
func (s SyncStatus) Terminal() bool {
	return s == SyncSynced || s == SyncAbandoned
}

// SyncJob is one product-sync request for a (vendor, product) pair.
type SyncJob struct {
	ID            string     `json:"id"`
	VendorID      int64      `json:"vendor_id"`
	ProductID     int64      `json:"product_id"`
	Status        SyncStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	GatewaySyncID string     `json:"gateway_sync_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// SetStatus moves the job to status, refusing to leave a terminal state.
func (j *SyncJob) SetStatus(status SyncStatus) error {
	if j.Status.Terminal() && status != j.Status {
		return fmt.Errorf("sync job %s %s -> %s: %w", j.ID, j.Status, status, ErrTerminalJob)
	}
	j.Status = status
	return nil
}
