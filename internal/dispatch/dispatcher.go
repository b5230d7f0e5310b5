// Package dispatch delivers templated messages to vendors through the gateway.
package dispatch

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

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const queueName = "message"

type Renderer interface {
	Render(name string, vars map[string]string) (models.MessagePayload, error)
}

// ReadinessGate resolves the session a vendor's messages go through.
type ReadinessGate interface {
	Ready(ctx context.Context, vendorID int64) (*models.VendorSession, error)
}

type Sender interface {
	SendTemplate(ctx context.Context, vendorID int64, sessionID string, payload *models.MessagePayload) (gateway.MessageReceipt, error)
}

type Config struct {
	Retry          worker.RetryPolicy
	TickBudget     time.Duration
	BatchSize      int
	MaxConcurrency int
}

func ConfigFrom(cfg config.DispatchConfig) Config {
	return Config{
		Retry:          worker.PolicyFromConfig(cfg.Retry),
		TickBudget:     cfg.TickBudget,
		BatchSize:      cfg.BatchSize,
		MaxConcurrency: cfg.MaxConcurrency,
	}
}

// Dispatcher is the only writer of MessageJob records.
type Dispatcher struct {
	repo       domain.MessageJobRepository
	renderer   Renderer
	sessions   ReadinessGate
	sender     Sender
	deadLetter *worker.DeadLetter
	publisher  domain.EventPublisher
	cfg        Config
	logger     *zerolog.Logger
	now        func() time.Time

	inflight sync.Map
	tickMu   sync.Mutex
}

func NewDispatcher(
	repo domain.MessageJobRepository,
	renderer Renderer,
	sessions ReadinessGate,
	sender Sender,
	deadLetter *worker.DeadLetter,
	publisher domain.EventPublisher,
	cfg Config,
	logger *zerolog.Logger,
) *Dispatcher {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = models.DefaultMaxAttempts
	}
	if cfg.TickBudget <= 0 {
		cfg.TickBudget = models.DefaultTickBudget
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = models.DefaultBatchSize
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	l := logger.With().Str("component", "dispatch").Logger()
	return &Dispatcher{
		repo:       repo,
		renderer:   renderer,
		sessions:   sessions,
		sender:     sender,
		deadLetter: deadLetter,
		publisher:  publisher,
		cfg:        cfg,
		logger:     &l,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Send records a message job and makes the first delivery attempt. The
// returned error is the cause when the job ended failed or abandoned; a job
// rescheduled for retry is returned without error.
func (d *Dispatcher) Send(ctx context.Context, vendorID int64, templateName string, vars map[string]string) (*models.MessageJob, error) {
	if vendorID <= 0 {
		return nil, apperr.New(apperr.KindInvalidRequest, "vendor id is required")
	}

	id := uuid.NewString()
	// Held before the row exists so a concurrent retry tick cannot take it.
	release, _ := d.claim(id)
	defer release()

	job := &models.MessageJob{
		ID:           id,
		VendorID:     vendorID,
		TemplateName: templateName,
		Variables:    vars,
		Status:       models.JobPending,
		CreatedAt:    d.now(),
	}
	if err := d.repo.CreateMessageJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create message job: %w", err)
	}

	cause, err := d.attempt(ctx, job)
	if err != nil {
		return job, err
	}
	return job, cause
}

// Retry puts a failed job back to pending and attempts it again.
func (d *Dispatcher) Retry(ctx context.Context, jobID string) (*models.MessageJob, error) {
	release, ok := d.claim(jobID)
	if !ok {
		return nil, apperr.New(apperr.KindInvalidState, "job is being processed")
	}
	defer release()

	job, err := d.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobFailed {
		return nil, apperr.New(apperr.KindInvalidState, fmt.Sprintf("only failed jobs can be retried, job is %s", job.Status))
	}

	if err := job.SetStatus(models.JobPending); err != nil {
		return nil, err
	}
	job.Attempts = 0
	job.NextRetryAt = nil
	job.LastError = nil
	job.ErrorKind = ""
	if err := d.repo.UpdateMessageJob(ctx, job); err != nil {
		return nil, fmt.Errorf("reset message job: %w", err)
	}
	d.logger.Info().Str("job_id", jobID).Msg("Message job re-queued")
	cause, err := d.attempt(ctx, job)
	if err != nil {
		return job, err
	}
	return job, cause
}

// Get returns a job by id.
func (d *Dispatcher) Get(ctx context.Context, jobID string) (*models.MessageJob, error) {
	job, err := d.repo.GetMessageJob(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "message job not found")
	}
	return job, err
}

// List returns the most recent jobs.
func (d *Dispatcher) List(ctx context.Context, limit int) ([]*models.MessageJob, error) {
	return d.repo.ListMessageJobs(ctx, limit)
}

func (d *Dispatcher) stillDue(job *models.MessageJob) bool {
	if job.Status != models.JobPending {
		return false
	}
	return job.NextRetryAt == nil || !job.NextRetryAt.After(d.now())
}

func (d *Dispatcher) claim(jobID string) (func(), bool) {
	if _, busy := d.inflight.LoadOrStore(jobID, struct{}{}); busy {
		return func() {}, false
	}
	return func() { d.inflight.Delete(jobID) }, true
}

// attempt makes one delivery attempt and stores the outcome. cause is set
// when the job ended failed or abandoned; err reports a storage failure.
func (d *Dispatcher) attempt(ctx context.Context, job *models.MessageJob) (cause, err error) {
	job.Attempts++
	cause = d.deliver(ctx, job)

	now := d.now()
	if cause == nil {
		job.NextRetryAt = nil
		job.LastError = nil
		job.ErrorKind = ""
		if err := job.SetStatus(models.JobSent); err != nil {
			return nil, err
		}
	} else {
		job.LastError = models.StringPtr(cause.Error())
		job.ErrorKind = string(apperr.KindOf(cause))
		outcome, delay := d.cfg.Retry.Decide(job.Attempts, cause)
		status := models.JobPending
		switch outcome {
		case worker.OutcomeFail:
			status = models.JobFailed
			job.NextRetryAt = nil
		case worker.OutcomeAbandon:
			status = models.JobAbandoned
			job.NextRetryAt = nil
		default:
			job.NextRetryAt = models.TimePtr(now.Add(delay))
		}
		if err := job.SetStatus(status); err != nil {
			return nil, err
		}
	}

	// The outcome is stored even when the caller has gone away.
	store := context.WithoutCancel(ctx)
	if err := d.repo.UpdateMessageJob(store, job); err != nil {
		return nil, fmt.Errorf("store message job outcome: %w", err)
	}
	d.record(store, job)

	if job.Status == models.JobFailed || job.Status == models.JobAbandoned {
		return cause, nil
	}
	return nil, nil
}

func (d *Dispatcher) deliver(ctx context.Context, job *models.MessageJob) error {
	if job.Payload == nil {
		payload, err := d.renderer.Render(job.TemplateName, job.Variables)
		if err != nil {
			return err
		}
		job.Payload = &payload
	}

	sess, err := d.sessions.Ready(ctx, job.VendorID)
	if err != nil {
		return err
	}

	receipt, err := d.sender.SendTemplate(ctx, job.VendorID, sess.RemoteID(), job.Payload)
	if err != nil {
		return err
	}
	job.GatewayMessageID = receipt.MessageID
	return nil
}

func (d *Dispatcher) record(ctx context.Context, job *models.MessageJob) {
	metrics.IncJobOutcome(queueName, string(job.Status))

	ev := d.logger.Info()
	if job.Status != models.JobSent {
		ev = d.logger.Warn().Str("error_kind", job.ErrorKind)
	}
	ev.Str("job_id", job.ID).
		Int64("vendor_id", job.VendorID).
		Str("template", job.TemplateName).
		Str("status", string(job.Status)).
		Int("attempts", job.Attempts).
		Msg("Message attempt finished")

	if job.Status == models.JobFailed || job.Status == models.JobAbandoned {
		d.deadLetter.Push(ctx, queueName, job.ErrorKind, job)
	}

	if d.publisher != nil {
		payload := events.JobEventPayload{
			JobID:       job.ID,
			VendorID:    job.VendorID,
			Status:      string(job.Status),
			Attempts:    job.Attempts,
			ErrorKind:   job.ErrorKind,
			NextRetryAt: job.NextRetryAt,
		}
		if err := d.publisher.PublishJSON(events.EventMessageOutcome, payload); err != nil {
			d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Publish message event failed")
		}
	}
}

// ProcessDue retries the pending jobs whose time has come. Jobs not started
// within the tick budget stay pending for the next run.
func (d *Dispatcher) ProcessDue(ctx context.Context) (worker.TickReport, error) {
	const kind = "message-retry"
	if !d.tickMu.TryLock() {
		return worker.TickReport{Kind: kind, Overlap: true}, nil
	}
	defer d.tickMu.Unlock()

	started := time.Now()
	due, err := d.repo.DueMessageJobs(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		return worker.TickReport{Kind: kind}, fmt.Errorf("load due message jobs: %w", err)
	}

	budget, cancel := context.WithTimeout(ctx, d.cfg.TickBudget)
	defer cancel()
	work := context.WithoutCancel(ctx)

	var (
		tally worker.Tally
		g     errgroup.Group
	)
	g.SetLimit(d.cfg.MaxConcurrency)
	for _, job := range due {
		if budget.Err() != nil {
			tally.Deferred()
			continue
		}
		g.Go(func() error {
			if budget.Err() != nil {
				tally.Deferred()
				return nil
			}
			release, ok := d.claim(job.ID)
			if !ok {
				tally.Skipped()
				return nil
			}
			defer release()

			// The row may have moved on since it was loaded.
			cur, err := d.repo.GetMessageJob(work, job.ID)
			if err != nil {
				tally.Error()
				d.logger.Error().Err(err).Str("job_id", job.ID).Msg("Reload message job failed")
				return nil
			}
			if !d.stillDue(cur) {
				tally.Skipped()
				return nil
			}
			job = cur

			if _, err := d.attempt(work, job); errors.Is(err, models.ErrTerminalJob) {
				tally.Skipped()
				return nil
			} else if err != nil {
				tally.Error()
				d.logger.Error().Err(err).Str("job_id", job.ID).Msg("Message attempt not stored")
				return nil
			}
			tally.Processed(job.Status != models.JobPending)
			return nil
		})
	}
	_ = g.Wait()

	report := tally.Report(kind, len(due), started)
	metrics.ObserveTick(kind, report.Duration)
	d.logger.Info().
		Int("due", report.Due).
		Int("processed", report.Processed).
		Int("finished", report.Changed).
		Int("deferred", report.Deferred).
		Int("errors", report.Errors).
		Dur("duration", report.Duration).
		Msg("Message retry tick finished")
	return report, nil
}
