// Package productsync pushes vendor products to the gateway catalog.
package productsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wagate/internal/apperr"
	"wagate/internal/catalog"
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

const (
	queueName = "sync"
	tickKind  = "product-sync"
)

type ReadinessGate interface {
	Ready(ctx context.Context, vendorID int64) (*models.VendorSession, error)
}

type Syncer interface {
	SyncProduct(ctx context.Context, vendorID int64, sessionID string, product *models.Product) (gateway.SyncReceipt, error)
}

type Config struct {
	Retry          worker.RetryPolicy
	TickBudget     time.Duration
	BatchSize      int
	MaxConcurrency int
}

func ConfigFrom(cfg config.SyncConfig) Config {
	return Config{
		Retry:          worker.PolicyFromConfig(cfg.Retry),
		TickBudget:     cfg.TickBudget,
		BatchSize:      cfg.BatchSize,
		MaxConcurrency: cfg.MaxConcurrency,
	}
}

// Coordinator owns SyncJob records. Jobs of one vendor run in order; vendors
// run independently of each other.
type Coordinator struct {
	repo       domain.SyncJobRepository
	catalog    catalog.Catalog
	sessions   ReadinessGate
	syncer     Syncer
	deadLetter *worker.DeadLetter
	publisher  domain.EventPublisher
	cfg        Config
	logger     *zerolog.Logger
	now        func() time.Time

	requestMu sync.Mutex
	tickMu    sync.Mutex
}

func NewCoordinator(
	repo domain.SyncJobRepository,
	cat catalog.Catalog,
	sessions ReadinessGate,
	syncer Syncer,
	deadLetter *worker.DeadLetter,
	publisher domain.EventPublisher,
	cfg Config,
	logger *zerolog.Logger,
) *Coordinator {
	if cat == nil {
		cat = catalog.Noop{}
	}
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
	l := logger.With().Str("component", "productsync").Logger()
	return &Coordinator{
		repo:       repo,
		catalog:    cat,
		sessions:   sessions,
		syncer:     syncer,
		deadLetter: deadLetter,
		publisher:  publisher,
		cfg:        cfg,
		logger:     &l,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RequestSync queues a sync of one product. An open job for the same pair is
// returned instead of creating another; created reports which happened.
func (c *Coordinator) RequestSync(ctx context.Context, vendorID, productID int64) (job *models.SyncJob, created bool, err error) {
	if vendorID <= 0 || productID <= 0 {
		return nil, false, apperr.New(apperr.KindInvalidRequest, "vendor id and product id are required")
	}

	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	open, err := c.repo.FindOpenSyncJob(ctx, vendorID, productID)
	switch {
	case err == nil:
		return open, false, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, false, fmt.Errorf("find open sync job: %w", err)
	}

	job = &models.SyncJob{
		ID:        uuid.NewString(),
		VendorID:  vendorID,
		ProductID: productID,
		Status:    models.SyncPending,
		CreatedAt: c.now(),
	}
	if err := c.repo.CreateSyncJob(ctx, job); err != nil {
		return nil, false, fmt.Errorf("create sync job: %w", err)
	}
	c.logger.Info().Str("job_id", job.ID).Int64("vendor_id", vendorID).Int64("product_id", productID).Msg("Product sync queued")
	return job, true, nil
}

func (c *Coordinator) Get(ctx context.Context, jobID string) (*models.SyncJob, error) {
	job, err := c.repo.GetSyncJob(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "sync job not found")
	}
	return job, err
}

func (c *Coordinator) List(ctx context.Context, limit int) ([]*models.SyncJob, error) {
	return c.repo.ListSyncJobs(ctx, limit)
}

// Tick runs the due sync jobs within the tick budget.
func (c *Coordinator) Tick(ctx context.Context) (worker.TickReport, error) {
	if !c.tickMu.TryLock() {
		return worker.TickReport{Kind: tickKind, Overlap: true}, nil
	}
	defer c.tickMu.Unlock()

	started := time.Now()
	due, err := c.repo.DueSyncJobs(ctx, c.now(), c.cfg.BatchSize)
	if err != nil {
		return worker.TickReport{Kind: tickKind}, fmt.Errorf("load due sync jobs: %w", err)
	}

	var order []int64
	byVendor := make(map[int64][]*models.SyncJob)
	for _, job := range due {
		if _, ok := byVendor[job.VendorID]; !ok {
			order = append(order, job.VendorID)
		}
		byVendor[job.VendorID] = append(byVendor[job.VendorID], job)
	}

	budget, cancel := context.WithTimeout(ctx, c.cfg.TickBudget)
	defer cancel()
	work := context.WithoutCancel(ctx)

	var (
		tally worker.Tally
		g     errgroup.Group
	)
	g.SetLimit(c.cfg.MaxConcurrency)
	for _, vendorID := range order {
		jobs := byVendor[vendorID]
		if budget.Err() != nil {
			for range jobs {
				tally.Deferred()
			}
			continue
		}
		g.Go(func() error {
			for _, job := range jobs {
				if budget.Err() != nil {
					tally.Deferred()
					continue
				}
				if _, err := c.attempt(work, job); errors.Is(err, models.ErrTerminalJob) {
					tally.Skipped()
				} else if err != nil {
					tally.Error()
					c.logger.Error().Err(err).Str("job_id", job.ID).Msg("Sync attempt not stored")
				} else {
					tally.Processed(job.Status != models.SyncPending)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	report := tally.Report(tickKind, len(due), started)
	metrics.ObserveTick(tickKind, report.Duration)
	c.logger.Info().
		Int("due", report.Due).
		Int("vendors", len(order)).
		Int("processed", report.Processed).
		Int("deferred", report.Deferred).
		Int("errors", report.Errors).
		Dur("duration", report.Duration).
		Msg("Product sync tick finished")
	return report, nil
}

func (c *Coordinator) attempt(ctx context.Context, job *models.SyncJob) (cause, err error) {
	job.Attempts++
	cause = c.push(ctx, job)

	if cause == nil {
		job.NextRetryAt = nil
		job.LastError = nil
		job.ErrorKind = ""
		if err := job.SetStatus(models.SyncSynced); err != nil {
			return nil, err
		}
	} else {
		job.LastError = models.StringPtr(cause.Error())
		job.ErrorKind = string(apperr.KindOf(cause))
		outcome, delay := c.cfg.Retry.Decide(job.Attempts, cause)
		status := models.SyncPending
		switch outcome {
		case worker.OutcomeFail:
			status = models.SyncFailed
			job.NextRetryAt = nil
		case worker.OutcomeAbandon:
			status = models.SyncAbandoned
			job.NextRetryAt = nil
		default:
			job.NextRetryAt = models.TimePtr(c.now().Add(delay))
		}
		if err := job.SetStatus(status); err != nil {
			return nil, err
		}
	}

	if err := c.repo.UpdateSyncJob(ctx, job); err != nil {
		return nil, fmt.Errorf("store sync job outcome: %w", err)
	}
	c.record(ctx, job)

	if job.Status == models.SyncFailed || job.Status == models.SyncAbandoned {
		return cause, nil
	}
	return nil, nil
}

func (c *Coordinator) push(ctx context.Context, job *models.SyncJob) error {
	sess, err := c.sessions.Ready(ctx, job.VendorID)
	if err != nil {
		return err
	}
	product, err := c.catalog.Product(ctx, job.VendorID, job.ProductID)
	if err != nil {
		return err
	}
	receipt, err := c.syncer.SyncProduct(ctx, job.VendorID, sess.RemoteID(), product)
	if err != nil {
		return err
	}
	job.GatewaySyncID = receipt.SyncID
	return nil
}

func (c *Coordinator) record(ctx context.Context, job *models.SyncJob) {
	metrics.IncJobOutcome(queueName, string(job.Status))
	c.logger.Info().
		Str("job_id", job.ID).
		Int64("vendor_id", job.VendorID).
		Int64("product_id", job.ProductID).
		Str("status", string(job.Status)).
		Str("error_kind", job.ErrorKind).
		Int("attempts", job.Attempts).
		Msg("Sync attempt finished")

	if job.Status == models.SyncFailed || job.Status == models.SyncAbandoned {
		c.deadLetter.Push(ctx, queueName, job.ErrorKind, job)
	}
	if c.publisher != nil {
		payload := events.JobEventPayload{
			JobID:       job.ID,
			VendorID:    job.VendorID,
			Status:      string(job.Status),
			Attempts:    job.Attempts,
			ErrorKind:   job.ErrorKind,
			NextRetryAt: job.NextRetryAt,
		}
		if err := c.publisher.PublishJSON(events.EventSyncOutcome, payload); err != nil {
			c.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Publish sync event failed")
		}
	}
}
