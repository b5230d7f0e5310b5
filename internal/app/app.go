// Package app is the composition root of the connector. It exposes the
// lifecycle hooks, the scheduled ticks and the admin and vendor actions.
package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"wagate/internal/apperr"
	"wagate/internal/config"
	"wagate/internal/credentials"
	"wagate/internal/database"
	"wagate/internal/models"
	"wagate/internal/scheduler"
	"wagate/internal/worker"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Tick kinds accepted by OnScheduledTick.
const (
	TickSessionCheck     = "session-check"
	TickSessionReconcile = "session-reconcile"
	TickProductSync      = "product-sync"
	TickMessageRetry     = "message-retry"
	TickStateBackup      = "state-backup"
)

// TickKinds lists the tick kinds in scheduling order.
var TickKinds = []string{TickSessionCheck, TickSessionReconcile, TickProductSync, TickMessageRetry, TickStateBackup}

// Migratable is implemented by components owning persistent schema.
type Migratable interface {
	Migrate(ctx context.Context) error
}

// NoMigration is the Migratable of components without schema.
type NoMigration struct{}

func (NoMigration) Migrate(context.Context) error { return nil }

var (
	_ Migratable      = (*database.DB)(nil)
	_ Migratable      = NoMigration{}
	_ ActivationStore = (*database.DB)(nil)
)

// ActivationStore keeps the activation state where every connector process
// can read it.
type ActivationStore interface {
	SetActive(ctx context.Context, active bool) error
	IsActive(ctx context.Context) (bool, error)
}

type SessionService interface {
	StartPairing(ctx context.Context, vendorID int64) (*models.VendorSession, error)
	CheckStatus(ctx context.Context, vendorID int64) (*models.VendorSession, error)
	Revoke(ctx context.Context, vendorID int64) (*models.VendorSession, error)
	Remove(ctx context.Context, vendorID int64) error
	List(ctx context.Context) ([]*models.VendorSession, error)
	Tick(ctx context.Context) (worker.TickReport, error)
	Reconcile(ctx context.Context) (worker.TickReport, error)
}

type MessageService interface {
	Send(ctx context.Context, vendorID int64, templateName string, vars map[string]string) (*models.MessageJob, error)
	Retry(ctx context.Context, jobID string) (*models.MessageJob, error)
	Get(ctx context.Context, jobID string) (*models.MessageJob, error)
	ProcessDue(ctx context.Context) (worker.TickReport, error)
}

type SyncService interface {
	RequestSync(ctx context.Context, vendorID, productID int64) (*models.SyncJob, bool, error)
	Get(ctx context.Context, jobID string) (*models.SyncJob, error)
	Tick(ctx context.Context) (worker.TickReport, error)
}

type CredentialStore interface {
	EnsureSigningSecret(ctx context.Context) (bool, error)
	SetVendorCredentials(ctx context.Context, vendorID int64, creds credentials.VendorCredentials) error
	DeleteVendorCredentials(ctx context.Context, vendorID int64) error
}

// TokenInvalidator drops cached gateway tokens of a subject.
type TokenInvalidator interface {
	Invalidate(ctx context.Context, subject string) error
}

type BackupRunner interface {
	Run(ctx context.Context) error
}

type JobExporter interface {
	Jobs(ctx context.Context, limit int) (string, error)
}

// Deps are the components the App drives. Backup and Exporter are optional.
// Without Activation the activation state lives only in this process.
type Deps struct {
	Migratables []Migratable
	Activation  ActivationStore
	Credentials CredentialStore
	Tokens      TokenInvalidator
	Sessions    SessionService
	Messages    MessageService
	Sync        SyncService
	Backup      BackupRunner
	Exporter    JobExporter
}

type App struct {
	cfg    *config.Config
	deps   Deps
	logger *zerolog.Logger
	health *health.Server

	mu    sync.Mutex
	sched *scheduler.Scheduler
	// dormant is set when another process deactivated the connector.
	dormant atomic.Bool
}

func New(cfg *config.Config, deps Deps, logger *zerolog.Logger) (*App, error) {
	switch {
	case cfg == nil:
		return nil, apperr.New(apperr.KindConfiguration, "config is required")
	case deps.Credentials == nil, deps.Sessions == nil, deps.Messages == nil, deps.Sync == nil:
		return nil, apperr.New(apperr.KindConfiguration, "credentials, sessions, messages and sync components are required")
	}
	l := logger.With().Str("component", "app").Logger()
	a := &App{cfg: cfg, deps: deps, logger: &l, health: health.NewServer()}
	a.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return a, nil
}

// Health is the gRPC health service reflecting activation state.
func (a *App) Health() *health.Server {
	return a.health
}

// Active reports whether the scheduled ticks are running and the connector
// has not been deactivated elsewhere.
func (a *App) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sched != nil && !a.dormant.Load()
}

// OnActivate prepares storage and secrets, records the connector as active
// and starts the scheduled ticks. Calling it on a running App only records
// the activation again.
func (a *App) OnActivate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sched != nil {
		if err := a.setActive(ctx, true); err != nil {
			return err
		}
		a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return nil
	}

	for _, m := range a.deps.Migratables {
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	created, err := a.deps.Credentials.EnsureSigningSecret(ctx)
	if err != nil {
		return fmt.Errorf("signing secret: %w", err)
	}
	if created {
		a.logger.Info().Msg("Generated gateway signing secret")
	}

	sched, err := scheduler.New(a.schedule(), a.logger)
	if err != nil {
		return apperr.Wrap(apperr.KindConfiguration, err, "invalid tick schedule")
	}
	if err := a.setActive(ctx, true); err != nil {
		return err
	}
	sched.Start()
	a.sched = sched

	a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	a.logger.Info().Strs("ticks", sched.Jobs()).Msg("Connector activated")
	return nil
}

func (a *App) schedule() scheduler.Config {
	loc := time.UTC
	if a.cfg.Timezone != "" {
		if l, err := time.LoadLocation(a.cfg.Timezone); err == nil {
			loc = l
		}
	}

	intervals := map[string]time.Duration{
		TickSessionCheck:     a.cfg.Session.CheckInterval,
		TickSessionReconcile: a.cfg.Session.ReconcileInterval,
		TickProductSync:      a.cfg.Sync.Interval,
		TickMessageRetry:     a.cfg.Dispatch.Interval,
	}
	if a.deps.Backup != nil && a.cfg.Backup.Enabled {
		intervals[TickStateBackup] = a.cfg.Backup.Interval
	}

	cfg := scheduler.Config{Location: loc}
	for _, kind := range TickKinds {
		interval, ok := intervals[kind]
		if !ok {
			continue
		}
		kind := kind
		cfg.Jobs = append(cfg.Jobs, scheduler.Job{
			Name:     kind,
			Interval: interval,
			Handler: func(ctx context.Context) error {
				active, err := a.stillActive(ctx)
				if err != nil || !active {
					return err
				}
				_, err = a.OnScheduledTick(ctx, kind)
				return err
			},
		})
	}
	return cfg
}

func (a *App) setActive(ctx context.Context, active bool) error {
	a.dormant.Store(!active)
	if a.deps.Activation == nil {
		return nil
	}
	if err := a.deps.Activation.SetActive(ctx, active); err != nil {
		return fmt.Errorf("store activation: %w", err)
	}
	return nil
}

// stillActive reads the stored activation before a scheduled tick, so a
// deactivation made by another process pauses this one.
func (a *App) stillActive(ctx context.Context) (bool, error) {
	if a.deps.Activation == nil {
		return true, nil
	}
	active, err := a.deps.Activation.IsActive(ctx)
	if err != nil {
		return false, fmt.Errorf("read activation: %w", err)
	}
	if a.dormant.Swap(!active) != !active {
		status := healthpb.HealthCheckResponse_SERVING
		if !active {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		a.health.SetServingStatus("", status)
		a.logger.Info().Bool("active", active).Msg("Activation changed elsewhere")
	}
	return active, nil
}

// OnDeactivate records the connector as inactive, stops the local ticks and
// waits for running ones. Other processes stop ticking on their next run.
// Stored sessions and tokens are kept.
func (a *App) OnDeactivate(ctx context.Context) error {
	if err := a.setActive(ctx, false); err != nil {
		return err
	}
	if err := a.Shutdown(ctx); err != nil {
		return err
	}
	a.logger.Info().Msg("Connector deactivated")
	return nil
}

// Shutdown stops the local ticks without changing the stored activation, as
// on process exit.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	sched := a.sched
	a.sched = nil
	a.mu.Unlock()

	a.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if sched == nil {
		return nil
	}
	return sched.Stop(ctx)
}

// OnScheduledTick runs one tick of kind.
func (a *App) OnScheduledTick(ctx context.Context, kind string) (worker.TickReport, error) {
	var (
		report worker.TickReport
		err    error
	)
	switch kind {
	case TickSessionCheck:
		report, err = a.deps.Sessions.Tick(ctx)
	case TickSessionReconcile:
		report, err = a.deps.Sessions.Reconcile(ctx)
	case TickProductSync:
		report, err = a.deps.Sync.Tick(ctx)
	case TickMessageRetry:
		report, err = a.deps.Messages.ProcessDue(ctx)
	case TickStateBackup:
		report = worker.TickReport{Kind: kind}
		if a.deps.Backup == nil {
			return report, apperr.New(apperr.KindConfiguration, "backups are not configured")
		}
		started := time.Now()
		err = a.deps.Backup.Run(ctx)
		report.Duration = time.Since(started)
		if err == nil {
			report.Processed = 1
		}
	default:
		return worker.TickReport{Kind: kind}, apperr.New(apperr.KindInvalidRequest, fmt.Sprintf("unknown tick kind %q", kind))
	}
	if report.Overlap {
		a.logger.Debug().Str("kind", kind).Msg("Tick already running, skipped")
	}
	return report, err
}
