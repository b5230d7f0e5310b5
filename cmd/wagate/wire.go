package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"wagate/internal/app"
	"wagate/internal/auth"
	"wagate/internal/catalog"
	"wagate/internal/config"
	"wagate/internal/credentials"
	"wagate/internal/database"
	"wagate/internal/dispatch"
	"wagate/internal/domain"
	"wagate/internal/events"
	"wagate/internal/export"
	"wagate/internal/gateway"
	"wagate/internal/logging"
	"wagate/internal/productsync"
	"wagate/internal/repository"
	"wagate/internal/session"
	"wagate/internal/templates"
	"wagate/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// runtime holds everything a command needs and the resources to release.
type runtime struct {
	cfg    *config.Config
	logger *zerolog.Logger
	app    *app.App
	db     *database.DB
	redis  *redis.Client
	closer io.Closer
}

func (r *runtime) Close() {
	if r.redis != nil {
		_ = repository.Close(r.redis)
	}
	if r.db != nil {
		_ = r.db.Close()
	}
	if r.closer != nil {
		_ = r.closer.Close()
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// build wires the connector from cfg.
func build(ctx context.Context, cfg *config.Config) (*runtime, error) {
	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	rt := &runtime{cfg: cfg, logger: baseLogger, closer: closer}

	rt.db, err = database.NewDB(cfg.Database.Path, baseLogger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("init database: %w", err)
	}
	rt.redis = initRedis(ctx, cfg, baseLogger)

	renderer, err := templates.Load(cfg.TemplatesPath)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("load templates: %w", err)
	}

	bus := events.NewEventBus()
	subscribeEventLog(bus, baseLogger)

	creds := credentials.NewStore(rt.db)
	issuer := auth.NewGatewayIssuer(auth.IssuerConfig{
		BaseURL:  cfg.Gateway.BaseURL,
		Issuer:   cfg.Gateway.Issuer,
		Audience: cfg.Gateway.Audience,
	}, creds, &http.Client{Timeout: cfg.Gateway.TokenTimeout}, baseLogger)
	tokens := auth.NewManager(issuer, tokenCache(cfg, rt.redis, baseLogger), auth.Config{
		SafetyMargin:   cfg.Gateway.TokenSafetyMargin,
		RefreshTimeout: cfg.Gateway.TokenTimeout,
	}, baseLogger)

	gw := gateway.NewClient(gateway.Config{
		BaseURL: cfg.Gateway.BaseURL,
		Timeout: cfg.Gateway.Timeout,
		RPS:     cfg.Gateway.RPS,
		Burst:   cfg.Gateway.Burst,
	}, tokens, nil, baseLogger)

	sessions := session.NewManager(rt.db, gw, bus, session.ConfigFrom(cfg.Session), baseLogger)
	dispatcher := dispatch.NewDispatcher(
		rt.db, renderer, sessions, gw,
		worker.NewDeadLetter(rt.redis, cfg.Dispatch.DeadLetterKey, baseLogger),
		bus, dispatch.ConfigFrom(cfg.Dispatch), baseLogger,
	)
	coordinator := productsync.NewCoordinator(
		rt.db, catalog.New(cfg.Catalog, rt.redis, baseLogger), sessions, gw,
		worker.NewDeadLetter(rt.redis, cfg.Sync.DeadLetterKey, baseLogger),
		bus, productsync.ConfigFrom(cfg.Sync), baseLogger,
	)

	rt.app, err = app.New(cfg, app.Deps{
		Migratables: []app.Migratable{rt.db},
		Activation:  rt.db,
		Credentials: creds,
		Tokens:      tokens,
		Sessions:    sessions,
		Messages:    dispatcher,
		Sync:        coordinator,
		Backup:      database.NewBackupService(rt.db, cfg.Backup, baseLogger),
		Exporter:    export.NewExporter(rt.db, rt.db, cfg.Exports.Path, baseLogger),
	}, baseLogger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if !cfg.Redis.Enabled() {
		return nil
	}
	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}
	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

// tokenCache prefers Redis so several processes share tokens, falling back
// to memory while Redis is down.
func tokenCache(cfg *config.Config, client *redis.Client, logger *zerolog.Logger) domain.TokenCache {
	memory := repository.NewMemoryTokenCache()
	if client == nil {
		return memory
	}
	return repository.NewFailoverTokenCache(repository.NewRedisTokenCache(client, cfg.Gateway.TokenCachePrefix), memory, logger)
}

func subscribeEventLog(bus *events.EventBus, logger *zerolog.Logger) {
	l := logger.With().Str("component", "events").Logger()
	logEvent := func(e *events.Event) error {
		l.Debug().Str("type", e.Type).RawJSON("payload", e.Payload).Msg("event")
		return nil
	}
	for _, t := range []string{events.EventSessionStateChanged, events.EventSessionRemoved, events.EventMessageOutcome, events.EventSyncOutcome} {
		bus.Subscribe(t, logEvent)
	}
}
