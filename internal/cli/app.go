package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/buildtall-systems/ticketstock/internal/alert"
	"github.com/buildtall-systems/ticketstock/internal/checkout"
	"github.com/buildtall-systems/ticketstock/internal/config"
	"github.com/buildtall-systems/ticketstock/internal/db"
	"github.com/buildtall-systems/ticketstock/internal/flagaction"
	"github.com/buildtall-systems/ticketstock/internal/lock"
	"github.com/buildtall-systems/ticketstock/internal/observability"
	"github.com/buildtall-systems/ticketstock/internal/status"
	"github.com/buildtall-systems/ticketstock/internal/stock"
	"github.com/buildtall-systems/ticketstock/internal/ticket"
	"go.uber.org/zap"
)

// app holds the components a command needs, built once per invocation.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	db        *db.DB
	tickets   *ticket.Cache
	statuses  status.Catalog
	validator *stock.Validator
	registry  *flagaction.Registry
	checkout  *checkout.Service

	closers []func(context.Context) error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return openApp(ctx, cfg)
}

// setupTelemetry installs the trace and log exporters and reports whether
// logs are exported.
var setupTelemetry = func(ctx context.Context, cfg config.TelemetryConfig) (observability.Shutdown, bool, error) {
	traceShutdown, traceErr := observability.SetupTracingSDK(ctx, cfg, version)
	logShutdown, exporting, logErr := observability.SetupLoggingSDK(ctx, cfg, version)
	return observability.Join(traceShutdown, logShutdown), exporting, errors.Join(traceErr, logErr)
}

// openApp builds the components for cfg. On failure everything acquired so
// far is closed again.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, statuses: status.DefaultCatalog()}

	shutdown, exporting, err := setupTelemetry(ctx, cfg.Telemetry)
	a.logger = observability.NewLogger(cfg.Verbose, exporting)
	if err != nil {
		a.logger.Warn("telemetry export disabled", zap.Error(err))
	}
	a.closers = append(a.closers, shutdown)

	if err := a.wire(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return database.Close() })
	a.db = database

	if err := database.Migrate(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	a.logger.Debug("database ready", zap.String("path", cfg.Database.Path))

	a.tickets = ticket.NewCache(database, cfg.Cache.Size, cfg.Cache.TTL)

	var locker lock.Locker = db.NewLocker(database)
	if cfg.Lock.Backend == config.LockBackendMemory {
		locker = lock.NewMemory()
	}

	publisher, err := a.publishers(ctx)
	if err != nil {
		return err
	}

	a.registry = flagaction.NewRegistry(a.logger)
	stock.RegisterActions(a.registry, stock.Deps{
		Tickets:   a.tickets,
		Inventory: a.tickets,
		Pools:     database,
		Ledger:    database,
		Publisher: publisher,
		Logger:    a.logger,
	})

	a.validator = stock.NewValidator(a.tickets, locker, a.logger,
		stock.WithLockTimeout(cfg.Lock.Timeout),
		stock.WithLeaseTTL(cfg.Lock.TTL),
	)
	a.checkout = checkout.NewService(database, a.validator, a.registry, a.statuses, a.logger)
	return nil
}

// publishers builds the alert fan-out. The log publisher is always present;
// Kafka and Nostr join when configured.
func (a *app) publishers(ctx context.Context) (alert.Publisher, error) {
	pubs := alert.Multi{alert.NewLogPublisher(a.logger)}

	if kc := a.cfg.Alerts.Kafka; kc.Enabled() {
		kp := alert.NewKafkaPublisher(alert.NewKafkaWriter(kc.Brokers, kc.Topic))
		a.closers = append(a.closers, func(context.Context) error { return kp.Close() })
		pubs = append(pubs, kp)
		a.logger.Debug("kafka alerts enabled", zap.Strings("brokers", kc.Brokers), zap.String("topic", kc.Topic))
	}

	if nc := a.cfg.Alerts.Nostr; nc.Enabled() {
		pool := alert.NewRelayPool(nc.Relays, a.logger)
		if err := pool.Connect(ctx); err != nil {
			a.logger.Warn("nostr alerts disabled", zap.Error(err))
		} else {
			a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
			np, err := alert.NewNostrPublisher(nc.SecretKey, nc.Recipients, pool)
			if err != nil {
				return nil, fmt.Errorf("configuring nostr alerts: %w", err)
			}
			pubs = append(pubs, np)
		}
	}

	return pubs, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}
