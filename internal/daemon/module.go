// Package daemon composes the coordinators, storage, and HTTP surface into
// the parleyd process via fx.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/parley-im/parley/internal/auth"
	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/delivery"
	"github.com/parley-im/parley/internal/logging"
	"github.com/parley-im/parley/internal/metrics"
	"github.com/parley-im/parley/internal/offline"
	"github.com/parley-im/parley/internal/presence"
	"github.com/parley-im/parley/internal/push"
	"github.com/parley-im/parley/internal/receipts"
	"github.com/parley-im/parley/internal/registry"
	"github.com/parley-im/parley/internal/store"
	"github.com/parley-im/parley/internal/typing"
	"github.com/parley-im/parley/internal/viewers"
	"github.com/parley-im/parley/internal/ws"
)

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(cfg *config.Config) fx.Option {
	return fx.Module("daemon",
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStore,
			provideRegistry,
			providePresenceStore,
			provideTracker,
			provideViewers,
			provideTyping,
			provideOfflineQueue,
			provideSweeper,
			provideNotifier,
			provideDelivery,
			provideReceipts,
			provideAuthenticator,
			provideMetrics,
			provideGateway,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", cfg.DBPath))
	return db, nil
}

func provideRegistry() *registry.Registry {
	return registry.New()
}

// providePresenceStore connects to Redis when a URL is configured; otherwise
// presence persistence is a no-op and the in-memory tracker stands alone.
func providePresenceStore(cfg *config.Config, logger *zap.Logger) (presence.Store, error) {
	if cfg.RedisURL == "" {
		logger.Info("presence persistence disabled (no redis url)")
		return presence.NopStore{}, nil
	}
	st, err := presence.NewRedisStore(context.Background(), cfg.RedisURL, cfg.Presence.RecordTTL.Duration)
	if err != nil {
		return nil, err
	}
	logger.Info("presence persistence enabled", zap.String("redis", cfg.RedisURL))
	return st, nil
}

func provideTracker(cfg *config.Config, reg *registry.Registry, db *store.DB, st presence.Store, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.New(reg, db, st, b, logger,
		cfg.Presence.InactivityTimeout.Duration, cfg.Presence.OfflineGrace.Duration)
}

func provideViewers(reg *registry.Registry, db *store.DB, logger *zap.Logger) *viewers.Set {
	return viewers.New(reg, db, logger)
}

func provideTyping(cfg *config.Config, reg *registry.Registry, db *store.DB, b *bus.Bus, logger *zap.Logger) *typing.Coordinator {
	return typing.New(reg, db, b, logger, cfg.Typing.TTL.Duration)
}

func provideOfflineQueue(db *store.DB, b *bus.Bus, logger *zap.Logger) *offline.Queue {
	return offline.New(db, b, logger)
}

func provideSweeper(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) (*offline.Sweeper, error) {
	return offline.NewSweeper(db, b, logger,
		cfg.Offline.RetentionCron, cfg.Offline.RetentionPeriod.Duration)
}

func provideNotifier(logger *zap.Logger) push.Notifier {
	return push.NewLogNotifier(logger)
}

func provideDelivery(db *store.DB, q *offline.Queue, reg *registry.Registry, n push.Notifier, b *bus.Bus, logger *zap.Logger) *delivery.Coordinator {
	return delivery.New(db, q, reg, n, b, logger)
}

func provideReceipts(db *store.DB, reg *registry.Registry, b *bus.Bus, logger *zap.Logger) *receipts.Coordinator {
	return receipts.New(db, reg, b, logger)
}

func provideAuthenticator(cfg *config.Config) auth.Authenticator {
	return auth.NewJWT(cfg.JWTSecret)
}

func provideMetrics(reg *registry.Registry, b *bus.Bus) *metrics.Collector {
	return metrics.New(reg, b)
}

func provideGateway(
	cfg *config.Config,
	authenticator auth.Authenticator,
	reg *registry.Registry,
	tracker *presence.Tracker,
	viewerSet *viewers.Set,
	typingCoord *typing.Coordinator,
	deliveryCoord *delivery.Coordinator,
	receiptCoord *receipts.Coordinator,
	db *store.DB,
	b *bus.Bus,
	logger *zap.Logger,
) *ws.Gateway {
	return ws.NewGateway(authenticator, reg, tracker, viewerSet, typingCoord,
		deliveryCoord, receiptCoord, db, b, logger, cfg.Limits)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	reg *registry.Registry,
	tracker *presence.Tracker,
	typingCoord *typing.Coordinator,
	sweeper *offline.Sweeper,
	collector *metrics.Collector,
	db *store.DB,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			sweeper.Start(context.Background())
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Stop accepting new connections first, then tear down the
			// sessions so their disconnect cleanup runs while the
			// coordinators are still alive.
			srv.Stop(ctx)
			reg.Each(func(s registry.Session) { s.Close() })
			sweeper.Stop()
			typingCoord.Shutdown()
			tracker.Stop()
			collector.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
