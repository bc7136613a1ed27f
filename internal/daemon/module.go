package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/dmarquesp/wahub/internal/auth"
	"github.com/dmarquesp/wahub/internal/bus"
	"github.com/dmarquesp/wahub/internal/config"
	"github.com/dmarquesp/wahub/internal/httpapi"
	"github.com/dmarquesp/wahub/internal/ingest"
	"github.com/dmarquesp/wahub/internal/lock"
	"github.com/dmarquesp/wahub/internal/logging"
	"github.com/dmarquesp/wahub/internal/outbox"
	"github.com/dmarquesp/wahub/internal/paths"
	"github.com/dmarquesp/wahub/internal/registry"
	"github.com/dmarquesp/wahub/internal/session"
	"github.com/dmarquesp/wahub/internal/socket"
	"github.com/dmarquesp/wahub/internal/store"
	"github.com/dmarquesp/wahub/internal/wa"
)

// Params holds the resolved startup options passed to the fx module.
type Params struct {
	ConfigPath string
	DataDir    string // optional override; empty = value from config
	ListenAddr string // optional override; empty = value from config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRegistry,
			provideVerifier,
			provideIngestor,
			provideManager,
			provideHub,
			provideSender,
			provideAPI,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(p.ConfigPath)
	if err != nil {
		return nil, err
	}
	if p.DataDir != "" {
		cfg.DataDir = p.DataDir
	}
	if p.ListenAddr != "" {
		cfg.ListenAddr = p.ListenAddr
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	if err := paths.EnsureDataDir(cfg.DataDir); err != nil {
		return nil, err
	}
	return logging.New(paths.LogPath(cfg.DataDir))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("data_dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := paths.AppDBPath(cfg.DataDir)
	db, err := store.Open(dbPath)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRegistry() *registry.Registry {
	return registry.New()
}

func provideVerifier(cfg *config.Config) *auth.Verifier {
	return auth.NewVerifier(cfg.TokenSecret)
}

func provideIngestor(db *store.DB, b *bus.Bus, logger *zap.Logger) *ingest.Ingestor {
	return ingest.New(db, b, logger)
}

func provideManager(cfg *config.Config, db *store.DB, reg *registry.Registry, b *bus.Bus, ingestor *ingest.Ingestor, logger *zap.Logger) *session.Manager {
	open := func(ctx context.Context, sessionID string) (wa.Handle, error) {
		return wa.Open(ctx, cfg.DataDir, sessionID, logger)
	}
	return session.NewManager(cfg, db, reg, b, ingestor, logger, open)
}

func provideHub(db *store.DB, b *bus.Bus, verifier *auth.Verifier, logger *zap.Logger) *socket.Hub {
	return socket.NewHub(db, b, verifier, logger)
}

func provideSender(db *store.DB, reg *registry.Registry, ingestor *ingest.Ingestor, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, reg, ingestor, logger)
}

func provideAPI(cfg *config.Config, mgr *session.Manager, db *store.DB, verifier *auth.Verifier, hub *socket.Hub, logger *zap.Logger) *httpapi.Server {
	return httpapi.NewServer(mgr, db, verifier, logger, cfg.QRImageSize, hub)
}

func provideServer(cfg *config.Config, api *httpapi.Server, logger *zap.Logger) (*Server, error) {
	return NewServer(cfg.ListenAddr, api, logger)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, srv *Server, lk *lock.Lock, db *store.DB, mgr *session.Manager, hub *socket.Hub, sender *outbox.Sender, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Bridge bus events to websocket clients.
			hub.Run(context.Background())

			// Start HTTP server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			// Start outbox sender.
			sender.Start(context.Background())

			// Restore persisted sessions in the background; individual
			// failures are logged, never fatal to startup.
			go func() {
				if err := mgr.RestoreAll(context.Background()); err != nil {
					logger.Warn("some sessions failed to restore", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			sender.Stop()
			srv.Stop(ctx)

			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout.Std())
			mgr.Shutdown(shutdownCtx)
			cancel()

			hub.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
