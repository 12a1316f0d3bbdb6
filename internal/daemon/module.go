package daemon

import (
	"context"

	"github.com/plantline/plantline/internal/api"
	"github.com/plantline/plantline/internal/backend"
	"github.com/plantline/plantline/internal/bus"
	"github.com/plantline/plantline/internal/chat"
	"github.com/plantline/plantline/internal/config"
	"github.com/plantline/plantline/internal/identity"
	"github.com/plantline/plantline/internal/lifecycle"
	"github.com/plantline/plantline/internal/lock"
	"github.com/plantline/plantline/internal/logging"
	"github.com/plantline/plantline/internal/profile"
	"github.com/plantline/plantline/internal/rate"
	"github.com/plantline/plantline/internal/realtime"
	"github.com/plantline/plantline/internal/send"
	"github.com/plantline/plantline/internal/store"
	intsync "github.com/plantline/plantline/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideGate,
			provideLock,
			provideStore,
			provideIdentity,
			provideBackend,
			provideSubscriber,
			provideLifecycleManager,
			providePipeline,
			provideEngine,
			provideHandler,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideConfig() (*config.Config, error) {
	return config.Load(profile.ConfigPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideGate() *rate.Gate {
	return rate.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CacheDBPath(p.ProfileName)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideIdentity(cfg *config.Config) (identity.Provider, error) {
	return identity.NewTokenProvider(cfg.AccessToken)
}

func provideBackend(cfg *config.Config, ident identity.Provider, logger *zap.Logger) *backend.Client {
	return backend.New(cfg.BackendURL, ident, logger)
}

func provideSubscriber(cfg *config.Config, ident identity.Provider, logger *zap.Logger) *realtime.Subscriber {
	return realtime.New(cfg.RealtimeURL, ident, logger)
}

func provideLifecycleManager(be *backend.Client, gate *rate.Gate, logger *zap.Logger) *lifecycle.Manager {
	return lifecycle.NewManager(be, gate, logger)
}

func providePipeline(be *backend.Client, gate *rate.Gate, logger *zap.Logger) *send.Pipeline {
	return send.NewPipeline(be, be, gate, logger)
}

func provideEngine(cfg *config.Config, ident identity.Provider, lm *lifecycle.Manager,
	be *backend.Client, pipeline *send.Pipeline, sub *realtime.Subscriber,
	db *store.DB, gate *rate.Gate, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(intsync.Deps{
		Config:     cfg,
		Identity:   ident,
		Lifecycle:  lm,
		Backend:    be,
		Sender:     pipeline,
		Subscriber: sub,
		Cache:      db,
		Gate:       gate,
		Bus:        b,
		Logger:     logger,
	})
}

func provideHandler(p Params, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *api.Handler {
	return api.NewHandler(p.ProfileName, engine, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB,
	engine *intsync.Engine, ident identity.Provider, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			// Attach to the default conversation when credentials exist.
			// Without them the daemon still serves status and waits for a
			// later explicit open.
			if _, err := ident.UserID(); err != nil {
				logger.Info("no credentials found, conversation not opened")
				return nil
			}
			go func() {
				if _, err := engine.Open(context.Background()); err != nil {
					if chat.IsTerminal(err) {
						logger.Error("conversation open rejected", zap.Error(err))
						return
					}
					logger.Warn("conversation open failed, will retry on demand", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			engine.Close()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
