// Package daemon assembles inlined: one process per session holding the
// local replica, the realtime connection and the control socket.
package daemon

import (
	"context"
	"errors"
	"io/fs"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/inline/internal/api"
	"github.com/matheus3301/inline/internal/bus"
	"github.com/matheus3301/inline/internal/config"
	"github.com/matheus3301/inline/internal/lock"
	"github.com/matheus3301/inline/internal/logging"
	"github.com/matheus3301/inline/internal/outbox"
	"github.com/matheus3301/inline/internal/rtclient"
	"github.com/matheus3301/inline/internal/session"
	"github.com/matheus3301/inline/internal/status"
	"github.com/matheus3301/inline/internal/store"
	intsync "github.com/matheus3301/inline/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName   string
	SocketPath    string // optional override for testing; empty = use default
	ClientVersion string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideSessionConfig,
			provideStore,
			provideSyncEngine,
			provideRealtime,
			provideQueue,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), zap.String("session", p.SessionName))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideSessionConfig reads session.toml. A missing file is a session
// that has not logged in yet.
func provideSessionConfig(p Params, logger *zap.Logger) (*config.Session, error) {
	path := session.ConfigPath(p.SessionName)
	cfg, err := config.LoadSession(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("no session config", zap.String("path", path))
		return &config.Session{Transactions: config.Transactions{
			MaxAttempts: config.DefaultMaxAttempts,
			RetryDelay:  config.DefaultRetryDelay,
		}}, nil
	}
	return cfg, err
}

// provideStore depends on the lock so the replica is never opened by two
// daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	change, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store initialized",
		zap.String("path", dbPath),
		zap.Uint("schema", change.To),
		zap.Bool("migrated", change.Applied()))
	return db, nil
}

func provideSyncEngine(db *store.DB, b *bus.Bus, cfg *config.Session, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, cfg.UserID, logger.Named("sync"))
}

func provideRealtime(p Params, cfg *config.Session, engine *intsync.Engine, m *status.Machine, logger *zap.Logger) *rtclient.Client {
	return rtclient.New(rtclient.Options{
		URL:           cfg.ServerURL,
		Token:         cfg.Token,
		ClientVersion: p.ClientVersion,
	}, engine, m, logger.Named("realtime"))
}

func provideQueue(db *store.DB, rt *rtclient.Client, engine *intsync.Engine, cfg *config.Session, b *bus.Bus, logger *zap.Logger) *outbox.Queue {
	env := &outbox.Env{DB: db, Caller: rt, Applier: engine, UserID: cfg.UserID}
	policy := outbox.RetryPolicy{
		MaxAttempts: cfg.Transactions.MaxAttempts,
		Delay:       cfg.Transactions.RetryDelay,
	}
	return outbox.New(env, policy, b, logger.Named("outbox"))
}

func provideService(p Params, cfg *config.Session, m *status.Machine, db *store.DB, q *outbox.Queue, engine *intsync.Engine, rt *rtclient.Client, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(api.Deps{
		SessionName: p.SessionName,
		UserID:      cfg.UserID,
		Machine:     m,
		DB:          db,
		Queue:       q,
		Engine:      engine,
		Caller:      rt,
		Bus:         b,
		Logger:      logger,
	})
}

type lifecycleDeps struct {
	fx.In

	Server  *Server
	Lock    *lock.Lock
	Config  *config.Session
	DB      *store.DB
	Engine  *intsync.Engine
	Queue   *outbox.Queue
	RT      *rtclient.Client
	Machine *status.Machine
	Bus     *bus.Bus
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	logger := d.Logger
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			d.Engine.Start(context.Background())

			restored, err := d.Queue.Restore(ctx)
			if err != nil {
				return err
			}
			d.Queue.Start()
			if restored > 0 {
				logger.Info("resuming transactions", zap.Int("count", restored))
			}

			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if !d.Config.HasCredentials() {
				logger.Info("no credentials found, auth required")
				_ = d.Machine.Transition(status.AuthRequired)
				return nil
			}
			if err := d.Config.Validate(); err != nil {
				logger.Error("invalid session config", zap.Error(err))
				_ = d.Machine.Fail(err)
				return nil
			}
			d.RT.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Closing the bus ends open Watch streams.
			d.Bus.Close()
			d.Server.Stop(ctx)
			if err := d.Queue.Stop(ctx); err != nil {
				logger.Warn("transaction queue did not stop cleanly", zap.Error(err))
			}
			d.RT.Stop()
			d.Engine.Stop()
			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
