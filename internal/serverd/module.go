// Package serverd assembles inline-server: storage, the realtime endpoint,
// fan-out, presence and the optional Redis relay.
package serverd

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/inline/internal/auth"
	"github.com/matheus3301/inline/internal/config"
	"github.com/matheus3301/inline/internal/crypto"
	"github.com/matheus3301/inline/internal/fanout"
	"github.com/matheus3301/inline/internal/logging"
	"github.com/matheus3301/inline/internal/membership"
	"github.com/matheus3301/inline/internal/methods"
	"github.com/matheus3301/inline/internal/metrics"
	"github.com/matheus3301/inline/internal/presence"
	"github.com/matheus3301/inline/internal/realtime"
	"github.com/matheus3301/inline/internal/relay"
	"github.com/matheus3301/inline/internal/serverdb"
)

// keySalt is the HKDF salt used when the field key comes from a passphrase.
const keySalt = "inline-server-fields"

type Params struct {
	Config *config.Server
	// Registerer receives the cache collectors; nil means the default
	// registry.
	Registerer prometheus.Registerer
}

func Module(p Params) fx.Option {
	cfg := *p.Config
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	registerer := p.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return fx.Module("server",
		fx.Supply(&cfg),
		fx.Provide(
			func() prometheus.Registerer { return registerer },
			provideLogger,
			provideDB,
			provideCodec,
			provideTokens,
			provideAuthenticator,
			realtime.NewRegistry,
			provideMembership,
			provideResolver,
			providePusher,
			provideDispatcher,
			provideHandler,
			provideRedis,
			NewHTTPServer,
		),
		fx.Invoke(registerMetrics, registerPresence, registerRelay, registerLifecycle),
	)
}

func provideLogger(cfg *config.Server) (*zap.Logger, error) {
	return logging.New(cfg.LogPath, zap.String("component", "server"), zap.String("instance", cfg.InstanceID))
}

func provideDB(cfg *config.Server, logger *zap.Logger) (*serverdb.DB, error) {
	db, err := serverdb.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	version, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database ready", zap.String("path", cfg.DatabasePath), zap.Uint("version", version))
	return db, nil
}

// FieldKey returns the message encryption key from the hex key or, failing
// that, the passphrase.
func FieldKey(cfg *config.Server) ([]byte, error) {
	switch {
	case cfg.EncryptionKey != "":
		return crypto.KeyFromHex(cfg.EncryptionKey)
	case cfg.KeyPassphrase != "":
		return crypto.DeriveKey(cfg.KeyPassphrase, keySalt)
	}
	return nil, errors.New("encryption_key or key_passphrase is required")
}

func provideCodec(cfg *config.Server) (*crypto.Codec, error) {
	key, err := FieldKey(cfg)
	if err != nil {
		return nil, err
	}
	return crypto.NewCodec(key)
}

func provideTokens(cfg *config.Server) (*auth.Tokens, error) {
	return auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
}

func provideAuthenticator(tokens *auth.Tokens, db *serverdb.DB) *auth.Authenticator {
	return auth.NewAuthenticator(tokens, db)
}

func provideMembership(cfg *config.Server, db *serverdb.DB) *membership.Service {
	return membership.New(db, cfg.Cache.TTL, cfg.Cache.Capacity)
}

func provideResolver(members *membership.Service, reg *realtime.Registry) *fanout.Resolver {
	return fanout.NewResolver(members, reg)
}

func providePusher(resolver *fanout.Resolver, reg *realtime.Registry, logger *zap.Logger) *fanout.Pusher {
	p := fanout.NewPusher(resolver, reg, logger.Named("fanout"))
	p.SetObserver(metrics.Observer{})
	return p
}

func provideDispatcher(db *serverdb.DB, codec *crypto.Codec, members *membership.Service, resolver *fanout.Resolver, pusher *fanout.Pusher, logger *zap.Logger) *realtime.Dispatcher {
	d := realtime.NewDispatcher(logger.Named("rpc"), metrics.Observer{})
	methods.New(db, codec, members, resolver, pusher, logger.Named("methods")).Register(d)
	return d
}

func provideHandler(reg *realtime.Registry, d *realtime.Dispatcher, authn *auth.Authenticator, logger *zap.Logger) *realtime.Handler {
	return realtime.NewHandler(reg, d, authn, logger.Named("realtime"), realtime.WithObserver(metrics.Observer{}))
}

// provideRedis returns nil when no relay is configured.
func provideRedis(cfg *config.Server) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
}

func registerMetrics(reg prometheus.Registerer, members *membership.Service) {
	metrics.RegisterCache(reg, "chat", members.ChatStats)
	metrics.RegisterCache(reg, "space", members.SpaceStats)
}

func registerPresence(reg *realtime.Registry, db *serverdb.DB, pusher *fanout.Pusher, logger *zap.Logger) {
	reg.SetPresenceListener(presence.NewTracker(db, pusher, reg.IsOnline, logger.Named("presence")))
}

func registerRelay(lc fx.Lifecycle, cfg *config.Server, rdb *redis.Client, pusher *fanout.Pusher, logger *zap.Logger) {
	if rdb == nil {
		logger.Info("redis relay disabled")
		return
	}
	r := relay.New(rdb, cfg.Redis.Channel, cfg.InstanceID, logger.Named("relay"))
	pusher.SetRelay(r, cfg.InstanceID)

	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return err
			}
			var subCtx context.Context
			subCtx, cancel = context.WithCancel(context.Background())
			return r.Subscribe(subCtx, func(d fanout.Delivery) { pusher.DeliverLocal(d) })
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return rdb.Close()
		},
	})
}

func registerLifecycle(lc fx.Lifecycle, srv *HTTPServer, reg *realtime.Registry, db *serverdb.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			srv.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
			reg.CloseAll()
			if err := db.Close(); err != nil {
				logger.Warn("error closing database", zap.Error(err))
			}
			logger.Info("server stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
