package engine

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mvribeiro/wayfarer/internal/bus"
	"github.com/mvribeiro/wayfarer/internal/cache"
	"github.com/mvribeiro/wayfarer/internal/composer"
	"github.com/mvribeiro/wayfarer/internal/config"
	"github.com/mvribeiro/wayfarer/internal/convstore"
	"github.com/mvribeiro/wayfarer/internal/lock"
	"github.com/mvribeiro/wayfarer/internal/logging"
	"github.com/mvribeiro/wayfarer/internal/presence"
	"github.com/mvribeiro/wayfarer/internal/profile"
	"github.com/mvribeiro/wayfarer/internal/rest"
	"github.com/mvribeiro/wayfarer/internal/status"
	"github.com/mvribeiro/wayfarer/internal/thread"
	"github.com/mvribeiro/wayfarer/internal/transport"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Session is the stored credential state of a profile. A profile with
// no usable token still starts: the cached conversations render and the
// engine reports why it will not connect.
type Session struct {
	Token  string
	UserID string
}

// Module returns the fx module composing the chat engine.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideConfig,
			provideSession,
			provideCache,
			provideRESTClient,
			provideTransport,
			providePresence,
			provideConvStore,
			provideThread,
			provideComposer,
			provideTypingNotifier,
			provideCacheWriter,
			New,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		logger.Warn("config not loaded, using defaults", zap.Error(err))
		return config.Defaults()
	}
	return cfg
}

func provideSession(p Params, logger *zap.Logger) Session {
	token, err := profile.LoadToken(p.Profile)
	if err != nil {
		logger.Warn("no session token, engine will stay offline", zap.Error(err))
		return Session{}
	}
	if err := profile.CheckToken(token); err != nil {
		logger.Warn("stored token unusable", zap.Error(err))
		return Session{}
	}
	return Session{Token: token, UserID: profile.Subject(token)}
}

func provideCache(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := profile.CachePath(p.Profile)
	db, err := cache.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("cache migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("cache migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRESTClient(cfg *config.Config, sess Session) *rest.Client {
	return rest.NewClient(cfg.ServerURL, rest.WithToken(sess.Token))
}

func provideTransport(cfg *config.Config, sess Session, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *transport.Manager {
	return transport.NewManager(transport.Config{
		URL:       cfg.ServerURL,
		Token:     sess.Token,
		BaseDelay: cfg.Engine.ReconnectBase.Duration,
		MaxDelay:  cfg.Engine.ReconnectMax.Duration,
	}, b, machine, logger)
}

func providePresence(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(b, cfg.Engine.TypingTTL.Duration, logger)
}

func provideConvStore(api *rest.Client, tm *transport.Manager, b *bus.Bus, sess Session, logger *zap.Logger) *convstore.Store {
	return convstore.New(api, tm, b, sess.UserID, logger)
}

func provideThread(api *rest.Client, cfg *config.Config, b *bus.Bus, sess Session, logger *zap.Logger) *thread.Synchronizer {
	return thread.New(api, b, sess.UserID, cfg.Engine.HistoryPageSize, logger)
}

func provideComposer(cfg *config.Config, tm *transport.Manager, api *rest.Client, th *thread.Synchronizer, b *bus.Bus, sess Session, logger *zap.Logger) *composer.Composer {
	return composer.New(composer.Config{
		AckTimeout:        cfg.Engine.SendAckTimeout.Duration,
		MaxAttachmentSize: cfg.Engine.MaxAttachmentSize,
	}, tm, api, th, b, sess.UserID, logger)
}

func provideTypingNotifier(cfg *config.Config, tm *transport.Manager, logger *zap.Logger) *composer.Notifier {
	return composer.NewNotifier(tm, cfg.Engine.TypingTTL.Duration, logger)
}

func provideCacheWriter(db *cache.DB, b *bus.Bus, logger *zap.Logger) *cache.Writer {
	return cache.NewWriter(db, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *cache.DB, tm *transport.Manager,
	pr *presence.Tracker, convos *convstore.Store, th *thread.Synchronizer,
	writer *cache.Writer, sess Session, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Consumers first so nothing published at connect is missed.
			pr.Start()
			convos.Start()
			th.Start()
			writer.Start()

			// Warm start: cached conversations render before any network.
			if cached, err := db.ListConversations(200); err != nil {
				logger.Warn("warm start skipped", zap.Error(err))
			} else if len(cached) > 0 {
				convos.Seed(cached)
				logger.Info("warm start", zap.Int("conversations", len(cached)))
			}

			if sess.Token == "" {
				logger.Info("offline mode, no usable credentials")
				return nil
			}

			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := tm.Connect(ctx); err != nil {
					logger.Error("initial connect failed", zap.Error(err))
				}
				if err := convos.LoadInitial(ctx); err != nil {
					logger.Warn("initial conversation load failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			tm.Disconnect()
			writer.Stop()
			th.Stop()
			convos.Stop()
			pr.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
