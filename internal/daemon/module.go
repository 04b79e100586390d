package daemon

import (
	"context"

	"github.com/matheus3301/livesync/internal/api"
	"github.com/matheus3301/livesync/internal/bus"
	"github.com/matheus3301/livesync/internal/clock"
	"github.com/matheus3301/livesync/internal/config"
	"github.com/matheus3301/livesync/internal/credential"
	"github.com/matheus3301/livesync/internal/inbox"
	"github.com/matheus3301/livesync/internal/lock"
	"github.com/matheus3301/livesync/internal/logging"
	"github.com/matheus3301/livesync/internal/outbox"
	"github.com/matheus3301/livesync/internal/presence"
	"github.com/matheus3301/livesync/internal/profile"
	"github.com/matheus3301/livesync/internal/rest"
	"github.com/matheus3301/livesync/internal/session"
	"github.com/matheus3301/livesync/internal/store"
	"github.com/matheus3301/livesync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideClock,
			provideLock,
			provideStore,
			provideValidator,
			provideCredentials,
			provideREST,
			provideTransport,
			provideTracker,
			provideSender,
			provideCoordinator,
			provideManager,
			provideSessionService,
			provideInboxService,
			providePresenceService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

// WithLogger routes fx's own events to the daemon logger.
func WithLogger() fx.Option {
	return fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: logger.Named("fx")}
	})
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg, profile.EnvPath()); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, cfg.LogLevel)
}

func provideBus(logger *zap.Logger) *bus.Bus {
	return bus.New(logger.Named("bus"))
}

func provideClock() clock.Clock {
	return clock.Real()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.LockPath(p.Profile), p.Profile)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is only opened by the
// daemon owning the profile.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
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

func provideValidator(c clock.Clock) *credential.Validator {
	return credential.NewValidator(c)
}

func provideCredentials(v *credential.Validator) *credential.Store {
	return credential.NewStore(v)
}

func provideREST(cfg *config.Config, creds *credential.Store, logger *zap.Logger) *rest.Client {
	return rest.New(cfg.APIURL, creds, logger)
}

func provideTransport(cfg *config.Config, creds *credential.Store, c clock.Clock, b *bus.Bus, logger *zap.Logger) *transport.Transport {
	return transport.New(transport.Options{
		URL:               cfg.WSURL,
		ReconnectAttempts: cfg.Transport.ReconnectAttempts,
		ReconnectDelay:    cfg.Transport.ReconnectDelay.Std(),
		HandshakeTimeout:  cfg.Transport.HandshakeTimeout.Std(),
	}, creds, c, b, logger)
}

func provideTracker(cfg *config.Config, tr *transport.Transport, rc *rest.Client, creds *credential.Store, c clock.Clock, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.New(presence.Options{
		Inactivity:     cfg.Presence.Inactivity.Std(),
		Heartbeat:      cfg.Presence.Heartbeat.Std(),
		ConnectTimeout: cfg.Presence.ConnectTimeout.Std(),
	}, tr, rc, creds, c, b, logger)
}

func provideSender(cfg *config.Config, db *store.DB, rc *rest.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, rc, b, logger, outbox.Options{
		Interval:    cfg.Outbox.Interval.Std(),
		MaxAttempts: cfg.Outbox.MaxAttempts,
	})
}

func provideCoordinator(cfg *config.Config, rc *rest.Client, tr *transport.Transport, creds *credential.Store, sender *outbox.Sender, c clock.Clock, b *bus.Bus, logger *zap.Logger) *inbox.Coordinator {
	return inbox.New(inbox.Options{
		Notifications: rc,
		Messages:      rc,
		Channel:       tr,
		Credentials:   creds,
		Receipts:      sender,
		Clock:         c,
		Bus:           b,
		Logger:        logger,
		DriftGrace:    cfg.Inbox.DriftGrace.Std(),
		FetchTimeout:  cfg.Inbox.FetchTimeout.Std(),
	})
}

func provideManager(creds *credential.Store, v *credential.Validator, tr *transport.Transport, tracker *presence.Tracker, coord *inbox.Coordinator, sender *outbox.Sender, c clock.Clock, b *bus.Bus, logger *zap.Logger) *session.Manager {
	return session.NewManager(session.Deps{
		Store:     creds,
		Validator: v,
		Channel:   tr,
		Presence:  tracker,
		Inbox:     coord,
		Receipts:  sender,
		Clock:     c,
		Bus:       b,
		Logger:    logger,
	})
}

func provideSessionService(p Params, m *session.Manager, tr *transport.Transport, tracker *presence.Tracker, coord *inbox.Coordinator, b *bus.Bus) *api.SessionService {
	return api.NewSessionService(p.Profile, m, tr, tracker, coord, b)
}

func provideInboxService(coord *inbox.Coordinator, m *session.Manager) *api.InboxService {
	return api.NewInboxService(coord, m)
}

func providePresenceService(tracker *presence.Tracker) *api.PresenceService {
	return api.NewPresenceService(tracker)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, srv *Server, lk *lock.Lock, db *store.DB, sender *outbox.Sender, m *session.Manager, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			sender.Start(context.Background())

			if cfg.Token == "" {
				logger.Info("no token configured, waiting for login")
				return nil
			}
			go func() {
				err := m.Login(context.Background(), cfg.Token)
				switch {
				case session.IsInvalid(err):
					logger.Warn("configured token rejected", zap.Error(err))
				case err != nil:
					logger.Warn("auto-login degraded", zap.Error(err))
				default:
					logger.Info("auto-login complete")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			m.Logout(session.ReasonShutdown)
			m.Wait()
			sender.Stop()
			srv.Stop(ctx)
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
