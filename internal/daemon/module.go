// Package daemon composes the messaging core into a runnable process: one
// identity, one lock, one connection, one history database.
package daemon

import (
	"context"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/foundxnet/chatkit/internal/archive"
	"github.com/foundxnet/chatkit/internal/bus"
	"github.com/foundxnet/chatkit/internal/client"
	"github.com/foundxnet/chatkit/internal/config"
	"github.com/foundxnet/chatkit/internal/conn"
	"github.com/foundxnet/chatkit/internal/delivery"
	"github.com/foundxnet/chatkit/internal/lock"
	"github.com/foundxnet/chatkit/internal/logging"
	"github.com/foundxnet/chatkit/internal/msgstore"
	"github.com/foundxnet/chatkit/internal/presence"
	"github.com/foundxnet/chatkit/internal/roster"
	"github.com/foundxnet/chatkit/internal/session"
	"github.com/foundxnet/chatkit/internal/status"
)

// Params holds the resolved identity configuration passed to the fx module.
type Params struct {
	Identity   string
	ConfigPath string // optional override for testing; empty = use default
	DataDir    string // optional override for testing; empty = use default
}

func (p Params) dir() string {
	if p.DataDir != "" {
		return p.DataDir
	}
	return session.Dir(p.Identity)
}

func (p Params) configPath() string {
	if p.ConfigPath != "" {
		return p.ConfigPath
	}
	return session.ConfigPath()
}

func (p Params) historyDBPath() string {
	if p.DataDir != "" {
		return filepath.Join(p.DataDir, "history.db")
	}
	return session.HistoryDBPath(p.Identity)
}

func (p Params) logPath() string {
	if p.DataDir != "" {
		return filepath.Join(p.DataDir, "logs", "chatd.log")
	}
	return session.LogPath(p.Identity)
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideArchive,
			provideConn,
			provideMsgStore,
			providePresence,
			provideRoster,
			provideDelivery,
			provideArchiver,
			provideClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.Load(p.configPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.logPath(), p.Identity)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if p.DataDir == "" {
		if err := session.EnsureDir(p.Identity); err != nil {
			return nil, err
		}
	}
	logger.Info("acquiring identity lock", zap.String("identity", p.Identity))
	l, err := lock.Acquire(p.dir())
	if err != nil {
		return nil, err
	}
	logger.Info("identity lock acquired")
	return l, nil
}

func provideArchive(p Params, logger *zap.Logger) (*archive.DB, error) {
	dbPath := p.historyDBPath()
	db, err := archive.Open(dbPath)
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
	logger.Info("history archive initialized", zap.String("path", dbPath))
	return db, nil
}

func provideConn(cfg *config.Config, machine *status.Machine, logger *zap.Logger) *conn.Manager {
	return conn.New(conn.Config{
		Endpoint:           cfg.Endpoint,
		Token:              cfg.Token,
		ReconnectBaseDelay: cfg.ReconnectBaseDelay.Std(),
		ReconnectMaxDelay:  cfg.ReconnectMaxDelay.Std(),
	}, machine, logger)
}

func provideMsgStore(b *bus.Bus) *msgstore.Store {
	return msgstore.New(b)
}

func providePresence(cfg *config.Config, b *bus.Bus) *presence.Tracker {
	return presence.New(cfg.PresenceStaleWindow.Std(), b)
}

func provideRoster(store *msgstore.Store, tracker *presence.Tracker, b *bus.Bus) *roster.Index {
	return roster.New(store, tracker, b)
}

func provideDelivery(p Params, cfg *config.Config, m *conn.Manager, store *msgstore.Store, b *bus.Bus, logger *zap.Logger) *delivery.Coordinator {
	return delivery.New(m, store, b, logger, p.Identity, cfg.AckTimeout.Std(), cfg.MaxRetries)
}

func provideArchiver(db *archive.DB, b *bus.Bus, logger *zap.Logger) *archive.Archiver {
	return archive.NewArchiver(db, b, logger)
}

func provideClient(p Params, m *conn.Manager, store *msgstore.Store, index *roster.Index, tracker *presence.Tracker, d *delivery.Coordinator, db *archive.DB, logger *zap.Logger) *client.Client {
	return client.New(client.Params{
		SelfID:   p.Identity,
		Conn:     m,
		Store:    store,
		Index:    index,
		Tracker:  tracker,
		Delivery: d,
		DB:       db,
		Logger:   logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, cl *client.Client, archiver *archive.Archiver, db *archive.DB, store *msgstore.Store, index *roster.Index, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Replay persisted history before anything live can land, so
			// live confirmations dedup against it instead of racing it.
			if err := archiver.Hydrate(store, index); err != nil {
				return err
			}
			archiver.Start()

			// Connect in the background: a dead network at boot is a
			// reconnect case, not a startup failure.
			go func() {
				if err := cl.Start(context.Background()); err != nil {
					logger.Warn("initial connect failed, reconnecting", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			if err := cl.Close(); err != nil {
				logger.Warn("error closing client", zap.Error(err))
			}
			archiver.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing history archive", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
