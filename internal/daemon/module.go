// Package daemon composes the profile daemon: storage, cache tiers, the
// sync coordinator, one protocol client per configured account and the
// local gRPC API.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/matheus3301/roomsync/internal/api"
	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/cache"
	"github.com/matheus3301/roomsync/internal/clock"
	"github.com/matheus3301/roomsync/internal/config"
	"github.com/matheus3301/roomsync/internal/lock"
	"github.com/matheus3301/roomsync/internal/logging"
	"github.com/matheus3301/roomsync/internal/organize"
	"github.com/matheus3301/roomsync/internal/profile"
	"github.com/matheus3301/roomsync/internal/recovery"
	"github.com/matheus3301/roomsync/internal/setup"
	"github.com/matheus3301/roomsync/internal/store"
	intsync "github.com/matheus3301/roomsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	// Config is the loaded configuration. Nil means config.Default().
	Config *config.Config
}

func (p Params) config() *config.Config {
	if p.Config == nil {
		return config.Default()
	}
	return p.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideClock,
			provideLock,
			provideStore,
			provideGovernor,
			provideCache,
			provideReconciler,
			provideCoordinator,
			provideTracker,
			provideMatrixLog,
			provideAccounts,
			provideRoomsService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, p.config().LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() clock.Clock {
	return clock.Real()
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

// provideStore depends on the lock so the database is never opened by two
// daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	cached, err := db.RoomCacheCount(context.Background())
	if err != nil {
		logger.Warn("count cached room lists failed", zap.Error(err))
	}
	logger.Info("store initialized", zap.String("path", dbPath), zap.Int64("cached_lists", cached))
	return db, nil
}

func provideGovernor(p Params, clk clock.Clock, logger *zap.Logger) *recovery.Governor {
	cfg := p.config().Recovery
	return recovery.NewGovernor(recovery.Config{
		MaxAttempts: cfg.MaxAttempts,
		Cooldown:    cfg.Cooldown.Duration,
		WarnWindow:  cfg.WarnWindow.Duration,
	}, clk, logger)
}

func provideCache(p Params, db *store.DB, clk clock.Clock, logger *zap.Logger) (*cache.Store, error) {
	cfg := p.config().Cache
	fast, err := cache.NewFastTier(cfg.FastMaxBytes, int(cfg.FastMaxEntries))
	if err != nil {
		return nil, fmt.Errorf("fast cache tier: %w", err)
	}

	var durable cache.Tier
	switch cfg.DurableBackend {
	case cache.BackendBadger:
		bt, err := cache.OpenBadgerTier(profile.BadgerDir(p.ProfileName))
		if err != nil {
			_ = fast.Close()
			return nil, fmt.Errorf("durable cache tier: %w", err)
		}
		durable = bt
	default:
		durable = cache.NewSQLiteTier(db)
	}
	logger.Info("cache initialized",
		zap.String("durable", durable.Name()),
		zap.Int64("fast_max_bytes", cfg.FastMaxBytes),
	)
	return cache.New(fast, durable, logger, clk), nil
}

func provideReconciler(db *store.DB, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, logger)
}

func provideCoordinator(p Params, db *store.DB, c *cache.Store, rec *intsync.Reconciler, gov *recovery.Governor, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *intsync.Coordinator {
	cfg := p.config()
	return intsync.New(intsync.Config{
		RoomsThrottle:    cfg.Throttle.Rooms.Duration,
		MessagesThrottle: cfg.Throttle.Messages.Duration,
		RetryGrace:       cfg.Recovery.RetryGrace.Duration,
		RestartGrace:     cfg.Recovery.RestartGrace.Duration,
		PollInterval:     cfg.Recovery.PollInterval.Duration,
	}, intsync.Deps{
		Cache:      c,
		Anchors:    db,
		Reconciler: rec,
		Governor:   gov,
		Bus:        b,
		Clock:      clk,
		Logger:     logger,
	})
}

func provideTracker(p Params, coord *intsync.Coordinator, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *setup.Tracker {
	cfg := p.config().Setup
	return setup.NewTracker(setup.Config{
		PollInterval:  cfg.PollInterval.Duration,
		MaxPolls:      cfg.MaxPolls,
		SafetyTimeout: cfg.SafetyTimeout.Duration,
	}, coord, b, clk, logger)
}

// matrixLog is the file receiving the mautrix library's own logs.
type matrixLog struct {
	io.WriteCloser
}

func provideMatrixLog(p Params, _ *lock.Lock) (*matrixLog, error) {
	f, err := os.OpenFile(profile.MatrixLogPath(p.ProfileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open matrix log: %w", err)
	}
	return &matrixLog{f}, nil
}

func provideAccounts(p Params, coord *intsync.Coordinator, db *store.DB, b *bus.Bus, clk clock.Clock, ml *matrixLog, logger *zap.Logger) *Accounts {
	return NewAccounts(p.config().Accounts, coord, db, b, clk, ml, logger)
}

func provideRoomsService(p Params, coord *intsync.Coordinator, tracker *setup.Tracker, b *bus.Bus, logger *zap.Logger) *api.RoomsService {
	cfg := p.config()
	prefs := make(map[string]organize.Options, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		prefs[acct.UserID] = organize.Options{
			Pinned:          organize.NewSet(acct.Pinned...),
			Muted:           organize.NewSet(acct.Muted...),
			Archived:        organize.NewSet(acct.Archived...),
			MentionKeywords: acct.MentionKeywords,
		}
	}
	var defaultUser string
	if len(cfg.Accounts) > 0 {
		defaultUser = cfg.Accounts[0].UserID
	}
	return api.NewRoomsService(api.ServiceOptions{
		Coordinator: coord,
		Setup:       tracker,
		Bus:         b,
		Organize:    prefs,
		DefaultUser: defaultUser,
		Logger:      logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, c *cache.Store, accounts *Accounts, tracker *setup.Tracker, ml *matrixLog, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Clients outlive the start hook's context.
			go func() {
				_ = accounts.Start(context.Background())
				logger.Info("accounts started", zap.Int("clients", accounts.Len()))
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			tracker.Close()
			accounts.Stop()
			if err := c.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			_ = ml.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
