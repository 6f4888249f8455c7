package daemon

import (
	"context"
	"io"
	stdsync "sync"

	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/clock"
	"github.com/matheus3301/roomsync/internal/config"
	"github.com/matheus3301/roomsync/internal/matrix"
	"github.com/matheus3301/roomsync/internal/store"
	intsync "github.com/matheus3301/roomsync/internal/sync"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"
)

// startConcurrency bounds how many accounts connect at once.
const startConcurrency = 4

// connectionStore persists anchor rooms.
type connectionStore interface {
	UpsertConnectionStatus(ctx context.Context, cs store.ConnectionStatus) error
}

// Accounts owns the protocol clients of the configured accounts.
type Accounts struct {
	accounts []config.Account
	coord    *intsync.Coordinator
	conns    connectionStore
	bus      *bus.Bus
	clk      clock.Clock
	logger   *zap.Logger
	// matrixLog receives the mautrix library logs of every client.
	matrixLog io.Writer

	mu      stdsync.Mutex
	clients map[string]*matrix.Client
	stopped bool
}

// NewAccounts creates the account set. Nothing connects until Start.
func NewAccounts(accounts []config.Account, coord *intsync.Coordinator, conns connectionStore, b *bus.Bus, clk clock.Clock, matrixLog io.Writer, logger *zap.Logger) *Accounts {
	return &Accounts{
		accounts:  accounts,
		coord:     coord,
		conns:     conns,
		bus:       b,
		clk:       clk,
		logger:    logger,
		matrixLog: matrixLog,
		clients:   make(map[string]*matrix.Client),
	}
}

// Start connects every account and opens its room list session. A failing
// account is logged and skipped.
func (a *Accounts) Start(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(startConcurrency)
	for _, acct := range a.accounts {
		g.Go(func() error {
			a.start(ctx, acct)
			return nil
		})
	}
	return g.Wait()
}

func (a *Accounts) start(ctx context.Context, acct config.Account) {
	logger := a.logger.With(zap.String("user_id", acct.UserID))
	if a.isStopped() {
		return
	}

	if acct.AnchorRoomID != "" && a.conns != nil {
		err := a.conns.UpsertConnectionStatus(ctx, store.ConnectionStatus{
			UserID:       acct.UserID,
			Platform:     acct.Platform,
			AnchorRoomID: acct.AnchorRoomID,
			UpdatedAt:    a.clk.Now().UnixMilli(),
		})
		if err != nil {
			logger.Warn("persist anchor room failed", zap.Error(err))
		}
	}

	client, err := matrix.New(matrix.Options{
		Homeserver:  acct.Homeserver,
		UserID:      id.UserID(acct.UserID),
		AccessToken: acct.AccessToken,
		Bus:         a.bus,
		Clock:       a.clk,
		Logger:      a.logger,
		LogWriter:   a.matrixLog,
	})
	if err != nil {
		logger.Error("create matrix client failed", zap.Error(err))
		return
	}
	if err := client.Start(ctx, matrix.DefaultStart); err != nil {
		logger.Error("start matrix client failed", zap.Error(err))
	}

	// Held across InitRoomList so Stop never misses a session.
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		client.Close()
		return
	}
	a.clients[acct.UserID] = client
	a.coord.InitRoomList(ctx, acct.UserID, client, intsync.SessionOptions{
		Platform:  acct.Platform,
		SortOrder: intsync.SortOrder(acct.SortOrder),
	}, func(rooms []store.RoomRecord) {
		logger.Debug("room list updated", zap.Int("rooms", len(rooms)))
	})
	logger.Info("account started", zap.String("homeserver", acct.Homeserver))
}

// Stop cleans up every session, then closes the clients.
func (a *Accounts) Stop() {
	a.mu.Lock()
	a.stopped = true
	clients := a.clients
	a.clients = make(map[string]*matrix.Client)
	a.mu.Unlock()

	a.coord.CleanupAll()

	for _, c := range clients {
		c.Close()
	}
}

func (a *Accounts) isStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// Len returns how many clients are running.
func (a *Accounts) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.clients)
}
