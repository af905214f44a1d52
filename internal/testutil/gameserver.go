package testutil

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/overworld/internal/config"
	"github.com/cory-johannsen/overworld/internal/game/handshake"
	"github.com/cory-johannsen/overworld/internal/game/inventory"
	"github.com/cory-johannsen/overworld/internal/gameserver"
	"github.com/cory-johannsen/overworld/internal/transport/ws"
)

// GameServer is an in-process overworld server behind an httptest listener.
type GameServer struct {
	Hub       *gameserver.Hub
	Broadcast *gameserver.BroadcastLoop
	Acceptor  *ws.Acceptor
	// URL is the websocket endpoint, e.g. ws://127.0.0.1:port/ws.
	URL string
}

// GameServerOptions tunes NewGameServer. Zero values select test defaults.
type GameServerOptions struct {
	TickInterval     time.Duration
	HandshakeTimeout time.Duration
	Inventory        inventory.Source
	// ManualTicks leaves the broadcast loop stopped; tests call Broadcast.Tick.
	ManualTicks bool
}

// NewGameServer starts a hub, broadcast loop, and websocket acceptor.
//
// Postcondition: Everything is stopped on test cleanup.
func NewGameServer(t *testing.T, opts GameServerOptions) *GameServer {
	t.Helper()
	if opts.TickInterval <= 0 {
		opts.TickInterval = 20 * time.Millisecond
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	logger := zaptest.NewLogger(t)

	hub := gameserver.NewHub(handshake.DefaultCatalog(), gameserver.HubConfig{
		TickInterval:     opts.TickInterval,
		ChatHistoryLimit: 50,
		ChatMaxLength:    280,
		HandshakeTimeout: opts.HandshakeTimeout,
		Inventory:        opts.Inventory,
	}, logger)
	loop := gameserver.NewBroadcastLoop(hub, opts.TickInterval, logger)
	acc := ws.NewAcceptor(config.ServerConfig{
		WSPath:          "/ws",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Second,
		OutboxSize:      256,
		MaxMessageBytes: 1 << 16,
	}, hub, logger)
	srv := httptest.NewServer(acc.Handler())

	stopLoop := func() {}
	if !opts.ManualTicks {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = loop.Run(ctx)
		}()
		stopLoop = func() { cancel(); <-done }
	}

	t.Cleanup(func() {
		stopLoop()
		acc.Stop()
		srv.Close()
	})
	return &GameServer{
		Hub:       hub,
		Broadcast: loop,
		Acceptor:  acc,
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}
