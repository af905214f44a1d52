// Package main provides the overworld game server binary: a websocket endpoint
// for game clients, the presence broadcast loop, and a gRPC health endpoint.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/overworld/internal/config"
	"github.com/cory-johannsen/overworld/internal/game/handshake"
	"github.com/cory-johannsen/overworld/internal/game/inventory"
	"github.com/cory-johannsen/overworld/internal/gameserver"
	"github.com/cory-johannsen/overworld/internal/observability"
	"github.com/cory-johannsen/overworld/internal/server"
	"github.com/cory-johannsen/overworld/internal/storage/postgres"
	"github.com/cory-johannsen/overworld/internal/transport/ws"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting game server",
		zap.String("ws_addr", cfg.Server.Addr()),
		zap.String("health_addr", cfg.Health.Addr()),
		zap.Duration("broadcast_interval", cfg.Broadcast.Interval),
	)

	catalog, err := handshake.LoadCatalog(cfg.Handshake.Catalog)
	if err != nil {
		logger.Fatal("loading handshake catalog", zap.Error(err))
	}
	logger.Info("handshake catalog loaded", zap.Strings("kinds", catalog.IDs()))

	lifecycle := server.NewLifecycle(logger)

	// Without a database the server trusts the client-side requirement check.
	var inv inventory.Source
	if cfg.Database.Enabled {
		store, err := postgres.Open(ctx, cfg.Database, logger.Named("postgres"))
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		defer store.Close()
		inv = store.Inventory()
		lifecycle.Add("postgres", server.NewContextService(store.Monitor))
	}

	hub := gameserver.NewHub(catalog, gameserver.HubConfig{
		TickInterval:     cfg.Broadcast.Interval,
		ChatHistoryLimit: cfg.Chat.HistoryLimit,
		ChatMaxLength:    cfg.Chat.MaxLength,
		HandshakeTimeout: cfg.Handshake.DefaultTimeout,
		Inventory:        inv,
	}, logger.Named("hub"))

	loop := gameserver.NewBroadcastLoop(hub, cfg.Broadcast.Interval, logger.Named("broadcast"))
	acceptor := ws.NewAcceptor(cfg.Server, hub, logger.Named("ws"))
	health := server.NewHealthService(cfg.Health.Addr(), logger.Named("health"))

	lifecycle.Add("broadcast", server.NewContextService(loop.Run))
	lifecycle.Add("websocket", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})
	lifecycle.Add("health", health)

	logger.Info("game server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Strings("services", lifecycle.Names()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}

	m := loop.Metrics().Snapshot()
	logger.Info("game server stopped",
		zap.Int64("ticks", m.Ticks),
		zap.Int64("frames_sent", m.FramesSent),
		zap.Int64("send_failures", m.SendFailures),
		zap.Duration("avg_tick", m.AvgTick),
	)
}
