// Package main provides a headless bot that joins an overworld map, walks in a
// circle, and logs the remote players it renders. It is used for load and smoke testing.
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/overworld/internal/client"
	"github.com/cory-johannsen/overworld/internal/client/interaction"
	"github.com/cory-johannsen/overworld/internal/client/reconciler"
	"github.com/cory-johannsen/overworld/internal/config"
	"github.com/cory-johannsen/overworld/internal/game/handshake"
	"github.com/cory-johannsen/overworld/internal/game/inventory"
	"github.com/cory-johannsen/overworld/internal/game/presence"
	"github.com/cory-johannsen/overworld/internal/observability"
	"github.com/cory-johannsen/overworld/internal/transport/ws"
)

func main() {
	configPath := flag.String("config", "configs/dev.yaml", "path to the shared config file")
	url := flag.String("url", "ws://localhost:8080/ws", "server websocket URL")
	mapID := flag.String("map", "town", "map to join")
	name := flag.String("name", "", "display name (default bot-<random>)")
	appearance := flag.String("appearance", "trainer_red", "appearance asset ref")
	pokemon := flag.Int("pokemon", 6, "pokemon the bot claims to hold")
	radius := flag.Float64("radius", 48, "walk circle radius in world units")
	frame := flag.Duration("frame", 16*time.Millisecond, "client frame interval")
	moveEvery := flag.Duration("move-every", 100*time.Millisecond, "interval between move reports")
	assetDelay := flag.Duration("asset-delay", 150*time.Millisecond, "simulated asset load latency")
	autoAccept := flag.Bool("auto-accept", true, "accept every inbound challenge")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger, err := observability.NewLogger(config.LoggingConfig{Level: *logLevel, Format: "console"})
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	// Same catalog as the server, so client-side requirement checks agree.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("loading config", zap.Error(err))
	}
	catalog, err := handshake.LoadCatalog(cfg.Handshake.Catalog)
	if err != nil {
		logger.Fatal("loading handshake catalog", zap.Error(err))
	}
	logger.Info("handshake catalog loaded", zap.Strings("kinds", catalog.IDs()))

	identity := uuid.NewString()
	if *name == "" {
		*name = "bot-" + identity[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := ws.Dial(dialCtx, *url)
	cancel()
	if err != nil {
		logger.Fatal("dialing server", zap.Error(err))
	}

	ui := &logUI{logger: logger.Named("ui")}
	sess := client.NewSession(conn, client.Config{
		Scene:       &logScene{logger: logger.Named("scene")},
		Loader:      newDelayLoader(*assetDelay),
		UI:          ui,
		Launcher:    logLauncher{logger: logger.Named("launch")},
		Inventory:   inventory.NewStatic(map[string]map[string]int{identity: {"pokemon": *pokemon}}),
		IdentityRef: identity,
		Catalog:     catalog,
		OnIdle: func(reason string) {
			logger.Info("returned to menu", zap.String("reason", reason))
		},
	}, logger.Named("session"))
	ui.respond = func(id string) {
		if err := sess.Respond(id, *autoAccept); err != nil {
			logger.Warn("answering challenge", zap.Error(err))
		}
	}

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	if err := sess.Join(client.JoinParams{
		Position:      presence.Vec{X: *radius},
		AppearanceRef: *appearance,
		DisplayName:   *name,
		MapID:         *mapID,
	}); err != nil {
		logger.Fatal("joining map", zap.Error(err))
	}
	logger.Info("bot joined", zap.String("name", *name), zap.String("map", *mapID))

	frames := time.NewTicker(*frame)
	defer frames.Stop()
	moves := time.NewTicker(*moveEvery)
	defer moves.Stop()
	report := time.NewTicker(5 * time.Second)
	defer report.Stop()

	started := time.Now()
	for {
		select {
		case err := <-runErr:
			if err != nil && ctx.Err() == nil {
				logger.Error("session ended", zap.Error(err))
			}
			return
		case <-frames.C:
			sess.Frame()
		case <-moves.C:
			angle := time.Since(started).Seconds()
			pos := presence.Vec{X: *radius * math.Cos(angle), Y: *radius * math.Sin(angle)}
			if err := sess.Move(pos, facing(angle)); err != nil {
				logger.Warn("sending move", zap.Error(err))
			}
		case <-report.C:
			logger.Info("remote players", zap.Strings("ids", sess.RemoteIDs()), zap.Uint64("tick", sess.LastTick()))
		}
	}
}

// facing picks a walk animation from the direction of travel around the circle.
func facing(angle float64) string {
	dx, dy := -math.Sin(angle), math.Cos(angle)
	if math.Abs(dx) >= math.Abs(dy) {
		if dx < 0 {
			return "walk_left"
		}
		return "walk_right"
	}
	if dy < 0 {
		return "walk_up"
	}
	return "walk_down"
}

type logEntity struct {
	id     string
	logger *zap.Logger
}

func (e *logEntity) SetPosition(presence.Vec) {}

func (e *logEntity) SetAnimation(state string) {
	e.logger.Debug("animation", zap.String("conn_id", e.id), zap.String("state", state))
}

func (e *logEntity) SetLabel(text string) {
	e.logger.Info("renamed", zap.String("conn_id", e.id), zap.String("label", text))
}

func (e *logEntity) Destroy() {
	e.logger.Info("despawned", zap.String("conn_id", e.id))
}

type logScene struct {
	logger *zap.Logger
}

func (s *logScene) Spawn(connID, appearanceRef string, pos presence.Vec, label string) reconciler.Entity {
	s.logger.Info("spawned",
		zap.String("conn_id", connID),
		zap.String("appearance", appearanceRef),
		zap.String("label", label),
		zap.Float64("x", pos.X),
		zap.Float64("y", pos.Y),
	)
	return &logEntity{id: connID, logger: s.logger}
}

// delayLoader pretends every asset takes a fixed time to load.
type delayLoader struct {
	delay  time.Duration
	mu     sync.Mutex
	loaded map[string]bool
}

func newDelayLoader(delay time.Duration) *delayLoader {
	return &delayLoader{delay: delay, loaded: make(map[string]bool)}
}

func (l *delayLoader) Loaded(ref string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded[ref]
}

func (l *delayLoader) Load(refs []string, done func(error)) {
	time.AfterFunc(l.delay, func() {
		l.mu.Lock()
		for _, r := range refs {
			l.loaded[r] = true
		}
		l.mu.Unlock()
		done(nil)
	})
}

type logUI struct {
	logger  *zap.Logger
	respond func(sessionID string)
}

func (u *logUI) ShowPrompt(p interaction.Prompt) {
	u.logger.Info("challenge received",
		zap.String("session_id", p.SessionID),
		zap.String("kind", p.Kind),
		zap.String("from", p.InitiatorConnID),
	)
	if u.respond != nil {
		go u.respond(p.SessionID)
	}
}

func (u *logUI) HidePrompt(sessionID string) {
	u.logger.Debug("prompt closed", zap.String("session_id", sessionID))
}

func (u *logUI) Toast(message string) {
	u.logger.Info("toast", zap.String("message", message))
}

type logLauncher struct {
	logger *zap.Logger
}

func (l logLauncher) Launch(m interaction.Match) {
	l.logger.Info("launching match",
		zap.String("session_id", m.SessionID),
		zap.String("kind", m.Kind),
		zap.String("role", string(m.Role)),
		zap.String("opponent", m.OpponentConnID),
	)
}
