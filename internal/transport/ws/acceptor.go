package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/overworld/internal/config"
	"github.com/cory-johannsen/overworld/internal/gameserver"
	"github.com/cory-johannsen/overworld/internal/protocol"
)

// Hub is the part of gameserver.Hub the acceptor drives.
type Hub interface {
	Connect(conn gameserver.Conn) error
	Handle(ctx context.Context, connID string, env protocol.Envelope)
	Disconnect(connID, reason string) bool
	KickAll(reason string) int
	ConnectionCount() int
}

// Acceptor upgrades HTTP requests on the configured path to websocket
// connections and registers each with the Hub.
type Acceptor struct {
	cfg      config.ServerConfig
	hub      Hub
	logger   *zap.Logger
	upgrader websocket.Upgrader
	newID    func() string

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	running  bool
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewAcceptor creates an Acceptor.
//
// Precondition: hub and logger must be non-nil.
// Postcondition: Returns an Acceptor ready for ListenAndServe or Handler.
func NewAcceptor(cfg config.ServerConfig, hub Hub, logger *zap.Logger) *Acceptor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Acceptor{
		cfg:    cfg,
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		newID:  uuid.NewString,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the HTTP routes: the websocket path and /healthz.
func (a *Acceptor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.WSPath, a.handleUpgrade)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(w, "ok connections=%d\n", a.hub.ConnectionCount())
	})
	return mux
}

// ListenAndServe accepts connections until Stop is called.
//
// Precondition: The acceptor must not already be running.
// Postcondition: Returns nil after Stop, or the listen error.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()
	lis, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}
	srv := &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}

	a.mu.Lock()
	a.srv = srv
	a.listener = lis
	a.running = true
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", lis.Addr().String()),
		zap.String("path", a.cfg.WSPath),
		zap.Duration("startup", time.Since(start)),
	)
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

// Stop kicks every connection with a shutdown notice, stops the HTTP server,
// and waits for connection readers and writers to exit.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		a.shutdownConns()
		return
	}
	a.running = false
	srv := a.srv
	a.mu.Unlock()

	a.shutdownConns()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}
	a.logger.Info("websocket acceptor stopped")
}

func (a *Acceptor) shutdownConns() {
	// after this no handler can register, so KickAll sees every connection
	a.mu.Lock()
	a.cancel()
	a.mu.Unlock()
	n := a.hub.KickAll(gameserver.ReasonShutdown)
	a.wg.Wait()
	if n > 0 {
		a.logger.Info("connections closed for shutdown", zap.Int("count", n))
	}
}

// Addr returns the listening address, or "" before ListenAndServe.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning reports whether the acceptor is serving.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Acceptor) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if a.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	raw, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	conn := newConn(a.newID(), raw, a.cfg.OutboxSize, a.cfg.WriteTimeout, a.cfg.ReadTimeout, a.logger)

	a.mu.Lock()
	if a.ctx.Err() != nil {
		a.mu.Unlock()
		_ = raw.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, gameserver.ReasonShutdown),
			time.Now().Add(time.Second))
		_ = raw.Close()
		return
	}
	a.wg.Add(2)
	// the writer must be draining before Connect queues the welcome frame
	go func() {
		defer a.wg.Done()
		conn.writePump()
	}()
	err = a.hub.Connect(conn)
	a.mu.Unlock()
	defer a.wg.Done()

	if err != nil {
		a.logger.Error("registering connection", zap.String("conn_id", conn.ID()), zap.Error(err))
		_ = conn.Close()
		return
	}
	a.logger.Info("client connected", zap.String("conn_id", conn.ID()), zap.String("remote_addr", r.RemoteAddr))

	start := time.Now()
	reason := a.readPump(conn)
	if a.hub.Disconnect(conn.ID(), reason) {
		a.logger.Info("client disconnected",
			zap.String("conn_id", conn.ID()),
			zap.String("reason", reason),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// readPump feeds inbound frames to the hub until the peer goes away.
//
// Postcondition: Returns the disconnect reason.
func (a *Acceptor) readPump(c *Conn) string {
	if a.cfg.MaxMessageBytes > 0 {
		c.ws.SetReadLimit(a.cfg.MaxMessageBytes)
	}
	extend := func() {
		if a.cfg.ReadTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
		}
	}
	extend()
	c.ws.SetPongHandler(func(string) error { extend(); return nil })

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return gameserver.ReasonClientClosed
			}
			return fmt.Sprintf("read: %v", err)
		}
		extend()
		env, err := protocol.Unmarshal(data)
		if err != nil {
			a.rejectFrame(c, err)
			continue
		}
		a.hub.Handle(a.ctx, c.ID(), env)
	}
}

func (a *Acceptor) rejectFrame(c *Conn, cause error) {
	env, err := protocol.Encode(protocol.TypeError, "", protocol.Error{
		Code:    gameserver.CodeInvalidPayload,
		Message: cause.Error(),
	})
	if err != nil {
		return
	}
	frame, err := protocol.Marshal(env)
	if err != nil {
		return
	}
	if err := c.Send(frame); err != nil {
		a.logger.Debug("rejecting frame", zap.String("conn_id", c.ID()), zap.Error(err))
	}
}
