// Package gameserver routes protocol frames between connections and the shared
// presence, chat, and handshake state.
package gameserver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/overworld/internal/game/chat"
	"github.com/cory-johannsen/overworld/internal/game/handshake"
	"github.com/cory-johannsen/overworld/internal/game/inventory"
	"github.com/cory-johannsen/overworld/internal/game/presence"
	"github.com/cory-johannsen/overworld/internal/protocol"
)

// Disconnect reasons sent in disconnectNotice frames.
const (
	ReasonClientClosed = "client closed"
	ReasonShutdown     = "server shutting down"
	ReasonSlowConsumer = "connection too slow"
)

// HubConfig holds Hub settings.
type HubConfig struct {
	// TickInterval is advertised to clients in the welcome frame.
	TickInterval time.Duration
	// ChatHistoryLimit bounds the retained chat log.
	ChatHistoryLimit int
	// ChatMaxLength bounds a single chat message in runes.
	ChatMaxLength int
	// HandshakeTimeout applies to kinds without their own timeout.
	HandshakeTimeout time.Duration
	// Inventory, when non-nil, gates handshakes on kind requirements.
	Inventory inventory.Source
}

// Hub owns the connection registry, the presence store, the chat log, and the
// handshake coordinator. All methods are safe for concurrent use.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]Conn

	presence   *presence.Store
	chat       *chat.Log
	handshakes *handshake.Coordinator
	routes     map[protocol.Type]handlerFunc
	cfg        HubConfig
	logger     *zap.Logger
}

// NewHub creates a Hub with empty state.
//
// Precondition: catalog and logger must be non-nil; cfg.HandshakeTimeout > 0.
// Postcondition: Returns a Hub with no connections.
func NewHub(catalog *handshake.Catalog, cfg HubConfig, logger *zap.Logger) *Hub {
	h := &Hub{
		conns:    make(map[string]Conn),
		presence: presence.NewStore(),
		chat:     chat.NewLog(cfg.ChatHistoryLimit, cfg.ChatMaxLength),
		cfg:      cfg,
		logger:   logger,
	}
	h.handshakes = handshake.NewCoordinator(catalog, h, h, handshake.CoordinatorConfig{
		DefaultTimeout: cfg.HandshakeTimeout,
		Inventory:      cfg.Inventory,
	}, logger.Named("handshake"))
	h.routes = h.handlers()
	return h
}

// Presence returns the hub's presence store.
func (h *Hub) Presence() *presence.Store { return h.presence }

// Handshakes returns the hub's handshake coordinator.
func (h *Hub) Handshakes() *handshake.Coordinator { return h.handshakes }

// Connect registers conn and sends it a welcome frame.
//
// Precondition: conn.ID() is unique among registered connections.
// Postcondition: Returns an error and registers nothing if the id is taken.
func (h *Hub) Connect(conn Conn) error {
	id := conn.ID()
	h.mu.Lock()
	if _, exists := h.conns[id]; exists {
		h.mu.Unlock()
		return fmt.Errorf("connection %s already registered", id)
	}
	h.conns[id] = conn
	n := len(h.conns)
	h.mu.Unlock()

	h.logger.Info("connection registered", zap.String("conn_id", id), zap.Int("connections", n))
	h.sendTo(id, protocol.TypeWelcome, "", protocol.Welcome{ConnectionID: id, TickHz: h.tickHz()})
	return nil
}

// Connected reports whether connID is registered.
func (h *Hub) Connected(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[connID]
	return ok
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ConnectionIDs returns the registered connection ids in sorted order.
func (h *Hub) ConnectionIDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Disconnect removes connID from the hub. Its presence is removed and every
// pending handshake it participates in is cancelled before the call returns.
// It is used when the transport observes the peer going away.
//
// Postcondition: Returns false if connID was not registered.
func (h *Hub) Disconnect(connID, reason string) bool {
	conn, ok := h.unregister(connID)
	if !ok {
		return false
	}
	h.cleanup(connID, reason)
	if err := conn.Close(); err != nil {
		h.logger.Debug("closing connection", zap.String("conn_id", connID), zap.Error(err))
	}
	return true
}

// Kick disconnects connID on the server's initiative, sending a disconnectNotice first.
//
// Postcondition: Returns false if connID was not registered.
func (h *Hub) Kick(connID, reason string) bool {
	conn, ok := h.unregister(connID)
	if !ok {
		return false
	}
	h.cleanup(connID, reason)
	if frame, err := encodeFrame(protocol.TypeDisconnectNotice, "", protocol.DisconnectNotice{Reason: reason}); err == nil {
		if err := conn.Send(frame); err != nil {
			h.logger.Debug("sending disconnect notice", zap.String("conn_id", connID), zap.Error(err))
		}
	}
	if err := conn.Close(); err != nil {
		h.logger.Debug("closing connection", zap.String("conn_id", connID), zap.Error(err))
	}
	return true
}

// KickAll disconnects every registered connection with reason.
//
// Postcondition: Returns the number of connections kicked.
func (h *Hub) KickAll(reason string) int {
	n := 0
	for _, id := range h.ConnectionIDs() {
		if h.Kick(id, reason) {
			n++
		}
	}
	return n
}

func (h *Hub) unregister(connID string) (Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
	}
	return conn, ok
}

// cleanup removes presence before cancelling sessions so the next snapshot never
// shows a player whose handshakes were torn down.
func (h *Hub) cleanup(connID, reason string) {
	h.presence.Remove(connID)
	cancelled := h.handshakes.CancelAllFor(connID)
	h.logger.Info("connection removed",
		zap.String("conn_id", connID),
		zap.String("reason", reason),
		zap.Int("handshakes_cancelled", cancelled),
	)
}

// Broadcast sends frame to every registered connection. A failure on one
// connection does not affect delivery to the others. Connections whose outbox
// is full are kicked once the frame has gone out to everyone else.
//
// Postcondition: Returns the number of successful and failed sends.
func (h *Hub) Broadcast(frame []byte) (sent, failed int) {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var slow []string
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			failed++
			h.logger.Debug("broadcast send failed", zap.String("conn_id", c.ID()), zap.Error(err))
			if errors.Is(err, ErrOutboxFull) {
				slow = append(slow, c.ID())
			}
			continue
		}
		sent++
	}
	for _, id := range slow {
		if h.Kick(id, ReasonSlowConsumer) {
			h.logger.Warn("slow consumer kicked", zap.String("conn_id", id))
		}
	}
	return sent, failed
}

// Notify implements handshake.Notifier by translating coordinator events into frames.
func (h *Hub) Notify(n handshake.Notification) {
	s := n.Session
	switch n.Event {
	case handshake.EventReceived:
		h.sendTo(n.To, protocol.TypeChallengeReceived, "", protocol.ChallengeReceived{
			InitiatorConnectionID: s.InitiatorConnID,
			InitiatorIdentityRef:  s.InitiatorIdentityRef,
			SessionID:             s.ID,
			Kind:                  s.Kind,
		})
	case handshake.EventAccepted:
		h.sendTo(n.To, protocol.TypeChallengeAccepted, "", protocol.ChallengeAccepted{
			ResponderConnectionID: s.ResponderConnID,
			ResponderIdentityRef:  s.ResponderIdentityRef,
			SessionID:             s.ID,
			Kind:                  s.Kind,
		})
	case handshake.EventCancelled, handshake.EventTimedOut:
		h.sendTo(n.To, protocol.TypeChallengeCancelled, "", protocol.ChallengeCancelled{
			SessionID: s.ID,
			Reason:    string(n.Reason),
		})
	}
}

// Handle dispatches one inbound frame from connID.
//
// Postcondition: Frames from unregistered connections are dropped. Failures are
// reported to connID only, as an error frame or a chat ack.
func (h *Hub) Handle(ctx context.Context, connID string, env protocol.Envelope) {
	if !h.Connected(connID) {
		h.logger.Debug("frame from unregistered connection", zap.String("conn_id", connID), zap.String("type", string(env.Type)))
		return
	}
	handler, ok := h.routes[env.Type]
	if !ok {
		h.replyError(connID, env.RequestID, "", fmt.Errorf("%w: %q", ErrUnknownType, env.Type))
		return
	}
	if err := handler(ctx, connID, env); err != nil {
		h.replyError(connID, env.RequestID, sessionIDOf(env), err)
	}
}

// sendTo encodes and queues one frame for connID, logging failures.
func (h *Hub) sendTo(connID string, t protocol.Type, requestID string, payload any) bool {
	h.mu.RLock()
	conn, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		h.logger.Debug("dropping frame for unknown connection", zap.String("conn_id", connID), zap.String("type", string(t)))
		return false
	}
	frame, err := encodeFrame(t, requestID, payload)
	if err != nil {
		h.logger.Error("encoding frame", zap.String("type", string(t)), zap.Error(err))
		return false
	}
	if err := conn.Send(frame); err != nil {
		h.logger.Warn("send failed", zap.String("conn_id", connID), zap.String("type", string(t)), zap.Error(err))
		return false
	}
	return true
}

// broadcastFrame encodes payload once and sends it to every connection.
func (h *Hub) broadcastFrame(t protocol.Type, payload any) {
	frame, err := encodeFrame(t, "", payload)
	if err != nil {
		h.logger.Error("encoding frame", zap.String("type", string(t)), zap.Error(err))
		return
	}
	h.Broadcast(frame)
}

func (h *Hub) replyError(connID, requestID, sessionID string, err error) {
	code := errorCode(err)
	if code == CodeInternal {
		h.logger.Error("handling frame", zap.String("conn_id", connID), zap.Error(err))
	} else {
		h.logger.Debug("rejecting frame", zap.String("conn_id", connID), zap.String("code", code), zap.Error(err))
	}
	h.sendTo(connID, protocol.TypeError, requestID, protocol.Error{
		Code:      code,
		Message:   err.Error(),
		SessionID: sessionID,
	})
}

func (h *Hub) tickHz() int {
	if h.cfg.TickInterval <= 0 {
		return 0
	}
	return int(time.Second / h.cfg.TickInterval)
}

func encodeFrame(t protocol.Type, requestID string, payload any) ([]byte, error) {
	env, err := protocol.Encode(t, requestID, payload)
	if err != nil {
		return nil, err
	}
	return protocol.Marshal(env)
}

// sessionIDOf extracts a session id from handshake frames so error replies can name it.
func sessionIDOf(env protocol.Envelope) string {
	switch env.Type {
	case protocol.TypeChallengeSend, protocol.TypeChallengeAccept, protocol.TypeChallengeCancel:
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := env.Decode(&p); err == nil {
			return p.SessionID
		}
	}
	return ""
}
