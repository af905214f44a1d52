// Package client is the headless game client: it pumps server frames into the
// remote-entity reconciler and the interaction client, and exposes the calls a
// game loop makes to report local state.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/overworld/internal/client/interaction"
	"github.com/cory-johannsen/overworld/internal/client/reconciler"
	"github.com/cory-johannsen/overworld/internal/game/chat"
	"github.com/cory-johannsen/overworld/internal/game/handshake"
	"github.com/cory-johannsen/overworld/internal/game/inventory"
	"github.com/cory-johannsen/overworld/internal/game/presence"
	"github.com/cory-johannsen/overworld/internal/protocol"
)

// ReasonTransportClosed is passed to OnIdle when the connection drops without a notice.
const ReasonTransportClosed = "connection closed"

// State is the session's connection state.
type State int

const (
	// StateConnecting means no welcome has arrived yet.
	StateConnecting State = iota
	// StateOnline means the server has assigned a connection id.
	StateOnline
	// StateIdle means the server disconnected the session; the game returns to its menu.
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateIdle:
		return "idle"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Transport is a framed, bidirectional channel to the server.
type Transport interface {
	Send(env protocol.Envelope) error
	// Recv blocks for the next frame and returns io.EOF once the server closes.
	Recv() (protocol.Envelope, error)
	Close() error
}

// Config wires a Session.
type Config struct {
	Scene       reconciler.Scene
	Loader      reconciler.AssetLoader
	UI          interaction.UI
	Launcher    interaction.Launcher
	Inventory   inventory.Source
	IdentityRef string
	// Catalog defaults to handshake.DefaultCatalog.
	Catalog *handshake.Catalog
	// OnIdle is called once when the session leaves the online state.
	OnIdle func(reason string)
	// OnChat is called for each chat message, including history replay.
	OnChat func(msg chat.Message)
	// OnInteraction is called for relayed interactionRequest frames.
	OnInteraction func(msg protocol.InteractionReceived)
}

// Session is one client's connection to the overworld server.
type Session struct {
	transport Transport
	cfg       Config
	logger    *zap.Logger
	interact  *interaction.Client

	mu     sync.Mutex
	recon  *reconciler.Reconciler
	connID string
	mapID  string
	state  State
	tick   uint64
	tickHz int
}

// NewSession creates a Session over transport.
//
// Precondition: transport, cfg.Scene, cfg.Loader, cfg.UI, cfg.Launcher, and logger must be non-nil.
func NewSession(transport Transport, cfg Config, logger *zap.Logger) *Session {
	if cfg.Catalog == nil {
		cfg.Catalog = handshake.DefaultCatalog()
	}
	s := &Session{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		recon:     reconciler.New(cfg.Scene, cfg.Loader, logger.Named("reconciler")),
	}
	s.interact = interaction.New(interaction.Config{
		Sender:      transport,
		UI:          cfg.UI,
		Launcher:    cfg.Launcher,
		Inventory:   cfg.Inventory,
		IdentityRef: cfg.IdentityRef,
		Catalog:     cfg.Catalog,
		Locate:      s.Position,
	}, logger.Named("interaction"))
	return s
}

// Interaction returns the session's interaction client.
func (s *Session) Interaction() *interaction.Client { return s.interact }

// ConnectionID returns the id assigned by the server, or "" before welcome.
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastTick returns the sequence number of the last applied snapshot.
func (s *Session) LastTick() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// Run pumps frames until the server disconnects, the transport fails, or ctx is done.
//
// Postcondition: Returns nil when the server ends the session (notice or clean
// close), ctx.Err() on cancellation, or the transport error. The session is idle
// and every remote entity and prompt is torn down in all cases.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.transport.Close() })
	defer stop()

	for {
		env, err := s.transport.Recv()
		if err != nil {
			if ctx.Err() != nil {
				s.goIdle("client stopped")
				return ctx.Err()
			}
			s.goIdle(ReasonTransportClosed)
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("receiving frame: %w", err)
		}
		if done := s.dispatch(env); done {
			_ = s.transport.Close()
			return nil
		}
	}
}

// dispatch applies one frame and reports whether the session has ended.
func (s *Session) dispatch(env protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeWelcome:
		var w protocol.Welcome
		if s.decode(env, &w) {
			s.mu.Lock()
			s.connID = w.ConnectionID
			s.tickHz = w.TickHz
			s.state = StateOnline
			s.recon.SetLocal(w.ConnectionID, s.mapID)
			s.mu.Unlock()
			s.logger.Info("connected", zap.String("conn_id", w.ConnectionID), zap.Int("tick_hz", w.TickHz))
		}
	case protocol.TypePresenceSnapshot:
		var snap protocol.PresenceSnapshot
		if s.decode(env, &snap) {
			s.mu.Lock()
			s.tick = snap.Tick
			s.recon.ApplySnapshot(snap.Presences)
			s.mapID = s.recon.LocalMap()
			s.mu.Unlock()
		}
	case protocol.TypeAppearanceChanged:
		var a protocol.AppearanceChanged
		if s.decode(env, &a) {
			s.mu.Lock()
			s.recon.ApplyAppearance(a.ConnectionID, a.AppearanceRef)
			s.mu.Unlock()
		}
	case protocol.TypeChallengeReceived:
		var m protocol.ChallengeReceived
		if s.decode(env, &m) {
			s.interact.HandleReceived(m)
		}
	case protocol.TypeChallengeAccepted:
		var m protocol.ChallengeAccepted
		if s.decode(env, &m) {
			s.interact.HandleAccepted(m)
		}
	case protocol.TypeChallengeCancelled:
		var m protocol.ChallengeCancelled
		if s.decode(env, &m) {
			s.interact.HandleCancelled(m)
		}
	case protocol.TypeError:
		var m protocol.Error
		if s.decode(env, &m) {
			s.logger.Debug("server rejected request", zap.String("code", m.Code), zap.String("message", m.Message))
			s.interact.HandleError(m)
		}
	case protocol.TypeChatHistory:
		var h protocol.ChatHistory
		if s.decode(env, &h) && s.cfg.OnChat != nil {
			for _, m := range h.Messages {
				s.cfg.OnChat(m)
			}
		}
	case protocol.TypeChatMessage:
		var m chat.Message
		if s.decode(env, &m) && s.cfg.OnChat != nil {
			s.cfg.OnChat(m)
		}
	case protocol.TypeChatAck:
		var a protocol.ChatAck
		if s.decode(env, &a) && a.Status == protocol.StatusError {
			s.cfg.UI.Toast(a.Reason)
		}
	case protocol.TypeInteractionReceived:
		var m protocol.InteractionReceived
		if s.decode(env, &m) && s.cfg.OnInteraction != nil {
			s.cfg.OnInteraction(m)
		}
	case protocol.TypeDisconnectNotice:
		var n protocol.DisconnectNotice
		_ = env.Decode(&n)
		s.goIdle(n.Reason)
		return true
	default:
		s.logger.Debug("ignoring frame", zap.String("type", string(env.Type)))
	}
	return false
}

func (s *Session) decode(env protocol.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		s.logger.Warn("dropping malformed frame", zap.String("type", string(env.Type)), zap.Error(err))
		return false
	}
	return true
}

// goIdle tears down every remote entity and prompt and reports the reason once.
func (s *Session) goIdle(reason string) {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	s.recon.Teardown()
	s.mu.Unlock()

	s.interact.Teardown()
	s.logger.Info("session idle", zap.String("reason", reason))
	if s.cfg.OnIdle != nil {
		s.cfg.OnIdle(reason)
	}
}

// Frame advances remote-entity interpolation by one step. Call once per rendered frame.
func (s *Session) Frame() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recon.Frame()
}

// Position returns the rendered position of a remote player.
func (s *Session) Position(connID string) (presence.Vec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recon.Position(connID)
}

// RemoteIDs returns the connection ids currently rendered on the local map.
func (s *Session) RemoteIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recon.IDs()
}

// Nudge applies the contact rule for the remote players touching the local one.
func (s *Session) Nudge(local presence.Vec, touching []string) presence.Vec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recon.NudgeLocal(local, touching)
}

// JoinParams is the initial local state announced by Join.
type JoinParams struct {
	Position      presence.Vec
	AppearanceRef string
	DisplayName   string
	MapID         string
}

// Join announces the local player on a map.
func (s *Session) Join(p JoinParams) error {
	s.mu.Lock()
	s.mapID = p.MapID
	s.recon.SetLocal(s.connID, p.MapID)
	s.mu.Unlock()
	return s.send(protocol.TypeJoin, protocol.Join{
		Position:      p.Position,
		AppearanceRef: p.AppearanceRef,
		DisplayName:   p.DisplayName,
		MapID:         p.MapID,
		IdentityRef:   s.cfg.IdentityRef,
	})
}

// Move reports the local position; animationState "" means idle.
func (s *Session) Move(pos presence.Vec, animationState string) error {
	return s.send(protocol.TypeMove, protocol.Move{Position: pos, AnimationState: animationState})
}

// SetAppearance asks the server to change the local player's appearance.
func (s *Session) SetAppearance(ref string) error {
	return s.send(protocol.TypeSetAppearance, protocol.SetAppearance{AppearanceRef: ref})
}

// SetDisplayName asks the server to rename the local player.
func (s *Session) SetDisplayName(name string) error {
	return s.send(protocol.TypeSetDisplayName, protocol.SetDisplayName{DisplayName: name})
}

// LeaveMap removes the local player from its map and clears every remote entity.
func (s *Session) LeaveMap() error {
	s.mu.Lock()
	s.mapID = ""
	s.recon.SetLocal(s.connID, "")
	s.recon.Teardown()
	s.mu.Unlock()
	return s.send(protocol.TypeLeaveMap, nil)
}

// Chat sends a chat line to every connected player.
func (s *Session) Chat(text string) error {
	return s.send(protocol.TypeChat, protocol.Chat{Text: text})
}

// Interact relays a lightweight interaction to another player.
func (s *Session) Interact(targetConnID, kind string) error {
	return s.send(protocol.TypeInteractionRequest, protocol.InteractionRequest{TargetConnectionID: targetConnID, Kind: kind})
}

// Challenge starts a handshake with another player. See interaction.Client.Challenge.
func (s *Session) Challenge(ctx context.Context, responderConnID, responderIdentityRef, kind string) (string, error) {
	return s.interact.Challenge(ctx, responderConnID, responderIdentityRef, kind)
}

// Respond answers an open prompt.
func (s *Session) Respond(sessionID string, accept bool) error {
	return s.interact.Respond(sessionID, accept)
}

// Close ends the session from the client side.
func (s *Session) Close() error {
	return s.transport.Close()
}

func (s *Session) send(t protocol.Type, payload any) error {
	env, err := protocol.Encode(t, "", payload)
	if err != nil {
		return err
	}
	if err := s.transport.Send(env); err != nil {
		return fmt.Errorf("sending %s: %w", t, err)
	}
	return nil
}
