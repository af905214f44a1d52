package gameserver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/overworld/internal/game/chat"
	"github.com/cory-johannsen/overworld/internal/game/handshake"
	"github.com/cory-johannsen/overworld/internal/game/presence"
	"github.com/cory-johannsen/overworld/internal/protocol"
)

type handlerFunc func(ctx context.Context, connID string, env protocol.Envelope) error

func (h *Hub) handlers() map[protocol.Type]handlerFunc {
	return map[protocol.Type]handlerFunc{
		protocol.TypeJoin:               h.handleJoin,
		protocol.TypeMove:               h.handleMove,
		protocol.TypeSetAppearance:      h.handleSetAppearance,
		protocol.TypeSetDisplayName:     h.handleSetDisplayName,
		protocol.TypeLeaveMap:           h.handleLeaveMap,
		protocol.TypeInteractionRequest: h.handleInteraction,
		protocol.TypeChat:               h.handleChat,
		protocol.TypeChallengeSend:      h.handleChallengeSend,
		protocol.TypeChallengeAccept:    h.handleChallengeAccept,
		protocol.TypeChallengeCancel:    h.handleChallengeCancel,
	}
}

func decodePayload(env protocol.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// handleJoin upserts the sender's presence and replays the chat history to it.
func (h *Hub) handleJoin(_ context.Context, connID string, env protocol.Envelope) error {
	var p protocol.Join
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.MapID == "" {
		return fmt.Errorf("%w: join requires mapId", ErrInvalidPayload)
	}
	pr := h.presence.UpsertOnJoin(connID, presence.Join{
		Position:      p.Position,
		AppearanceRef: p.AppearanceRef,
		DisplayName:   p.DisplayName,
		MapID:         p.MapID,
		IdentityRef:   p.IdentityRef,
	})
	h.logger.Info("player joined",
		zap.String("conn_id", connID),
		zap.String("map_id", pr.MapID),
		zap.String("display_name", pr.DisplayName),
	)
	h.sendTo(connID, protocol.TypeChatHistory, env.RequestID, protocol.ChatHistory{Messages: h.chat.History()})
	return nil
}

// handleMove is silently dropped for connections that have not joined.
func (h *Hub) handleMove(_ context.Context, connID string, env protocol.Envelope) error {
	var p protocol.Move
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if !h.presence.ApplyMove(connID, presence.Move{Position: p.Position, AnimationState: p.AnimationState}) {
		h.logger.Debug("move before join dropped", zap.String("conn_id", connID))
	}
	return nil
}

func (h *Hub) handleSetAppearance(_ context.Context, connID string, env protocol.Envelope) error {
	var p protocol.SetAppearance
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.AppearanceRef == "" {
		return fmt.Errorf("%w: appearanceRef is required", ErrInvalidPayload)
	}
	if !h.presence.ApplyAppearance(connID, p.AppearanceRef) {
		return ErrNotJoined
	}
	h.broadcastFrame(protocol.TypeAppearanceChanged, protocol.AppearanceChanged{
		ConnectionID:  connID,
		AppearanceRef: p.AppearanceRef,
	})
	return nil
}

func (h *Hub) handleSetDisplayName(_ context.Context, connID string, env protocol.Envelope) error {
	var p protocol.SetDisplayName
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if !h.presence.ApplyDisplayName(connID, p.DisplayName) {
		return ErrNotJoined
	}
	return nil
}

// handleLeaveMap removes the sender's presence; the connection stays open.
func (h *Hub) handleLeaveMap(_ context.Context, connID string, _ protocol.Envelope) error {
	if h.presence.Remove(connID) {
		h.logger.Info("player left map", zap.String("conn_id", connID))
	}
	return nil
}

// handleInteraction relays to the target with role receiver and echoes to the
// sender with role emitter.
func (h *Hub) handleInteraction(_ context.Context, connID string, env protocol.Envelope) error {
	var p protocol.InteractionRequest
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.TargetConnectionID == "" || p.Kind == "" {
		return fmt.Errorf("%w: targetConnectionId and kind are required", ErrInvalidPayload)
	}
	if _, joined := h.presence.Get(connID); !joined {
		return ErrNotJoined
	}
	if !h.Connected(p.TargetConnectionID) {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, p.TargetConnectionID)
	}
	msg := protocol.InteractionReceived{From: connID, To: p.TargetConnectionID, Kind: p.Kind}
	msg.Role = protocol.RoleReceiver
	h.sendTo(p.TargetConnectionID, protocol.TypeInteractionReceived, "", msg)
	msg.Role = protocol.RoleEmitter
	h.sendTo(connID, protocol.TypeInteractionReceived, env.RequestID, msg)
	return nil
}

// handleChat answers with a chatAck in every case; validation failures are not broadcast.
func (h *Hub) handleChat(_ context.Context, connID string, env protocol.Envelope) error {
	var p protocol.Chat
	if err := env.Decode(&p); err != nil {
		h.sendTo(connID, protocol.TypeChatAck, env.RequestID, protocol.ChatAck{Status: protocol.StatusError, Reason: "malformed chat payload"})
		return nil
	}
	sender := ""
	if pr, ok := h.presence.Get(connID); ok {
		sender = pr.DisplayName
	}
	msg, err := h.chat.Append(connID, sender, p.Text)
	if err != nil {
		reason := err.Error()
		if !errors.Is(err, chat.ErrEmptyMessage) && !errors.Is(err, chat.ErrMessageTooLong) {
			h.logger.Error("appending chat", zap.String("conn_id", connID), zap.Error(err))
		}
		h.sendTo(connID, protocol.TypeChatAck, env.RequestID, protocol.ChatAck{Status: protocol.StatusError, Reason: reason})
		return nil
	}
	h.broadcastFrame(protocol.TypeChatMessage, msg)
	h.sendTo(connID, protocol.TypeChatAck, env.RequestID, protocol.ChatAck{Status: protocol.StatusOK})
	return nil
}

func (h *Hub) handleChallengeSend(ctx context.Context, connID string, env protocol.Envelope) error {
	var p protocol.ChallengeSend
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	_, err := h.handshakes.Send(ctx, handshake.SendRequest{
		SessionID:            p.SessionID,
		Kind:                 p.Kind,
		InitiatorConnID:      connID,
		ResponderConnID:      p.ResponderConnectionID,
		InitiatorIdentityRef: p.InitiatorIdentityRef,
		ResponderIdentityRef: p.ResponderIdentityRef,
	})
	return err
}

// handleChallengeAccept confirms a successful accept to the responder as well,
// so both sides launch on the same resolution.
func (h *Hub) handleChallengeAccept(_ context.Context, connID string, env protocol.Envelope) error {
	var p protocol.ChallengeAccept
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	sess, err := h.handshakes.Accept(p.SessionID, connID)
	if err != nil {
		return err
	}
	h.sendTo(connID, protocol.TypeChallengeAccepted, env.RequestID, protocol.ChallengeAccepted{
		ResponderConnectionID: sess.ResponderConnID,
		ResponderIdentityRef:  sess.ResponderIdentityRef,
		SessionID:             sess.ID,
		Kind:                  sess.Kind,
	})
	return nil
}

// handleChallengeCancel is a silent no-op for unknown or resolved sessions.
func (h *Hub) handleChallengeCancel(_ context.Context, connID string, env protocol.Envelope) error {
	var p protocol.ChallengeCancel
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	reason := handshake.ReasonCancelled
	if p.Reason == string(handshake.ReasonRefused) {
		reason = handshake.ReasonRefused
	}
	h.handshakes.Cancel(p.SessionID, connID, reason)
	return nil
}
