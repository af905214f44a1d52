// Package protocol defines the JSON frames exchanged between game clients and the
// overworld server.
package protocol

import (
	"github.com/cory-johannsen/overworld/internal/game/chat"
	"github.com/cory-johannsen/overworld/internal/game/presence"
)

// Type names a frame.
type Type string

// Client → server frames.
const (
	TypeJoin               Type = "join"
	TypeMove               Type = "move"
	TypeSetAppearance      Type = "setAppearance"
	TypeSetDisplayName     Type = "setDisplayName"
	TypeLeaveMap           Type = "leaveMap"
	TypeInteractionRequest Type = "interactionRequest"
	TypeChat               Type = "chat"
	TypeChallengeSend      Type = "challengeSend"
	TypeChallengeAccept    Type = "challengeAccept"
	TypeChallengeCancel    Type = "challengeCancel"
)

// Server → client frames.
const (
	TypeWelcome             Type = "welcome"
	TypePresenceSnapshot    Type = "presenceSnapshot"
	TypeChatHistory         Type = "chatHistory"
	TypeChatMessage         Type = "chatMessage"
	TypeChatAck             Type = "chatAck"
	TypeAppearanceChanged   Type = "appearanceChanged"
	TypeInteractionReceived Type = "interactionReceived"
	TypeChallengeReceived   Type = "challengeReceived"
	TypeChallengeAccepted   Type = "challengeAccepted"
	TypeChallengeCancelled  Type = "challengeCancelled"
	TypeDisconnectNotice    Type = "disconnectNotice"
	TypeError               Type = "error"
)

// Interaction roles echoed by interactionRequest.
const (
	RoleReceiver = "receiver"
	RoleEmitter  = "emitter"
)

// Error codes carried by Error frames.
const (
	CodeUnknownResponder = "unknown_responder"
	CodeNoSuchSession    = "no_such_session"
	CodeNotResponder     = "not_responder"
	CodeInvalidState     = "invalid_state"
	CodeAlreadyPending   = "already_pending"
	CodeUnknownKind      = "unknown_kind"
	CodeRequirementUnmet = "requirement_unmet"
	CodeInvalidPayload   = "invalid_payload"
	CodeUnknownType      = "unknown_type"
	CodeNotJoined        = "not_joined"
	CodeInternal         = "internal"
)

// Chat acknowledgement statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Join is the first frame a client sends to appear on a map.
type Join struct {
	Position      presence.Vec `json:"position"`
	AppearanceRef string       `json:"appearanceRef"`
	DisplayName   string       `json:"displayName"`
	MapID         string       `json:"mapId"`
	IdentityRef   string       `json:"identityRef,omitempty"`
}

// Move reports the sender's latest position and animation.
type Move struct {
	Position       presence.Vec `json:"position"`
	AnimationState string       `json:"animationState,omitempty"`
}

// SetAppearance changes the sender's visual asset.
type SetAppearance struct {
	AppearanceRef string `json:"appearanceRef"`
}

// SetDisplayName changes the sender's label.
type SetDisplayName struct {
	DisplayName string `json:"displayName"`
}

// InteractionRequest asks the server to relay an interaction to a target.
type InteractionRequest struct {
	TargetConnectionID string `json:"targetConnectionId"`
	Kind               string `json:"kind"`
}

// InteractionReceived is delivered to both ends of an interactionRequest.
type InteractionReceived struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"`
	Role string `json:"role"`
}

// Chat is a chat line from the client.
type Chat struct {
	Text string `json:"text"`
}

// ChatAck answers a chat frame.
type ChatAck struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ChatHistory replays the retained chat log, oldest first.
type ChatHistory struct {
	Messages []chat.Message `json:"messages"`
}

// PresenceSnapshot is broadcast on every tick.
type PresenceSnapshot struct {
	Tick      uint64            `json:"tick"`
	Presences presence.Snapshot `json:"presences"`
}

// AppearanceChanged announces a new appearance to every connection.
type AppearanceChanged struct {
	ConnectionID  string `json:"connectionId"`
	AppearanceRef string `json:"appearanceRef"`
}

// Welcome is sent once when the connection is accepted.
type Welcome struct {
	ConnectionID string `json:"connectionId"`
	TickHz       int    `json:"tickHz"`
}

// ChallengeSend opens a handshake session.
type ChallengeSend struct {
	SessionID             string `json:"sessionId"`
	ResponderConnectionID string `json:"responderConnectionId"`
	InitiatorIdentityRef  string `json:"initiatorIdentityRef"`
	ResponderIdentityRef  string `json:"responderIdentityRef"`
	Kind                  string `json:"kind,omitempty"`
}

// ChallengeReceived is delivered to the responder.
type ChallengeReceived struct {
	InitiatorConnectionID string `json:"initiatorConnectionId"`
	InitiatorIdentityRef  string `json:"initiatorIdentityRef,omitempty"`
	SessionID             string `json:"sessionId"`
	Kind                  string `json:"kind"`
}

// ChallengeAccept is sent by the responder.
type ChallengeAccept struct {
	SessionID string `json:"sessionId"`
}

// ChallengeAccepted is delivered to the initiator.
type ChallengeAccepted struct {
	ResponderConnectionID string `json:"responderConnectionId"`
	ResponderIdentityRef  string `json:"responderIdentityRef"`
	SessionID             string `json:"sessionId"`
	Kind                  string `json:"kind"`
}

// ChallengeCancel is sent by either party; Reason "refused" marks a responder refusal.
type ChallengeCancel struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// ChallengeCancelled reports a cancelled or timed-out session.
type ChallengeCancelled struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// DisconnectNotice forces the client back to an idle state.
type DisconnectNotice struct {
	Reason string `json:"reason"`
}

// Error reports a rejected request to the caller only.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}
