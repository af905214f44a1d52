package gameserver

import (
	"errors"

	"github.com/cory-johannsen/overworld/internal/game/handshake"
	"github.com/cory-johannsen/overworld/internal/protocol"
)

// Stable error codes carried by protocol.Error frames.
const (
	CodeUnknownResponder = protocol.CodeUnknownResponder
	CodeNoSuchSession    = protocol.CodeNoSuchSession
	CodeNotResponder     = protocol.CodeNotResponder
	CodeInvalidState     = protocol.CodeInvalidState
	CodeAlreadyPending   = protocol.CodeAlreadyPending
	CodeUnknownKind      = protocol.CodeUnknownKind
	CodeRequirementUnmet = protocol.CodeRequirementUnmet
	CodeInvalidPayload   = protocol.CodeInvalidPayload
	CodeUnknownType      = protocol.CodeUnknownType
	CodeNotJoined        = protocol.CodeNotJoined
	CodeInternal         = protocol.CodeInternal
)

var (
	// ErrNotJoined is returned for presence messages sent before join.
	ErrNotJoined = errors.New("connection has not joined")
	// ErrUnknownType is returned for frames with an unrecognised type.
	ErrUnknownType = errors.New("unknown message type")
	// ErrInvalidPayload is returned for frames whose payload cannot be decoded or is incomplete.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrUnknownTarget is returned when an interaction names a connection that does not exist.
	ErrUnknownTarget = errors.New("unknown interaction target")
)

// errorCode classifies err into a wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, handshake.ErrUnknownResponder), errors.Is(err, ErrUnknownTarget):
		return CodeUnknownResponder
	case errors.Is(err, handshake.ErrNoSuchSession):
		return CodeNoSuchSession
	case errors.Is(err, handshake.ErrNotResponder):
		return CodeNotResponder
	case errors.Is(err, handshake.ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, handshake.ErrAlreadyPending):
		return CodeAlreadyPending
	case errors.Is(err, handshake.ErrUnknownKind):
		return CodeUnknownKind
	case errors.Is(err, handshake.ErrRequirementUnmet):
		return CodeRequirementUnmet
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, handshake.ErrInvalidRequest),
		errors.Is(err, handshake.ErrDuplicateSession):
		return CodeInvalidPayload
	case errors.Is(err, ErrUnknownType):
		return CodeUnknownType
	case errors.Is(err, ErrNotJoined):
		return CodeNotJoined
	default:
		return CodeInternal
	}
}
