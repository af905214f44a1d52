package handshake

import "errors"

// Referential and validation errors returned to the calling connection only.
var (
	ErrUnknownResponder = errors.New("unknown responder")
	ErrNoSuchSession    = errors.New("no such session")
	ErrNotResponder     = errors.New("caller is not the session responder")
	ErrInvalidState     = errors.New("session is not pending")
	ErrAlreadyPending   = errors.New("a session between these players is already pending")
	ErrDuplicateSession = errors.New("session id already in use")
	ErrUnknownKind      = errors.New("unknown handshake kind")
	ErrRequirementUnmet = errors.New("handshake requirement not met")
	ErrInvalidRequest   = errors.New("invalid handshake request")
)
