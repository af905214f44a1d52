// Package interaction drives the local side of handshakes: sending challenges,
// showing prompts for inbound ones, and handing resolved sessions to a launcher.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/overworld/internal/game/handshake"
	"github.com/cory-johannsen/overworld/internal/game/inventory"
	"github.com/cory-johannsen/overworld/internal/game/presence"
	"github.com/cory-johannsen/overworld/internal/protocol"
)

// ErrNoPrompt is returned by Respond when no prompt is open for the session.
var ErrNoPrompt = errors.New("no open prompt for session")

// Role is the local player's side of a launched session.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Sender delivers frames to the server.
type Sender interface {
	Send(env protocol.Envelope) error
}

// Prompt is an inbound challenge waiting for the local player's answer.
type Prompt struct {
	SessionID            string
	Kind                 string
	Label                string
	InitiatorConnID      string
	InitiatorIdentityRef string
	// Anchor is the challenger's last rendered position; zero if unknown.
	Anchor presence.Vec
}

// UI renders prompts and short-lived messages.
type UI interface {
	ShowPrompt(p Prompt)
	HidePrompt(sessionID string)
	Toast(message string)
}

// Match describes an accepted session handed to a game launch point.
type Match struct {
	SessionID           string
	Kind                string
	Role                Role
	OpponentConnID      string
	OpponentIdentityRef string
}

// Launcher starts the game for an accepted session.
type Launcher interface {
	Launch(m Match)
}

// Locator returns the rendered position of a remote player.
type Locator func(connID string) (presence.Vec, bool)

// Config wires a Client.
type Config struct {
	Sender   Sender
	UI       UI
	Launcher Launcher
	// Inventory supplies the local identity's holdings for requirement checks.
	Inventory   inventory.Source
	IdentityRef string
	Catalog     *handshake.Catalog
	Locate      Locator
	// NewSessionID mints session ids; defaults to uuid.NewString.
	NewSessionID func() string
}

type outgoing struct {
	responderConnID      string
	responderIdentityRef string
	kind                 string
}

// Client is safe for concurrent use. UI, Launcher, and Sender callbacks are
// invoked without holding the client's lock.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	outgoing map[string]outgoing
	prompts  map[string]Prompt
	// accepting holds answered prompts until the server confirms the accept.
	accepting map[string]Prompt
}

// New creates a Client.
//
// Precondition: cfg.Sender, cfg.UI, cfg.Launcher, cfg.Catalog, and logger must be non-nil.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = uuid.NewString
	}
	if cfg.Locate == nil {
		cfg.Locate = func(string) (presence.Vec, bool) { return presence.Vec{}, false }
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		outgoing:  make(map[string]outgoing),
		prompts:   make(map[string]Prompt),
		accepting: make(map[string]Prompt),
	}
}

// Challenge checks the kind's requirement locally and sends a challenge.
//
// Postcondition: On a failed precondition nothing is sent, a toast explains why,
// and the returned error wraps handshake.ErrRequirementUnmet or ErrUnknownKind.
// On success returns the new session id.
func (c *Client) Challenge(ctx context.Context, responderConnID, responderIdentityRef, kindID string) (string, error) {
	kind, ok := c.cfg.Catalog.Lookup(kindID)
	if !ok {
		c.cfg.UI.Toast(fmt.Sprintf("Unknown challenge %q.", kindID))
		return "", fmt.Errorf("%w: %q", handshake.ErrUnknownKind, kindID)
	}
	if err := c.checkRequirement(ctx, kind); err != nil {
		return "", err
	}

	id := c.cfg.NewSessionID()
	c.mu.Lock()
	c.outgoing[id] = outgoing{responderConnID: responderConnID, responderIdentityRef: responderIdentityRef, kind: kind.ID}
	c.mu.Unlock()

	err := c.send(protocol.TypeChallengeSend, protocol.ChallengeSend{
		SessionID:             id,
		ResponderConnectionID: responderConnID,
		InitiatorIdentityRef:  c.cfg.IdentityRef,
		ResponderIdentityRef:  responderIdentityRef,
		Kind:                  kind.ID,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.outgoing, id)
		c.mu.Unlock()
		return "", err
	}
	c.logger.Info("challenge sent",
		zap.String("session_id", id),
		zap.String("kind", kind.ID),
		zap.String("responder", responderConnID),
	)
	return id, nil
}

func (c *Client) checkRequirement(ctx context.Context, kind handshake.Kind) error {
	req := kind.Requires
	if req.IsZero() {
		return nil
	}
	held := 0
	if c.cfg.Inventory != nil {
		met, n, err := req.Check(ctx, c.cfg.Inventory, c.cfg.IdentityRef)
		if err != nil {
			c.cfg.UI.Toast("Could not check your inventory. Try again.")
			return err
		}
		if met {
			return nil
		}
		held = n
	}
	c.cfg.UI.Toast(fmt.Sprintf("You need at least %d %s to start a %s.", req.Min, req.Resource, kind.Label))
	return fmt.Errorf("%w: %s needs %d %s, holding %d", handshake.ErrRequirementUnmet, kind.ID, req.Min, req.Resource, held)
}

// CancelOutgoing withdraws a challenge this client sent.
//
// Postcondition: Returns false without sending if the session is not outstanding.
func (c *Client) CancelOutgoing(sessionID string) (bool, error) {
	c.mu.Lock()
	_, ok := c.outgoing[sessionID]
	delete(c.outgoing, sessionID)
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, c.send(protocol.TypeChallengeCancel, protocol.ChallengeCancel{SessionID: sessionID})
}

// HandleReceived opens a prompt anchored at the challenger's position.
func (c *Client) HandleReceived(msg protocol.ChallengeReceived) {
	label := msg.Kind
	if k, ok := c.cfg.Catalog.Lookup(msg.Kind); ok {
		label = k.Label
	}
	anchor, _ := c.cfg.Locate(msg.InitiatorConnectionID)
	p := Prompt{
		SessionID:            msg.SessionID,
		Kind:                 msg.Kind,
		Label:                label,
		InitiatorConnID:      msg.InitiatorConnectionID,
		InitiatorIdentityRef: msg.InitiatorIdentityRef,
		Anchor:               anchor,
	}
	c.mu.Lock()
	_, dup := c.prompts[p.SessionID]
	c.prompts[p.SessionID] = p
	c.mu.Unlock()
	if dup {
		return
	}
	c.cfg.UI.ShowPrompt(p)
}

// Respond answers an open prompt. Only the first answer per session is sent.
//
// Postcondition: The prompt is closed. Accepting sends challengeAccept; the
// match launches only once the server confirms it with challengeAccepted.
// Refusing sends challengeCancel with reason "refused".
func (c *Client) Respond(sessionID string, accept bool) error {
	c.mu.Lock()
	p, ok := c.prompts[sessionID]
	delete(c.prompts, sessionID)
	if ok && accept {
		c.accepting[sessionID] = p
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPrompt, sessionID)
	}
	c.cfg.UI.HidePrompt(sessionID)

	if !accept {
		return c.send(protocol.TypeChallengeCancel, protocol.ChallengeCancel{
			SessionID: sessionID,
			Reason:    string(handshake.ReasonRefused),
		})
	}
	if err := c.send(protocol.TypeChallengeAccept, protocol.ChallengeAccept{SessionID: sessionID}); err != nil {
		c.mu.Lock()
		delete(c.accepting, sessionID)
		c.mu.Unlock()
		return err
	}
	return nil
}

// HandleAccepted launches the match once the server has resolved the session:
// as initiator for an outstanding challenge, or as responder for an answered prompt.
func (c *Client) HandleAccepted(msg protocol.ChallengeAccepted) {
	c.mu.Lock()
	out, initiated := c.outgoing[msg.SessionID]
	delete(c.outgoing, msg.SessionID)
	p, answered := c.accepting[msg.SessionID]
	delete(c.accepting, msg.SessionID)
	c.mu.Unlock()

	if answered {
		c.cfg.Launcher.Launch(Match{
			SessionID:           msg.SessionID,
			Kind:                p.Kind,
			Role:                RoleResponder,
			OpponentConnID:      p.InitiatorConnID,
			OpponentIdentityRef: p.InitiatorIdentityRef,
		})
		return
	}
	if !initiated {
		c.logger.Warn("accept for unknown challenge", zap.String("session_id", msg.SessionID))
		return
	}
	kind := msg.Kind
	if kind == "" {
		kind = out.kind
	}
	c.cfg.Launcher.Launch(Match{
		SessionID:           msg.SessionID,
		Kind:                kind,
		Role:                RoleInitiator,
		OpponentConnID:      msg.ResponderConnectionID,
		OpponentIdentityRef: msg.ResponderIdentityRef,
	})
}

// HandleCancelled closes any prompt, pending accept, or outstanding challenge
// for the session. A cancelled session never launches.
func (c *Client) HandleCancelled(msg protocol.ChallengeCancelled) {
	c.mu.Lock()
	_, prompt := c.prompts[msg.SessionID]
	delete(c.prompts, msg.SessionID)
	_, answered := c.accepting[msg.SessionID]
	delete(c.accepting, msg.SessionID)
	_, out := c.outgoing[msg.SessionID]
	delete(c.outgoing, msg.SessionID)
	c.mu.Unlock()

	if prompt {
		c.cfg.UI.HidePrompt(msg.SessionID)
	}
	if prompt || answered || out {
		c.cfg.UI.Toast(cancelMessage(handshake.Reason(msg.Reason), out))
	}
}

// HandleError surfaces a server rejection and drops any state for its session.
func (c *Client) HandleError(msg protocol.Error) {
	if msg.SessionID != "" {
		c.mu.Lock()
		_, prompt := c.prompts[msg.SessionID]
		delete(c.prompts, msg.SessionID)
		delete(c.accepting, msg.SessionID)
		delete(c.outgoing, msg.SessionID)
		c.mu.Unlock()
		if prompt {
			c.cfg.UI.HidePrompt(msg.SessionID)
		}
	}
	c.cfg.UI.Toast(errorMessage(msg))
}

// Teardown closes every prompt and forgets outstanding challenges and pending accepts.
func (c *Client) Teardown() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.prompts))
	for id := range c.prompts {
		ids = append(ids, id)
	}
	c.prompts = make(map[string]Prompt)
	c.accepting = make(map[string]Prompt)
	c.outgoing = make(map[string]outgoing)
	c.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		c.cfg.UI.HidePrompt(id)
	}
}

// Prompts returns the open prompts ordered by session id.
func (c *Client) Prompts() []Prompt {
	c.mu.Lock()
	out := make([]Prompt, 0, len(c.prompts))
	for _, p := range c.prompts {
		out = append(out, p)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Outstanding returns the number of sent challenges awaiting an answer.
func (c *Client) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outgoing)
}

// Accepting returns the number of accepted prompts awaiting the server's confirmation.
func (c *Client) Accepting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.accepting)
}

func (c *Client) send(t protocol.Type, payload any) error {
	env, err := protocol.Encode(t, "", payload)
	if err != nil {
		return err
	}
	if err := c.cfg.Sender.Send(env); err != nil {
		return fmt.Errorf("sending %s: %w", t, err)
	}
	return nil
}

func cancelMessage(reason handshake.Reason, initiator bool) string {
	switch reason {
	case handshake.ReasonRefused:
		if initiator {
			return "Your challenge was refused."
		}
		return "Challenge refused."
	case handshake.ReasonTimeout:
		return "No answer. The challenge expired."
	case handshake.ReasonDisconnected:
		return "The other player left."
	default:
		return "The challenge was cancelled."
	}
}

func errorMessage(msg protocol.Error) string {
	switch msg.Code {
	case protocol.CodeUnknownResponder:
		return "That player is no longer here."
	case protocol.CodeAlreadyPending:
		return "You already have a challenge open with that player."
	case protocol.CodeRequirementUnmet:
		return "You don't meet the requirements for that challenge."
	case protocol.CodeInvalidState, protocol.CodeNoSuchSession:
		return "That challenge is no longer open."
	}
	if msg.Message != "" {
		return msg.Message
	}
	return "Something went wrong."
}
