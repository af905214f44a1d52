package handshake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/overworld/internal/game/inventory"
)

// Event identifies what a Notification reports.
type Event int

const (
	// EventReceived tells the responder a session was opened.
	EventReceived Event = iota
	// EventAccepted tells the initiator the responder accepted.
	EventAccepted
	// EventCancelled tells a party the session was cancelled.
	EventCancelled
	// EventTimedOut tells the initiator nobody answered in time.
	EventTimedOut
)

// Notification is one message the coordinator asks to be delivered to a connection.
type Notification struct {
	To      string
	Event   Event
	Session Session
	Reason  Reason
}

// Notifier delivers notifications. It is called without any coordinator lock held.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function into a Notifier.
type NotifierFunc func(n Notification)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notification) { f(n) }

// Directory reports which connections are currently open.
type Directory interface {
	Connected(connID string) bool
}

// DirectoryFunc adapts a function into a Directory.
type DirectoryFunc func(connID string) bool

// Connected calls f(connID).
func (f DirectoryFunc) Connected(connID string) bool { return f(connID) }

// SendRequest opens a session.
type SendRequest struct {
	SessionID            string
	Kind                 string
	InitiatorConnID      string
	ResponderConnID      string
	InitiatorIdentityRef string
	ResponderIdentityRef string
}

// CoordinatorConfig holds optional Coordinator settings.
type CoordinatorConfig struct {
	// DefaultTimeout applies to kinds that declare no timeout. Must be > 0.
	DefaultTimeout time.Duration
	// Inventory, when non-nil, enforces kind requirements on the initiator server-side.
	Inventory inventory.Source
	// TombstoneLimit bounds how many resolved session ids are remembered. Defaults to 1024.
	TombstoneLimit int
}

type pairKey struct{ a, b string }

func newPairKey(x, y string) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

type entry struct {
	session Session
	timer   *time.Timer
}

// Coordinator tracks in-flight sessions and enforces that exactly one of
// accept, cancel, or timeout resolves each of them. At most one pending session
// exists per unordered pair of connections. All methods are safe for concurrent use.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[string]*entry
	pairs    map[pairKey]string
	resolved *tombstones

	catalog   *Catalog
	directory Directory
	notifier  Notifier
	cfg       CoordinatorConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewCoordinator creates a Coordinator.
//
// Precondition: catalog, directory, notifier, and logger must be non-nil; cfg.DefaultTimeout > 0.
// Postcondition: Returns a Coordinator with no sessions.
func NewCoordinator(catalog *Catalog, directory Directory, notifier Notifier, cfg CoordinatorConfig, logger *zap.Logger) *Coordinator {
	if cfg.DefaultTimeout <= 0 {
		panic("handshake.NewCoordinator: DefaultTimeout must be > 0")
	}
	if cfg.TombstoneLimit <= 0 {
		cfg.TombstoneLimit = 1024
	}
	return &Coordinator{
		sessions:  make(map[string]*entry),
		pairs:     make(map[pairKey]string),
		resolved:  newTombstones(cfg.TombstoneLimit),
		catalog:   catalog,
		directory: directory,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Send opens a Pending session and notifies the responder, and only the responder.
//
// Precondition: req.SessionID is unique among live and recently resolved sessions.
// Postcondition: Returns the created session, or one of ErrInvalidRequest, ErrUnknownKind,
// ErrUnknownResponder, ErrRequirementUnmet, ErrDuplicateSession, ErrAlreadyPending.
func (c *Coordinator) Send(ctx context.Context, req SendRequest) (Session, error) {
	if req.SessionID == "" || req.InitiatorConnID == "" || req.ResponderConnID == "" {
		return Session{}, fmt.Errorf("%w: session id and both parties are required", ErrInvalidRequest)
	}
	if req.InitiatorConnID == req.ResponderConnID {
		return Session{}, fmt.Errorf("%w: cannot open a session with yourself", ErrInvalidRequest)
	}
	kind, ok := c.catalog.Lookup(req.Kind)
	if !ok {
		return Session{}, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
	if !c.directory.Connected(req.ResponderConnID) {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownResponder, req.ResponderConnID)
	}
	if c.cfg.Inventory != nil {
		met, held, err := kind.Requires.Check(ctx, c.cfg.Inventory, req.InitiatorIdentityRef)
		if err != nil {
			return Session{}, fmt.Errorf("checking %s requirement: %w", kind.ID, err)
		}
		if !met {
			return Session{}, fmt.Errorf("%w: %s needs %d %s, holding %d",
				ErrRequirementUnmet, kind.Label, kind.Requires.Min, kind.Requires.Resource, held)
		}
	}

	c.mu.Lock()
	if _, live := c.sessions[req.SessionID]; live || c.resolved.has(req.SessionID) {
		c.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrDuplicateSession, req.SessionID)
	}
	pk := newPairKey(req.InitiatorConnID, req.ResponderConnID)
	if existing, busy := c.pairs[pk]; busy {
		c.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrAlreadyPending, existing)
	}

	now := c.now()
	timeout := kind.TimeoutOr(c.cfg.DefaultTimeout)
	sess := Session{
		ID:                   req.SessionID,
		Kind:                 kind.ID,
		InitiatorConnID:      req.InitiatorConnID,
		ResponderConnID:      req.ResponderConnID,
		InitiatorIdentityRef: req.InitiatorIdentityRef,
		ResponderIdentityRef: req.ResponderIdentityRef,
		State:                StatePending,
		CreatedAt:            now,
		Deadline:             now.Add(timeout),
	}
	id := sess.ID
	e := &entry{session: sess}
	e.timer = time.AfterFunc(timeout, func() { c.expire(id) })
	c.sessions[id] = e
	c.pairs[pk] = id
	c.mu.Unlock()

	c.logger.Debug("handshake opened",
		zap.String("session_id", id),
		zap.String("kind", sess.Kind),
		zap.String("initiator", sess.InitiatorConnID),
		zap.String("responder", sess.ResponderConnID),
		zap.Duration("timeout", timeout),
	)
	c.notifier.Notify(Notification{To: sess.ResponderConnID, Event: EventReceived, Session: sess})
	return sess, nil
}

// Accept resolves a Pending session as Accepted and notifies the initiator.
//
// Postcondition: Returns the accepted session, or ErrNoSuchSession, ErrNotResponder,
// or ErrInvalidState (for sessions already resolved).
func (c *Coordinator) Accept(sessionID, responderConnID string) (Session, error) {
	c.mu.Lock()
	e, ok := c.sessions[sessionID]
	if !ok {
		st, known := c.resolved.get(sessionID)
		c.mu.Unlock()
		if known {
			return Session{}, fmt.Errorf("%w: session %s is %s", ErrInvalidState, sessionID, st)
		}
		return Session{}, fmt.Errorf("%w: %s", ErrNoSuchSession, sessionID)
	}
	if e.session.ResponderConnID != responderConnID {
		c.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrNotResponder, sessionID)
	}
	sess, err := c.resolveLocked(e, StateAccepted)
	c.mu.Unlock()
	if err != nil {
		return Session{}, err
	}

	c.logger.Debug("handshake accepted", zap.String("session_id", sessionID))
	c.notifier.Notify(Notification{To: sess.InitiatorConnID, Event: EventAccepted, Session: sess})
	return sess, nil
}

// Cancel resolves a Pending session as Cancelled on behalf of either party and
// notifies both. Unknown, already resolved, or third-party cancels are silent no-ops.
//
// Postcondition: Returns true if this call resolved the session.
func (c *Coordinator) Cancel(sessionID, callerConnID string, reason Reason) bool {
	if reason == "" {
		reason = ReasonCancelled
	}
	c.mu.Lock()
	e, ok := c.sessions[sessionID]
	if !ok || !e.session.Involves(callerConnID) {
		c.mu.Unlock()
		return false
	}
	sess, err := c.resolveLocked(e, StateCancelled)
	c.mu.Unlock()
	if err != nil {
		return false
	}

	c.logger.Debug("handshake cancelled",
		zap.String("session_id", sessionID),
		zap.String("by", callerConnID),
		zap.String("reason", string(reason)),
	)
	c.notifier.Notify(Notification{To: sess.Other(callerConnID), Event: EventCancelled, Session: sess, Reason: reason})
	c.notifier.Notify(Notification{To: callerConnID, Event: EventCancelled, Session: sess, Reason: reason})
	return true
}

// CancelAllFor cancels every pending session connID participates in, as either
// party, and notifies the counterpart. Used when a connection closes.
//
// Postcondition: No pending session references connID; returns the number cancelled.
func (c *Coordinator) CancelAllFor(connID string) int {
	c.mu.Lock()
	var cancelled []Session
	for _, e := range c.sessions {
		if !e.session.Involves(connID) {
			continue
		}
		sess, err := c.resolveLocked(e, StateCancelled)
		if err == nil {
			cancelled = append(cancelled, sess)
		}
	}
	c.mu.Unlock()

	for _, sess := range cancelled {
		c.notifier.Notify(Notification{
			To:      sess.Other(connID),
			Event:   EventCancelled,
			Session: sess,
			Reason:  ReasonDisconnected,
		})
	}
	if len(cancelled) > 0 {
		c.logger.Debug("handshakes cancelled on disconnect",
			zap.String("conn_id", connID),
			zap.Int("count", len(cancelled)),
		)
	}
	return len(cancelled)
}

// expire is fired by the session timer. A session already resolved by a real
// response is left alone.
func (c *Coordinator) expire(sessionID string) {
	c.mu.Lock()
	e, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	sess, err := c.resolveLocked(e, StateTimedOut)
	c.mu.Unlock()
	if err != nil {
		return
	}

	c.logger.Debug("handshake timed out", zap.String("session_id", sessionID))
	c.notifier.Notify(Notification{To: sess.InitiatorConnID, Event: EventTimedOut, Session: sess, Reason: ReasonTimeout})
}

// resolveLocked moves e to a terminal state and drops it from the live table.
//
// Precondition: c.mu is held.
func (c *Coordinator) resolveLocked(e *entry, to State) (Session, error) {
	next, err := e.session.State.next(to)
	if err != nil {
		return Session{}, err
	}
	e.session.State = next
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(c.sessions, e.session.ID)
	delete(c.pairs, newPairKey(e.session.InitiatorConnID, e.session.ResponderConnID))
	c.resolved.add(e.session.ID, next)
	return e.session, nil
}

// Get returns a copy of a live session.
func (c *Coordinator) Get(sessionID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return e.session, true
}

// Pending returns the number of live sessions.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// tombstones remembers the terminal state of recently resolved sessions so late
// responses can be told apart from unknown ids. Oldest entries are evicted first.
type tombstones struct {
	limit int
	order []string
	state map[string]State
}

func newTombstones(limit int) *tombstones {
	return &tombstones{limit: limit, state: make(map[string]State, limit)}
}

func (t *tombstones) add(id string, s State) {
	if _, ok := t.state[id]; !ok {
		if len(t.order) == t.limit {
			delete(t.state, t.order[0])
			t.order = t.order[1:]
		}
		t.order = append(t.order, id)
	}
	t.state[id] = s
}

func (t *tombstones) get(id string) (State, bool) {
	s, ok := t.state[id]
	return s, ok
}

func (t *tombstones) has(id string) bool {
	_, ok := t.state[id]
	return ok
}
