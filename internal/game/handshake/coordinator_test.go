package handshake

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/overworld/internal/game/inventory"
)

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.notes))
	copy(out, r.notes)
	return out
}

func (r *recorder) forSession(id string) []Notification {
	var out []Notification
	for _, n := range r.all() {
		if n.Session.ID == id {
			out = append(out, n)
		}
	}
	return out
}

func (r *recorder) terminalFor(id string) map[Event]int {
	counts := make(map[Event]int)
	for _, n := range r.forSession(id) {
		if n.Event != EventReceived {
			counts[n.Event]++
		}
	}
	return counts
}

func online(ids ...string) DirectoryFunc {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(connID string) bool { return set[connID] }
}

func newTestCoordinator(t *testing.T, timeout time.Duration) (*Coordinator, *recorder) {
	t.Helper()
	rec := &recorder{}
	catalog, err := NewCatalog(Kind{ID: KindDuel}, Kind{ID: "cards"})
	require.NoError(t, err)
	c := NewCoordinator(catalog, online("A", "B", "C"), rec, CoordinatorConfig{DefaultTimeout: timeout}, zaptest.NewLogger(t))
	return c, rec
}

func duel(id, from, to string) SendRequest {
	return SendRequest{
		SessionID:            id,
		InitiatorConnID:      from,
		ResponderConnID:      to,
		InitiatorIdentityRef: "id-" + from,
		ResponderIdentityRef: "id-" + to,
	}
}

func TestCoordinator_SendNotifiesResponderOnly(t *testing.T) {
	c, rec := newTestCoordinator(t, time.Minute)
	sess, err := c.Send(context.Background(), duel("S", "A", "B"))
	require.NoError(t, err)
	assert.Equal(t, StatePending, sess.State)
	assert.Equal(t, KindDuel, sess.Kind)

	notes := rec.all()
	require.Len(t, notes, 1)
	assert.Equal(t, "B", notes[0].To)
	assert.Equal(t, EventReceived, notes[0].Event)
	assert.Equal(t, "id-A", notes[0].Session.InitiatorIdentityRef)
	assert.Equal(t, 1, c.Pending())
}

func TestCoordinator_SendUnknownResponder(t *testing.T) {
	c, rec := newTestCoordinator(t, time.Minute)
	_, err := c.Send(context.Background(), duel("S", "A", "Z"))
	assert.ErrorIs(t, err, ErrUnknownResponder)
	assert.Empty(t, rec.all())
	assert.Equal(t, 0, c.Pending())
}

func TestCoordinator_SendValidation(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Minute)
	_, err := c.Send(context.Background(), duel("", "A", "B"))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = c.Send(context.Background(), duel("S", "A", "A"))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req := duel("S", "A", "B")
	req.Kind = "chess"
	_, err = c.Send(context.Background(), req)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestCoordinator_AcceptRoundTrip(t *testing.T) {
	c, rec := newTestCoordinator(t, time.Minute)
	_, err := c.Send(context.Background(), duel("S", "A", "B"))
	require.NoError(t, err)

	sess, err := c.Accept("S", "B")
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, sess.State)

	notes := rec.forSession("S")
	require.Len(t, notes, 2)
	assert.Equal(t, Notification{To: "A", Event: EventAccepted, Session: sess}, notes[1])
	assert.Equal(t, 0, c.Pending())

	// Nothing further is ever delivered for S.
	assert.False(t, c.Cancel("S", "A", ReasonCancelled))
	_, err = c.Accept("S", "B")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Len(t, rec.forSession("S"), 2)
}

func TestCoordinator_AcceptErrors(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Minute)
	_, err := c.Accept("missing", "B")
	assert.ErrorIs(t, err, ErrNoSuchSession)

	_, err = c.Send(context.Background(), duel("S", "A", "B"))
	require.NoError(t, err)
	_, err = c.Accept("S", "A")
	assert.ErrorIs(t, err, ErrNotResponder)
	_, err = c.Accept("S", "C")
	assert.ErrorIs(t, err, ErrNotResponder)

	_, ok := c.Get("S")
	assert.True(t, ok, "failed accepts must not resolve the session")
}

func TestCoordinator_CancelByEitherParty(t *testing.T) {
	for _, caller := range []string{"A", "B"} {
		t.Run(caller, func(t *testing.T) {
			c, rec := newTestCoordinator(t, time.Minute)
			_, err := c.Send(context.Background(), duel("S", "A", "B"))
			require.NoError(t, err)

			assert.True(t, c.Cancel("S", caller, ReasonRefused))
			cancels := rec.terminalFor("S")
			assert.Equal(t, 2, cancels[EventCancelled])

			var to []string
			for _, n := range rec.forSession("S") {
				if n.Event == EventCancelled {
					to = append(to, n.To)
					assert.Equal(t, ReasonRefused, n.Reason)
					assert.Equal(t, StateCancelled, n.Session.State)
				}
			}
			assert.ElementsMatch(t, []string{"A", "B"}, to)
		})
	}
}

func TestCoordinator_CancelNoops(t *testing.T) {
	c, rec := newTestCoordinator(t, time.Minute)
	assert.False(t, c.Cancel("missing", "A", ""))

	_, err := c.Send(context.Background(), duel("S", "A", "B"))
	require.NoError(t, err)
	assert.False(t, c.Cancel("S", "C", ""), "third parties cannot cancel")
	assert.True(t, c.Cancel("S", "A", ""))
	assert.False(t, c.Cancel("S", "A", ""))
	assert.Equal(t, 2, rec.terminalFor("S")[EventCancelled])
}

func TestCoordinator_TimeoutNotifiesInitiatorOnly(t *testing.T) {
	c, rec := newTestCoordinator(t, 20*time.Millisecond)
	_, err := c.Send(context.Background(), duel("S", "A", "B"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rec.terminalFor("S")[EventTimedOut] == 1
	}, time.Second, 5*time.Millisecond)

	notes := rec.forSession("S")
	require.Len(t, notes, 2)
	assert.Equal(t, "A", notes[1].To)
	assert.Equal(t, ReasonTimeout, notes[1].Reason)
	assert.Equal(t, StateTimedOut, notes[1].Session.State)

	_, err = c.Accept("S", "B")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Len(t, rec.forSession("S"), 2)
}

func TestCoordinator_ResponseBeatsTimer(t *testing.T) {
	c, rec := newTestCoordinator(t, 30*time.Millisecond)
	_, err := c.Send(context.Background(), duel("S", "A", "B"))
	require.NoError(t, err)
	_, err = c.Accept("S", "B")
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	counts := rec.terminalFor("S")
	assert.Equal(t, 1, counts[EventAccepted])
	assert.Zero(t, counts[EventTimedOut])
}

func TestCoordinator_KindTimeoutOverridesDefault(t *testing.T) {
	rec := &recorder{}
	catalog, err := NewCatalog(Kind{ID: "quiz", Timeout: 15 * time.Millisecond})
	require.NoError(t, err)
	c := NewCoordinator(catalog, online("A", "B"), rec, CoordinatorConfig{DefaultTimeout: time.Hour}, zaptest.NewLogger(t))

	req := duel("S", "A", "B")
	req.Kind = "quiz"
	_, err = c.Send(context.Background(), req)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return rec.terminalFor("S")[EventTimedOut] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_OnePendingPerPair(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Minute)
	_, err := c.Send(context.Background(), duel("S1", "A", "B"))
	require.NoError(t, err)

	_, err = c.Send(context.Background(), duel("S2", "A", "B"))
	assert.ErrorIs(t, err, ErrAlreadyPending)
	_, err = c.Send(context.Background(), duel("S3", "B", "A"))
	assert.ErrorIs(t, err, ErrAlreadyPending)

	_, err = c.Send(context.Background(), duel("S4", "A", "C"))
	assert.NoError(t, err)

	require.True(t, c.Cancel("S1", "B", ReasonRefused))
	_, err = c.Send(context.Background(), duel("S5", "B", "A"))
	assert.NoError(t, err)
}

func TestCoordinator_DuplicateSessionID(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Minute)
	_, err := c.Send(context.Background(), duel("S", "A", "B"))
	require.NoError(t, err)
	_, err = c.Send(context.Background(), duel("S", "C", "B"))
	assert.ErrorIs(t, err, ErrDuplicateSession)

	require.True(t, c.Cancel("S", "A", ""))
	_, err = c.Send(context.Background(), duel("S", "C", "B"))
	assert.ErrorIs(t, err, ErrDuplicateSession, "resolved ids are not reusable")
}

func TestCoordinator_CancelAllForDisconnect(t *testing.T) {
	c, rec := newTestCoordinator(t, time.Minute)
	_, err := c.Send(context.Background(), duel("S1", "A", "B"))
	require.NoError(t, err)
	_, err = c.Send(context.Background(), duel("S2", "C", "A"))
	require.NoError(t, err)

	assert.Equal(t, 2, c.CancelAllFor("A"))
	assert.Equal(t, 0, c.Pending())

	s1 := rec.forSession("S1")
	require.Len(t, s1, 2)
	assert.Equal(t, "B", s1[1].To)
	assert.Equal(t, ReasonDisconnected, s1[1].Reason)

	s2 := rec.forSession("S2")
	require.Len(t, s2, 2)
	assert.Equal(t, "C", s2[1].To)

	assert.Equal(t, 0, c.CancelAllFor("A"))
}

func TestCoordinator_RequirementGate(t *testing.T) {
	rec := &recorder{}
	inv := inventory.NewStatic(map[string]map[string]int{"id-A": {"pokemon": 4}})
	c := NewCoordinator(DefaultCatalog(), online("A", "B"), rec,
		CoordinatorConfig{DefaultTimeout: time.Minute, Inventory: inv}, zaptest.NewLogger(t))

	_, err := c.Send(context.Background(), duel("S", "A", "B"))
	assert.ErrorIs(t, err, ErrRequirementUnmet)
	assert.Empty(t, rec.all())

	inv.Set("id-A", "pokemon", 5)
	_, err = c.Send(context.Background(), duel("S", "A", "B"))
	assert.NoError(t, err)

	req := duel("S2", "A", "B")
	req.Kind = "cards"
	inv.Set("id-A", "pokemon", 0)
	require.True(t, c.Cancel("S", "A", ""))
	_, err = c.Send(context.Background(), req)
	assert.NoError(t, err, "kinds without requirements skip the gate")
}

func TestCoordinator_ConcurrentAcceptAndCancelResolveOnce(t *testing.T) {
	c, rec := newTestCoordinator(t, time.Minute)
	const rounds = 200
	for i := 0; i < rounds; i++ {
		id := fmt.Sprintf("S%d", i)
		_, err := c.Send(context.Background(), duel(id, "A", "B"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); _, _ = c.Accept(id, "B") }()
		go func() { defer wg.Done(); c.Cancel(id, "A", ReasonCancelled) }()
		go func() { defer wg.Done(); c.Cancel(id, "B", ReasonRefused) }()
		wg.Wait()

		counts := rec.terminalFor(id)
		accepted := counts[EventAccepted]
		cancelled := counts[EventCancelled]
		switch {
		case accepted == 1 && cancelled == 0:
		case accepted == 0 && cancelled == 2:
		default:
			t.Fatalf("session %s resolved more than once: %v", id, counts)
		}
	}
	assert.Equal(t, 0, c.Pending())
}

func TestPropertyEachSessionResolvesAtMostOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		rec := &recorder{}
		c := NewCoordinator(DefaultCatalog(), online("A", "B", "C"), rec,
			CoordinatorConfig{DefaultTimeout: time.Hour}, zaptest.NewLogger(t))
		parties := []string{"A", "B", "C"}
		ops := rapid.IntRange(1, 40).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			id := fmt.Sprintf("S%d", rapid.IntRange(0, 5).Draw(rt, "session"))
			from := parties[rapid.IntRange(0, 2).Draw(rt, "from")]
			to := parties[rapid.IntRange(0, 2).Draw(rt, "to")]
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				_, _ = c.Send(context.Background(), duel(id, from, to))
			case 1:
				_, _ = c.Accept(id, to)
			case 2:
				c.Cancel(id, from, ReasonCancelled)
			case 3:
				c.CancelAllFor(from)
			}
		}
		for i := 0; i <= 5; i++ {
			id := fmt.Sprintf("S%d", i)
			counts := rec.terminalFor(id)
			resolutions := counts[EventAccepted]
			if counts[EventCancelled] > 0 {
				resolutions++
			}
			if resolutions > 1 {
				rt.Fatalf("session %s resolved more than once: %v", id, counts)
			}
			if counts[EventAccepted] > 1 || counts[EventCancelled] > 2 {
				rt.Fatalf("session %s over-notified: %v", id, counts)
			}
		}
	})
}
