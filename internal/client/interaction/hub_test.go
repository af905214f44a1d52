package interaction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/overworld/internal/game/handshake"
	"github.com/cory-johannsen/overworld/internal/gameserver"
	"github.com/cory-johannsen/overworld/internal/protocol"
)

// hubConn is a server-side connection that feeds handshake frames straight into
// a Client, standing in for the websocket and the session dispatcher.
type hubConn struct {
	id     string
	client *Client

	mu     sync.Mutex
	frames []protocol.Envelope
}

func (c *hubConn) ID() string   { return c.id }
func (c *hubConn) Close() error { return nil }

func (c *hubConn) Send(frame []byte) error {
	env, err := protocol.Unmarshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, env)
	c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	switch env.Type {
	case protocol.TypeChallengeReceived:
		var m protocol.ChallengeReceived
		if env.Decode(&m) == nil {
			c.client.HandleReceived(m)
		}
	case protocol.TypeChallengeAccepted:
		var m protocol.ChallengeAccepted
		if env.Decode(&m) == nil {
			c.client.HandleAccepted(m)
		}
	case protocol.TypeChallengeCancelled:
		var m protocol.ChallengeCancelled
		if env.Decode(&m) == nil {
			c.client.HandleCancelled(m)
		}
	case protocol.TypeError:
		var m protocol.Error
		if env.Decode(&m) == nil {
			c.client.HandleError(m)
		}
	}
	return nil
}

func (c *hubConn) count(t protocol.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if f.Type == t {
			n++
		}
	}
	return n
}

// hubSender delivers a client's frames to the hub as connID.
type hubSender struct {
	hub    *gameserver.Hub
	connID string
}

func (s hubSender) Send(env protocol.Envelope) error {
	s.hub.Handle(context.Background(), s.connID, env)
	return nil
}

// wireResponder connects A as a bare connection and B through a Client.
func wireResponder(t *testing.T, timeout time.Duration) (*gameserver.Hub, *hubConn, *Client, *recorder) {
	t.Helper()
	hub := gameserver.NewHub(handshake.DefaultCatalog(), gameserver.HubConfig{
		TickInterval:     50 * time.Millisecond,
		ChatHistoryLimit: 10,
		ChatMaxLength:    50,
		HandshakeTimeout: timeout,
	}, zaptest.NewLogger(t))

	rec := &recorder{}
	b := New(Config{
		Sender:   hubSender{hub: hub, connID: "B"},
		UI:       rec,
		Launcher: rec,
		Catalog:  handshake.DefaultCatalog(),
	}, zaptest.NewLogger(t))

	a := &hubConn{id: "A"}
	require.NoError(t, hub.Connect(a))
	require.NoError(t, hub.Connect(&hubConn{id: "B", client: b}))
	return hub, a, b, rec
}

func challenge(t *testing.T, hub *gameserver.Hub, kind string) {
	t.Helper()
	env, err := protocol.Encode(protocol.TypeChallengeSend, "", protocol.ChallengeSend{
		SessionID:             "S",
		ResponderConnectionID: "B",
		InitiatorIdentityRef:  "ash",
		Kind:                  kind,
	})
	require.NoError(t, err)
	hub.Handle(context.Background(), "A", env)
}

func TestHub_AcceptLaunchesResponder(t *testing.T) {
	hub, a, b, rec := wireResponder(t, time.Hour)
	challenge(t, hub, "quiz")
	require.Len(t, b.Prompts(), 1)

	require.NoError(t, b.Respond("S", true))
	assert.Equal(t, 1, a.count(protocol.TypeChallengeAccepted))
	require.Len(t, rec.launched, 1)
	assert.Equal(t, Match{SessionID: "S", Kind: "quiz", Role: RoleResponder, OpponentConnID: "A", OpponentIdentityRef: "ash"}, rec.launched[0])
}

func TestHub_LateAcceptAfterTimeoutNeverLaunches(t *testing.T) {
	hub, a, b, rec := wireResponder(t, 30*time.Millisecond)
	challenge(t, hub, "quiz")
	require.Len(t, b.Prompts(), 1)

	require.Eventually(t, func() bool {
		return a.count(protocol.TypeChallengeCancelled) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, hub.Handshakes().Pending())

	require.NoError(t, b.Respond("S", true))
	assert.Empty(t, rec.launched)
	assert.Equal(t, 0, b.Accepting())
	assert.Equal(t, []string{"That challenge is no longer open."}, rec.toasts)
	assert.Equal(t, 0, a.count(protocol.TypeChallengeAccepted))
}

func TestHub_AcceptAfterInitiatorCancelNeverLaunches(t *testing.T) {
	hub, _, b, rec := wireResponder(t, time.Hour)
	challenge(t, hub, "cards")
	require.Len(t, b.Prompts(), 1)
	require.True(t, hub.Handshakes().Cancel("S", "A", handshake.ReasonCancelled))

	// the cancellation closed the prompt, so there is nothing left to answer
	require.ErrorIs(t, b.Respond("S", true), ErrNoPrompt)
	assert.Empty(t, rec.launched)
	assert.Equal(t, []string{"S"}, rec.hidden)
}
