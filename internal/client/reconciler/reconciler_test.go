package reconciler

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/overworld/internal/game/presence"
)

type fakeEntity struct {
	id        string
	pos       presence.Vec
	anim      string
	animSets  int
	label     string
	destroyed bool
}

func (e *fakeEntity) SetPosition(p presence.Vec) { e.pos = p }
func (e *fakeEntity) SetLabel(s string)          { e.label = s }
func (e *fakeEntity) Destroy()                   { e.destroyed = true }

func (e *fakeEntity) SetAnimation(s string) {
	e.anim = s
	e.animSets++
}

type fakeScene struct {
	spawned []*fakeEntity
}

func (s *fakeScene) Spawn(connID, _ string, pos presence.Vec, label string) Entity {
	e := &fakeEntity{id: connID, pos: pos, label: label}
	s.spawned = append(s.spawned, e)
	return e
}

func (s *fakeScene) live(id string) *fakeEntity {
	for i := len(s.spawned) - 1; i >= 0; i-- {
		if s.spawned[i].id == id && !s.spawned[i].destroyed {
			return s.spawned[i]
		}
	}
	return nil
}

// fakeLoader holds load cycles until finish is called.
type fakeLoader struct {
	mu      sync.Mutex
	loaded  map[string]bool
	cycles  [][]string
	pending []func(error)
}

func newFakeLoader(preloaded ...string) *fakeLoader {
	l := &fakeLoader{loaded: make(map[string]bool)}
	for _, ref := range preloaded {
		l.loaded[ref] = true
	}
	return l
}

func (l *fakeLoader) Loaded(ref string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded[ref]
}

func (l *fakeLoader) Load(refs []string, done func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cycles = append(l.cycles, append([]string(nil), refs...))
	l.pending = append(l.pending, func(err error) {
		if err == nil {
			l.mu.Lock()
			for _, r := range refs {
				l.loaded[r] = true
			}
			l.mu.Unlock()
		}
		done(err)
	})
}

func (l *fakeLoader) finish(err error) {
	l.mu.Lock()
	cbs := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}

func pr(id, mapID, ref string, x, y float64) presence.Presence {
	return presence.Presence{
		ConnectionID:  id,
		Position:      presence.Vec{X: x, Y: y},
		AppearanceRef: ref,
		DisplayName:   "name-" + id,
		MapID:         mapID,
	}
}

func snapshot(ps ...presence.Presence) presence.Snapshot {
	s := make(presence.Snapshot, len(ps))
	for _, p := range ps {
		s[p.ConnectionID] = p
	}
	return s
}

func newTest(t *testing.T, loader *fakeLoader) (*Reconciler, *fakeScene) {
	scene := &fakeScene{}
	r := New(scene, loader, zaptest.NewLogger(t))
	r.SetLocal("me", "town")
	return r, scene
}

func TestApplySnapshot_PartitionsByMap(t *testing.T) {
	r, scene := newTest(t, newFakeLoader("red", "blue"))
	r.ApplySnapshot(snapshot(
		pr("me", "town", "red", 0, 0),
		pr("b", "town", "red", 5, 5),
		pr("c", "cave", "blue", 1, 1),
	))

	assert.Equal(t, []string{"b"}, r.IDs())
	require.NotNil(t, scene.live("b"))
	assert.Equal(t, "name-b", scene.live("b").label)
	assert.Nil(t, scene.live("c"))
	assert.Nil(t, scene.live("me"))
}

func TestApplySnapshot_LocalMapFollowsOwnPresence(t *testing.T) {
	r, _ := newTest(t, newFakeLoader("red"))
	r.ApplySnapshot(snapshot(pr("me", "town", "red", 0, 0), pr("b", "town", "red", 1, 1), pr("c", "cave", "red", 1, 1)))
	assert.Equal(t, []string{"b"}, r.IDs())

	r.ApplySnapshot(snapshot(pr("me", "cave", "red", 0, 0), pr("b", "town", "red", 1, 1), pr("c", "cave", "red", 1, 1)))
	assert.Equal(t, "cave", r.LocalMap())
	assert.Equal(t, []string{"c"}, r.IDs())
}

func TestApplySnapshot_BatchesAssetLoads(t *testing.T) {
	loader := newFakeLoader()
	r, scene := newTest(t, loader)

	r.ApplySnapshot(snapshot(
		pr("b", "town", "red", 1, 1),
		pr("c", "town", "blue", 2, 2),
		pr("d", "town", "red", 3, 3),
	))
	require.Len(t, loader.cycles, 1)
	assert.ElementsMatch(t, []string{"red", "blue"}, loader.cycles[0])
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 3, r.PendingLen())

	// a second snapshot while loading does not start another cycle and updates positions
	r.ApplySnapshot(snapshot(
		pr("b", "town", "red", 10, 10),
		pr("c", "town", "blue", 2, 2),
		pr("d", "town", "red", 3, 3),
	))
	assert.Len(t, loader.cycles, 1)

	loader.finish(nil)
	assert.Equal(t, 0, r.Len(), "creation waits for the frame loop")
	r.Frame()
	assert.Equal(t, []string{"b", "c", "d"}, r.IDs())
	assert.Equal(t, 0, r.PendingLen())
	assert.Equal(t, presence.Vec{X: 10, Y: 10}, scene.live("b").pos)
}

func TestApplySnapshot_FailedLoadRetries(t *testing.T) {
	loader := newFakeLoader()
	r, _ := newTest(t, loader)
	snap := snapshot(pr("b", "town", "red", 1, 1))

	r.ApplySnapshot(snap)
	loader.finish(errors.New("404"))
	r.Frame()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 1, r.PendingLen())

	r.ApplySnapshot(snap)
	require.Len(t, loader.cycles, 2)
	loader.finish(nil)
	r.Frame()
	assert.Equal(t, 1, r.Len())
}

func TestApplySnapshot_PendingDroppedWhenPlayerLeaves(t *testing.T) {
	loader := newFakeLoader()
	r, _ := newTest(t, loader)
	r.ApplySnapshot(snapshot(pr("b", "town", "red", 1, 1)))
	r.ApplySnapshot(snapshot())
	loader.finish(nil)
	r.Frame()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.PendingLen())
}

func TestApplySnapshot_InterpolatesInsteadOfSnapping(t *testing.T) {
	r, scene := newTest(t, newFakeLoader("red"))
	r.ApplySnapshot(snapshot(pr("b", "town", "red", 0, 0)))
	r.ApplySnapshot(snapshot(pr("b", "town", "red", 100, 0)))

	e := scene.live("b")
	assert.Equal(t, presence.Vec{}, e.pos, "position does not jump on snapshot")
	r.Frame()
	assert.InDelta(t, 20, e.pos.X, 1e-9)
	r.Frame()
	assert.InDelta(t, 36, e.pos.X, 1e-9)
}

func TestApplySnapshot_AnimationSwitchesOnlyOnChange(t *testing.T) {
	r, scene := newTest(t, newFakeLoader("red"))
	walk := pr("b", "town", "red", 0, 0)
	walk.AnimationState = "walk_left"

	r.ApplySnapshot(snapshot(walk))
	e := scene.live("b")
	assert.Equal(t, "walk_left", e.anim)
	assert.Equal(t, 1, e.animSets)

	for i := 0; i < 5; i++ {
		r.ApplySnapshot(snapshot(walk))
	}
	assert.Equal(t, 1, e.animSets)

	idle := walk
	idle.AnimationState = ""
	r.ApplySnapshot(snapshot(idle))
	assert.Equal(t, "", e.anim)
	assert.Equal(t, 2, e.animSets)
}

func TestApplySnapshot_RemovesImmediately(t *testing.T) {
	r, scene := newTest(t, newFakeLoader("red"))
	r.ApplySnapshot(snapshot(pr("b", "town", "red", 0, 0), pr("c", "town", "red", 0, 0)))
	b, c := scene.live("b"), scene.live("c")

	r.ApplySnapshot(snapshot(pr("c", "cave", "red", 0, 0)))
	assert.True(t, b.destroyed)
	assert.True(t, c.destroyed)
	assert.Equal(t, 0, r.Len())
}

func TestApplySnapshot_LabelUpdates(t *testing.T) {
	r, scene := newTest(t, newFakeLoader("red"))
	p := pr("b", "town", "red", 0, 0)
	r.ApplySnapshot(snapshot(p))
	p.DisplayName = "Gary"
	r.ApplySnapshot(snapshot(p))
	assert.Equal(t, "Gary", scene.live("b").label)
}

func TestApplySnapshot_AppearanceChangeRespawns(t *testing.T) {
	r, scene := newTest(t, newFakeLoader("red", "blue"))
	r.ApplySnapshot(snapshot(pr("b", "town", "red", 0, 0)))
	first := scene.live("b")

	r.ApplySnapshot(snapshot(pr("b", "town", "blue", 0, 0)))
	assert.True(t, first.destroyed)
	require.NotNil(t, scene.live("b"))
	assert.NotSame(t, first, scene.live("b"))
}

func TestApplyAppearance_OutOfBand(t *testing.T) {
	loader := newFakeLoader("red")
	r, scene := newTest(t, loader)
	r.ApplySnapshot(snapshot(pr("b", "town", "red", 3, 4)))
	first := scene.live("b")

	r.ApplyAppearance("b", "green")
	assert.True(t, first.destroyed)
	assert.Equal(t, 1, r.PendingLen())
	require.Len(t, loader.cycles, 1)
	assert.Equal(t, []string{"green"}, loader.cycles[0])

	loader.finish(nil)
	r.Frame()
	e := scene.live("b")
	require.NotNil(t, e)
	assert.Equal(t, presence.Vec{X: 3, Y: 4}, e.pos)

	r.ApplyAppearance("ghost", "green")
	assert.Equal(t, 1, r.Len())
}

func TestApplyAppearance_PendingLoadsNewRef(t *testing.T) {
	loader := newFakeLoader()
	r, scene := newTest(t, loader)
	r.ApplySnapshot(snapshot(pr("b", "town", "red", 1, 2)))
	require.Len(t, loader.cycles, 1)

	r.ApplyAppearance("b", "blue")
	require.Len(t, loader.cycles, 2)
	assert.Equal(t, []string{"blue"}, loader.cycles[1])
	assert.Equal(t, 1, r.PendingLen())

	// same ref again while in flight starts nothing new
	r.ApplyAppearance("b", "blue")
	assert.Len(t, loader.cycles, 2)

	loader.finish(nil)
	r.Frame()
	e := scene.live("b")
	require.NotNil(t, e)
	assert.Equal(t, presence.Vec{X: 1, Y: 2}, e.pos)
	assert.Equal(t, 0, r.PendingLen())
}

func TestApplyAppearance_PendingSwitchToLoadedSpawnsNow(t *testing.T) {
	loader := newFakeLoader("blue")
	r, scene := newTest(t, loader)
	r.ApplySnapshot(snapshot(pr("b", "town", "red", 0, 0)))
	require.Nil(t, scene.live("b"))

	r.ApplyAppearance("b", "blue")
	require.NotNil(t, scene.live("b"))
	assert.Equal(t, 0, r.PendingLen())
	assert.Len(t, loader.cycles, 1)
}

func TestTeardown(t *testing.T) {
	loader := newFakeLoader("red")
	r, scene := newTest(t, loader)
	r.ApplySnapshot(snapshot(pr("b", "town", "red", 0, 0), pr("c", "town", "blue", 0, 0)))
	r.Teardown()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.PendingLen())
	assert.True(t, scene.spawned[0].destroyed)
}

func TestNudge_DominantAxis(t *testing.T) {
	assert.Equal(t, presence.Vec{X: 11, Y: 10.5}, Nudge(presence.Vec{X: 10, Y: 10.5}, presence.Vec{X: 8, Y: 10}))
	assert.Equal(t, presence.Vec{X: 7, Y: 10}, Nudge(presence.Vec{X: 8, Y: 10}, presence.Vec{X: 10, Y: 10.5}))
	assert.Equal(t, presence.Vec{X: 10, Y: 14}, Nudge(presence.Vec{X: 10, Y: 13}, presence.Vec{X: 10.2, Y: 10}))
	assert.Equal(t, presence.Vec{X: 10, Y: 6}, Nudge(presence.Vec{X: 10, Y: 7}, presence.Vec{X: 10.2, Y: 10}))
}

func TestNudgeLocal_EveryContactTick(t *testing.T) {
	r, _ := newTest(t, newFakeLoader("red"))
	r.ApplySnapshot(snapshot(pr("b", "town", "red", 10, 10)))

	local := presence.Vec{X: 11, Y: 10}
	local = r.NudgeLocal(local, []string{"b"})
	assert.Equal(t, presence.Vec{X: 12, Y: 10}, local)
	local = r.NudgeLocal(local, []string{"b", "ghost"})
	assert.Equal(t, presence.Vec{X: 13, Y: 10}, local)
}

func TestPropertyStepConverges(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pos := presence.Vec{
			X: rapid.Float64Range(-1e4, 1e4).Draw(t, "px"),
			Y: rapid.Float64Range(-1e4, 1e4).Draw(t, "py"),
		}
		target := presence.Vec{
			X: rapid.Float64Range(-1e4, 1e4).Draw(t, "tx"),
			Y: rapid.Float64Range(-1e4, 1e4).Draw(t, "ty"),
		}
		for i := 0; i < 200; i++ {
			if pos == target {
				return
			}
			before := target.Sub(pos).Len()
			next := Step(pos, target)
			after := target.Sub(next).Len()
			if before <= SnapDistance {
				if next != target {
					t.Fatalf("step %d: within %v but did not snap: %v -> %v", i, before, pos, next)
				}
			} else if !(after < before) {
				t.Fatalf("step %d: distance did not decrease: %v -> %v", i, before, after)
			}
			pos = next
		}
		t.Fatalf("did not reach target %v, stuck at %v", target, pos)
	})
}

func TestPropertySnapshotNeverShowsOtherMaps(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := New(&fakeScene{}, newFakeLoader("a", "b"), zap.NewNop())
		r.SetLocal("me", "m0")
		rounds := rapid.IntRange(1, 10).Draw(t, "rounds")
		for i := 0; i < rounds; i++ {
			n := rapid.IntRange(0, 8).Draw(t, "n")
			snap := make(presence.Snapshot, n)
			for j := 0; j < n; j++ {
				id := rapid.SampledFrom([]string{"me", "p1", "p2", "p3", "p4"}).Draw(t, "id")
				snap[id] = presence.Presence{
					ConnectionID:  id,
					MapID:         rapid.SampledFrom([]string{"m0", "m1"}).Draw(t, "map"),
					AppearanceRef: rapid.SampledFrom([]string{"a", "b"}).Draw(t, "ref"),
				}
			}
			r.ApplySnapshot(snap)
			for _, id := range r.IDs() {
				if id == "me" || !snap.SameMap(id, r.LocalMap()) {
					t.Fatalf("entity %s rendered off map %s", id, r.LocalMap())
				}
			}
			for id, p := range snap {
				if id != "me" && p.MapID == r.LocalMap() {
					if _, ok := r.Position(id); !ok {
						t.Fatalf("relevant entity %s missing", id)
					}
				}
			}
		}
	})
}
