// Package reconciler turns authoritative presence snapshots into smoothly
// moving remote entities on the client.
package reconciler

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/overworld/internal/game/presence"
)

const (
	// LerpFactor is the fraction of the remaining distance closed per frame.
	LerpFactor = 0.2
	// SnapDistance is the distance under which an entity jumps to its target.
	SnapDistance = 1.0
	// NudgeDistance is how far the local player is pushed off a remote body per contact tick.
	NudgeDistance = 1.0
)

// Entity is a visual representation of one remote player.
type Entity interface {
	SetPosition(p presence.Vec)
	// SetAnimation starts the named loop; "" returns to idle.
	SetAnimation(state string)
	SetLabel(text string)
	Destroy()
}

// Scene creates visual entities.
type Scene interface {
	// Spawn creates an entity at pos with a floating label.
	//
	// Precondition: the asset for appearanceRef is loaded.
	Spawn(connID, appearanceRef string, pos presence.Vec, label string) Entity
}

// AssetLoader loads visual assets asynchronously.
type AssetLoader interface {
	Loaded(appearanceRef string) bool
	// Load starts one load cycle for refs and calls done exactly once when it
	// finishes. done may be called from any goroutine, including synchronously.
	Load(refs []string, done func(err error))
}

type remote struct {
	entity     Entity
	pos        presence.Vec
	target     presence.Vec
	anim       string
	appearance string
	label      string
}

type batch struct {
	id   int
	refs []string
	err  error
}

// Reconciler tracks remote entities for one client. ApplySnapshot, Frame, and
// the other mutating methods must be called from a single goroutine; only the
// loader completion callback may arrive from elsewhere.
type Reconciler struct {
	scene  Scene
	loader AssetLoader
	logger *zap.Logger

	localID  string
	localMap string

	entities map[string]*remote
	pending  map[string]presence.Presence
	inflight map[string]int
	nextID   int

	doneMu    sync.Mutex
	completed []batch
}

// New creates a Reconciler.
//
// Precondition: scene, loader, and logger must be non-nil.
func New(scene Scene, loader AssetLoader, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		scene:    scene,
		loader:   loader,
		logger:   logger,
		entities: make(map[string]*remote),
		pending:  make(map[string]presence.Presence),
		inflight: make(map[string]int),
	}
}

// SetLocal records the local connection id and the map it is on.
func (r *Reconciler) SetLocal(connID, mapID string) {
	r.localID = connID
	r.localMap = mapID
}

// LocalMap returns the map used to partition snapshots.
func (r *Reconciler) LocalMap() string { return r.localMap }

// ApplySnapshot reconciles the remote entity set against snap.
//
// Postcondition: no entity exists for an id absent from snap, for an id on
// another map, or for the local connection. Relevant ids are represented,
// pending an asset load, or both loaded and interpolating toward their new position.
func (r *Reconciler) ApplySnapshot(snap presence.Snapshot) {
	r.drainCompleted()
	if self, ok := snap[r.localID]; ok && r.localID != "" {
		r.localMap = self.MapID
	}

	for id := range r.entities {
		if !r.relevant(snap, id) {
			r.destroy(id)
		}
	}
	for id := range r.pending {
		if !r.relevant(snap, id) {
			delete(r.pending, id)
		}
	}

	var toLoad []string
	queued := make(map[string]bool)
	for _, id := range sortedKeys(snap) {
		if !r.relevant(snap, id) {
			continue
		}
		p := snap[id]
		if rm, ok := r.entities[id]; ok {
			if rm.appearance != p.AppearanceRef {
				r.destroy(id)
			} else {
				r.update(rm, p)
				continue
			}
		}
		if r.loader.Loaded(p.AppearanceRef) {
			delete(r.pending, id)
			r.spawn(p)
			continue
		}
		r.pending[id] = p
		if _, busy := r.inflight[p.AppearanceRef]; !busy && !queued[p.AppearanceRef] {
			queued[p.AppearanceRef] = true
			toLoad = append(toLoad, p.AppearanceRef)
		}
	}
	if len(toLoad) > 0 {
		r.startBatch(toLoad)
	}
}

// ApplyAppearance handles an out-of-band appearance change. The entity is
// re-created with the new asset.
func (r *Reconciler) ApplyAppearance(connID, appearanceRef string) {
	if p, ok := r.pending[connID]; ok {
		if p.AppearanceRef == appearanceRef {
			return
		}
		delete(r.pending, connID)
		p.AppearanceRef = appearanceRef
		r.reconcileOne(p)
		return
	}
	rm, ok := r.entities[connID]
	if !ok || rm.appearance == appearanceRef {
		return
	}
	p := presence.Presence{
		ConnectionID:   connID,
		Position:       rm.target,
		AnimationState: rm.anim,
		AppearanceRef:  appearanceRef,
		DisplayName:    rm.label,
		MapID:          r.localMap,
	}
	r.destroy(connID)
	r.reconcileOne(p)
}

// reconcileOne reconciles a single presence without touching other entities.
func (r *Reconciler) reconcileOne(p presence.Presence) {
	if p.ConnectionID == r.localID || p.MapID != r.localMap {
		return
	}
	if rm, ok := r.entities[p.ConnectionID]; ok && rm.appearance == p.AppearanceRef {
		r.update(rm, p)
		return
	}
	if r.loader.Loaded(p.AppearanceRef) {
		r.spawn(p)
		return
	}
	r.pending[p.ConnectionID] = p
	if _, busy := r.inflight[p.AppearanceRef]; !busy {
		r.startBatch([]string{p.AppearanceRef})
	}
}

// Frame spawns entities whose assets finished loading and advances every
// entity one interpolation step.
func (r *Reconciler) Frame() {
	r.drainCompleted()
	for _, rm := range r.entities {
		next := Step(rm.pos, rm.target)
		if next != rm.pos {
			rm.pos = next
			rm.entity.SetPosition(next)
		}
	}
}

// Teardown destroys every entity and forgets pending creations.
func (r *Reconciler) Teardown() {
	for id := range r.entities {
		r.destroy(id)
	}
	r.pending = make(map[string]presence.Presence)
}

// Position returns the rendered position of a remote entity.
func (r *Reconciler) Position(connID string) (presence.Vec, bool) {
	rm, ok := r.entities[connID]
	if !ok {
		return presence.Vec{}, false
	}
	return rm.pos, true
}

// IDs returns the represented connection ids in sorted order.
func (r *Reconciler) IDs() []string {
	return sortedKeys(r.entities)
}

// Len returns the number of represented entities.
func (r *Reconciler) Len() int { return len(r.entities) }

// PendingLen returns the number of creations waiting on an asset load.
func (r *Reconciler) PendingLen() int { return len(r.pending) }

// NudgeLocal applies the contact rule for every remote entity in touching and
// returns the local player's adjusted position.
func (r *Reconciler) NudgeLocal(local presence.Vec, touching []string) presence.Vec {
	for _, id := range touching {
		if rm, ok := r.entities[id]; ok {
			local = Nudge(local, rm.pos)
		}
	}
	return local
}

// Step moves pos LerpFactor of the way toward target, snapping once within SnapDistance.
func Step(pos, target presence.Vec) presence.Vec {
	d := target.Sub(pos)
	if d.Len() <= SnapDistance {
		return target
	}
	return pos.Add(d.Scale(LerpFactor))
}

// Nudge pushes local NudgeDistance away from remote along the dominant axis of
// their separation. Remote bodies are immovable, so only the local one moves.
func Nudge(local, remote presence.Vec) presence.Vec {
	d := local.Sub(remote)
	ax, ay := d.X, d.Y
	if ax < 0 {
		ax = -ax
	}
	if ay < 0 {
		ay = -ay
	}
	if ax >= ay {
		if d.X < 0 {
			local.X -= NudgeDistance
		} else {
			local.X += NudgeDistance
		}
		return local
	}
	if d.Y < 0 {
		local.Y -= NudgeDistance
	} else {
		local.Y += NudgeDistance
	}
	return local
}

func (r *Reconciler) relevant(snap presence.Snapshot, id string) bool {
	if id == r.localID {
		return false
	}
	return snap.SameMap(id, r.localMap)
}

func (r *Reconciler) spawn(p presence.Presence) {
	e := r.scene.Spawn(p.ConnectionID, p.AppearanceRef, p.Position, p.DisplayName)
	if p.AnimationState != "" {
		e.SetAnimation(p.AnimationState)
	}
	r.entities[p.ConnectionID] = &remote{
		entity:     e,
		pos:        p.Position,
		target:     p.Position,
		anim:       p.AnimationState,
		appearance: p.AppearanceRef,
		label:      p.DisplayName,
	}
}

func (r *Reconciler) update(rm *remote, p presence.Presence) {
	rm.target = p.Position
	if rm.anim != p.AnimationState {
		rm.anim = p.AnimationState
		rm.entity.SetAnimation(p.AnimationState)
	}
	if rm.label != p.DisplayName {
		rm.label = p.DisplayName
		rm.entity.SetLabel(p.DisplayName)
	}
}

func (r *Reconciler) destroy(id string) {
	if rm, ok := r.entities[id]; ok {
		rm.entity.Destroy()
		delete(r.entities, id)
	}
}

func (r *Reconciler) startBatch(refs []string) {
	r.nextID++
	id := r.nextID
	for _, ref := range refs {
		r.inflight[ref] = id
	}
	r.logger.Debug("loading assets", zap.Int("batch", id), zap.Strings("refs", refs))
	r.loader.Load(refs, func(err error) {
		r.doneMu.Lock()
		r.completed = append(r.completed, batch{id: id, refs: refs, err: err})
		r.doneMu.Unlock()
	})
}

// drainCompleted processes finished load cycles: every pending creation whose
// asset is now available is spawned together.
func (r *Reconciler) drainCompleted() {
	r.doneMu.Lock()
	done := r.completed
	r.completed = nil
	r.doneMu.Unlock()
	if len(done) == 0 {
		return
	}

	for _, b := range done {
		for _, ref := range b.refs {
			if r.inflight[ref] == b.id {
				delete(r.inflight, ref)
			}
		}
		if b.err != nil {
			r.logger.Warn("asset load failed", zap.Int("batch", b.id), zap.Strings("refs", b.refs), zap.Error(b.err))
		}
	}
	for _, id := range sortedKeys(r.pending) {
		p := r.pending[id]
		if r.loader.Loaded(p.AppearanceRef) {
			delete(r.pending, id)
			r.spawn(p)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
