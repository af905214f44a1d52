package presence

import "sync"

// Store tracks the presence of every joined connection and the occupancy of each map.
// All methods are safe for concurrent use. The store never sends messages itself.
type Store struct {
	mu      sync.RWMutex
	players map[string]*Presence          // connection id → presence
	mapSets map[string]map[string]struct{} // map id → set of connection ids
}

// NewStore creates an empty presence Store.
func NewStore() *Store {
	return &Store{
		players: make(map[string]*Presence),
		mapSets: make(map[string]map[string]struct{}),
	}
}

// UpsertOnJoin creates or replaces the presence for connID.
//
// Precondition: connID must be non-empty.
// Postcondition: The presence for connID reflects j; any previous entry is overwritten.
func (s *Store) UpsertOnJoin(connID string, j Join) Presence {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.players[connID]; ok {
		s.leaveMapLocked(connID, old.MapID)
	}
	p := &Presence{
		ConnectionID:  connID,
		Position:      j.Position,
		AppearanceRef: j.AppearanceRef,
		DisplayName:   j.DisplayName,
		MapID:         j.MapID,
		IdentityRef:   j.IdentityRef,
	}
	s.players[connID] = p
	s.enterMapLocked(connID, p.MapID)
	return *p
}

// ApplyMove updates position and animation state.
//
// Postcondition: Returns false and changes nothing if connID has not joined;
// moves that arrive before join are dropped, not queued.
func (s *Store) ApplyMove(connID string, m Move) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[connID]
	if !ok {
		return false
	}
	p.Position = m.Position
	p.AnimationState = m.AnimationState
	return true
}

// ApplyAppearance updates the appearance reference in place.
//
// Postcondition: Returns false and changes nothing if connID is unknown.
func (s *Store) ApplyAppearance(connID, appearanceRef string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[connID]
	if !ok {
		return false
	}
	p.AppearanceRef = appearanceRef
	return true
}

// ApplyDisplayName updates the display name in place.
//
// Postcondition: Returns false and changes nothing if connID is unknown.
func (s *Store) ApplyDisplayName(connID, displayName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[connID]
	if !ok {
		return false
	}
	p.DisplayName = displayName
	return true
}

// Remove deletes the presence for connID. Removing an absent id is a no-op.
//
// Postcondition: Returns true if an entry was deleted.
func (s *Store) Remove(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[connID]
	if !ok {
		return false
	}
	s.leaveMapLocked(connID, p.MapID)
	delete(s.players, connID)
	return true
}

// Get returns a copy of the presence for connID.
func (s *Store) Get(connID string) (Presence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.players[connID]
	if !ok {
		return Presence{}, false
	}
	return *p, true
}

// Snapshot returns a copy of every presence. The live structure is never exposed,
// so callers may iterate the result while mutations continue.
//
// Postcondition: Returns a non-nil map (may be empty).
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := make(Snapshot, len(s.players))
	for id, p := range s.players {
		snap[id] = *p
	}
	return snap
}

// ConnectionsOnMap returns the connection ids currently on mapID.
//
// Postcondition: Returns a slice of ids (may be empty).
func (s *Store) ConnectionsOnMap(mapID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, ok := s.mapSets[mapID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

// Len returns the number of joined connections.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.players)
}

func (s *Store) enterMapLocked(connID, mapID string) {
	if s.mapSets[mapID] == nil {
		s.mapSets[mapID] = make(map[string]struct{})
	}
	s.mapSets[mapID][connID] = struct{}{}
}

func (s *Store) leaveMapLocked(connID, mapID string) {
	if set, ok := s.mapSets[mapID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(s.mapSets, mapID)
		}
	}
}
