// Package inventory exposes read-only access to the resources held by a player
// identity. The records themselves live in an external store.
package inventory

import (
	"context"
	"fmt"
	"sync"
)

// Source counts how many of a resource kind an identity holds.
//
// Postcondition: Returns 0 with a nil error for identities or resources with no records.
type Source interface {
	Count(ctx context.Context, identityRef, resource string) (int, error)
}

// Requirement is a minimum holding of one resource kind.
type Requirement struct {
	Resource string `yaml:"resource"`
	Min      int    `yaml:"min"`
}

// IsZero reports whether r imposes no requirement.
func (r Requirement) IsZero() bool {
	return r.Resource == "" && r.Min == 0
}

// Check reports whether identityRef satisfies r according to src.
//
// Precondition: src must be non-nil unless r.IsZero().
// Postcondition: Returns (true, held, nil) when held >= r.Min.
func (r Requirement) Check(ctx context.Context, src Source, identityRef string) (bool, int, error) {
	if r.IsZero() {
		return true, 0, nil
	}
	held, err := src.Count(ctx, identityRef, r.Resource)
	if err != nil {
		return false, 0, fmt.Errorf("counting %s for %q: %w", r.Resource, identityRef, err)
	}
	return held >= r.Min, held, nil
}

// Static is an in-memory Source keyed by identity then resource.
// It is safe for concurrent use.
type Static struct {
	mu     sync.RWMutex
	counts map[string]map[string]int
}

// NewStatic creates a Static source seeded with counts (may be nil).
func NewStatic(counts map[string]map[string]int) *Static {
	s := &Static{counts: make(map[string]map[string]int, len(counts))}
	for id, res := range counts {
		for kind, n := range res {
			s.Set(id, kind, n)
		}
	}
	return s
}

// Set replaces the count of resource held by identityRef.
func (s *Static) Set(identityRef, resource string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[identityRef] == nil {
		s.counts[identityRef] = make(map[string]int)
	}
	s.counts[identityRef][resource] = n
}

// Count implements Source.
func (s *Static) Count(_ context.Context, identityRef, resource string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[identityRef][resource], nil
}
