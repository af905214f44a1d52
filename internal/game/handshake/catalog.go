package handshake

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/overworld/internal/game/inventory"
)

// KindDuel is the kind used when a request names none.
const KindDuel = "duel"

// Kind describes one family of handshake.
type Kind struct {
	ID    string
	Label string
	// Timeout is the wait window; zero means the coordinator default.
	Timeout time.Duration
	// Requires is checked against the initiator's inventory before sending.
	Requires inventory.Requirement
}

// TimeoutOr returns k.Timeout, or def when k declares none.
func (k Kind) TimeoutOr(def time.Duration) time.Duration {
	if k.Timeout > 0 {
		return k.Timeout
	}
	return def
}

// Catalog is an immutable set of kinds keyed by id.
type Catalog struct {
	kinds map[string]Kind
}

// yamlCatalogFile is the top-level YAML structure for catalog files.
type yamlCatalogFile struct {
	Kinds []yamlKind `yaml:"kinds"`
}

type yamlKind struct {
	ID       string                `yaml:"id"`
	Label    string                `yaml:"label"`
	Timeout  string                `yaml:"timeout"`
	Requires inventory.Requirement `yaml:"requires"`
}

// NewCatalog builds a Catalog from kinds.
//
// Postcondition: Returns a Catalog or an error naming every invalid kind.
func NewCatalog(kinds ...Kind) (*Catalog, error) {
	c := &Catalog{kinds: make(map[string]Kind, len(kinds))}
	var errs []error
	for _, k := range kinds {
		switch {
		case k.ID == "":
			errs = append(errs, errors.New("kind id must not be empty"))
			continue
		case k.Timeout < 0:
			errs = append(errs, fmt.Errorf("kind %q: timeout must not be negative", k.ID))
		case !k.Requires.IsZero() && (k.Requires.Resource == "" || k.Requires.Min < 1):
			errs = append(errs, fmt.Errorf("kind %q: requires needs a resource and min >= 1", k.ID))
		}
		if _, dup := c.kinds[k.ID]; dup {
			errs = append(errs, fmt.Errorf("kind %q declared twice", k.ID))
		}
		if k.Label == "" {
			k.Label = k.ID
		}
		c.kinds[k.ID] = k
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("validating handshake catalog: %w", errors.Join(errs...))
	}
	return c, nil
}

// DefaultCatalog returns the built-in kinds: duel (needs five pokemon), cards, and quiz.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		Kind{ID: KindDuel, Label: "Duel", Requires: inventory.Requirement{Resource: "pokemon", Min: 5}},
		Kind{ID: "cards", Label: "Card game"},
		Kind{ID: "quiz", Label: "Quiz"},
	)
	if err != nil {
		panic("handshake.DefaultCatalog: " + err.Error())
	}
	return c
}

// LoadCatalogFromBytes parses and validates a catalog from YAML bytes.
//
// Precondition: data must be valid YAML conforming to the catalog schema.
// Postcondition: Returns a validated Catalog or a non-nil error.
func LoadCatalogFromBytes(data []byte) (*Catalog, error) {
	var file yamlCatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing handshake catalog YAML: %w", err)
	}

	kinds := make([]Kind, 0, len(file.Kinds))
	for _, yk := range file.Kinds {
		k := Kind{ID: yk.ID, Label: yk.Label, Requires: yk.Requires}
		if yk.Timeout != "" {
			d, err := time.ParseDuration(yk.Timeout)
			if err != nil {
				return nil, fmt.Errorf("kind %q: parsing timeout %q: %w", yk.ID, yk.Timeout, err)
			}
			k.Timeout = d
		}
		kinds = append(kinds, k)
	}
	return NewCatalog(kinds...)
}

// LoadCatalogFromFile reads and validates a catalog YAML file.
//
// Postcondition: Returns a validated Catalog or a non-nil error.
func LoadCatalogFromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading handshake catalog %s: %w", path, err)
	}
	return LoadCatalogFromBytes(data)
}

// LoadCatalog resolves the configured catalog path. An empty path selects
// DefaultCatalog so server and client agree when no file is configured.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	return LoadCatalogFromFile(path)
}

// Lookup returns the kind with the given id. An empty id resolves to KindDuel.
func (c *Catalog) Lookup(id string) (Kind, bool) {
	if id == "" {
		id = KindDuel
	}
	k, ok := c.kinds[id]
	return k, ok
}

// IDs returns every kind id in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.kinds))
	for id := range c.kinds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
