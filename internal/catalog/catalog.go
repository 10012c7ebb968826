// Package catalog holds the purchasable tier definitions.
//
// The catalog is validated once at load and immutable afterwards. A
// hot-reload, if ever needed, must build a new Catalog and swap the
// pointer; existing Catalog values are never mutated.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrInvalidCatalog = errors.New("invalid catalog")
	ErrUnknownTier    = errors.New("unknown tier")
)

// Tier is a purchasable role definition.
type Tier struct {
	ID        string        `json:"id"`
	Namespace string        `json:"namespace"` // grant slot, e.g. "premium", "color"
	Name      string        `json:"name"`
	Price     int64         `json:"price"`    // whole coin units
	Duration  time.Duration `json:"duration"` // grant length per purchase
	Rank      int           `json:"rank"`     // orders upgrade/downgrade within a namespace
}

// Catalog is a validated, immutable set of tiers.
type Catalog struct {
	byID        map[string]Tier
	byNamespace map[string][]Tier // ascending rank
}

// New validates the given tiers and builds a catalog.
//
// Rules enforced here, not at use time:
//   - IDs are unique, prices and durations are positive
//   - within a namespace, ranks are unique and price strictly increases
//     with rank
func New(tiers []Tier) (*Catalog, error) {
	c := &Catalog{
		byID:        make(map[string]Tier, len(tiers)),
		byNamespace: make(map[string][]Tier),
	}

	for _, t := range tiers {
		if t.ID == "" {
			return nil, fmt.Errorf("%w: tier with empty id", ErrInvalidCatalog)
		}
		if t.Namespace == "" {
			return nil, fmt.Errorf("%w: tier %q has empty namespace", ErrInvalidCatalog, t.ID)
		}
		if t.Price <= 0 {
			return nil, fmt.Errorf("%w: tier %q has non-positive price %d", ErrInvalidCatalog, t.ID, t.Price)
		}
		if t.Duration <= 0 {
			return nil, fmt.Errorf("%w: tier %q has non-positive duration", ErrInvalidCatalog, t.ID)
		}
		if _, dup := c.byID[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate tier id %q", ErrInvalidCatalog, t.ID)
		}
		c.byID[t.ID] = t
		c.byNamespace[t.Namespace] = append(c.byNamespace[t.Namespace], t)
	}

	for ns, list := range c.byNamespace {
		sort.Slice(list, func(i, j int) bool { return list[i].Rank < list[j].Rank })
		for i := 1; i < len(list); i++ {
			if list[i].Rank == list[i-1].Rank {
				return nil, fmt.Errorf("%w: namespace %q has duplicate rank %d", ErrInvalidCatalog, ns, list[i].Rank)
			}
			// Rank order must agree with price order.
			if list[i].Price <= list[i-1].Price {
				return nil, fmt.Errorf("%w: namespace %q tier %q (rank %d) priced at or below lower-ranked %q",
					ErrInvalidCatalog, ns, list[i].ID, list[i].Rank, list[i-1].ID)
			}
		}
		c.byNamespace[ns] = list
	}

	return c, nil
}

// Tier returns the tier with the given id.
func (c *Catalog) Tier(id string) (Tier, error) {
	t, ok := c.byID[id]
	if !ok {
		return Tier{}, fmt.Errorf("%w: %q", ErrUnknownTier, id)
	}
	return t, nil
}

// Tiers returns the tiers of a namespace in ascending rank order.
func (c *Catalog) Tiers(namespace string) []Tier {
	list := c.byNamespace[namespace]
	out := make([]Tier, len(list))
	copy(out, list)
	return out
}

// Namespaces returns all namespaces with at least one tier, sorted.
func (c *Catalog) Namespaces() []string {
	out := make([]string, 0, len(c.byNamespace))
	for ns := range c.byNamespace {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of tiers in the catalog.
func (c *Catalog) Len() int {
	return len(c.byID)
}
