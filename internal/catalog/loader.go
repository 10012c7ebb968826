package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// fileTier is the on-disk shape of a tier. Durations are Go duration
// strings ("720h"), parsed and validated at load.
type fileTier struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Duration  string `json:"duration"`
	Rank      int    `json:"rank"`
}

// Load reads a tier catalog from a JSON file and validates it.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var raw []fileTier
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	tiers := make([]Tier, 0, len(raw))
	for _, ft := range raw {
		d, err := time.ParseDuration(ft.Duration)
		if err != nil {
			return nil, fmt.Errorf("%w: tier %q has bad duration %q", ErrInvalidCatalog, ft.ID, ft.Duration)
		}
		tiers = append(tiers, Tier{
			ID:        ft.ID,
			Namespace: ft.Namespace,
			Name:      ft.Name,
			Price:     ft.Price,
			Duration:  d,
			Rank:      ft.Rank,
		})
	}

	return New(tiers)
}

// Default returns the built-in catalog used when no CATALOG_PATH is set.
func Default() *Catalog {
	c, err := New([]Tier{
		{ID: "premium_bronze", Namespace: "premium", Name: "Bronze", Price: 50, Duration: 720 * time.Hour, Rank: 1},
		{ID: "premium_silver", Namespace: "premium", Name: "Silver", Price: 100, Duration: 720 * time.Hour, Rank: 2},
		{ID: "premium_gold", Namespace: "premium", Name: "Gold", Price: 250, Duration: 720 * time.Hour, Rank: 3},
		{ID: "color_custom", Namespace: "color", Name: "Custom Color", Price: 25, Duration: 168 * time.Hour, Rank: 1},
	})
	if err != nil {
		// The built-in catalog is covered by tests; this cannot happen.
		panic("built-in catalog invalid: " + err.Error())
	}
	return c
}
