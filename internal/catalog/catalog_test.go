package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTiers() []Tier {
	return []Tier{
		{ID: "premium_a", Namespace: "premium", Name: "A", Price: 50, Duration: 720 * time.Hour, Rank: 1},
		{ID: "premium_b", Namespace: "premium", Name: "B", Price: 100, Duration: 720 * time.Hour, Rank: 2},
		{ID: "color_red", Namespace: "color", Name: "Red", Price: 25, Duration: 168 * time.Hour, Rank: 1},
	}
}

func TestNew(t *testing.T) {
	c, err := New(validTiers())
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())

	tier, err := c.Tier("premium_b")
	require.NoError(t, err)
	assert.Equal(t, int64(100), tier.Price)

	_, err = c.Tier("nope")
	require.ErrorIs(t, err, ErrUnknownTier)

	assert.Equal(t, []string{"color", "premium"}, c.Namespaces())
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name  string
		tiers []Tier
	}{
		{"empty id", []Tier{{Namespace: "premium", Price: 50, Duration: time.Hour, Rank: 1}}},
		{"empty namespace", []Tier{{ID: "a", Price: 50, Duration: time.Hour, Rank: 1}}},
		{"zero price", []Tier{{ID: "a", Namespace: "premium", Price: 0, Duration: time.Hour, Rank: 1}}},
		{"negative price", []Tier{{ID: "a", Namespace: "premium", Price: -5, Duration: time.Hour, Rank: 1}}},
		{"zero duration", []Tier{{ID: "a", Namespace: "premium", Price: 50, Rank: 1}}},
		{"duplicate id", []Tier{
			{ID: "a", Namespace: "premium", Price: 50, Duration: time.Hour, Rank: 1},
			{ID: "a", Namespace: "premium", Price: 100, Duration: time.Hour, Rank: 2},
		}},
		{"duplicate rank in namespace", []Tier{
			{ID: "a", Namespace: "premium", Price: 50, Duration: time.Hour, Rank: 1},
			{ID: "b", Namespace: "premium", Price: 100, Duration: time.Hour, Rank: 1},
		}},
		{"price not increasing with rank", []Tier{
			{ID: "a", Namespace: "premium", Price: 100, Duration: time.Hour, Rank: 1},
			{ID: "b", Namespace: "premium", Price: 50, Duration: time.Hour, Rank: 2},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.tiers)
			require.ErrorIs(t, err, ErrInvalidCatalog)
		})
	}
}

func TestTiers_SortedAndCopied(t *testing.T) {
	c, err := New([]Tier{
		{ID: "b", Namespace: "premium", Price: 100, Duration: time.Hour, Rank: 2},
		{ID: "a", Namespace: "premium", Price: 50, Duration: time.Hour, Rank: 1},
	})
	require.NoError(t, err)

	list := c.Tiers("premium")
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	// Mutating the returned slice must not affect the catalog.
	list[0].ID = "mutated"
	again := c.Tiers("premium")
	assert.Equal(t, "a", again[0].ID)

	assert.Empty(t, c.Tiers("unknown"))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "premium_a", "namespace": "premium", "name": "A", "price": 50, "duration": "720h", "rank": 1},
		{"id": "premium_b", "namespace": "premium", "name": "B", "price": 100, "duration": "720h", "rank": 2}
	]`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	tier, err := c.Tier("premium_a")
	require.NoError(t, err)
	assert.Equal(t, 720*time.Hour, tier.Duration)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))
	_, err = Load(path)
	require.ErrorIs(t, err, ErrInvalidCatalog)

	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "a", "namespace": "premium", "price": 50, "duration": "one month", "rank": 1}
	]`), 0o644))
	_, err = Load(path)
	require.ErrorIs(t, err, ErrInvalidCatalog)
}

func TestDefault(t *testing.T) {
	c := Default()
	require.NotNil(t, c)
	assert.Equal(t, 4, c.Len())

	premium := c.Tiers("premium")
	require.Len(t, premium, 3)
	assert.Equal(t, "premium_bronze", premium[0].ID)
	assert.Equal(t, "premium_gold", premium[2].ID)
}
