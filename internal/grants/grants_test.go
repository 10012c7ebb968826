package grants

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func expiring(memberID, namespace, tierID string, expiresIn time.Duration) *Grant {
	expires := base.Add(expiresIn)
	return &Grant{
		MemberID:  memberID,
		Namespace: namespace,
		TierID:    tierID,
		GrantedAt: base,
		ExpiresAt: &expires,
	}
}

func TestGrantStates(t *testing.T) {
	g := expiring("m1", "premium", "premium_a", time.Hour)

	assert.False(t, g.Permanent())
	assert.True(t, g.ActiveAt(base))
	assert.True(t, g.ActiveAt(base.Add(59*time.Minute)))
	assert.False(t, g.ActiveAt(base.Add(time.Hour)))
	assert.True(t, g.ExpiredAt(base.Add(time.Hour)))

	perm := &Grant{MemberID: "m1", Namespace: "premium", TierID: "premium_a", GrantedAt: base}
	assert.True(t, perm.Permanent())
	assert.True(t, perm.ActiveAt(base.Add(100*365*24*time.Hour)))
	assert.False(t, perm.ExpiredAt(base.Add(100*365*24*time.Hour)))
}

func TestValidate(t *testing.T) {
	require.NoError(t, expiring("m1", "premium", "premium_a", time.Hour).Validate())

	bad := expiring("m1", "premium", "premium_a", -time.Hour)
	require.ErrorIs(t, bad.Validate(), ErrInvalidExpiry)

	equal := expiring("m1", "premium", "premium_a", 0)
	require.ErrorIs(t, equal.Validate(), ErrInvalidExpiry)

	perm := &Grant{MemberID: "m1", Namespace: "premium", TierID: "premium_a", GrantedAt: base}
	require.NoError(t, perm.Validate())
}

func TestMemoryStore_SetGetClear(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	g, err := store.GetActive(ctx, "m1", "premium")
	require.NoError(t, err)
	assert.Nil(t, g)

	require.NoError(t, store.Set(ctx, expiring("m1", "premium", "premium_a", time.Hour)))

	g, err = store.GetActive(ctx, "m1", "premium")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, "premium_a", g.TierID)

	// Set replaces.
	require.NoError(t, store.Set(ctx, expiring("m1", "premium", "premium_b", 2*time.Hour)))
	g, err = store.GetActive(ctx, "m1", "premium")
	require.NoError(t, err)
	assert.Equal(t, "premium_b", g.TierID)

	require.NoError(t, store.Clear(ctx, "m1", "premium"))
	g, err = store.GetActive(ctx, "m1", "premium")
	require.NoError(t, err)
	assert.Nil(t, g)

	// Clearing an absent row is a no-op.
	require.NoError(t, store.Clear(ctx, "m1", "premium"))
}

func TestMemoryStore_NamespacesAreIndependent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, expiring("m1", "premium", "premium_a", time.Hour)))
	require.NoError(t, store.Set(ctx, expiring("m1", "color", "color_red", time.Hour)))

	require.NoError(t, store.Clear(ctx, "m1", "premium"))

	g, err := store.GetActive(ctx, "m1", "color")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, "color_red", g.TierID)
}

func TestMemoryStore_ListByMember(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, expiring("m1", "premium", "premium_a", time.Hour)))
	require.NoError(t, store.Set(ctx, expiring("m1", "color", "color_red", time.Hour)))
	require.NoError(t, store.Set(ctx, expiring("m2", "premium", "premium_b", time.Hour)))

	list, err := store.ListByMember(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	// Sorted by namespace.
	assert.Equal(t, "color", list[0].Namespace)
	assert.Equal(t, "premium", list[1].Namespace)
}

func TestMemoryStore_ListExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, expiring("m1", "premium", "premium_a", time.Hour)))
	require.NoError(t, store.Set(ctx, expiring("m2", "premium", "premium_a", 3*time.Hour)))
	// Permanent grants are never listed.
	require.NoError(t, store.Set(ctx, &Grant{
		MemberID: "m3", Namespace: "premium", TierID: "premium_a", GrantedAt: base,
	}))

	expired, err := store.ListExpired(ctx, base.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "m1", expired[0].MemberID)

	expired, err = store.ListExpired(ctx, base.Add(4*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, expired, 2)

	// Limit caps the batch.
	expired, err = store.ListExpired(ctx, base.Add(4*time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, expired, 1)
}

func TestMemoryStore_CopiesOnReadWrite(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	g := expiring("m1", "premium", "premium_a", time.Hour)
	require.NoError(t, store.Set(ctx, g))

	// Mutating the caller's copy must not affect the stored row.
	g.TierID = "mutated"
	got, err := store.GetActive(ctx, "m1", "premium")
	require.NoError(t, err)
	assert.Equal(t, "premium_a", got.TierID)

	// Mutating a read copy must not either.
	got.TierID = "mutated"
	again, err := store.GetActive(ctx, "m1", "premium")
	require.NoError(t, err)
	assert.Equal(t, "premium_a", again.TierID)
}
