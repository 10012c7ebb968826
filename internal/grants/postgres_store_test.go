//go:build integration

package grants

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM tier_grants")
		db.Close()
	}

	return store, cleanup
}

func pgGrant(memberID, namespace, tierID string, ttl time.Duration) *Grant {
	now := time.Now().UTC().Truncate(time.Microsecond)
	expires := now.Add(ttl)
	return &Grant{
		MemberID:  memberID,
		Namespace: namespace,
		TierID:    tierID,
		GrantedAt: now,
		ExpiresAt: &expires,
	}
}

func TestPostgres_SetGetClear(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	g, err := store.GetActive(ctx, "m1", "premium")
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if g != nil {
		t.Fatal("Expected no grant before Set")
	}

	if err := store.Set(ctx, pgGrant("m1", "premium", "premium_bronze", time.Hour)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	g, err = store.GetActive(ctx, "m1", "premium")
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if g == nil || g.TierID != "premium_bronze" {
		t.Fatalf("Expected premium_bronze grant, got %+v", g)
	}
	if g.ExpiresAt == nil {
		t.Error("Expected expiring grant")
	}

	// Set replaces the row for the same (member, namespace)
	if err := store.Set(ctx, pgGrant("m1", "premium", "premium_silver", 2*time.Hour)); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	g, _ = store.GetActive(ctx, "m1", "premium")
	if g.TierID != "premium_silver" {
		t.Errorf("Expected replaced tier premium_silver, got %s", g.TierID)
	}

	if err := store.Clear(ctx, "m1", "premium"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	g, _ = store.GetActive(ctx, "m1", "premium")
	if g != nil {
		t.Error("Expected no grant after Clear")
	}

	// Clearing an absent row is a no-op
	if err := store.Clear(ctx, "m1", "premium"); err != nil {
		t.Errorf("Clear of absent row failed: %v", err)
	}
}

func TestPostgres_PermanentGrant(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	perm := &Grant{
		MemberID:  "m2",
		Namespace: "premium",
		TierID:    "premium_gold",
		GrantedAt: time.Now().UTC(),
	}
	if err := store.Set(ctx, perm); err != nil {
		t.Fatalf("Set permanent grant failed: %v", err)
	}

	g, err := store.GetActive(ctx, "m2", "premium")
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if g.ExpiresAt != nil {
		t.Error("Expected nil ExpiresAt for permanent grant")
	}
	if !g.Permanent() {
		t.Error("Expected Permanent() to be true")
	}
}

func TestPostgres_ListByMember(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	store.Set(ctx, pgGrant("m3", "premium", "premium_bronze", time.Hour))
	store.Set(ctx, pgGrant("m3", "color", "color_custom", time.Hour))
	store.Set(ctx, pgGrant("m4", "premium", "premium_gold", time.Hour))

	list, err := store.ListByMember(ctx, "m3")
	if err != nil {
		t.Fatalf("ListByMember failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 grants, got %d", len(list))
	}
	// Sorted by namespace
	if list[0].Namespace != "color" || list[1].Namespace != "premium" {
		t.Errorf("Expected namespace order color, premium; got %s, %s",
			list[0].Namespace, list[1].Namespace)
	}
}

func TestPostgres_ListExpired(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()

	// Already past expiry (granted two hours ago, lapsed one hour ago)
	past := now.Add(-time.Hour)
	store.Set(ctx, &Grant{
		MemberID: "m5", Namespace: "premium", TierID: "premium_bronze",
		GrantedAt: now.Add(-2 * time.Hour), ExpiresAt: &past,
	})
	// Still active
	store.Set(ctx, pgGrant("m6", "premium", "premium_bronze", time.Hour))
	// Permanent grants never expire
	store.Set(ctx, &Grant{
		MemberID: "m7", Namespace: "premium", TierID: "premium_gold", GrantedAt: now,
	})

	expired, err := store.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpired failed: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("Expected 1 expired grant, got %d", len(expired))
	}
	if expired[0].MemberID != "m5" {
		t.Errorf("Expected m5 expired, got %s", expired[0].MemberID)
	}

	// Limit caps the batch
	far := now.Add(3 * time.Hour)
	expired, err = store.ListExpired(ctx, far, 1)
	if err != nil {
		t.Fatalf("ListExpired failed: %v", err)
	}
	if len(expired) != 1 {
		t.Errorf("Expected batch of 1 with limit, got %d", len(expired))
	}
}

func TestPostgres_InvalidExpiryRejected(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now().UTC()
	bad := &Grant{
		MemberID: "m8", Namespace: "premium", TierID: "premium_bronze",
		GrantedAt: now, ExpiresAt: &now,
	}
	if err := store.Set(context.Background(), bad); err == nil {
		t.Fatal("Expected Set to reject expiry not after grant time")
	}
}
