// Package grants tracks the active tier grant per (member, namespace).
//
// A namespace is an independent grant slot ("premium", "color"): a member
// holds at most one grant per namespace. Grants with no expiry are
// permanent administrative grants and are never swept.
package grants

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidExpiry = errors.New("grant expiry must be after grant time")

// Grant associates a member with a tier until it expires.
type Grant struct {
	MemberID  string     `json:"memberId"`
	Namespace string     `json:"namespace"`
	TierID    string     `json:"tierId"`
	GrantedAt time.Time  `json:"grantedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"` // nil = permanent
}

// Permanent reports whether the grant never expires.
func (g *Grant) Permanent() bool {
	return g.ExpiresAt == nil
}

// ExpiredAt reports whether the grant has lapsed as of now.
func (g *Grant) ExpiredAt(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// ActiveAt reports whether the grant is in force as of now.
func (g *Grant) ActiveAt(now time.Time) bool {
	return !g.ExpiredAt(now)
}

// Validate checks grant-internal consistency before it is stored.
func (g *Grant) Validate() error {
	if g.ExpiresAt != nil && !g.ExpiresAt.After(g.GrantedAt) {
		return ErrInvalidExpiry
	}
	return nil
}

// Store persists grants. Registry rows may linger past expiry until the
// sweeper clears them; callers decide how to treat expired rows.
type Store interface {
	// GetActive returns the grant for (member, namespace), or (nil, nil)
	// when no row exists. The row may be expired.
	GetActive(ctx context.Context, memberID, namespace string) (*Grant, error)

	// Set replaces any existing grant for the grant's (member, namespace).
	Set(ctx context.Context, g *Grant) error

	// Clear removes the grant for (member, namespace). Clearing an absent
	// row is a no-op.
	Clear(ctx context.Context, memberID, namespace string) error

	// ListByMember returns all grant rows for a member.
	ListByMember(ctx context.Context, memberID string) ([]*Grant, error)

	// ListExpired returns up to limit grants whose expiry is at or before
	// the given time. Permanent grants are never returned.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Grant, error)
}
