// Package purchase implements the buy/extend/upgrade/downgrade/cancel
// state machine over the ledger and the grant registry.
//
// Per (member, namespace) the states are NONE and ACTIVE(tier, expiry).
// extend keeps the tier and pushes the expiry out; upgrade/downgrade swap
// the tier with a pro-rated credit for unused time; cancel and expiry
// return to NONE. Every mutating operation commits the ledger and
// registry changes atomically: currency is never spent without the
// matching grant mutation, and vice versa.
package purchase

import (
	"context"
	"errors"

	"github.com/tbranch/guildbank/internal/grants"
	"github.com/tbranch/guildbank/internal/ledger"
	"github.com/tbranch/guildbank/internal/syncutil"
)

var (
	ErrAlreadyActive  = errors.New("subscription already active")
	ErrNoActiveGrant  = errors.New("no active grant")
	ErrTierMismatch   = errors.New("tier mismatch")
	ErrPermanentGrant = errors.New("grant is permanent")
	ErrTimeout        = errors.New("operation timed out")

	// ErrBusy is transient lock contention; the operation was not started
	// and retrying is safe.
	ErrBusy = syncutil.ErrBusy
)

// Snapshot is the committed state read before deciding an operation.
type Snapshot struct {
	Balance int64
	Grant   *grants.Grant // raw registry row; may be expired, nil if none
}

// Entry specifies one ledger application inside a commit.
type Entry struct {
	Delta  int64
	Reason string
}

// Commit describes the full atomic effect of one operation.
type Commit struct {
	MemberID  string
	Namespace string
	Entries   []Entry       // applied in order; balance never dips below zero
	Grant     *grants.Grant // resulting grant; nil leaves the registry row alone
	Clear     bool          // remove the registry row instead
}

// Store couples the ledger and registry mutations of one operation into a
// single all-or-nothing commit. Implementations must guarantee that a
// failed or cancelled Commit leaves no partial state.
type Store interface {
	Snapshot(ctx context.Context, memberID, namespace string) (*Snapshot, error)
	Apply(ctx context.Context, c Commit) ([]*ledger.Transaction, error)
}

// Receipt is returned to the command layer for rendering.
type Receipt struct {
	Op           string                `json:"op"`
	MemberID     string                `json:"memberId"`
	Namespace    string                `json:"namespace"`
	TierID       string                `json:"tierId,omitempty"`
	Transactions []*ledger.Transaction `json:"transactions"`
	NewBalance   int64                 `json:"newBalance"`
	Grant        *grants.Grant         `json:"grant,omitempty"` // nil after cancel
}

// Publisher receives committed receipts for live streaming. Implemented by
// the realtime hub; a nil publisher is a no-op.
type Publisher interface {
	PublishReceipt(r *Receipt)
}
