package purchase

import (
	"context"
	"fmt"

	"github.com/tbranch/guildbank/internal/grants"
	"github.com/tbranch/guildbank/internal/ledger"
)

// MemoryStore couples the in-memory ledger and grant registry.
//
// Atomicity strategy: all entries are validated against a running balance
// before anything is applied. Mutations for a given (member, namespace) are
// serialized by the service's keyed lock, and the only writers outside that
// lock (external payment credits) can never make validation stale because
// they only raise the balance.
type MemoryStore struct {
	ledger *ledger.MemoryStore
	grants *grants.MemoryStore
}

// NewMemoryStore creates a composite store over the in-memory backends.
func NewMemoryStore(l *ledger.MemoryStore, g *grants.MemoryStore) *MemoryStore {
	return &MemoryStore{ledger: l, grants: g}
}

func (m *MemoryStore) Snapshot(ctx context.Context, memberID, namespace string) (*Snapshot, error) {
	balance, err := m.ledger.GetBalance(ctx, memberID)
	if err != nil {
		return nil, err
	}
	grant, err := m.grants.GetActive(ctx, memberID, namespace)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Balance: balance, Grant: grant}, nil
}

func (m *MemoryStore) Apply(ctx context.Context, c Commit) ([]*ledger.Transaction, error) {
	balance, err := m.ledger.GetBalance(ctx, c.MemberID)
	if err != nil {
		return nil, err
	}
	running := balance
	for _, e := range c.Entries {
		running += e.Delta
		if running < 0 {
			return nil, ledger.ErrInsufficientFunds
		}
	}

	// Validate the grant before touching the ledger so a bad grant cannot
	// strand applied entries.
	if c.Grant != nil {
		if err := c.Grant.Validate(); err != nil {
			return nil, err
		}
	}

	txns := make([]*ledger.Transaction, 0, len(c.Entries))
	for _, e := range c.Entries {
		tx, _, err := m.ledger.Apply(ctx, c.MemberID, e.Delta, e.Reason, "")
		if err != nil {
			return nil, fmt.Errorf("apply %q: %w", e.Reason, err)
		}
		txns = append(txns, tx)
	}

	switch {
	case c.Clear:
		if err := m.grants.Clear(ctx, c.MemberID, c.Namespace); err != nil {
			return nil, err
		}
	case c.Grant != nil:
		if err := m.grants.Set(ctx, c.Grant); err != nil {
			return nil, err
		}
	}
	return txns, nil
}
