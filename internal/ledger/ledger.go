// Package ledger tracks member coin balances.
//
// Every balance-affecting operation appends an immutable Transaction; a
// member's balance always equals the sum of their transaction deltas, so
// the ledger is authoritative and reconstructible. Transactions carrying
// an external reference are applied at most once: replaying the same
// reference returns the original transaction unchanged.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Transaction is one immutable ledger row.
type Transaction struct {
	ID          string    `json:"id"`
	MemberID    string    `json:"memberId"`
	Delta       int64     `json:"delta"`
	Reason      string    `json:"reason"`
	ExternalRef string    `json:"externalRef,omitempty"` // unique when present
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists balances and the transaction log. Unknown members are
// auto-provisioned with balance 0 on first contact.
type Store interface {
	// GetBalance returns the member's current balance (0 for unknown members).
	GetBalance(ctx context.Context, memberID string) (int64, error)

	// Apply atomically adjusts the balance and appends a Transaction.
	// If externalRef is non-empty and already recorded, the prior
	// Transaction is returned with duplicate=true and nothing changes.
	// Returns ErrInsufficientFunds if the resulting balance would be
	// negative.
	Apply(ctx context.Context, memberID string, delta int64, reason, externalRef string) (tx *Transaction, duplicate bool, err error)

	// History returns the member's most recent transactions, newest first.
	History(ctx context.Context, memberID string, limit int) ([]*Transaction, error)

	// SumDeltas returns the sum of all transaction deltas for a member.
	SumDeltas(ctx context.Context, memberID string) (int64, error)

	// Members lists all member IDs with a balance row.
	Members(ctx context.Context) ([]string, error)
}

// Ledger provides validated access to the store.
type Ledger struct {
	store Store
}

// New creates a new ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Balance returns a member's current balance.
func (l *Ledger) Balance(ctx context.Context, memberID string) (int64, error) {
	return l.store.GetBalance(ctx, memberID)
}

// Credit adds coins to a member's balance. amount must be positive.
func (l *Ledger) Credit(ctx context.Context, memberID string, amount int64, reason, externalRef string) (*Transaction, bool, error) {
	if amount <= 0 {
		return nil, false, fmt.Errorf("%w: credit amount must be positive, got %d", ErrInvalidAmount, amount)
	}
	return l.store.Apply(ctx, memberID, amount, reason, externalRef)
}

// Debit removes coins from a member's balance. amount must be positive.
// Fails with ErrInsufficientFunds rather than overdrawing.
func (l *Ledger) Debit(ctx context.Context, memberID string, amount int64, reason string) (*Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: debit amount must be positive, got %d", ErrInvalidAmount, amount)
	}
	tx, _, err := l.store.Apply(ctx, memberID, -amount, reason, "")
	return tx, err
}

// History returns a member's recent transactions, newest first.
func (l *Ledger) History(ctx context.Context, memberID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, memberID, limit)
}
