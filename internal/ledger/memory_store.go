package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tbranch/guildbank/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]int64
	txns     []*Transaction
	byRef    map[string]*Transaction // externalRef -> transaction
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]int64),
		txns:     make([]*Transaction, 0),
		byRef:    make(map[string]*Transaction),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, memberID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[memberID]
	if !ok {
		// First contact provisions the account at zero, so member
		// listings and audits include read-only members.
		m.balances[memberID] = 0
	}
	return bal, nil
}

func (m *MemoryStore) Apply(ctx context.Context, memberID string, delta int64, reason, externalRef string) (*Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if externalRef != "" {
		if prior, ok := m.byRef[externalRef]; ok {
			return prior, true, nil
		}
	}

	newBal := m.balances[memberID] + delta
	if newBal < 0 {
		return nil, false, ErrInsufficientFunds
	}

	tx := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		MemberID:    memberID,
		Delta:       delta,
		Reason:      reason,
		ExternalRef: externalRef,
		CreatedAt:   time.Now(),
	}

	m.balances[memberID] = newBal
	m.txns = append(m.txns, tx)
	if externalRef != "" {
		m.byRef[externalRef] = tx
	}

	return tx, false, nil
}

func (m *MemoryStore) History(ctx context.Context, memberID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.txns) - 1; i >= 0 && len(result) < limit; i-- {
		if m.txns[i].MemberID == memberID {
			result = append(result, m.txns[i])
		}
	}
	return result, nil
}

func (m *MemoryStore) SumDeltas(ctx context.Context, memberID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, tx := range m.txns {
		if tx.MemberID == memberID {
			sum += tx.Delta
		}
	}
	return sum, nil
}

func (m *MemoryStore) Members(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.balances))
	for id := range m.balances {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
