package grants

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory grant registry for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]*Grant // member/namespace -> grant
}

// NewMemoryStore creates a new in-memory grant registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]*Grant)}
}

func key(memberID, namespace string) string {
	return memberID + "/" + namespace
}

func (m *MemoryStore) GetActive(ctx context.Context, memberID, namespace string) (*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.grants[key(memberID, namespace)]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryStore) Set(ctx context.Context, g *Grant) error {
	if err := g.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *g
	m.grants[key(g.MemberID, g.Namespace)] = &cp
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context, memberID, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.grants, key(memberID, namespace))
	return nil
}

func (m *MemoryStore) ListByMember(ctx context.Context, memberID string) ([]*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Grant
	for _, g := range m.grants {
		if g.MemberID == memberID {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Grant
	for _, g := range m.grants {
		if g.ExpiresAt != nil && !g.ExpiresAt.After(before) {
			cp := *g
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
