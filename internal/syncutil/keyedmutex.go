// Package syncutil provides the per-key locking primitive that serializes
// mutations against a single (member, namespace) slot.
package syncutil

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

// ErrBusy is returned when a lock could not be acquired within the caller's
// wait budget. The operation was not started; retrying is always safe.
var ErrBusy = errors.New("busy")

// Key builds the canonical lock key for a (member, namespace) pair.
func Key(memberID, namespace string) string {
	return memberID + "/" + namespace
}

// KeyedMutex is a fixed-size pool of channel-based mutexes keyed by string.
// The channel implementation allows callers to bail out on context
// cancellation or after a bounded wait, unlike sync.Mutex. Bounded memory
// regardless of how many keys are seen, at the cost of occasional false
// sharing between keys that hash to the same shard.
type KeyedMutex struct {
	shards [256]chanMutex
	once   sync.Once
}

type chanMutex struct {
	ch chan struct{}
}

// NewKeyedMutex creates a new keyed mutex pool.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	m.init()
	return m
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // Start unlocked.
		}
	})
}

// Lock acquires the mutex for the given key. It waits at most `wait`
// (forever if wait <= 0), respecting context cancellation throughout.
// On success it returns an unlock function the caller MUST call when done.
// Returns ErrBusy if the wait budget elapses, or the context error if the
// context is cancelled first.
func (m *KeyedMutex) Lock(ctx context.Context, key string, wait time.Duration) (func(), error) {
	m.init()
	shard := &m.shards[m.shardIdx(key)]

	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, ErrBusy
	}
}

// TryLock acquires the mutex only if it is immediately available.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	m.init()
	shard := &m.shards[m.shardIdx(key)]

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, true
	default:
		return nil, false
	}
}

func (m *KeyedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % 256
}
