// Package sweeper revokes tier grants whose expiry has passed.
//
// Expiry is lazy: purchase operations already ignore expired rows, so the
// sweeper's job is cleanup and side effects (removing the role on the
// platform side). A grant that expires between sweeps is never treated as
// active by anything else in the meantime.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/tbranch/guildbank/internal/grants"
	"github.com/tbranch/guildbank/internal/metrics"
	"github.com/tbranch/guildbank/internal/purchase"
	"github.com/tbranch/guildbank/internal/syncutil"
	"github.com/tbranch/guildbank/internal/traces"
)

// Revoker applies the platform-side effect of an expired grant, typically
// removing a role from the member. It runs after the registry row is cleared
// and outside the member lock, so a slow platform call never blocks purchase
// operations. Failures are logged and counted; the expiry event is still
// published, leaving an event trail the platform side can reconcile from.
type Revoker interface {
	RevokeRole(ctx context.Context, g *grants.Grant) error
}

// RevokerFunc adapts a function to the Revoker interface.
type RevokerFunc func(ctx context.Context, g *grants.Grant) error

func (f RevokerFunc) RevokeRole(ctx context.Context, g *grants.Grant) error {
	return f(ctx, g)
}

// Publisher receives revoked grants for live streaming. Implemented by the
// realtime hub; a nil publisher is a no-op.
type Publisher interface {
	PublishGrantExpired(g *grants.Grant)
}

// Result summarizes one sweep pass.
type Result struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	Errors  int `json:"errors"`
}

// Sweeper finds and revokes expired grants in batches.
type Sweeper struct {
	registry grants.Store
	store    purchase.Store
	locks    *syncutil.KeyedMutex
	revoker  Revoker
	publish  Publisher
	logger   *slog.Logger
	batch    int
	now      func() time.Time
}

// Option configures the sweeper.
type Option func(*Sweeper)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

// WithBatchSize caps how many grants one pass processes.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) { s.batch = n }
}

// WithRevoker sets the platform-side revocation hook.
func WithRevoker(r Revoker) Option {
	return func(s *Sweeper) { s.revoker = r }
}

// WithPublisher streams revoked grants to the given publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Sweeper) { s.publish = p }
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a sweeper over the grant registry.
func New(registry grants.Store, store purchase.Store, locks *syncutil.KeyedMutex, opts ...Option) *Sweeper {
	s := &Sweeper{
		registry: registry,
		store:    store,
		locks:    locks,
		logger:   slog.Default(),
		batch:    100,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep runs one pass: list expired grants, and for each one revoke the
// platform role and clear the registry row. Safe to run concurrently with
// purchase operations and with itself; each grant is re-checked under the
// member lock before anything happens.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	ctx, span := traces.StartSpan(ctx, "sweeper.sweep")
	defer span.End()

	metrics.SweepRunsTotal.Inc()

	now := s.now()
	expired, err := s.registry.ListExpired(ctx, now, s.batch)
	if err != nil {
		return Result{}, err
	}

	res := Result{Scanned: len(expired)}
	for _, g := range expired {
		cur, err := s.sweepOne(ctx, g, now)
		if err != nil {
			res.Errors++
			metrics.SweepErrorsTotal.Inc()
			s.logger.Warn("failed to sweep grant",
				"member", g.MemberID,
				"namespace", g.Namespace,
				"tier", g.TierID,
				"error", err,
			)
			continue
		}
		if cur == nil {
			// Contended slot or already replaced; the next pass picks
			// it up.
			continue
		}
		res.Expired++
		metrics.SweepExpiredTotal.Inc()

		// Platform side effects run outside the member lock so a slow
		// revocation call never blocks purchase operations.
		if s.revoker != nil {
			if err := s.revoker.RevokeRole(ctx, cur); err != nil {
				res.Errors++
				metrics.SweepErrorsTotal.Inc()
				s.logger.Warn("role revocation failed",
					"member", cur.MemberID,
					"namespace", cur.Namespace,
					"tier", cur.TierID,
					"error", err,
				)
			}
		}
		if s.publish != nil {
			s.publish.PublishGrantExpired(cur)
		}
		s.logger.Info("revoked expired grant",
			"member", cur.MemberID,
			"namespace", cur.Namespace,
			"tier", cur.TierID,
			"expiredAt", cur.ExpiresAt,
		)
	}
	return res, nil
}

// sweepOne clears one expired grant and records its audit entry, holding the
// member lock only for the store commit. It returns the cleared grant, or nil
// when the slot was contended or the grant was replaced in the meantime.
func (s *Sweeper) sweepOne(ctx context.Context, g *grants.Grant, now time.Time) (*grants.Grant, error) {
	unlock, ok := s.locks.TryLock(syncutil.Key(g.MemberID, g.Namespace))
	if !ok {
		// A purchase operation is mid-flight.
		return nil, nil
	}
	defer unlock()

	// Re-read under the lock: the member may have re-bought or the grant
	// may already be gone.
	cur, err := s.registry.GetActive(ctx, g.MemberID, g.Namespace)
	if err != nil {
		return nil, err
	}
	if cur == nil || !cur.ExpiredAt(now) {
		return nil, nil
	}

	// Zero-delta entry keeps an audit trail of the expiry without moving
	// coins.
	_, err = s.store.Apply(ctx, purchase.Commit{
		MemberID:  cur.MemberID,
		Namespace: cur.Namespace,
		Entries:   []purchase.Entry{{Delta: 0, Reason: "expired:" + cur.TierID}},
		Clear:     true,
	})
	if err != nil {
		return nil, err
	}
	return cur, nil
}
