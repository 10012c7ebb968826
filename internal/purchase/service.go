package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tbranch/guildbank/internal/catalog"
	"github.com/tbranch/guildbank/internal/grants"
	"github.com/tbranch/guildbank/internal/ledger"
	"github.com/tbranch/guildbank/internal/metrics"
	"github.com/tbranch/guildbank/internal/syncutil"
	"github.com/tbranch/guildbank/internal/traces"
)

// DefaultLockWait bounds how long an operation waits for the member lock
// before reporting Busy.
const DefaultLockWait = 2 * time.Second

// Service orchestrates purchase-family operations.
type Service struct {
	store    Store
	catalog  *catalog.Catalog
	locks    *syncutil.KeyedMutex
	logger   *slog.Logger
	publish  Publisher
	lockWait time.Duration
	now      func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithLockWait bounds the wait for the per-member lock.
func WithLockWait(d time.Duration) Option {
	return func(s *Service) { s.lockWait = d }
}

// WithPublisher streams committed receipts to the given publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publish = p }
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new purchase orchestrator.
func NewService(store Store, cat *catalog.Catalog, locks *syncutil.KeyedMutex, opts ...Option) *Service {
	s := &Service{
		store:    store,
		catalog:  cat,
		locks:    locks,
		logger:   slog.Default(),
		lockWait: DefaultLockWait,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Active returns the member's current grant for a namespace, or nil.
// Read-only; never blocks on member locks.
func (s *Service) Active(ctx context.Context, memberID, namespace string) (*grants.Grant, error) {
	snap, err := s.store.Snapshot(ctx, memberID, namespace)
	if err != nil {
		return nil, err
	}
	if snap.Grant == nil || !snap.Grant.ActiveAt(s.now()) {
		return nil, nil
	}
	return snap.Grant, nil
}

// Buy purchases a tier for a member with no active grant in the tier's
// namespace. Debits the full price and grants now + duration.
func (s *Service) Buy(ctx context.Context, memberID, tierID string) (*Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "purchase.buy",
		traces.MemberID(memberID), traces.TierID(tierID))
	defer span.End()

	return s.run(ctx, "buy", memberID, tierID, func(tier catalog.Tier, snap *Snapshot, now time.Time) (*Commit, *grants.Grant, error) {
		if snap.Grant != nil && snap.Grant.ActiveAt(now) {
			return nil, nil, ErrAlreadyActive
		}
		if snap.Balance < tier.Price {
			return nil, nil, ledger.ErrInsufficientFunds
		}

		expires := now.Add(tier.Duration)
		g := &grants.Grant{
			MemberID:  memberID,
			Namespace: tier.Namespace,
			TierID:    tier.ID,
			GrantedAt: now,
			ExpiresAt: &expires,
		}
		c := &Commit{
			MemberID:  memberID,
			Namespace: tier.Namespace,
			Entries:   []Entry{{Delta: -tier.Price, Reason: "buy:" + tier.ID}},
			Grant:     g,
		}
		return c, g, nil
	})
}

// Extend stacks another period onto the member's active grant of the same
// tier. The new expiry is the old expiry plus the tier duration; remaining
// time is never forfeited.
func (s *Service) Extend(ctx context.Context, memberID, tierID string) (*Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "purchase.extend",
		traces.MemberID(memberID), traces.TierID(tierID))
	defer span.End()

	return s.run(ctx, "extend", memberID, tierID, func(tier catalog.Tier, snap *Snapshot, now time.Time) (*Commit, *grants.Grant, error) {
		cur, err := s.activeGrant(snap, now)
		if err != nil {
			return nil, nil, err
		}
		if cur.TierID != tier.ID {
			return nil, nil, fmt.Errorf("%w: active tier is %q", ErrTierMismatch, cur.TierID)
		}
		if snap.Balance < tier.Price {
			return nil, nil, ledger.ErrInsufficientFunds
		}

		expires := cur.ExpiresAt.Add(tier.Duration)
		g := &grants.Grant{
			MemberID:  memberID,
			Namespace: tier.Namespace,
			TierID:    tier.ID,
			GrantedAt: cur.GrantedAt,
			ExpiresAt: &expires,
		}
		c := &Commit{
			MemberID:  memberID,
			Namespace: tier.Namespace,
			Entries:   []Entry{{Delta: -tier.Price, Reason: "extend:" + tier.ID}},
			Grant:     g,
		}
		return c, g, nil
	})
}

// Upgrade replaces the active grant with a higher-ranked tier. The unused
// portion of the current tier is credited against the new price and the
// grant restarts at now + the new tier's duration.
func (s *Service) Upgrade(ctx context.Context, memberID, tierID string) (*Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "purchase.upgrade",
		traces.MemberID(memberID), traces.TierID(tierID))
	defer span.End()

	return s.run(ctx, "upgrade", memberID, tierID, func(tier catalog.Tier, snap *Snapshot, now time.Time) (*Commit, *grants.Grant, error) {
		cur, curTier, err := s.activeTier(snap, now)
		if err != nil {
			return nil, nil, err
		}
		if tier.Rank <= curTier.Rank {
			return nil, nil, fmt.Errorf("%w: %q does not outrank active tier %q", ErrTierMismatch, tier.ID, curTier.ID)
		}

		credit := proratedCredit(curTier.Price, cur.ExpiresAt.Sub(now), curTier.Duration)
		netCost := tier.Price - credit
		if netCost < 0 {
			netCost = 0
		}
		if snap.Balance < netCost {
			return nil, nil, ledger.ErrInsufficientFunds
		}

		expires := now.Add(tier.Duration)
		g := &grants.Grant{
			MemberID:  memberID,
			Namespace: tier.Namespace,
			TierID:    tier.ID,
			GrantedAt: now,
			ExpiresAt: &expires,
		}
		c := &Commit{
			MemberID:  memberID,
			Namespace: tier.Namespace,
			Entries:   []Entry{{Delta: -netCost, Reason: "upgrade:" + tier.ID}},
			Grant:     g,
		}
		return c, g, nil
	})
}

// Downgrade replaces the active grant with a lower-ranked tier. The unused
// portion of the current tier is credited and the new tier's full price is
// charged; depending on the amounts the net effect can go either way, but
// the balance is never allowed to go negative.
func (s *Service) Downgrade(ctx context.Context, memberID, tierID string) (*Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "purchase.downgrade",
		traces.MemberID(memberID), traces.TierID(tierID))
	defer span.End()

	return s.run(ctx, "downgrade", memberID, tierID, func(tier catalog.Tier, snap *Snapshot, now time.Time) (*Commit, *grants.Grant, error) {
		cur, curTier, err := s.activeTier(snap, now)
		if err != nil {
			return nil, nil, err
		}
		if tier.Rank >= curTier.Rank {
			return nil, nil, fmt.Errorf("%w: %q does not rank below active tier %q", ErrTierMismatch, tier.ID, curTier.ID)
		}

		credit := proratedCredit(curTier.Price, cur.ExpiresAt.Sub(now), curTier.Duration)
		if snap.Balance+credit < tier.Price {
			return nil, nil, ledger.ErrInsufficientFunds
		}

		expires := now.Add(tier.Duration)
		g := &grants.Grant{
			MemberID:  memberID,
			Namespace: tier.Namespace,
			TierID:    tier.ID,
			GrantedAt: now,
			ExpiresAt: &expires,
		}
		c := &Commit{
			MemberID:  memberID,
			Namespace: tier.Namespace,
			Entries: []Entry{
				{Delta: credit, Reason: "downgrade_credit:" + curTier.ID},
				{Delta: -tier.Price, Reason: "downgrade:" + tier.ID},
			},
			Grant: g,
		}
		return c, g, nil
	})
}

// Cancel revokes the member's active grant in a namespace and refunds the
// pro-rated remaining value at the active tier's own price.
func (s *Service) Cancel(ctx context.Context, memberID, namespace string) (*Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "purchase.cancel",
		traces.MemberID(memberID), traces.Namespace(namespace))
	defer span.End()

	unlock, err := s.lock(ctx, memberID, namespace)
	if err != nil {
		metrics.PurchasesTotal.WithLabelValues("cancel", resultLabel(err)).Inc()
		return nil, err
	}
	defer unlock()

	snap, err := s.store.Snapshot(ctx, memberID, namespace)
	if err != nil {
		return nil, err
	}

	now := s.now()
	cur, curTier, err := s.activeTier(snap, now)
	if err != nil {
		metrics.PurchasesTotal.WithLabelValues("cancel", resultLabel(err)).Inc()
		return nil, err
	}

	credit := proratedCredit(curTier.Price, cur.ExpiresAt.Sub(now), curTier.Duration)
	txns, err := s.store.Apply(ctx, Commit{
		MemberID:  memberID,
		Namespace: namespace,
		Entries:   []Entry{{Delta: credit, Reason: "cancel:" + curTier.ID}},
		Clear:     true,
	})
	if err != nil {
		err = s.mapErr(err)
		metrics.PurchasesTotal.WithLabelValues("cancel", resultLabel(err)).Inc()
		return nil, err
	}

	receipt := &Receipt{
		Op:           "cancel",
		MemberID:     memberID,
		Namespace:    namespace,
		TierID:       curTier.ID,
		Transactions: txns,
		NewBalance:   snap.Balance + credit,
	}
	s.committed(receipt)
	return receipt, nil
}

// run is the shared skeleton of the tier-addressed operations: resolve the
// tier, serialize on the (member, namespace) lock, snapshot, let decide
// compute the commit, apply it atomically, and emit the receipt.
func (s *Service) run(ctx context.Context, op, memberID, tierID string,
	decide func(tier catalog.Tier, snap *Snapshot, now time.Time) (*Commit, *grants.Grant, error)) (*Receipt, error) {

	fail := func(err error) (*Receipt, error) {
		metrics.PurchasesTotal.WithLabelValues(op, resultLabel(err)).Inc()
		return nil, err
	}

	tier, err := s.catalog.Tier(tierID)
	if err != nil {
		return fail(err)
	}

	unlock, err := s.lock(ctx, memberID, tier.Namespace)
	if err != nil {
		return fail(err)
	}
	defer unlock()

	snap, err := s.store.Snapshot(ctx, memberID, tier.Namespace)
	if err != nil {
		return fail(err)
	}

	commit, grant, err := decide(tier, snap, s.now())
	if err != nil {
		return fail(err)
	}

	txns, err := s.store.Apply(ctx, *commit)
	if err != nil {
		return fail(s.mapErr(err))
	}

	var delta int64
	for _, tx := range txns {
		delta += tx.Delta
	}
	receipt := &Receipt{
		Op:           op,
		MemberID:     memberID,
		Namespace:    tier.Namespace,
		TierID:       tier.ID,
		Transactions: txns,
		NewBalance:   snap.Balance + delta,
		Grant:        grant,
	}
	s.committed(receipt)
	return receipt, nil
}

// activeGrant returns the snapshot's grant if it is active and expirable.
func (s *Service) activeGrant(snap *Snapshot, now time.Time) (*grants.Grant, error) {
	g := snap.Grant
	if g == nil || g.ExpiredAt(now) {
		return nil, ErrNoActiveGrant
	}
	if g.Permanent() {
		return nil, ErrPermanentGrant
	}
	return g, nil
}

// activeTier additionally resolves the active grant's tier in the catalog.
func (s *Service) activeTier(snap *Snapshot, now time.Time) (*grants.Grant, catalog.Tier, error) {
	g, err := s.activeGrant(snap, now)
	if err != nil {
		return nil, catalog.Tier{}, err
	}
	t, err := s.catalog.Tier(g.TierID)
	if err != nil {
		// The active grant references a tier removed from the catalog;
		// only cancel (which does not consult the old tier's successor)
		// could proceed, and it also needs the price. Surface it.
		return nil, catalog.Tier{}, err
	}
	return g, t, nil
}

func (s *Service) lock(ctx context.Context, memberID, namespace string) (func(), error) {
	unlock, err := s.locks.Lock(ctx, syncutil.Key(memberID, namespace), s.lockWait)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return unlock, nil
}

func (s *Service) mapErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func (s *Service) committed(r *Receipt) {
	metrics.PurchasesTotal.WithLabelValues(r.Op, "ok").Inc()
	s.logger.Info("purchase committed",
		"op", r.Op,
		"member", r.MemberID,
		"namespace", r.Namespace,
		"tier", r.TierID,
		"new_balance", r.NewBalance,
	)
	if s.publish != nil {
		s.publish.PublishReceipt(r)
	}
}

// proratedCredit values the unused portion of a grant in coins:
// floor(price * remainingSeconds / durationSeconds). Floor division keeps
// the credit conservative; the same rule is used by upgrade, downgrade and
// cancel so the three always agree.
func proratedCredit(price int64, remaining, duration time.Duration) int64 {
	if remaining <= 0 || duration <= 0 {
		return 0
	}
	durSecs := int64(duration / time.Second)
	if durSecs == 0 {
		return 0
	}
	remSecs := int64(remaining / time.Second)
	return price * remSecs / durSecs
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrAlreadyActive):
		return "already_active"
	case errors.Is(err, ErrTierMismatch):
		return "tier_mismatch"
	case errors.Is(err, ErrNoActiveGrant):
		return "no_active_grant"
	case errors.Is(err, ErrPermanentGrant):
		return "permanent_grant"
	case errors.Is(err, catalog.ErrUnknownTier):
		return "unknown_tier"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}
