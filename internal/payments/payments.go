// Package payments turns confirmed external payments into ledger credits.
//
// Payment providers deliver at-least-once, so every credit carries the
// provider's event id as an external reference; replaying a delivery
// returns the original transaction and moves no coins.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tbranch/guildbank/internal/ledger"
	"github.com/tbranch/guildbank/internal/metrics"
	"github.com/tbranch/guildbank/internal/traces"
)

var (
	ErrMissingReference = errors.New("external reference required")
	ErrMissingMember    = errors.New("member id required")
)

// CreditResult reports one processed payment credit.
type CreditResult struct {
	Transaction *ledger.Transaction `json:"transaction"`
	Duplicate   bool                `json:"duplicate"`
	NewBalance  int64               `json:"newBalance"`
}

// Publisher receives committed credits for live streaming. A nil publisher
// is a no-op.
type Publisher interface {
	PublishCredit(res *CreditResult)
}

// Intake applies external payment credits to the ledger.
type Intake struct {
	ledger  *ledger.Ledger
	logger  *slog.Logger
	publish Publisher
}

// Option configures the intake.
type Option func(*Intake)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Intake) { i.logger = logger }
}

// WithPublisher streams committed credits to the given publisher.
func WithPublisher(p Publisher) Option {
	return func(i *Intake) { i.publish = p }
}

// NewIntake creates a payment intake over the ledger.
func NewIntake(l *ledger.Ledger, opts ...Option) *Intake {
	i := &Intake{ledger: l, logger: slog.Default()}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ApplyExternalCredit credits a member for a confirmed external payment.
// externalRef must uniquely identify the payment event; duplicates are
// absorbed and reported, not failed.
func (i *Intake) ApplyExternalCredit(ctx context.Context, memberID string, amount int64, reason, externalRef string) (*CreditResult, error) {
	ctx, span := traces.StartSpan(ctx, "payments.apply_credit",
		traces.MemberID(memberID), traces.Amount(amount), traces.Reference(externalRef))
	defer span.End()

	if memberID == "" {
		metrics.ExternalCreditsTotal.WithLabelValues("invalid").Inc()
		return nil, ErrMissingMember
	}
	if externalRef == "" {
		metrics.ExternalCreditsTotal.WithLabelValues("invalid").Inc()
		return nil, ErrMissingReference
	}
	if reason == "" {
		reason = "external_credit"
	}

	tx, duplicate, err := i.ledger.Credit(ctx, memberID, amount, reason, externalRef)
	if err != nil {
		metrics.ExternalCreditsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("apply external credit: %w", err)
	}

	balance, err := i.ledger.Balance(ctx, memberID)
	if err != nil {
		return nil, err
	}

	res := &CreditResult{Transaction: tx, Duplicate: duplicate, NewBalance: balance}
	if duplicate {
		metrics.ExternalCreditsTotal.WithLabelValues("duplicate").Inc()
		i.logger.Info("duplicate payment delivery absorbed",
			"member", memberID, "ref", externalRef)
		return res, nil
	}

	metrics.ExternalCreditsTotal.WithLabelValues("ok").Inc()
	i.logger.Info("external payment credited",
		"member", memberID,
		"amount", amount,
		"ref", externalRef,
		"new_balance", balance,
	)
	if i.publish != nil {
		i.publish.PublishCredit(res)
	}
	return res, nil
}
