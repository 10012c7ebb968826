package ledger

import (
	"context"
	"fmt"
)

// AuditReport is the result of reconciling one member's transaction log
// against their stored balance.
type AuditReport struct {
	MemberID   string `json:"memberId"`
	Balance    int64  `json:"balance"`
	SumDeltas  int64  `json:"sumDeltas"`
	Consistent bool   `json:"consistent"`
}

// Auditor reconciles balances against the transaction log. The log is the
// source of truth: a mismatch means the balance row has drifted.
type Auditor struct {
	store Store
}

// NewAuditor creates an auditor over the given store.
func NewAuditor(store Store) *Auditor {
	return &Auditor{store: store}
}

// Member reconciles a single member.
func (a *Auditor) Member(ctx context.Context, memberID string) (*AuditReport, error) {
	bal, err := a.store.GetBalance(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	sum, err := a.store.SumDeltas(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("sum deltas: %w", err)
	}
	return &AuditReport{
		MemberID:   memberID,
		Balance:    bal,
		SumDeltas:  sum,
		Consistent: bal == sum,
	}, nil
}

// All reconciles every known member and returns the inconsistent reports.
func (a *Auditor) All(ctx context.Context) ([]*AuditReport, error) {
	members, err := a.store.Members(ctx)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	var bad []*AuditReport
	for _, m := range members {
		report, err := a.Member(ctx, m)
		if err != nil {
			return nil, err
		}
		if !report.Consistent {
			bad = append(bad, report)
		}
	}
	return bad, nil
}
