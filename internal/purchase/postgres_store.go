package purchase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/tbranch/guildbank/internal/grants"
	"github.com/tbranch/guildbank/internal/idgen"
	"github.com/tbranch/guildbank/internal/ledger"
)

const pqCheckViolation = "23514"

// PostgresStore couples the ledger and grant registry mutations of one
// operation into a single serializable transaction, so a crash or conflict
// can never leave coins spent without the matching grant (or vice versa).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a composite store over the shared database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Snapshot(ctx context.Context, memberID, namespace string) (*Snapshot, error) {
	snap := &Snapshot{}

	err := p.db.QueryRowContext(ctx, `
		SELECT balance FROM member_balances WHERE member_id = $1
	`, memberID).Scan(&snap.Balance)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	g := &grants.Grant{}
	var expires sql.NullTime
	err = p.db.QueryRowContext(ctx, `
		SELECT member_id, namespace, tier_id, granted_at, expires_at
		FROM tier_grants WHERE member_id = $1 AND namespace = $2
	`, memberID, namespace).Scan(&g.MemberID, &g.Namespace, &g.TierID, &g.GrantedAt, &expires)
	if err == sql.ErrNoRows {
		return snap, nil
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		t := expires.Time
		g.ExpiresAt = &t
	}
	snap.Grant = g
	return snap, nil
}

func (p *PostgresStore) Apply(ctx context.Context, c Commit) ([]*ledger.Transaction, error) {
	if c.Grant != nil {
		if err := c.Grant.Validate(); err != nil {
			return nil, err
		}
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Net the entries into one balance adjustment; the CHECK constraint
	// rejects an overdraw. Individual rows are still recorded below.
	var net int64
	for _, e := range c.Entries {
		net += e.Delta
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO member_balances (member_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (member_id) DO UPDATE SET
			balance    = member_balances.balance + $2,
			updated_at = NOW()
	`, c.MemberID, net)
	if err != nil {
		if isPQCode(err, pqCheckViolation) {
			return nil, ledger.ErrInsufficientFunds
		}
		return nil, fmt.Errorf("update balance: %w", err)
	}

	txns := make([]*ledger.Transaction, 0, len(c.Entries))
	for _, e := range c.Entries {
		row := &ledger.Transaction{
			ID:       idgen.WithPrefix("txn_"),
			MemberID: c.MemberID,
			Delta:    e.Delta,
			Reason:   e.Reason,
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO transactions (id, member_id, delta, reason, created_at)
			VALUES ($1, $2, $3, $4, NOW())
			RETURNING created_at
		`, row.ID, row.MemberID, row.Delta, row.Reason).Scan(&row.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("record transaction: %w", err)
		}
		txns = append(txns, row)
	}

	switch {
	case c.Clear:
		_, err = tx.ExecContext(ctx, `
			DELETE FROM tier_grants WHERE member_id = $1 AND namespace = $2
		`, c.MemberID, c.Namespace)
	case c.Grant != nil:
		g := c.Grant
		var expires sql.NullTime
		if g.ExpiresAt != nil {
			expires = sql.NullTime{Time: *g.ExpiresAt, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tier_grants (member_id, namespace, tier_id, granted_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (member_id, namespace) DO UPDATE SET
				tier_id    = EXCLUDED.tier_id,
				granted_at = EXCLUDED.granted_at,
				expires_at = EXCLUDED.expires_at
		`, g.MemberID, g.Namespace, g.TierID, g.GrantedAt, expires)
	}
	if err != nil {
		return nil, fmt.Errorf("update grant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isPQCode(err, pqCheckViolation) {
			return nil, ledger.ErrInsufficientFunds
		}
		return nil, err
	}
	return txns, nil
}

func isPQCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}
