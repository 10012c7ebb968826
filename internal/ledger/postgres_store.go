package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/tbranch/guildbank/internal/idgen"
)

// Postgres error codes we translate into domain errors.
const (
	pqCheckViolation  = "23514" // balance CHECK constraint
	pqUniqueViolation = "23505" // external_ref uniqueness
)

// PostgresStore implements Store with PostgreSQL.
// Balance integrity is enforced by the schema: a CHECK constraint keeps
// balances non-negative and a partial unique index keeps external refs
// unique, so the guarantees hold even against writers that bypass this code.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables. Mirrors migrations/001; kept so the
// server can bootstrap a fresh database without the migrate command.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS member_balances (
			member_id   VARCHAR(64) PRIMARY KEY,
			balance     BIGINT NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_balance_nonneg CHECK (balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS transactions (
			id           VARCHAR(40) PRIMARY KEY,
			member_id    VARCHAR(64) NOT NULL,
			delta        BIGINT NOT NULL,
			reason       VARCHAR(64) NOT NULL,
			external_ref VARCHAR(128),
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_external_ref
			ON transactions(external_ref) WHERE external_ref IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_transactions_member
			ON transactions(member_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) GetBalance(ctx context.Context, memberID string) (int64, error) {
	var balance int64
	err := p.db.QueryRowContext(ctx, `
		SELECT balance FROM member_balances WHERE member_id = $1
	`, memberID).Scan(&balance)
	if err == sql.ErrNoRows {
		// First contact provisions a zero-balance row, so member
		// listings and audits include read-only members.
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO member_balances (member_id) VALUES ($1)
			ON CONFLICT (member_id) DO NOTHING
		`, memberID)
		return 0, err
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (p *PostgresStore) Apply(ctx context.Context, memberID string, delta int64, reason, externalRef string) (*Transaction, bool, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	if externalRef != "" {
		prior, err := findByRef(ctx, tx, externalRef)
		if err != nil {
			return nil, false, err
		}
		if prior != nil {
			return prior, true, nil
		}
	}

	// Upsert keeps auto-provisioning and the adjustment in one statement;
	// the CHECK constraint rejects a negative result.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO member_balances (member_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (member_id) DO UPDATE SET
			balance    = member_balances.balance + $2,
			updated_at = NOW()
	`, memberID, delta)
	if err != nil {
		if isPQCode(err, pqCheckViolation) {
			return nil, false, ErrInsufficientFunds
		}
		return nil, false, fmt.Errorf("update balance: %w", err)
	}

	row := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		MemberID:    memberID,
		Delta:       delta,
		Reason:      reason,
		ExternalRef: externalRef,
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO transactions (id, member_id, delta, reason, external_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING created_at
	`, row.ID, row.MemberID, row.Delta, row.Reason, nullable(externalRef)).Scan(&row.CreatedAt)
	if err != nil {
		if isPQCode(err, pqUniqueViolation) {
			// A concurrent writer recorded this ref first; their row wins.
			return p.replayDuplicate(ctx, externalRef)
		}
		return nil, false, fmt.Errorf("record transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isPQCode(err, pqUniqueViolation) {
			return p.replayDuplicate(ctx, externalRef)
		}
		return nil, false, err
	}
	return row, false, nil
}

// replayDuplicate is the lost-race path of Apply: re-read the transaction
// that beat us to the external ref and return it as the duplicate result.
func (p *PostgresStore) replayDuplicate(ctx context.Context, externalRef string) (*Transaction, bool, error) {
	prior, err := findByRef(ctx, p.db, externalRef)
	if err != nil {
		return nil, false, err
	}
	if prior == nil {
		return nil, false, fmt.Errorf("external ref %q conflicted but not found", externalRef)
	}
	return prior, true, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findByRef(ctx context.Context, q querier, externalRef string) (*Transaction, error) {
	row := &Transaction{}
	var ref sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, member_id, delta, reason, external_ref, created_at
		FROM transactions WHERE external_ref = $1
	`, externalRef).Scan(&row.ID, &row.MemberID, &row.Delta, &row.Reason, &ref, &row.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	row.ExternalRef = ref.String
	return row, nil
}

func (p *PostgresStore) History(ctx context.Context, memberID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, member_id, delta, reason, external_ref, created_at
		FROM transactions
		WHERE member_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, memberID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var ref sql.NullString
		if err := rows.Scan(&t.ID, &t.MemberID, &t.Delta, &t.Reason, &ref, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.ExternalRef = ref.String
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (p *PostgresStore) SumDeltas(ctx context.Context, memberID string) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM transactions WHERE member_id = $1
	`, memberID).Scan(&sum)
	return sum, err
}

func (p *PostgresStore) Members(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT member_id FROM member_balances ORDER BY member_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isPQCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}
