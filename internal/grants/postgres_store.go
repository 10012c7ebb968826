package grants

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed grant registry.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the grants table. Mirrors migrations/001.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tier_grants (
			member_id  VARCHAR(64) NOT NULL,
			namespace  VARCHAR(32) NOT NULL,
			tier_id    VARCHAR(64) NOT NULL,
			granted_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ,
			PRIMARY KEY (member_id, namespace),
			CONSTRAINT chk_expiry_after_grant CHECK (expires_at IS NULL OR expires_at > granted_at)
		);

		CREATE INDEX IF NOT EXISTS idx_tier_grants_expiry
			ON tier_grants(expires_at) WHERE expires_at IS NOT NULL;
	`)
	return err
}

func (p *PostgresStore) GetActive(ctx context.Context, memberID, namespace string) (*Grant, error) {
	g := &Grant{}
	var expires sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT member_id, namespace, tier_id, granted_at, expires_at
		FROM tier_grants WHERE member_id = $1 AND namespace = $2
	`, memberID, namespace).Scan(&g.MemberID, &g.Namespace, &g.TierID, &g.GrantedAt, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		t := expires.Time
		g.ExpiresAt = &t
	}
	return g, nil
}

func (p *PostgresStore) Set(ctx context.Context, g *Grant) error {
	if err := g.Validate(); err != nil {
		return err
	}

	var expires sql.NullTime
	if g.ExpiresAt != nil {
		expires = sql.NullTime{Time: *g.ExpiresAt, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tier_grants (member_id, namespace, tier_id, granted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (member_id, namespace) DO UPDATE SET
			tier_id    = EXCLUDED.tier_id,
			granted_at = EXCLUDED.granted_at,
			expires_at = EXCLUDED.expires_at
	`, g.MemberID, g.Namespace, g.TierID, g.GrantedAt, expires)
	return err
}

func (p *PostgresStore) Clear(ctx context.Context, memberID, namespace string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM tier_grants WHERE member_id = $1 AND namespace = $2
	`, memberID, namespace)
	return err
}

func (p *PostgresStore) ListByMember(ctx context.Context, memberID string) ([]*Grant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT member_id, namespace, tier_id, granted_at, expires_at
		FROM tier_grants WHERE member_id = $1 ORDER BY namespace
	`, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGrants(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Grant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT member_id, namespace, tier_id, granted_at, expires_at
		FROM tier_grants
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGrants(rows)
}

func scanGrants(rows *sql.Rows) ([]*Grant, error) {
	var out []*Grant
	for rows.Next() {
		g := &Grant{}
		var expires sql.NullTime
		if err := rows.Scan(&g.MemberID, &g.Namespace, &g.TierID, &g.GrantedAt, &expires); err != nil {
			return nil, err
		}
		if expires.Valid {
			t := expires.Time
			g.ExpiresAt = &t
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
