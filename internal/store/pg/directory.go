package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/zapdesk/internal/store"
)

// DirectoryStore implements store.DirectoryStore backed by Postgres.
type DirectoryStore struct {
	db *sql.DB
}

func NewDirectoryStore(db *sql.DB) *DirectoryStore {
	return &DirectoryStore{db: db}
}

const tenantSelectCols = `id, name, slug, active, quiet_period_seconds, created_at, updated_at`

const agentSelectCols = `id, tenant_id, name, activation_condition, priority, linkable, tools, channel_credentials, active, created_at, updated_at`

const linkSelectCols = `id, principal_agent_id, linked_agent_id, activation_condition, priority, transfer_mode, carries_context, active, created_at`

// LoadDirectory reads one consistent view of tenants, agents, and links
// inside a repeatable-read transaction.
func (s *DirectoryStore) LoadDirectory(ctx context.Context) (*store.DirectorySnapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin directory read: %w", err)
	}
	defer tx.Rollback()

	snap := &store.DirectorySnapshot{LoadedAt: time.Now()}

	rows, err := tx.QueryContext(ctx, `SELECT `+tenantSelectCols+` FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load tenants: %w", err)
	}
	for rows.Next() {
		var t store.Tenant
		var quietSecs int
		if err := rows.Scan(&t.ID, &t.Name, &t.Slug, &t.Active, &quietSecs, &t.CreatedAt, &t.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		t.DebounceQuietPeriod = time.Duration(quietSecs) * time.Second
		snap.Tenants = append(snap.Tenants, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.QueryContext(ctx, `SELECT `+agentSelectCols+` FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		snap.Agents = append(snap.Agents, *a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.QueryContext(ctx, `SELECT `+linkSelectCols+` FROM agent_links ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load agent links: %w", err)
	}
	for rows.Next() {
		var l store.AgentLink
		var cond sql.NullString
		var prio sql.NullInt64
		var mode string
		if err := rows.Scan(&l.ID, &l.PrincipalID, &l.LinkedID, &cond, &prio, &mode, &l.CarriesContext, &l.Active, &l.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan agent link: %w", err)
		}
		if cond.Valid {
			c := cond.String
			l.Condition = &c
		}
		if prio.Valid {
			p := int(prio.Int64)
			l.Priority = &p
		}
		l.Mode = store.TransferMode(mode)
		snap.Links = append(snap.Links, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return snap, tx.Commit()
}

// TenantBySlug looks up a single tenant row by its unique slug.
func (s *DirectoryStore) TenantBySlug(ctx context.Context, slug string) (*store.Tenant, error) {
	var t store.Tenant
	var quietSecs int
	err := s.db.QueryRowContext(ctx,
		`SELECT `+tenantSelectCols+` FROM tenants WHERE slug = $1`, slug,
	).Scan(&t.ID, &t.Name, &t.Slug, &t.Active, &quietSecs, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tenant by slug: %w", err)
	}
	t.DebounceQuietPeriod = time.Duration(quietSecs) * time.Second
	return &t, nil
}

func scanAgent(rows *sql.Rows) (*store.Agent, error) {
	var a store.Agent
	var cond sql.NullString
	var creds []byte
	if err := rows.Scan(
		&a.ID, &a.TenantID, &a.Name, &cond, &a.Priority, &a.Linkable,
		pq.Array(&a.Tools), &creds, &a.Active, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	if cond.Valid {
		a.ActivationCondition = cond.String
	}
	a.ChannelCredentials = creds
	return &a, nil
}
