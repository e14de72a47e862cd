package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/zapdesk/internal/store"
)

// DirectoryStore implements store.DirectoryStore on SQLite.
type DirectoryStore struct {
	db *sql.DB
}

func NewDirectoryStore(db *sql.DB) *DirectoryStore {
	return &DirectoryStore{db: db}
}

func (s *DirectoryStore) LoadDirectory(ctx context.Context) (*store.DirectorySnapshot, error) {
	snap := &store.DirectorySnapshot{LoadedAt: time.Now()}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, slug, active, quiet_period_seconds, created_at, updated_at
		 FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load tenants: %w", err)
	}
	for rows.Next() {
		var t store.Tenant
		var id, createdAt, updatedAt string
		var quietSecs int
		if err := rows.Scan(&id, &t.Name, &t.Slug, &t.Active, &quietSecs, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		t.ID, _ = uuid.Parse(id)
		t.DebounceQuietPeriod = time.Duration(quietSecs) * time.Second
		t.CreatedAt = parseTime(createdAt)
		t.UpdatedAt = parseTime(updatedAt)
		snap.Tenants = append(snap.Tenants, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, activation_condition, priority, linkable, tools, channel_credentials, active, created_at, updated_at
		 FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	for rows.Next() {
		var a store.Agent
		var id, tenantID, toolsJSON, creds, createdAt, updatedAt string
		var cond sql.NullString
		if err := rows.Scan(&id, &tenantID, &a.Name, &cond, &a.Priority, &a.Linkable,
			&toolsJSON, &creds, &a.Active, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.ID, _ = uuid.Parse(id)
		a.TenantID, _ = uuid.Parse(tenantID)
		if cond.Valid {
			a.ActivationCondition = cond.String
		}
		json.Unmarshal([]byte(toolsJSON), &a.Tools)
		a.ChannelCredentials = []byte(creds)
		a.CreatedAt = parseTime(createdAt)
		a.UpdatedAt = parseTime(updatedAt)
		snap.Agents = append(snap.Agents, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT id, principal_agent_id, linked_agent_id, activation_condition, priority, transfer_mode, carries_context, active, created_at
		 FROM agent_links ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load agent links: %w", err)
	}
	for rows.Next() {
		var l store.AgentLink
		var id, principalID, linkedID, mode, createdAt string
		var cond sql.NullString
		var prio sql.NullInt64
		if err := rows.Scan(&id, &principalID, &linkedID, &cond, &prio, &mode, &l.CarriesContext, &l.Active, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan agent link: %w", err)
		}
		l.ID, _ = uuid.Parse(id)
		l.PrincipalID, _ = uuid.Parse(principalID)
		l.LinkedID, _ = uuid.Parse(linkedID)
		if cond.Valid {
			c := cond.String
			l.Condition = &c
		}
		if prio.Valid {
			p := int(prio.Int64)
			l.Priority = &p
		}
		l.Mode = store.TransferMode(mode)
		l.CreatedAt = parseTime(createdAt)
		snap.Links = append(snap.Links, l)
	}
	rows.Close()
	return snap, rows.Err()
}

func (s *DirectoryStore) TenantBySlug(ctx context.Context, slug string) (*store.Tenant, error) {
	var t store.Tenant
	var id, createdAt, updatedAt string
	var quietSecs int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, slug, active, quiet_period_seconds, created_at, updated_at
		 FROM tenants WHERE slug = ?`, slug,
	).Scan(&id, &t.Name, &t.Slug, &t.Active, &quietSecs, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tenant by slug: %w", err)
	}
	t.ID, _ = uuid.Parse(id)
	t.DebounceQuietPeriod = time.Duration(quietSecs) * time.Second
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}
