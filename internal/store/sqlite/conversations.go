package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/zapdesk/internal/store"
)

// ConversationStore implements store.ConversationStore on SQLite.
type ConversationStore struct {
	db *sql.DB
}

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

func (s *ConversationStore) GetOrCreate(ctx context.Context, tenantID uuid.UUID, contact string, initialAgentID uuid.UUID) (*store.Conversation, error) {
	now := time.Now()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO conversations (id, tenant_id, contact, active_agent_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, contact) DO UPDATE SET
		   status = CASE WHEN conversations.status = ? THEN ? ELSE conversations.status END,
		   updated_at = excluded.updated_at
		 RETURNING id, tenant_id, contact, active_agent_id, status, created_at, updated_at`,
		store.GenNewID().String(), tenantID.String(), contact, initialAgentID.String(),
		store.ConversationActive, fmtTime(now), fmtTime(now),
		store.ConversationInactive, store.ConversationActive,
	)
	return scanConversation(row)
}

func (s *ConversationStore) SetActiveAgent(ctx context.Context, convID, agentID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET active_agent_id = ?, updated_at = ? WHERE id = ?`,
		agentID.String(), fmtTime(time.Now()), convID.String(),
	)
	if err != nil {
		return fmt.Errorf("set active agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ConversationStore) AppendHistory(ctx context.Context, convID uuid.UUID, entries ...store.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history append: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		var agentID interface{}
		if e.AgentID != nil {
			agentID = e.AgentID.String()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_messages (conversation_id, role, agent_id, content, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			convID.String(), e.Role, agentID, e.Content, fmtTime(createdAt),
		); err != nil {
			return fmt.Errorf("append history: %w", err)
		}
	}
	return tx.Commit()
}

func (s *ConversationStore) History(ctx context.Context, convID uuid.UUID, limit int) ([]store.HistoryEntry, error) {
	query := `SELECT id, conversation_id, role, agent_id, content, created_at
	          FROM conversation_messages WHERE conversation_id = ? ORDER BY id`
	args := []interface{}{convID.String()}
	if limit > 0 {
		query = `SELECT id, conversation_id, role, agent_id, content, created_at FROM (
		           SELECT id, conversation_id, role, agent_id, content, created_at
		           FROM conversation_messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
		         ) ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var entries []store.HistoryEntry
	for rows.Next() {
		var e store.HistoryEntry
		var cID, createdAt string
		var agentID sql.NullString
		if err := rows.Scan(&e.ID, &cID, &e.Role, &agentID, &e.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.ConversationID, _ = uuid.Parse(cID)
		if agentID.Valid {
			if id, err := uuid.Parse(agentID.String); err == nil {
				e.AgentID = &id
			}
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *ConversationStore) SetStatus(ctx context.Context, convID uuid.UUID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		status, fmtTime(time.Now()), convID.String(),
	)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ConversationStore) MarkInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = ?
		 WHERE status = ? AND updated_at < ?`,
		store.ConversationInactive, fmtTime(time.Now()),
		store.ConversationActive, fmtTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("mark inactive: %w", err)
	}
	return res.RowsAffected()
}

func scanConversation(row *sql.Row) (*store.Conversation, error) {
	var c store.Conversation
	var id, tenantID, agentID, createdAt, updatedAt string
	if err := row.Scan(&id, &tenantID, &c.Contact, &agentID, &c.Status, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	c.ID, _ = uuid.Parse(id)
	c.TenantID, _ = uuid.Parse(tenantID)
	c.ActiveAgentID, _ = uuid.Parse(agentID)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}
