package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/zapdesk/internal/store"
)

// ConversationStore implements store.ConversationStore backed by Postgres.
// Per-conversation write ordering is the engine's job (one lane per
// conversation); this store only needs row-level safety across
// conversations, which plain transactions give us.
type ConversationStore struct {
	db *sql.DB
}

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

const conversationSelectCols = `id, tenant_id, contact, active_agent_id, status, created_at, updated_at`

// GetOrCreate returns the conversation for (tenant, contact), creating it
// routed at initialAgentID when absent. An inactive conversation wakes up:
// the contact messaging again reopens it with its history intact.
func (s *ConversationStore) GetOrCreate(ctx context.Context, tenantID uuid.UUID, contact string, initialAgentID uuid.UUID) (*store.Conversation, error) {
	now := time.Now()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO conversations (id, tenant_id, contact, active_agent_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (tenant_id, contact) DO UPDATE SET
		   status = CASE WHEN conversations.status = $7 THEN $5 ELSE conversations.status END,
		   updated_at = $6
		 RETURNING `+conversationSelectCols,
		store.GenNewID(), tenantID, contact, initialAgentID,
		store.ConversationActive, now, store.ConversationInactive,
	)
	return scanConversation(row)
}

// SetActiveAgent moves the conversation to agentID. Setting the current
// value is a harmless no-op.
func (s *ConversationStore) SetActiveAgent(ctx context.Context, convID, agentID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET active_agent_id = $2, updated_at = $3 WHERE id = $1`,
		convID, agentID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("set active agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AppendHistory appends entries in order within one transaction.
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
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_messages (conversation_id, role, agent_id, content, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			convID, e.Role, e.AgentID, e.Content, createdAt,
		); err != nil {
			return fmt.Errorf("append history: %w", err)
		}
	}
	return tx.Commit()
}

// History returns up to limit most recent entries in chronological order.
func (s *ConversationStore) History(ctx context.Context, convID uuid.UUID, limit int) ([]store.HistoryEntry, error) {
	query := `SELECT id, conversation_id, role, agent_id, content, created_at
	          FROM conversation_messages WHERE conversation_id = $1 ORDER BY id`
	args := []interface{}{convID}
	if limit > 0 {
		query = `SELECT id, conversation_id, role, agent_id, content, created_at FROM (
		           SELECT id, conversation_id, role, agent_id, content, created_at
		           FROM conversation_messages WHERE conversation_id = $1 ORDER BY id DESC LIMIT $2
		         ) recent ORDER BY id`
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
		var agentID uuid.NullUUID
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.Role, &agentID, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		if agentID.Valid {
			id := agentID.UUID
			e.AgentID = &id
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SetStatus updates the conversation lifecycle state.
func (s *ConversationStore) SetStatus(ctx context.Context, convID uuid.UUID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = $2, updated_at = $3 WHERE id = $1`,
		convID, status, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// MarkInactiveBefore flips active conversations idle since cutoff to
// inactive. Conversations are never deleted; history stays queryable.
func (s *ConversationStore) MarkInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = $1, updated_at = $2
		 WHERE status = $3 AND updated_at < $4`,
		store.ConversationInactive, time.Now(), store.ConversationActive, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("mark inactive: %w", err)
	}
	return res.RowsAffected()
}

func scanConversation(row *sql.Row) (*store.Conversation, error) {
	var c store.Conversation
	if err := row.Scan(&c.ID, &c.TenantID, &c.Contact, &c.ActiveAgentID, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return &c, nil
}
