package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/zapdesk/internal/store"
)

// TransferStore implements store.TransferStore backed by Postgres.
// Records are append-mostly: status moves pending → accepted → completed or
// failed, and terminal rows are never touched again.
type TransferStore struct {
	db *sql.DB
}

func NewTransferStore(db *sql.DB) *TransferStore {
	return &TransferStore{db: db}
}

const transferSelectCols = `id, conversation_id, from_agent_id, to_agent_id, reason, transfer_mode, context_snapshot, status, failure_reason, created_at, updated_at`

// Create inserts a new transfer record in pending state.
func (s *TransferStore) Create(ctx context.Context, rec *store.TransferRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = store.GenNewID()
	}
	if rec.Status == "" {
		rec.Status = store.TransferPending
	}
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	snapshot := rec.ContextSnapshot
	if len(snapshot) == 0 {
		snapshot = []byte(`[]`)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transfer_records
		   (id, conversation_id, from_agent_id, to_agent_id, reason, transfer_mode, context_snapshot, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		rec.ID, rec.ConversationID, rec.FromAgentID, rec.ToAgentID,
		rec.Reason, rec.Mode, snapshot, rec.Status, now,
	)
	if err != nil {
		return fmt.Errorf("create transfer record: %w", err)
	}
	return nil
}

// MarkAccepted transitions pending → accepted.
func (s *TransferStore) MarkAccepted(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, store.TransferAccepted, "", []string{store.TransferPending})
}

// MarkCompleted transitions a non-terminal record to completed.
func (s *TransferStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, store.TransferCompleted, "", []string{store.TransferPending, store.TransferAccepted})
}

// MarkFailed transitions a non-terminal record to failed, recording why.
func (s *TransferStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return s.transition(ctx, id, store.TransferFailed, reason, []string{store.TransferPending, store.TransferAccepted})
}

func (s *TransferStore) transition(ctx context.Context, id uuid.UUID, to, failureReason string, from []string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transfer_records
		 SET status = $2, failure_reason = NULLIF($3, ''), updated_at = $4
		 WHERE id = $1 AND status = ANY($5)`,
		id, to, failureReason, time.Now(), pq.Array(from),
	)
	if err != nil {
		return fmt.Errorf("transfer %s: %w", to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transfer %s: %w (record terminal or missing)", to, store.ErrNotFound)
	}
	return nil
}

// ByConversation returns the hand-off lineage of a conversation, oldest
// first.
func (s *TransferStore) ByConversation(ctx context.Context, convID uuid.UUID) ([]store.TransferRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transferSelectCols+` FROM transfer_records
		 WHERE conversation_id = $1 ORDER BY created_at`, convID)
	if err != nil {
		return nil, fmt.Errorf("transfers by conversation: %w", err)
	}
	defer rows.Close()

	var recs []store.TransferRecord
	for rows.Next() {
		var r store.TransferRecord
		var convID, fromID, toID uuid.NullUUID
		var mode string
		var failureReason sql.NullString
		if err := rows.Scan(&r.ID, &convID, &fromID, &toID, &r.Reason, &mode,
			&r.ContextSnapshot, &r.Status, &failureReason, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan transfer record: %w", err)
		}
		r.Mode = store.TransferMode(mode)
		if convID.Valid {
			v := convID.UUID
			r.ConversationID = &v
		}
		if fromID.Valid {
			v := fromID.UUID
			r.FromAgentID = &v
		}
		if toID.Valid {
			v := toID.UUID
			r.ToAgentID = &v
		}
		if failureReason.Valid {
			r.FailureReason = failureReason.String
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
