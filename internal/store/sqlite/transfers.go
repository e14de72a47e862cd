package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/zapdesk/internal/store"
)

// TransferStore implements store.TransferStore on SQLite.
type TransferStore struct {
	db *sql.DB
}

func NewTransferStore(db *sql.DB) *TransferStore {
	return &TransferStore{db: db}
}

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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), nullUUID(rec.ConversationID), nullUUID(rec.FromAgentID), nullUUID(rec.ToAgentID),
		rec.Reason, string(rec.Mode), string(snapshot), rec.Status, fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return fmt.Errorf("create transfer record: %w", err)
	}
	return nil
}

func (s *TransferStore) MarkAccepted(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, store.TransferAccepted, "", []string{store.TransferPending})
}

func (s *TransferStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, store.TransferCompleted, "", []string{store.TransferPending, store.TransferAccepted})
}

func (s *TransferStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return s.transition(ctx, id, store.TransferFailed, reason, []string{store.TransferPending, store.TransferAccepted})
}

func (s *TransferStore) transition(ctx context.Context, id uuid.UUID, to, failureReason string, from []string) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	query := `UPDATE transfer_records
	          SET status = ?, failure_reason = NULLIF(?, ''), updated_at = ?
	          WHERE id = ? AND status IN (` + placeholders + `)`
	args := []interface{}{to, failureReason, fmtTime(time.Now()), id.String()}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transfer %s: %w", to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transfer %s: %w (record terminal or missing)", to, store.ErrNotFound)
	}
	return nil
}

func (s *TransferStore) ByConversation(ctx context.Context, convID uuid.UUID) ([]store.TransferRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, from_agent_id, to_agent_id, reason, transfer_mode, context_snapshot, status, failure_reason, created_at, updated_at
		 FROM transfer_records WHERE conversation_id = ? ORDER BY created_at`,
		convID.String())
	if err != nil {
		return nil, fmt.Errorf("transfers by conversation: %w", err)
	}
	defer rows.Close()

	var recs []store.TransferRecord
	for rows.Next() {
		var r store.TransferRecord
		var id, mode, snapshot, createdAt, updatedAt string
		var cID, fromID, toID, failureReason sql.NullString
		if err := rows.Scan(&id, &cID, &fromID, &toID, &r.Reason, &mode,
			&snapshot, &r.Status, &failureReason, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan transfer record: %w", err)
		}
		r.ID, _ = uuid.Parse(id)
		r.ConversationID = parseNullUUID(cID)
		r.FromAgentID = parseNullUUID(fromID)
		r.ToAgentID = parseNullUUID(toID)
		r.Mode = store.TransferMode(mode)
		r.ContextSnapshot = []byte(snapshot)
		if failureReason.Valid {
			r.FailureReason = failureReason.String
		}
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func nullUUID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return id.String()
}

func parseNullUUID(s sql.NullString) *uuid.UUID {
	if !s.Valid {
		return nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return nil
	}
	return &id
}
