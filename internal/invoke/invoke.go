// Package invoke is the boundary to the agent-execution collaborator: the
// engine decides WHO answers, the executor produces WHAT is answered. The
// request carries the agent identity, the conversation history view, and the
// agent's opaque channel credentials; nothing here interprets agent behavior.
package invoke

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/zapdesk/internal/store"
)

// HistoryView is the slice of conversation history offered to the executor.
// It is already filtered by the hand-off's carries-context setting.
type HistoryView struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one agent invocation for one coalesced turn.
type Request struct {
	TenantID       uuid.UUID       `json:"tenant_id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	AgentID        uuid.UUID       `json:"agent_id"`
	AgentName      string          `json:"agent_name"`
	Contact        string          `json:"contact"`
	Text           string          `json:"text"`
	History        []HistoryView   `json:"history"`
	Tools          []string        `json:"tools,omitempty"`
	Credentials    json.RawMessage `json:"credentials,omitempty"`
}

// Result is what the executor produced for a turn.
type Result struct {
	ReplyText   string          `json:"reply_text"`
	ToolEffects json.RawMessage `json:"tool_effects,omitempty"`
	Elapsed     time.Duration   `json:"-"`
}

// Invoker executes one agent turn. Implementations must honor ctx deadlines;
// the engine treats any returned error as an invocation failure and rolls the
// conversation back to the previous agent.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// Responder delivers an agent reply back to the end user's channel.
type Responder interface {
	Respond(ctx context.Context, conv *store.Conversation, agent *store.Agent, text string) error
}

// HistoryViewOf converts stored entries to the executor wire shape.
func HistoryViewOf(entries []store.HistoryEntry) []HistoryView {
	out := make([]HistoryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryView{Role: e.Role, Content: e.Content})
	}
	return out
}
