// Package store defines the persistence contracts for the routing engine:
// the directory backing store (tenants, agents, links), the conversation
// state store, and the hand-off audit store. Implementations live in
// store/pg (managed mode) and store/sqlite (standalone mode).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

// TransferMode describes how control moves to a linked agent.
type TransferMode string

const (
	// TransferInternal keeps the conversation in the current channel; the
	// linked agent processes within the same conversation context.
	TransferInternal TransferMode = "internal"
	// TransferExternal hands the conversation over to the linked agent's
	// own channel credentials.
	TransferExternal TransferMode = "external"
)

// Transfer record lifecycle states. Terminal rows are never mutated.
const (
	TransferPending   = "pending"
	TransferAccepted  = "accepted"
	TransferCompleted = "completed"
	TransferFailed    = "failed"
)

// Conversation lifecycle states.
const (
	ConversationActive      = "active"
	ConversationInactive    = "inactive"
	ConversationTransferred = "transferred"
)

// Tenant is an owning organization (clinic, law firm).
type Tenant struct {
	ID                  uuid.UUID
	Name                string
	Slug                string
	Active              bool
	DebounceQuietPeriod time.Duration // 0 = engine default
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Agent is an automated responder owned by exactly one tenant.
// ChannelCredentials is opaque to the engine: passed through to the
// execution collaborator, never inspected.
type Agent struct {
	ID                  uuid.UUID
	TenantID            uuid.UUID
	Name                string
	ActivationCondition string // comma-separated trigger keywords, may be empty
	Priority            int
	Linkable            bool
	Tools               []string
	ChannelCredentials  []byte // opaque JSON blob
	Active              bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// AgentLink is a directed edge from a principal agent to a linked agent.
// Condition and Priority override the linked agent's defaults when set.
type AgentLink struct {
	ID             uuid.UUID
	PrincipalID    uuid.UUID
	LinkedID       uuid.UUID
	Condition      *string // nil = use linked agent's own condition
	Priority       *int    // nil = use linked agent's own priority
	Mode           TransferMode
	CarriesContext bool
	Active         bool
	CreatedAt      time.Time
}

// Conversation is one ongoing exchange with a single end-user identity
// under one tenant. Exactly one agent is active at any instant.
type Conversation struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	Contact       string
	ActiveAgentID uuid.UUID
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HistoryEntry is one role-tagged line of conversation history.
// AgentID is set on assistant entries only.
type HistoryEntry struct {
	ID             int64
	ConversationID uuid.UUID
	Role           string // "user" or "assistant"
	AgentID        *uuid.UUID
	Content        string
	CreatedAt      time.Time
}

// TransferRecord is the immutable audit row written on every hand-off.
// Agent and conversation references are nullable so the audit trail
// survives deletion of either side.
type TransferRecord struct {
	ID              uuid.UUID
	ConversationID  *uuid.UUID
	FromAgentID     *uuid.UUID
	ToAgentID       *uuid.UUID
	Reason          string
	Mode            TransferMode
	ContextSnapshot []byte // serialized subset of history, JSON
	Status          string
	FailureReason   string // set when Status is failed
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DirectorySnapshot is one consistent read of the agent directory.
type DirectorySnapshot struct {
	Tenants  []Tenant
	Agents   []Agent
	Links    []AgentLink
	LoadedAt time.Time
}

// DirectoryStore is read access to tenants, agents, and links (§ directory
// backing store). Mutation happens on the administrative surface, outside
// the engine.
type DirectoryStore interface {
	LoadDirectory(ctx context.Context) (*DirectorySnapshot, error)
	TenantBySlug(ctx context.Context, slug string) (*Tenant, error)
}

// ConversationStore is the durable conversation state contract. Callers
// guarantee per-conversation write ordering (the engine's lanes); the store
// only needs to be safe for concurrent writes across conversations.
type ConversationStore interface {
	// GetOrCreate returns the conversation for (tenant, contact), creating
	// it with the given initial agent when absent. An inactive conversation
	// is reactivated.
	GetOrCreate(ctx context.Context, tenantID uuid.UUID, contact string, initialAgentID uuid.UUID) (*Conversation, error)
	// SetActiveAgent moves the conversation to agentID. Setting the current
	// value is a no-op, not an error.
	SetActiveAgent(ctx context.Context, convID, agentID uuid.UUID) error
	// AppendHistory appends entries in order. History is append-only.
	AppendHistory(ctx context.Context, convID uuid.UUID, entries ...HistoryEntry) error
	// History returns up to limit most recent entries in chronological
	// order. limit <= 0 means all.
	History(ctx context.Context, convID uuid.UUID, limit int) ([]HistoryEntry, error)
	// SetStatus updates the conversation lifecycle state.
	SetStatus(ctx context.Context, convID uuid.UUID, status string) error
	// MarkInactiveBefore flips active conversations not updated since
	// cutoff to inactive, returning how many changed.
	MarkInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TransferStore is the hand-off audit contract.
type TransferStore interface {
	Create(ctx context.Context, rec *TransferRecord) error
	MarkAccepted(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	ByConversation(ctx context.Context, convID uuid.UUID) ([]TransferRecord, error)
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Directory     DirectoryStore
	Conversations ConversationStore
	Transfers     TransferStore

	// Close releases the underlying database handle.
	Close func() error
}

// GenNewID returns a time-ordered UUID for new rows.
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
