// Package bus defines the message types that flow between the intake
// surface, the debouncer, the orchestration engine, and the reply path,
// plus the in-process MessageBus connecting them.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// ConversationKey identifies one conversation: a tenant plus the end-user
// channel identity (phone number) talking to it.
type ConversationKey struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Contact  string    `json:"contact"`
}

// String renders the key in the canonical "tenant:{id}:{contact}" form used
// for lane sharding and log correlation.
func (k ConversationKey) String() string {
	return "tenant:" + k.TenantID.String() + ":" + k.Contact
}

// InboundMessage is one delivered webhook message, before coalescing.
type InboundMessage struct {
	Key        ConversationKey   `json:"key"`
	ExternalID string            `json:"external_id"` // provider message id, dedup key on replay
	Content    string            `json:"content"`
	ReceivedAt time.Time         `json:"received_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Turn is one coalesced unit of end-user input: every message buffered for
// the conversation during the quiet period, joined in arrival order.
type Turn struct {
	Key       ConversationKey
	Messages  []InboundMessage
	Text      string    // message contents joined with newlines, arrival order
	FirstAt   time.Time // arrival time of the earliest buffered message
	FlushedAt time.Time
}

// OutboundMessage is a reply on its way back to the end user. The engine
// publishes these; the reply dispatcher forwards them to the channel owner.
type OutboundMessage struct {
	Key            ConversationKey   `json:"key"`
	ConversationID uuid.UUID         `json:"conversation_id"`
	AgentID        uuid.UUID         `json:"agent_id"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}
