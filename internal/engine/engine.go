// Package engine is the orchestration core: it consumes coalesced turns,
// routes them through the link graph, records hand-offs, invokes the target
// agent, and publishes the reply. Per-conversation ordering is enforced by
// sharded lanes; everything else runs concurrently.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/zapdesk/internal/bus"
	"github.com/nextlevelbuilder/zapdesk/internal/debounce"
	"github.com/nextlevelbuilder/zapdesk/internal/directory"
	"github.com/nextlevelbuilder/zapdesk/internal/invoke"
	"github.com/nextlevelbuilder/zapdesk/internal/router"
	"github.com/nextlevelbuilder/zapdesk/internal/store"
)

// historyLimit bounds the history view handed to the executor and the
// context snapshot written on hand-off.
const historyLimit = 50

// Options tunes engine behavior beyond its collaborators.
type Options struct {
	// CloseOnExternal marks the source conversation "transferred" after a
	// completed external hand-off.
	CloseOnExternal bool
	// InvokeTimeout caps a single agent invocation.
	InvokeTimeout time.Duration
}

// Engine wires the debouncer, directory, router, stores, and executor into
// the turn-processing pipeline.
type Engine struct {
	opts      Options
	stores    *store.Stores
	directory *directory.Directory
	router    *router.Router
	lanes     *Lanes
	bus       *bus.MessageBus
	invoker   invoke.Invoker
	debouncer *debounce.Debouncer
	tracer    trace.Tracer
	logger    *slog.Logger
}

// New assembles an Engine. The debouncer is created here so its flush path
// lands on the engine's lanes.
func New(opts Options, stores *store.Stores, dir *directory.Directory, rt *router.Router,
	lanes *Lanes, mb *bus.MessageBus, inv invoke.Invoker, dopts debounce.Options, logger *slog.Logger) *Engine {

	e := &Engine{
		opts:      opts,
		stores:    stores,
		directory: dir,
		router:    rt,
		lanes:     lanes,
		bus:       mb,
		invoker:   inv,
		tracer:    otel.Tracer("zapdesk/engine"),
		logger:    logger.With("component", "engine"),
	}
	if dopts.QuietPeriodFor == nil {
		dopts.QuietPeriodFor = e.tenantQuietPeriod
	}
	e.debouncer = debounce.New(dopts, e.onFlush, logger)
	return e
}

// Debouncer exposes the engine's debouncer for intake surfaces.
func (e *Engine) Debouncer() *debounce.Debouncer { return e.debouncer }

// Run consumes inbound messages from the bus until ctx is cancelled, then
// stops the debouncer. Lane workers are driven separately by the caller.
func (e *Engine) Run(ctx context.Context) error {
	defer e.debouncer.Stop()
	for {
		msg, ok := e.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}
		if err := e.Ingest(ctx, msg); err != nil {
			e.logger.Warn("message rejected", "conversation", msg.Key.String(), "error", err)
		}
	}
}

// Ingest validates one delivered message and hands it to the debouncer.
func (e *Engine) Ingest(ctx context.Context, msg bus.InboundMessage) error {
	if msg.Key.TenantID == uuid.Nil {
		return fmt.Errorf("%w: missing tenant", ErrValidation)
	}
	if strings.TrimSpace(msg.Key.Contact) == "" {
		return fmt.Errorf("%w: missing contact", ErrValidation)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return fmt.Errorf("%w: empty content", ErrValidation)
	}

	snap, err := e.directory.Snapshot(ctx)
	if err != nil {
		return err
	}
	if _, ok := snap.Tenant(msg.Key.TenantID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, msg.Key.TenantID)
	}

	e.debouncer.Ingest(msg)
	return nil
}

// CloseConversation cancels any pending buffered messages and marks the
// conversation inactive.
func (e *Engine) CloseConversation(ctx context.Context, key bus.ConversationKey, convID uuid.UUID) error {
	e.debouncer.Cancel(key)
	return e.stores.Conversations.SetStatus(ctx, convID, store.ConversationInactive)
}

// tenantQuietPeriod is the debouncer's per-conversation override hook.
func (e *Engine) tenantQuietPeriod(key bus.ConversationKey) time.Duration {
	snap := e.snapshotQuick()
	if snap == nil {
		return 0
	}
	if t, ok := snap.Tenant(key.TenantID); ok {
		return t.DebounceQuietPeriod
	}
	return 0
}

func (e *Engine) snapshotQuick() *directory.Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := e.directory.Snapshot(ctx)
	if err != nil {
		return nil
	}
	return snap
}

// onFlush is the debouncer's flush callback. It enqueues the turn on the
// conversation's lane; blocking here is the intended back-pressure.
func (e *Engine) onFlush(turn bus.Turn) {
	e.lanes.Submit(turn.Key.String(), func() {
		ctx := context.Background()
		if e.opts.InvokeTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.opts.InvokeTimeout)
			defer cancel()
		}
		if err := e.ProcessTurn(ctx, turn); err != nil {
			e.logger.Error("turn failed",
				"conversation", turn.Key.String(),
				"messages", len(turn.Messages),
				"error", err)
		}
	})
}

// ProcessTurn runs the full pipeline for one coalesced turn: resolve the
// conversation, route, record the hand-off, invoke, and publish the reply.
// Called on the conversation's lane, so turns for one conversation never
// overlap.
func (e *Engine) ProcessTurn(ctx context.Context, turn bus.Turn) error {
	ctx, span := e.tracer.Start(ctx, "engine.turn", trace.WithAttributes(
		attribute.String("conversation.key", turn.Key.String()),
		attribute.Int("turn.messages", len(turn.Messages)),
	))
	defer span.End()

	err := e.processTurn(ctx, span, turn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) processTurn(ctx context.Context, span trace.Span, turn bus.Turn) error {
	snap, err := e.directory.Snapshot(ctx)
	if err != nil {
		return err
	}

	rootID, ok := snap.RootAgent(turn.Key.TenantID)
	if !ok {
		return fmt.Errorf("%w: tenant %s", ErrNoAgents, turn.Key.TenantID)
	}

	conv, err := e.stores.Conversations.GetOrCreate(ctx, turn.Key.TenantID, turn.Key.Contact, rootID)
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}

	current := conv.ActiveAgentID
	if _, ok := snap.Agent(current); !ok {
		// Active agent was deactivated since last turn; restart from the
		// tenant's entry point.
		current = rootID
	}

	decision := e.router.Route(snap, current, turn.Text)
	target, ok := snap.Agent(decision.TargetAgentID)
	if !ok {
		return fmt.Errorf("%w: routed target %s vanished", ErrNoAgents, decision.TargetAgentID)
	}
	span.SetAttributes(
		attribute.String("route.target", target.ID.String()),
		attribute.Bool("route.handoff", decision.Handoff),
		attribute.String("route.reason", decision.Reason),
	)

	// Prior context is captured before this turn's text lands in history, so
	// the executor sees the turn exactly once (as Text).
	prior, err := e.stores.Conversations.History(ctx, conv.ID, historyLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	var rec *store.TransferRecord
	if decision.Handoff {
		rec, err = e.recordHandoff(ctx, conv, current, target.ID, decision, prior)
		if err != nil {
			return err
		}
	}

	if err := e.stores.Conversations.AppendHistory(ctx, conv.ID, store.HistoryEntry{
		Role:    "user",
		Content: turn.Text,
	}); err != nil {
		return fmt.Errorf("append user entry: %w", err)
	}

	view := invoke.HistoryViewOf(prior)
	if decision.Handoff && !decision.CarriesContext {
		// The target starts fresh; the full trail stays in the store and in
		// the transfer record's snapshot.
		view = nil
	}

	if rec != nil {
		if err := e.stores.Transfers.MarkAccepted(ctx, rec.ID); err != nil {
			e.logger.Warn("transfer accept not recorded", "transfer", rec.ID, "error", err)
		}
	}

	result, err := e.invoker.Invoke(ctx, invoke.Request{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		AgentID:        target.ID,
		AgentName:      target.Name,
		Contact:        conv.Contact,
		Text:           turn.Text,
		History:        view,
		Tools:          target.Tools,
		Credentials:    json.RawMessage(target.ChannelCredentials),
	})
	if err != nil {
		e.rollbackHandoff(conv, current, rec, err)
		return fmt.Errorf("%w: %v", ErrInvocation, err)
	}

	if rec != nil {
		if err := e.stores.Transfers.MarkCompleted(ctx, rec.ID); err != nil {
			e.logger.Warn("transfer completion not recorded", "transfer", rec.ID, "error", err)
		}
	}

	if result.ReplyText != "" {
		agentID := target.ID
		if err := e.stores.Conversations.AppendHistory(ctx, conv.ID, store.HistoryEntry{
			Role:    "assistant",
			AgentID: &agentID,
			Content: result.ReplyText,
		}); err != nil {
			return fmt.Errorf("append assistant entry: %w", err)
		}
		e.bus.PublishOutbound(bus.OutboundMessage{
			Key:            turn.Key,
			ConversationID: conv.ID,
			AgentID:        target.ID,
			Content:        result.ReplyText,
		})
	}

	if decision.Handoff && decision.Mode == store.TransferExternal && e.opts.CloseOnExternal {
		if err := e.stores.Conversations.SetStatus(ctx, conv.ID, store.ConversationTransferred); err != nil {
			e.logger.Warn("close on external transfer failed", "conversation", conv.ID, "error", err)
		}
	}

	e.logger.Info("turn processed",
		"conversation", conv.ID,
		"agent", target.ID,
		"handoff", decision.Handoff,
		"reason", decision.Reason,
		"elapsed", result.Elapsed)
	return nil
}

// recordHandoff writes the pending transfer record and moves the active
// agent. The record carries a snapshot of the history the target would have
// seen, regardless of carries-context, for the audit trail.
func (e *Engine) recordHandoff(ctx context.Context, conv *store.Conversation,
	from, to uuid.UUID, decision router.Decision, prior []store.HistoryEntry) (*store.TransferRecord, error) {

	snapshot, err := json.Marshal(invoke.HistoryViewOf(prior))
	if err != nil {
		return nil, fmt.Errorf("snapshot history: %w", err)
	}

	convID := conv.ID
	rec := &store.TransferRecord{
		ConversationID:  &convID,
		FromAgentID:     &from,
		ToAgentID:       &to,
		Reason:          decision.Reason,
		Mode:            decision.Mode,
		ContextSnapshot: snapshot,
	}
	if err := e.stores.Transfers.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("record handoff: %w", err)
	}
	if err := e.stores.Conversations.SetActiveAgent(ctx, conv.ID, to); err != nil {
		if ferr := e.stores.Transfers.MarkFailed(ctx, rec.ID, err.Error()); ferr != nil {
			e.logger.Error("transfer failure not recorded", "transfer", rec.ID, "error", ferr)
		}
		return nil, fmt.Errorf("activate target agent: %w", err)
	}
	return rec, nil
}

// rollbackHandoff compensates a failed invocation: the conversation returns
// to the previous agent and the transfer record is marked failed. Uses a
// fresh context so rollback still runs when the invocation timed out.
func (e *Engine) rollbackHandoff(conv *store.Conversation, previous uuid.UUID, rec *store.TransferRecord, cause error) {
	if rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.stores.Conversations.SetActiveAgent(ctx, conv.ID, previous); err != nil {
		e.logger.Error("rollback to previous agent failed",
			"conversation", conv.ID, "agent", previous, "error", err)
	}
	if err := e.stores.Transfers.MarkFailed(ctx, rec.ID, cause.Error()); err != nil {
		e.logger.Error("transfer failure not recorded", "transfer", rec.ID, "error", err)
	}
	e.logger.Warn("handoff rolled back",
		"conversation", conv.ID, "restored_agent", previous, "cause", cause)
}
