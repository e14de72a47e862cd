// Package debounce coalesces bursts of inbound messages into single turns.
// End users send several short messages in quick succession; buffering per
// conversation until a quiet period elapses turns each burst into one
// coherent unit of input, and webhook redeliveries are dropped on the way
// in so at-least-once intake stays safe.
package debounce

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/zapdesk/internal/bus"
)

// FlushFunc receives each coalesced turn. It is called outside the
// debouncer's lock by a single drainer per conversation, so turns for one
// conversation arrive in the order they were taken; blocking here stalls
// that conversation's deliveries, not intake.
type FlushFunc func(bus.Turn)

// Options tunes a Debouncer.
type Options struct {
	QuietPeriod time.Duration // silence required before a flush
	MaxMessages int           // flush immediately at this buffer size
	MaxAge      time.Duration // flush once the oldest buffered message is this old
	DedupWindow int           // remembered external ids per conversation

	// DedupTTL evicts a conversation's dedup set once it has been idle this
	// long; DedupMaxConversations caps how many sets are kept overall, so
	// the dedup state stays bounded no matter how many conversations a
	// long-running process has seen.
	DedupTTL              time.Duration
	DedupMaxConversations int

	// QuietPeriodFor returns a per-conversation override, 0 for default.
	// Tenants tune this to their audience's typing habits.
	QuietPeriodFor func(bus.ConversationKey) time.Duration
}

// Debouncer buffers inbound messages per conversation and emits coalesced
// turns. All state is in-memory; pending buffers are transient by design
// (spec: PendingTurn lives only in the debouncer's working set).
type Debouncer struct {
	opts   Options
	flush  FlushFunc
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[string]*buffer
	seen     map[string]*recentIDs
	flushQ   map[string][]bus.Turn
	flushing map[string]bool
	stopped  bool
}

type buffer struct {
	key     bus.ConversationKey
	msgs    []bus.InboundMessage
	firstAt time.Time
	timer   *time.Timer
}

// recentIDs is a bounded insertion-ordered set of external message ids.
// It survives flushes so a webhook redelivered after the turn went out is
// still recognized.
type recentIDs struct {
	ids      map[string]struct{}
	order    []string
	cap      int
	lastSeen time.Time
}

func (r *recentIDs) add(id string) bool {
	if _, dup := r.ids[id]; dup {
		return false
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.cap {
		delete(r.ids, r.order[0])
		r.order = r.order[1:]
	}
	return true
}

// New creates a Debouncer delivering coalesced turns to flush.
func New(opts Options, flush FlushFunc, logger *slog.Logger) *Debouncer {
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = 3 * time.Second
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 10
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 30 * time.Second
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 128
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = 20 * time.Minute
	}
	if opts.DedupMaxConversations <= 0 {
		opts.DedupMaxConversations = 5000
	}
	return &Debouncer{
		opts:     opts,
		flush:    flush,
		logger:   logger.With("component", "debounce"),
		pending:  make(map[string]*buffer),
		seen:     make(map[string]*recentIDs),
		flushQ:   make(map[string][]bus.Turn),
		flushing: make(map[string]bool),
	}
}

// Ingest buffers one inbound message and (re)schedules the conversation's
// flush. Duplicate external ids are dropped; a full or over-age buffer
// flushes immediately instead of waiting out the quiet period.
func (d *Debouncer) Ingest(msg bus.InboundMessage) {
	key := msg.Key.String()

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	if msg.ExternalID != "" {
		ring := d.seen[key]
		if ring == nil {
			d.evictSeenLocked(time.Now())
			ring = &recentIDs{ids: make(map[string]struct{}), cap: d.opts.DedupWindow}
			d.seen[key] = ring
		}
		ring.lastSeen = time.Now()
		if !ring.add(msg.ExternalID) {
			d.mu.Unlock()
			d.logger.Debug("duplicate message dropped", "conversation", key, "external_id", msg.ExternalID)
			return
		}
	}

	buf := d.pending[key]
	if buf == nil {
		buf = &buffer{key: msg.Key, firstAt: msg.ReceivedAt}
		if buf.firstAt.IsZero() {
			buf.firstAt = time.Now()
		}
		d.pending[key] = buf
	}
	buf.msgs = append(buf.msgs, msg)

	if len(buf.msgs) >= d.opts.MaxMessages || time.Since(buf.firstAt) >= d.opts.MaxAge {
		drain := d.emitLocked(key)
		d.mu.Unlock()
		if drain {
			d.drain(key)
		}
		return
	}

	quiet := d.opts.QuietPeriod
	if d.opts.QuietPeriodFor != nil {
		if q := d.opts.QuietPeriodFor(msg.Key); q > 0 {
			quiet = q
		}
	}
	if buf.timer == nil {
		buf.timer = time.AfterFunc(quiet, func() { d.fire(key) })
	} else {
		buf.timer.Reset(quiet)
	}
	d.mu.Unlock()
}

// Cancel discards any buffered messages and pending timer for the
// conversation without flushing. Used when a conversation is closed
// externally while messages are in flight.
func (d *Debouncer) Cancel(key bus.ConversationKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if buf, ok := d.pending[key.String()]; ok {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(d.pending, key.String())
		d.logger.Info("pending turn cancelled", "conversation", key.String(), "discarded", len(buf.msgs))
	}
}

// Stop cancels every pending buffer. Buffered messages are discarded, not
// flushed: a dying process must not emit half-coalesced turns.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, buf := range d.pending {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(d.pending, key)
	}
}

// Pending reports how many conversations currently have buffered messages.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// fire is the timer callback: flush whatever is buffered for key.
func (d *Debouncer) fire(key string) {
	d.mu.Lock()
	drain := d.emitLocked(key)
	d.mu.Unlock()
	if drain {
		d.drain(key)
	}
}

// emitLocked takes the buffer for key and appends its turn to the
// conversation's flush queue. Enqueueing happens under the same lock as the
// removal, so queue order is take order. Returns true when the caller must
// become the drainer; false means another goroutine already is, or there was
// nothing to flush.
func (d *Debouncer) emitLocked(key string) bool {
	turn := d.takeLocked(key)
	if turn == nil {
		return false
	}
	d.flushQ[key] = append(d.flushQ[key], *turn)
	if d.flushing[key] {
		return false
	}
	d.flushing[key] = true
	return true
}

// drain delivers queued turns for key to the flush callback, one at a time,
// until the queue is empty. A single drainer per conversation keeps delivery
// in take order even when a timer flush and a hard-cap flush overlap.
func (d *Debouncer) drain(key string) {
	for {
		d.mu.Lock()
		q := d.flushQ[key]
		if len(q) == 0 {
			delete(d.flushQ, key)
			delete(d.flushing, key)
			d.mu.Unlock()
			return
		}
		turn := q[0]
		d.flushQ[key] = q[1:]
		d.mu.Unlock()
		d.flush(turn)
	}
}

// evictSeenLocked drops dedup sets idle past the TTL, then the oldest sets
// until the global cap holds. Called under d.mu when a new conversation's
// set is about to be added.
func (d *Debouncer) evictSeenLocked(now time.Time) {
	for key, ring := range d.seen {
		if now.Sub(ring.lastSeen) > d.opts.DedupTTL {
			delete(d.seen, key)
		}
	}
	for len(d.seen) >= d.opts.DedupMaxConversations {
		oldestKey := ""
		var oldest time.Time
		for key, ring := range d.seen {
			if oldestKey == "" || ring.lastSeen.Before(oldest) {
				oldestKey, oldest = key, ring.lastSeen
			}
		}
		delete(d.seen, oldestKey)
	}
}

// takeLocked removes the buffer for key and builds its turn. The removal
// and the turn construction are one critical section: a message arriving
// during flush starts a fresh buffer instead of being lost or duplicated.
func (d *Debouncer) takeLocked(key string) *bus.Turn {
	buf, ok := d.pending[key]
	if !ok || len(buf.msgs) == 0 {
		return nil
	}
	if buf.timer != nil {
		buf.timer.Stop()
	}
	delete(d.pending, key)

	parts := make([]string, 0, len(buf.msgs))
	for _, m := range buf.msgs {
		parts = append(parts, m.Content)
	}
	return &bus.Turn{
		Key:       buf.key,
		Messages:  buf.msgs,
		Text:      strings.Join(parts, "\n"),
		FirstAt:   buf.firstAt,
		FlushedAt: time.Now(),
	}
}
