package debounce

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/zapdesk/internal/bus"
)

type turnCollector struct {
	mu    sync.Mutex
	turns []bus.Turn
	ch    chan bus.Turn
}

func newCollector() *turnCollector {
	return &turnCollector{ch: make(chan bus.Turn, 16)}
}

func (c *turnCollector) flush(turn bus.Turn) {
	c.mu.Lock()
	c.turns = append(c.turns, turn)
	c.mu.Unlock()
	c.ch <- turn
}

func (c *turnCollector) wait(t *testing.T, timeout time.Duration) bus.Turn {
	t.Helper()
	select {
	case turn := <-c.ch:
		return turn
	case <-time.After(timeout):
		t.Fatal("no turn flushed within timeout")
		return bus.Turn{}
	}
}

func (c *turnCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

func testKey() bus.ConversationKey {
	return bus.ConversationKey{TenantID: uuid.New(), Contact: "+5511999990000"}
}

func msg(key bus.ConversationKey, id, content string) bus.InboundMessage {
	return bus.InboundMessage{Key: key, ExternalID: id, Content: content, ReceivedAt: time.Now()}
}

func TestCoalescesBurstIntoOneTurn(t *testing.T) {
	c := newCollector()
	d := New(Options{QuietPeriod: 30 * time.Millisecond}, c.flush, slog.Default())
	defer d.Stop()

	key := testKey()
	d.Ingest(msg(key, "m1", "oi"))
	d.Ingest(msg(key, "m2", "quero remarcar"))
	d.Ingest(msg(key, "m3", "minha consulta"))

	turn := c.wait(t, time.Second)
	if len(turn.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(turn.Messages))
	}
	if turn.Text != "oi\nquero remarcar\nminha consulta" {
		t.Errorf("text = %q", turn.Text)
	}
	if c.count() != 1 {
		t.Errorf("flushes = %d, want 1", c.count())
	}
	if d.Pending() != 0 {
		t.Errorf("pending = %d after flush, want 0", d.Pending())
	}
}

func TestDuplicateExternalIDDropped(t *testing.T) {
	c := newCollector()
	d := New(Options{QuietPeriod: 30 * time.Millisecond}, c.flush, slog.Default())
	defer d.Stop()

	key := testKey()
	d.Ingest(msg(key, "m1", "primeira"))
	d.Ingest(msg(key, "m1", "primeira")) // webhook replay

	turn := c.wait(t, time.Second)
	if len(turn.Messages) != 1 {
		t.Fatalf("messages = %d, want 1 (duplicate dropped)", len(turn.Messages))
	}

	// Replays after the flush must still be recognized.
	d.Ingest(msg(key, "m1", "primeira"))
	time.Sleep(100 * time.Millisecond)
	if c.count() != 1 {
		t.Fatalf("flushes = %d, want 1 (post-flush replay dropped)", c.count())
	}
}

func TestMaxMessagesFlushesImmediately(t *testing.T) {
	c := newCollector()
	d := New(Options{QuietPeriod: time.Hour, MaxMessages: 3}, c.flush, slog.Default())
	defer d.Stop()

	key := testKey()
	for i := 0; i < 3; i++ {
		d.Ingest(msg(key, fmt.Sprintf("m%d", i), "msg"))
	}

	turn := c.wait(t, time.Second)
	if len(turn.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(turn.Messages))
	}
}

func TestQuietPeriodResetByNewMessage(t *testing.T) {
	c := newCollector()
	d := New(Options{QuietPeriod: 80 * time.Millisecond}, c.flush, slog.Default())
	defer d.Stop()

	key := testKey()
	d.Ingest(msg(key, "m1", "a"))
	time.Sleep(40 * time.Millisecond)
	d.Ingest(msg(key, "m2", "b"))
	time.Sleep(40 * time.Millisecond)
	if c.count() != 0 {
		t.Fatal("flush fired before quiet period elapsed")
	}

	turn := c.wait(t, time.Second)
	if len(turn.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(turn.Messages))
	}
}

func TestConversationsBufferIndependently(t *testing.T) {
	c := newCollector()
	d := New(Options{QuietPeriod: 30 * time.Millisecond}, c.flush, slog.Default())
	defer d.Stop()

	k1 := testKey()
	k2 := testKey()
	d.Ingest(msg(k1, "a1", "um"))
	d.Ingest(msg(k2, "b1", "dois"))

	first := c.wait(t, time.Second)
	second := c.wait(t, time.Second)
	if first.Key == second.Key {
		t.Fatal("expected two distinct conversation turns")
	}
}

func TestCancelDiscardsPending(t *testing.T) {
	c := newCollector()
	d := New(Options{QuietPeriod: 50 * time.Millisecond}, c.flush, slog.Default())
	defer d.Stop()

	key := testKey()
	d.Ingest(msg(key, "m1", "vai ser descartada"))
	d.Cancel(key)

	time.Sleep(120 * time.Millisecond)
	if c.count() != 0 {
		t.Fatalf("flushes = %d, want 0 after cancel", c.count())
	}
	if d.Pending() != 0 {
		t.Errorf("pending = %d, want 0", d.Pending())
	}
}

func TestStopDiscardsWithoutFlushing(t *testing.T) {
	c := newCollector()
	d := New(Options{QuietPeriod: 50 * time.Millisecond}, c.flush, slog.Default())

	key := testKey()
	d.Ingest(msg(key, "m1", "meio caminho"))
	d.Stop()
	d.Ingest(msg(key, "m2", "tarde demais"))

	time.Sleep(120 * time.Millisecond)
	if c.count() != 0 {
		t.Fatalf("flushes = %d, want 0 after stop", c.count())
	}
}

func TestDedupStateEvictedByTTL(t *testing.T) {
	c := newCollector()
	d := New(Options{QuietPeriod: time.Hour, DedupTTL: time.Minute}, c.flush, slog.Default())
	defer d.Stop()

	stale := testKey()
	d.Ingest(msg(stale, "m1", "antiga"))

	// Age the stale conversation's dedup set past the TTL.
	d.mu.Lock()
	d.seen[stale.String()].lastSeen = time.Now().Add(-2 * time.Minute)
	d.mu.Unlock()

	// A new conversation's first message triggers eviction.
	d.Ingest(msg(testKey(), "m1", "nova"))

	d.mu.Lock()
	_, kept := d.seen[stale.String()]
	d.mu.Unlock()
	if kept {
		t.Fatal("idle dedup set should be evicted past the TTL")
	}
}

func TestDedupStateCappedGlobally(t *testing.T) {
	c := newCollector()
	d := New(Options{QuietPeriod: time.Hour, DedupMaxConversations: 3}, c.flush, slog.Default())
	defer d.Stop()

	for i := 0; i < 10; i++ {
		d.Ingest(msg(testKey(), "m1", "oi"))
	}

	d.mu.Lock()
	n := len(d.seen)
	d.mu.Unlock()
	if n > 3 {
		t.Fatalf("dedup sets = %d, want at most 3", n)
	}
}

func TestOverlappingFlushesDeliverInOrder(t *testing.T) {
	release := make(chan struct{})
	firstTaken := make(chan struct{})
	done := make(chan struct{})

	var (
		mu  sync.Mutex
		got []string
	)
	// Records completion order: the first turn stalls mid-delivery, so a
	// racing second delivery would complete (and record) ahead of it.
	flush := func(turn bus.Turn) {
		if turn.Text == "primeira" {
			close(firstTaken)
			<-release
		}
		mu.Lock()
		got = append(got, turn.Text)
		n := len(got)
		mu.Unlock()
		if n == 2 {
			close(done)
		}
	}

	d := New(Options{QuietPeriod: time.Hour, MaxMessages: 2}, flush, slog.Default())
	defer d.Stop()

	key := testKey()
	d.Ingest(msg(key, "m1", "primeira"))
	go d.fire(key.String()) // the quiet-period path takes turn one
	<-firstTaken

	// While turn one is still being delivered, a burst hits the hard cap.
	// Its turn must queue behind the in-flight one, not race past it.
	d.Ingest(msg(key, "m2", "segunda"))
	d.Ingest(msg(key, "m3", "terceira"))

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second turn was not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "primeira" || got[1] != "segunda\nterceira" {
		t.Fatalf("delivery order = %q, want [primeira, segunda\\nterceira]", got)
	}
}

func TestPerConversationQuietPeriod(t *testing.T) {
	c := newCollector()
	slowKey := testKey()
	d := New(Options{
		QuietPeriod: 30 * time.Millisecond,
		QuietPeriodFor: func(k bus.ConversationKey) time.Duration {
			if k == slowKey {
				return 200 * time.Millisecond
			}
			return 0
		},
	}, c.flush, slog.Default())
	defer d.Stop()

	fastKey := testKey()
	d.Ingest(msg(slowKey, "s1", "devagar"))
	d.Ingest(msg(fastKey, "f1", "rapido"))

	first := c.wait(t, time.Second)
	if first.Key != fastKey {
		t.Fatal("default quiet period conversation should flush first")
	}
	second := c.wait(t, time.Second)
	if second.Key != slowKey {
		t.Fatal("override conversation should flush second")
	}
}
