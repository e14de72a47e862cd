package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/zapdesk/internal/bus"
	"github.com/nextlevelbuilder/zapdesk/internal/debounce"
	"github.com/nextlevelbuilder/zapdesk/internal/directory"
	"github.com/nextlevelbuilder/zapdesk/internal/engine"
	"github.com/nextlevelbuilder/zapdesk/internal/invoke"
	"github.com/nextlevelbuilder/zapdesk/internal/router"
	"github.com/nextlevelbuilder/zapdesk/internal/store"
)

type staticDirectoryStore struct {
	raw *store.DirectorySnapshot
}

func (s *staticDirectoryStore) LoadDirectory(ctx context.Context) (*store.DirectorySnapshot, error) {
	return s.raw, nil
}

func (s *staticDirectoryStore) TenantBySlug(ctx context.Context, slug string) (*store.Tenant, error) {
	for _, t := range s.raw.Tenants {
		if t.Slug == slug {
			cp := t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

type noopInvoker struct{}

func (noopInvoker) Invoke(ctx context.Context, req invoke.Request) (*invoke.Result, error) {
	return &invoke.Result{}, nil
}

func newTestServer(t *testing.T, rps float64) *Server {
	t.Helper()
	logger := slog.Default()

	tenant := store.Tenant{ID: uuid.New(), Name: "Clinica", Slug: "clinica", Active: true}
	agent := store.Agent{ID: uuid.New(), TenantID: tenant.ID, Name: "recepcao", Active: true}
	dirStore := &staticDirectoryStore{raw: &store.DirectorySnapshot{
		Tenants:  []store.Tenant{tenant},
		Agents:   []store.Agent{agent},
		LoadedAt: time.Now(),
	}}

	stores := &store.Stores{Directory: dirStore, Close: func() error { return nil }}
	dir := directory.New(dirStore, time.Minute, logger)
	mb := bus.NewMessageBus(16)
	eng := engine.New(engine.Options{}, stores, dir, router.New(0, logger),
		engine.NewLanes(2, 8, logger), mb, noopInvoker{},
		debounce.Options{QuietPeriod: time.Hour}, logger)
	t.Cleanup(eng.Debouncer().Stop)

	return NewServer("127.0.0.1:0", eng, mb, dir, NewSenderLimiter(rps, 2), logger)
}

func postInbound(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhook/inbound", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleInbound(rec, req)
	return rec
}

func TestInboundAccepted(t *testing.T) {
	srv := newTestServer(t, 0)
	rec := postInbound(t, srv, `{"tenant_slug":"clinica","contact":"+5511999990000","external_id":"m1","content":"oi"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := srv.bus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("accepted message should be published on the bus")
	}
	if msg.ExternalID != "m1" || msg.Content != "oi" {
		t.Errorf("unexpected message on bus: %+v", msg)
	}
}

func TestInboundDuplicateStillAccepted(t *testing.T) {
	srv := newTestServer(t, 0)
	body := `{"tenant_slug":"clinica","contact":"+5511999990000","external_id":"m1","content":"oi"}`
	if rec := postInbound(t, srv, body); rec.Code != http.StatusAccepted {
		t.Fatalf("first delivery status = %d", rec.Code)
	}
	// At-least-once redelivery is answered identically.
	if rec := postInbound(t, srv, body); rec.Code != http.StatusAccepted {
		t.Fatalf("replay status = %d, want 202", rec.Code)
	}
}

func TestInboundRejections(t *testing.T) {
	srv := newTestServer(t, 0)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{not json`, http.StatusBadRequest},
		{"missing contact", `{"tenant_slug":"clinica","content":"oi"}`, http.StatusBadRequest},
		{"missing slug", `{"contact":"+55","content":"oi"}`, http.StatusBadRequest},
		{"unknown tenant", `{"tenant_slug":"nope","contact":"+55","content":"oi"}`, http.StatusNotFound},
		{"empty content", `{"tenant_slug":"clinica","contact":"+55","content":"  "}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := postInbound(t, srv, tt.body); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestInboundRateLimited(t *testing.T) {
	srv := newTestServer(t, 0.001) // burst 2, effectively no refill
	body := `{"tenant_slug":"clinica","contact":"+5511999990000","content":"oi"}`
	postInbound(t, srv, body)
	postInbound(t, srv, body)
	if rec := postInbound(t, srv, body); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, 0)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status field = %v", resp["status"])
	}
}

func TestSenderLimiterIsolatesSenders(t *testing.T) {
	l := NewSenderLimiter(0.001, 1)
	if !l.Allow("a") {
		t.Fatal("first call for a should pass")
	}
	if l.Allow("a") {
		t.Fatal("second call for a should be limited")
	}
	if !l.Allow("b") {
		t.Fatal("unrelated sender must have its own budget")
	}
}
