package router

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/zapdesk/internal/directory"
	"github.com/nextlevelbuilder/zapdesk/internal/store"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type graphBuilder struct {
	tenantID uuid.UUID
	agents   []store.Agent
	links    []store.AgentLink
	seq      int
}

func newGraph() *graphBuilder {
	return &graphBuilder{tenantID: uuid.New()}
}

func (g *graphBuilder) agent(name, condition string, priority int, linkable bool) uuid.UUID {
	g.seq++
	id := uuid.New()
	g.agents = append(g.agents, store.Agent{
		ID:                  id,
		TenantID:            g.tenantID,
		Name:                name,
		ActivationCondition: condition,
		Priority:            priority,
		Linkable:            linkable,
		Active:              true,
		CreatedAt:           baseTime.Add(time.Duration(g.seq) * time.Minute),
	})
	return id
}

func (g *graphBuilder) link(from, to uuid.UUID, opts ...func(*store.AgentLink)) {
	g.seq++
	l := store.AgentLink{
		ID:             uuid.New(),
		PrincipalID:    from,
		LinkedID:       to,
		Mode:           store.TransferInternal,
		CarriesContext: true,
		Active:         true,
		CreatedAt:      baseTime.Add(time.Duration(g.seq) * time.Minute),
	}
	for _, opt := range opts {
		opt(&l)
	}
	g.links = append(g.links, l)
}

func withCondition(c string) func(*store.AgentLink) {
	return func(l *store.AgentLink) { l.Condition = &c }
}

func withPriority(p int) func(*store.AgentLink) {
	return func(l *store.AgentLink) { l.Priority = &p }
}

func withMode(m store.TransferMode) func(*store.AgentLink) {
	return func(l *store.AgentLink) { l.Mode = m }
}

func withoutContext() func(*store.AgentLink) {
	return func(l *store.AgentLink) { l.CarriesContext = false }
}

func (g *graphBuilder) snapshot() *directory.Snapshot {
	return directory.Build(&store.DirectorySnapshot{
		Tenants: []store.Tenant{{
			ID:     g.tenantID,
			Name:   "Clinica Vida",
			Slug:   "clinica-vida",
			Active: true,
		}},
		Agents:   g.agents,
		Links:    g.links,
		LoadedAt: baseTime,
	})
}

func testRouter() *Router {
	return New(0, slog.Default())
}

func TestRouteKeywordMatch(t *testing.T) {
	g := newGraph()
	reception := g.agent("recepcao", "", 0, false)
	billing := g.agent("financeiro", "financeiro,pagamento", 10, true)
	schedule := g.agent("agenda", "agenda,consulta", 5, true)
	g.link(reception, billing)
	g.link(reception, schedule)
	snap := g.snapshot()

	tests := []struct {
		name    string
		text    string
		target  uuid.UUID
		handoff bool
		reason  string
	}{
		{"billing keyword", "quero pagar o boleto do financeiro", billing, true, "financeiro"},
		{"second keyword of condition", "como faco um pagamento?", billing, true, "pagamento"},
		{"schedule keyword", "preciso remarcar minha consulta", schedule, true, "consulta"},
		{"case insensitive", "FINANCEIRO por favor", billing, true, "financeiro"},
		{"no match stays put", "bom dia, tudo bem?", reception, false, "no-match"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testRouter().Route(snap, reception, tt.text)
			if d.TargetAgentID != tt.target {
				t.Fatalf("target = %s, want %s", d.TargetAgentID, tt.target)
			}
			if d.Handoff != tt.handoff {
				t.Errorf("handoff = %v, want %v", d.Handoff, tt.handoff)
			}
			if d.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", d.Reason, tt.reason)
			}
		})
	}
}

func TestRoutePriorityOrder(t *testing.T) {
	// Both agents match "pagamento"; the higher effective priority wins.
	g := newGraph()
	reception := g.agent("recepcao", "", 0, false)
	low := g.agent("cobranca", "pagamento", 2, true)
	high := g.agent("financeiro", "pagamento", 9, true)
	g.link(reception, low)
	g.link(reception, high)

	d := testRouter().Route(g.snapshot(), reception, "pagamento pendente")
	if d.TargetAgentID != high {
		t.Fatalf("expected higher-priority agent %s, got %s", high, d.TargetAgentID)
	}
}

func TestRouteBothConditionsMatchPriorityWins(t *testing.T) {
	g := newGraph()
	root := g.agent("a", "", 0, false)
	billing := g.agent("b", "financeiro,pagamento", 10, true)
	schedule := g.agent("c", "agenda", 5, true)
	g.link(root, billing)
	g.link(root, schedule)
	snap := g.snapshot()

	if d := testRouter().Route(snap, root, "quero saber sobre pagamento"); d.TargetAgentID != billing {
		t.Fatalf("got %s, want billing", d.TargetAgentID)
	}
	if d := testRouter().Route(snap, root, "aleatorio"); d.TargetAgentID != root {
		t.Fatalf("got %s, want root on no-match", d.TargetAgentID)
	}
	// Both conditions match; the higher priority candidate wins.
	if d := testRouter().Route(snap, root, "agenda e pagamento"); d.TargetAgentID != billing {
		t.Fatalf("got %s, want billing (priority 10 > 5)", d.TargetAgentID)
	}
}

func TestRouteCatchAllLosesToSpecific(t *testing.T) {
	// A catch-all outranks the specific link by priority, but a matched
	// specific condition still wins.
	g := newGraph()
	reception := g.agent("recepcao", "", 0, false)
	catchAll := g.agent("triagem", "", 100, true)
	specific := g.agent("agenda", "consulta", 1, true)
	g.link(reception, catchAll)
	g.link(reception, specific)
	snap := g.snapshot()

	d := testRouter().Route(snap, reception, "quero uma consulta")
	if d.TargetAgentID != specific {
		t.Fatalf("specific condition should beat catch-all, got %s", d.TargetAgentID)
	}

	d = testRouter().Route(snap, reception, "ola")
	if d.TargetAgentID != catchAll {
		t.Fatalf("catch-all should receive unmatched text, got %s", d.TargetAgentID)
	}
	if d.Reason != "catch-all" {
		t.Errorf("reason = %q, want catch-all", d.Reason)
	}
}

func TestRouteLinkOverrideReplacesCondition(t *testing.T) {
	// The link override replaces the agent's own condition entirely; the
	// agent's default keywords stop matching through this link.
	g := newGraph()
	reception := g.agent("recepcao", "", 0, false)
	agent := g.agent("financeiro", "financeiro", 5, true)
	g.link(reception, agent, withCondition("fatura"), withPriority(7))
	snap := g.snapshot()

	if d := testRouter().Route(snap, reception, "minha fatura chegou"); d.TargetAgentID != agent {
		t.Fatalf("override condition should match, got %s", d.TargetAgentID)
	}
	if d := testRouter().Route(snap, reception, "falar com financeiro"); d.TargetAgentID != reception {
		t.Fatalf("agent default condition must not apply through overridden link, got %s", d.TargetAgentID)
	}
}

func TestRouteDescendsLinkGraph(t *testing.T) {
	g := newGraph()
	reception := g.agent("recepcao", "", 0, false)
	billing := g.agent("financeiro", "financeiro", 5, true)
	dunning := g.agent("cobranca", "boleto", 5, true)
	g.link(reception, billing)
	g.link(billing, dunning)

	d := testRouter().Route(g.snapshot(), reception, "financeiro: segunda via do boleto")
	if d.TargetAgentID != dunning {
		t.Fatalf("expected descent to %s, got %s", dunning, d.TargetAgentID)
	}
	if len(d.Path) != 3 {
		t.Errorf("path length = %d, want 3 (%v)", len(d.Path), d.Path)
	}
}

func TestRouteFallbackToCaller(t *testing.T) {
	// The active agent has no links of its own; its principal's specific
	// rules reclaim the turn.
	g := newGraph()
	reception := g.agent("recepcao", "", 0, false)
	billing := g.agent("financeiro", "financeiro", 5, true)
	schedule := g.agent("agenda", "agenda", 5, true)
	g.link(reception, billing)
	g.link(reception, schedule)
	snap := g.snapshot()

	d := testRouter().Route(snap, billing, "quero ver a agenda")
	if d.TargetAgentID != schedule {
		t.Fatalf("expected fallback to caller to reach %s, got %s", schedule, d.TargetAgentID)
	}
	if !d.Handoff {
		t.Error("fallback transfer should be a handoff")
	}

	// A caller's catch-all must not reclaim ambiguous turns.
	d = testRouter().Route(snap, billing, "hmm ok")
	if d.TargetAgentID != billing {
		t.Fatalf("ambiguous turn should stay with active agent, got %s", d.TargetAgentID)
	}
}

func TestRouteCycleStopsAtLastValid(t *testing.T) {
	g := newGraph()
	a := g.agent("a", "", 0, true)
	b := g.agent("b", "", 0, true)
	g.link(a, b)
	g.link(b, a)

	d := testRouter().Route(g.snapshot(), a, "anything")
	if d.TargetAgentID != b {
		t.Fatalf("cycle should stop at last valid candidate %s, got %s", b, d.TargetAgentID)
	}
	if !d.Handoff {
		t.Error("expected handoff to b")
	}
}

func TestRouteCarriesLinkAttributes(t *testing.T) {
	g := newGraph()
	reception := g.agent("recepcao", "", 0, false)
	human := g.agent("humano", "atendente", 5, true)
	g.link(reception, human, withMode(store.TransferExternal), withoutContext())

	d := testRouter().Route(g.snapshot(), reception, "quero falar com um atendente")
	if d.Mode != store.TransferExternal {
		t.Errorf("mode = %s, want external", d.Mode)
	}
	if d.CarriesContext {
		t.Error("carries context should be false")
	}
}

func TestMatchCondition(t *testing.T) {
	tests := []struct {
		condition string
		text      string
		want      string
	}{
		{"financeiro,pagamento", "meu pagamento falhou", "pagamento"},
		{"financeiro, pagamento", "PAGAMENTO", "pagamento"},
		{"agenda", "sem relacao", ""},
		{" , ,", "anything", ""},
		{"", "anything", ""},
	}
	for _, tt := range tests {
		if got := matchCondition(tt.condition, tt.text); got != tt.want {
			t.Errorf("matchCondition(%q, %q) = %q, want %q", tt.condition, tt.text, got, tt.want)
		}
	}
}
