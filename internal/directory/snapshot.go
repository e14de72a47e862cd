// Package directory provides a read-shared view of tenants, agents, and the
// agent-link graph. Routing reads an immutable snapshot; refresh swaps the
// whole snapshot atomically so in-flight lookups never block or see a
// half-updated graph.
package directory

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/zapdesk/internal/store"
)

// ResolvedLink is one routing candidate: a link joined with its target
// agent, with the link's overrides already applied. Condition and Priority
// are the effective values — the link override when set, else the linked
// agent's own defaults. Override wins entirely, never merged.
type ResolvedLink struct {
	LinkID         uuid.UUID
	Agent          store.Agent
	Condition      string
	Priority       int
	Mode           store.TransferMode
	CarriesContext bool
	CreatedAt      time.Time
}

// Snapshot is one consistent, immutable view of the directory.
type Snapshot struct {
	LoadedAt time.Time

	tenants       map[uuid.UUID]store.Tenant
	tenantsBySlug map[string]store.Tenant
	agents        map[uuid.UUID]store.Agent
	links         map[uuid.UUID][]ResolvedLink // principal id → candidates, routing order
	principals    map[uuid.UUID][]uuid.UUID    // linked id → principal ids
	roots         map[uuid.UUID]uuid.UUID      // tenant id → root agent id
}

// Build assembles a Snapshot from raw directory rows. Inactive tenants
// disable their agents; inactive agents and links are dropped; links that
// cross tenants or point at non-linkable agents are ignored (schema allows
// them, routing must not).
func Build(raw *store.DirectorySnapshot) *Snapshot {
	s := &Snapshot{
		LoadedAt:      raw.LoadedAt,
		tenants:       make(map[uuid.UUID]store.Tenant, len(raw.Tenants)),
		tenantsBySlug: make(map[string]store.Tenant, len(raw.Tenants)),
		agents:        make(map[uuid.UUID]store.Agent, len(raw.Agents)),
		links:         make(map[uuid.UUID][]ResolvedLink),
		principals:    make(map[uuid.UUID][]uuid.UUID),
		roots:         make(map[uuid.UUID]uuid.UUID),
	}
	if s.LoadedAt.IsZero() {
		s.LoadedAt = time.Now()
	}

	for _, t := range raw.Tenants {
		if !t.Active {
			continue
		}
		s.tenants[t.ID] = t
		s.tenantsBySlug[t.Slug] = t
	}

	for _, a := range raw.Agents {
		if !a.Active {
			continue
		}
		if _, ok := s.tenants[a.TenantID]; !ok {
			continue // tenant deactivation cascades
		}
		s.agents[a.ID] = a
	}

	linked := make(map[uuid.UUID]bool)
	for _, l := range raw.Links {
		if !l.Active {
			continue
		}
		principal, ok := s.agents[l.PrincipalID]
		if !ok {
			continue
		}
		target, ok := s.agents[l.LinkedID]
		if !ok {
			continue
		}
		if target.TenantID != principal.TenantID || !target.Linkable {
			continue
		}

		cond := target.ActivationCondition
		if l.Condition != nil {
			cond = *l.Condition
		}
		prio := target.Priority
		if l.Priority != nil {
			prio = *l.Priority
		}
		s.links[l.PrincipalID] = append(s.links[l.PrincipalID], ResolvedLink{
			LinkID:         l.ID,
			Agent:          target,
			Condition:      cond,
			Priority:       prio,
			Mode:           l.Mode,
			CarriesContext: l.CarriesContext,
			CreatedAt:      l.CreatedAt,
		})
		s.principals[l.LinkedID] = append(s.principals[l.LinkedID], l.PrincipalID)
		linked[l.LinkedID] = true
	}

	// Routing order: effective priority descending, ties broken by link
	// creation order so decisions are reproducible.
	for id := range s.links {
		ls := s.links[id]
		sort.SliceStable(ls, func(i, j int) bool {
			if ls[i].Priority != ls[j].Priority {
				return ls[i].Priority > ls[j].Priority
			}
			return ls[i].CreatedAt.Before(ls[j].CreatedAt)
		})
	}

	// Root agent per tenant: the earliest-created active agent that is not
	// the target of any link. Falls back to the earliest agent when every
	// agent is linked (fully meshed graphs still need an entry point).
	byTenant := make(map[uuid.UUID][]store.Agent)
	for _, a := range s.agents {
		byTenant[a.TenantID] = append(byTenant[a.TenantID], a)
	}
	for tid, as := range byTenant {
		sort.Slice(as, func(i, j int) bool { return as[i].CreatedAt.Before(as[j].CreatedAt) })
		picked := false
		for _, a := range as {
			if !linked[a.ID] {
				s.roots[tid] = a.ID
				picked = true
				break
			}
		}
		if !picked && len(as) > 0 {
			s.roots[tid] = as[0].ID
		}
	}

	return s
}

// Agent looks up an active agent by id.
func (s *Snapshot) Agent(id uuid.UUID) (store.Agent, bool) {
	a, ok := s.agents[id]
	return a, ok
}

// Links returns the routing candidates for a principal agent, already in
// routing order (priority descending, creation order on ties).
func (s *Snapshot) Links(agentID uuid.UUID) []ResolvedLink {
	return s.links[agentID]
}

// Principals returns the agents that link to agentID.
func (s *Snapshot) Principals(agentID uuid.UUID) []uuid.UUID {
	return s.principals[agentID]
}

// Tenant looks up an active tenant by id.
func (s *Snapshot) Tenant(id uuid.UUID) (store.Tenant, bool) {
	t, ok := s.tenants[id]
	return t, ok
}

// TenantBySlug looks up an active tenant by slug.
func (s *Snapshot) TenantBySlug(slug string) (store.Tenant, bool) {
	t, ok := s.tenantsBySlug[slug]
	return t, ok
}

// RootAgent returns the tenant's entry-point agent.
func (s *Snapshot) RootAgent(tenantID uuid.UUID) (uuid.UUID, bool) {
	id, ok := s.roots[tenantID]
	return id, ok
}

// AgentCount reports how many active agents the snapshot holds.
func (s *Snapshot) AgentCount() int { return len(s.agents) }
