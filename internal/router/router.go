// Package router selects the agent that should handle a coalesced turn.
// Routing is sticky: it starts from the conversation's currently active
// agent and only moves along matching links, so ambiguous input never
// bounces a conversation between agents.
package router

import (
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/zapdesk/internal/directory"
	"github.com/nextlevelbuilder/zapdesk/internal/store"
)

const defaultMaxHops = 8

// Decision is the outcome of routing one turn.
type Decision struct {
	TargetAgentID  uuid.UUID
	Mode           store.TransferMode
	CarriesContext bool
	Handoff        bool        // target differs from the current active agent
	Reason         string      // matched keyword, "catch-all", or "no-match"
	Path           []uuid.UUID // agents walked during this pass, current first
}

// Router applies the link-graph matching policy. It is stateless; all graph
// data comes from the directory snapshot passed per call.
type Router struct {
	maxHops int
	logger  *slog.Logger
}

// New creates a Router. maxHops bounds link-graph descent per turn on top
// of the visited-set cycle guard; <= 0 uses the default.
func New(maxHops int, logger *slog.Logger) *Router {
	if maxHops <= 0 {
		maxHops = defaultMaxHops
	}
	return &Router{maxHops: maxHops, logger: logger.With("component", "router")}
}

// Route walks the link graph from the current agent and returns the agent
// that should process the turn.
//
// Per level, candidates are tested in priority order; a link with a
// non-empty condition matches if any of its comma-separated keywords occurs
// in the turn text (case-insensitive). Links with empty conditions are
// catch-alls: they are only eligible when no specific condition matched at
// that level, regardless of priority. A match descends into the target's
// own links; revisiting an agent ends the pass at the last valid candidate.
func (r *Router) Route(snap *directory.Snapshot, currentAgent uuid.UUID, text string) Decision {
	visited := map[uuid.UUID]bool{currentAgent: true}
	path := []uuid.UUID{currentAgent}

	cur := currentAgent
	var last *directory.ResolvedLink
	reason := "no-match"

	for hops := 0; hops < r.maxHops; hops++ {
		cand, kw := matchLevel(snap.Links(cur), text)

		if cand == nil && hops == 0 {
			// Fallback to caller: a linked agent with no matching link of
			// its own defers to its principal's matching rule. Specific
			// matches only — honoring a caller's catch-all here would
			// reclaim every ambiguous turn from the specialist.
			cand, kw = r.fallbackToCaller(snap, cur, text, visited)
		}
		if cand == nil {
			break
		}
		if visited[cand.Agent.ID] {
			r.logger.Warn("link graph cycle detected, stopping at last valid candidate",
				"agent", cand.Agent.ID, "path", path)
			break
		}

		visited[cand.Agent.ID] = true
		path = append(path, cand.Agent.ID)
		last = cand
		cur = cand.Agent.ID
		if kw != "" {
			reason = kw
		} else {
			reason = "catch-all"
		}
	}

	if last == nil {
		return Decision{
			TargetAgentID:  currentAgent,
			Mode:           store.TransferInternal,
			CarriesContext: true,
			Reason:         "no-match",
			Path:           path,
		}
	}
	return Decision{
		TargetAgentID:  cur,
		Mode:           last.Mode,
		CarriesContext: last.CarriesContext,
		Handoff:        cur != currentAgent,
		Reason:         reason,
		Path:           path,
	}
}

// matchLevel picks the winning candidate among one agent's links.
// First pass: specific conditions in priority order, first keyword match
// wins. Second pass: the highest-priority catch-all.
func matchLevel(links []directory.ResolvedLink, text string) (*directory.ResolvedLink, string) {
	for i := range links {
		if links[i].Condition == "" {
			continue
		}
		if kw := matchCondition(links[i].Condition, text); kw != "" {
			return &links[i], kw
		}
	}
	for i := range links {
		if links[i].Condition == "" {
			return &links[i], ""
		}
	}
	return nil, ""
}

// fallbackToCaller evaluates the matching rules of the agents that link to
// cur, excluding agents already visited this pass.
func (r *Router) fallbackToCaller(snap *directory.Snapshot, cur uuid.UUID, text string, visited map[uuid.UUID]bool) (*directory.ResolvedLink, string) {
	for _, principal := range snap.Principals(cur) {
		links := snap.Links(principal)
		for i := range links {
			if links[i].Condition == "" || visited[links[i].Agent.ID] {
				continue
			}
			if kw := matchCondition(links[i].Condition, text); kw != "" {
				return &links[i], kw
			}
		}
	}
	return nil, ""
}

// matchCondition reports the first keyword of the comma-separated condition
// found in the text, or "" when none match. Matching is case-insensitive
// substring containment.
func matchCondition(condition, text string) string {
	lower := strings.ToLower(text)
	for _, kw := range strings.Split(condition, ",") {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(lower, kw) {
			return kw
		}
	}
	return ""
}
