package engine

import "errors"

// Engine error classes. Callers branch on these with errors.Is; the concrete
// cause is always wrapped alongside.
var (
	// ErrValidation marks malformed intake: missing tenant, contact, or
	// content. Such messages are rejected before they reach the debouncer.
	ErrValidation = errors.New("engine: invalid message")

	// ErrUnknownTenant marks intake for a tenant the directory does not know
	// or that is inactive.
	ErrUnknownTenant = errors.New("engine: unknown tenant")

	// ErrNoAgents marks a tenant with no active agent to route to.
	ErrNoAgents = errors.New("engine: tenant has no active agents")

	// ErrInvocation marks an executor failure. The conversation has been
	// rolled back to its previous agent when the failure followed a hand-off.
	ErrInvocation = errors.New("engine: agent invocation failed")
)
