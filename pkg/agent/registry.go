package agent

import (
	"sync"

	"github.com/siderealhq/agentd/pkg/llm"
	"github.com/siderealhq/agentd/pkg/memory"
	"github.com/siderealhq/agentd/pkg/store"
	"github.com/siderealhq/agentd/pkg/tools"
)

// Deps are the shared collaborators handed to every actor. Store may be nil
// in non-production environments; memory features then degrade.
type Deps struct {
	Store     *store.Store
	LLM       llm.Client
	Memory    *memory.Service
	Tools     *tools.Runner
	ChatModel string
}

// Registry maps each userId to its stable actor instance. The map itself is
// guarded by a coarse lock; per-actor serialization lives on the actor.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*UserAgent
	deps   *Deps
}

// NewRegistry creates an empty registry.
func NewRegistry(deps *Deps) *Registry {
	return &Registry{agents: make(map[string]*UserAgent), deps: deps}
}

// Get returns the actor for userID, creating it lazily. The same userID
// always routes to the same instance for the process lifetime.
func (r *Registry) Get(userID string) *UserAgent {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[userID]
	if !ok {
		a = &UserAgent{userID: userID, deps: r.deps}
		r.agents[userID] = a
	}
	return a
}
