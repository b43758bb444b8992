// Package registry maps agent types to their static definitions and
// manages the live set of spawned agent instances.
package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/rookery-ai/rookery/internal/model"
)

// Registry holds agent-type definitions. Built-in types cannot be
// overridden or unregistered; custom types registered by plugins are
// last-write-wins with a warning on overwrite.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	builtin map[string]model.AgentDefinition
	custom  map[string]model.AgentDefinition
}

// NewRegistry creates a registry seeded with the given built-in
// definitions.
func NewRegistry(logger *slog.Logger, builtins []model.AgentDefinition) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:  logger,
		builtin: make(map[string]model.AgentDefinition, len(builtins)),
		custom:  make(map[string]model.AgentDefinition),
	}
	for _, def := range builtins {
		r.builtin[def.Type] = def
	}
	return r
}

// Get returns the definition for an agent type. Built-ins shadow custom
// registrations of the same type.
func (r *Registry) Get(agentType string) (model.AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.builtin[agentType]; ok {
		return def, true
	}
	def, ok := r.custom[agentType]
	return def, ok
}

// List returns all definitions, built-in first.
func (r *Registry) List() []model.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]model.AgentDefinition, 0, len(r.builtin)+len(r.custom))
	for _, def := range r.builtin {
		defs = append(defs, def)
	}
	for t, def := range r.custom {
		if _, shadowed := r.builtin[t]; !shadowed {
			defs = append(defs, def)
		}
	}
	return defs
}

// Register adds a custom agent-type definition. Registering over a
// built-in type fails; registering over an existing custom type
// overwrites it with a warning.
func (r *Registry) Register(def model.AgentDefinition) error {
	if def.Type == "" {
		return fmt.Errorf("registry: agent type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.builtin[def.Type]; ok {
		return fmt.Errorf("registry: cannot override built-in agent type %q", def.Type)
	}
	if _, ok := r.custom[def.Type]; ok {
		r.logger.Warn("registry: overwriting custom agent type", "type", def.Type)
	}
	r.custom[def.Type] = def
	return nil
}

// Unregister removes a custom agent-type definition. Built-in types
// cannot be unregistered.
func (r *Registry) Unregister(agentType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.builtin[agentType]; ok {
		return fmt.Errorf("registry: cannot unregister built-in agent type %q", agentType)
	}
	if _, ok := r.custom[agentType]; !ok {
		return fmt.Errorf("registry: agent type %q is not registered", agentType)
	}
	delete(r.custom, agentType)
	return nil
}
