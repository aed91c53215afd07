package agent

import (
	"sync"
)

// Registry holds the tool set in insertion order. Order stability matters:
// the schema export is part of the provider prompt, and a stable tool
// order keeps the static prefix cacheable across turns.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	byName  map[string]Tool
	aliases map[string]string // bare operation name -> hosting tool

	// cached schema export; invalidated only on mutation
	schemas []map[string]any
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]Tool),
		aliases: make(map[string]string),
	}
}

// Register appends a tool. Re-registering a name replaces the tool in
// place without changing its position. Each of the tool's operations is
// recorded as an alias so calls addressed to a bare operation name can be
// routed to the hosting tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if _, exists := r.byName[name]; !exists {
		r.order = append(r.order, name)
	}
	r.byName[name] = tool
	for _, op := range tool.Operations() {
		if op != name {
			r.aliases[op] = name
		}
	}
	r.schemas = nil
}

// Unregister removes a tool and its aliases.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tool, ok := r.byName[name]
	if !ok {
		return
	}
	delete(r.byName, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	for _, op := range tool.Operations() {
		if r.aliases[op] == name {
			delete(r.aliases, op)
		}
	}
	r.schemas = nil
}

// Clear removes every tool.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.byName = make(map[string]Tool)
	r.aliases = make(map[string]string)
	r.schemas = nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.byName[name]
	return tool, ok
}

// Resolve maps a call name to its hosting tool, following operation
// aliases. The returned operation is non-empty when the call addressed a
// bare operation name.
func (r *Registry) Resolve(name string) (tool Tool, operation string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, found := r.byName[name]; found {
		return t, "", true
	}
	if host, found := r.aliases[name]; found {
		return r.byName[host], name, true
	}
	return nil, "", false
}

// List returns the tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.byName[name])
	}
	return tools
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Schemas returns the cached schema export: one
// {name, description, parameters} entry per tool, in registration order.
func (r *Registry) Schemas() []map[string]any {
	r.mu.RLock()
	if r.schemas != nil {
		defer r.mu.RUnlock()
		return r.schemas
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.schemas != nil {
		return r.schemas
	}
	schemas := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		tool := r.byName[name]
		schemas = append(schemas, map[string]any{
			"name":        tool.Name(),
			"description": tool.Description(),
			"parameters":  tool.Schema(),
		})
	}
	r.schemas = schemas
	return schemas
}

// OperationSchema is a helper for building the common multi-operation
// parameter schema: an "operation" enum plus tool-specific properties.
func OperationSchema(operations []string, properties map[string]any, required ...string) map[string]any {
	props := map[string]any{
		"operation": map[string]any{
			"type":        "string",
			"enum":        operations,
			"description": "The operation to perform.",
		},
	}
	for k, v := range properties {
		props[k] = v
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   append([]string{"operation"}, required...),
	}
}
