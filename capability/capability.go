// Package capability is the tool surface an agent can invoke. Each
// capability pairs a JSON Schema definition (what the model sees) with
// approval metadata (how the mediator treats it) and an executor (what
// actually runs). Registries are read-mostly lookup tables keyed by
// stable tool names; sources such as the builtin set or an MCP server
// populate them at startup.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/yumesha/kimi-cli/approval"
)

// Definition describes a capability to the completion provider.
type Definition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Schema      *jsonschema.Schema `json:"parameters"`
}

// Metadata drives mediation and scheduling for a capability.
// Parallel marks the executor side-effect independent: a step whose
// calls are all Parallel may run them concurrently.
type Metadata struct {
	RequiresApproval bool
	Risk             approval.RiskClass
	Parallel         bool
}

// Invocation carries the execution context of a single tool call.
type Invocation struct {
	Workdir string
	AgentID string
	TurnID  string
	Step    int
}

// ExecFunc runs one tool call. A returned error becomes an error
// ToolResult for the model to react to; executors are never auto-retried.
type ExecFunc func(ctx context.Context, inv Invocation, args json.RawMessage) (string, error)

// Capability is one entry of the registry.
type Capability struct {
	Def  Definition
	Meta Metadata
	Exec ExecFunc
}

// UnknownToolError reports a lookup for a name no source registered.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// Registry manages capability registration and lookup.
type Registry struct {
	mu    sync.RWMutex
	caps  map[string]Capability
	guard *PathGuard
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds or replaces a capability, latest-wins.
func (r *Registry) Register(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[c.Def.Name] = c
}

// Unregister removes a capability.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.caps, name)
}

// Get returns the capability registered under name.
func (r *Registry) Get(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	if !ok {
		return Capability{}, &UnknownToolError{Name: name}
	}
	return c, nil
}

// SetPathGuard installs the restricted-path escalator consulted by
// EffectiveMeta. A nil guard disables escalation.
func (r *Registry) SetPathGuard(g *PathGuard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guard = g
}

// EffectiveMeta returns the metadata governing one concrete call:
// the capability's own metadata, escalated when a path argument falls
// in a restricted zone.
func (r *Registry) EffectiveMeta(c Capability, args json.RawMessage) Metadata {
	r.mu.RLock()
	g := r.guard
	r.mu.RUnlock()
	return g.Escalate(c.Meta, args)
}

// Definitions returns all definitions sorted by name, for stable
// completion requests.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.caps))
	for _, c := range r.caps {
		defs = append(defs, c.Def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the sorted names of all registered capabilities.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}

// ParseArguments unmarshals tool call arguments into a map for
// validation and access.
func ParseArguments(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

// StringArg extracts a string argument from parsed tool arguments.
func StringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IntArg extracts an integer argument from parsed tool arguments.
func IntArg(args map[string]interface{}, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// BoolArg extracts a boolean argument from parsed tool arguments.
func BoolArg(args map[string]interface{}, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
