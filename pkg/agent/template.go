// Package agent holds the runtime's core per-agent data model: the
// immutable AgentTemplate declaration, the mutable AgentState record,
// the Template Registry, and the Step Handler Driver directive grammar.
// The Tool Dispatcher and Agent Step Loop that operate on these types
// live in this package too (dispatcher.go, steploop.go); the Sub-Agent
// Orchestrator is the separate pkg/orchestrator. This collapses the
// teacher's split between pkg/agent (Agent/Event/Config/registry) and
// pkg/agent/llmagent, pkg/agent/workflowagent (the concrete step loops)
// in github.com/kadirpekel/hector.
package agent

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/stepflow/agentruntime/pkg/registry"
)

// OutputMode controls how a finished agent's result is extracted by the
// Sub-Agent Orchestrator.
type OutputMode string

const (
	OutputLastMessage     OutputMode = "last_message"
	OutputStructuredOutput OutputMode = "structured_output"
)

// Template is the immutable declaration of an agent's model, tools,
// spawnable children, and prompts (spec.md §3 AgentTemplate).
type Template struct {
	ID          string
	DisplayName string
	Model       string // opaque string passed to the LLM collaborator

	InputSchema map[string]any // JSON-schema-like shape for prompt/params

	ToolNames       map[string]bool
	SpawnableAgents map[string]bool

	SystemPrompt       string
	InstructionsPrompt string
	StepPrompt         string

	OutputMode OutputMode

	IncludeMessageHistory   bool
	InheritParentSystemPrompt bool

	ReasoningOptions map[string]any
	ProviderOptions  map[string]map[string]any

	// HandleSteps is the optional cooperative step handler (spec.md
	// §4.8). Nil means the template has no step handler.
	HandleSteps StepHandler
}

// ReflectInputSchema derives a Template's InputSchema from a Go struct
// describing the template's prompt/params shape, grounded on
// cmd/hector/schema.go's jsonschema.Reflector use (inlined, no $ref,
// for the same form-builder-friendly shape). Embedding applications
// that declare an AgentTemplate's params as a Go struct can call this
// at registration time instead of hand-authoring InputSchema.
func ReflectInputSchema(params any) (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(params)

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CanUseTool reports whether toolName is in this template's toolNames.
func (t *Template) CanUseTool(toolName string) bool {
	return t.ToolNames != nil && t.ToolNames[toolName]
}

// CanSpawn reports whether agentType is in this template's spawnableAgents.
func (t *Template) CanSpawn(agentType string) bool {
	return t.SpawnableAgents != nil && t.SpawnableAgents[agentType]
}

// Registry is the Template Registry (spec.md §3): a mapping from
// template id to Template, cloned per session so client-supplied local
// templates can shadow built-ins without mutating the global set.
type Registry struct {
	base *registry.BaseRegistry[*Template]
}

// NewRegistry constructs an empty, global Template Registry.
func NewRegistry() *Registry {
	return &Registry{base: registry.NewBaseRegistry[*Template]()}
}

// Register adds a built-in template. Fails if id is already registered.
func (r *Registry) Register(t *Template) error {
	return r.base.Register(t.ID, t)
}

// Get looks up a template by id.
func (r *Registry) Get(id string) (*Template, bool) {
	return r.base.Get(id)
}

// List returns every registered template.
func (r *Registry) List() []*Template {
	return r.base.List()
}

// Clone derives a per-session registry: a shallow copy of the current
// entries that can be mutated independently, per spec.md §3.
func (r *Registry) Clone() *Registry {
	return &Registry{base: r.base.Clone()}
}

// SetLocal overwrites (or adds) a template in this (presumably cloned)
// registry, shadowing any built-in of the same id.
func (r *Registry) SetLocal(t *Template) error {
	return r.base.Set(t.ID, t)
}
