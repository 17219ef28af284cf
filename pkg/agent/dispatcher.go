// Tool Dispatcher (spec.md §4.5): classifies a collected tool-call
// chunk as local or remote, executes local tools in-process, and
// forwards everything else to an injected RemoteCollaborator.
//
// Grounded on the narrow-interface dependency-injection idiom of
// pkg/reasoning/interfaces.go's AgentServices in the teacher: rather
// than a package-level tool registry singleton, the dispatcher holds
// two small collaborator interfaces (RemoteCollaborator, Spawner)
// supplied at construction, per spec.md §9's "Global process state"
// note.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/stepflow/agentruntime/pkg/message"
	"github.com/stepflow/agentruntime/pkg/rterr"
	"github.com/stepflow/agentruntime/pkg/tool"
)

// ChildDescriptor is one element of a spawn_agents/spawn_agent_inline
// call's decoded input (spec.md §4.6).
type ChildDescriptor struct {
	AgentType string         `mapstructure:"agent_type"`
	Prompt    string         `mapstructure:"prompt"`
	Params    map[string]any `mapstructure:"params"`
}

// Spawner is the narrow collaborator the Sub-Agent Orchestrator
// satisfies; the dispatcher never constructs child AgentStates itself.
type Spawner interface {
	SpawnAgents(ctx context.Context, parentTemplate *Template, parent *State, descriptors []ChildDescriptor) ([]tool.OutputPart, error)
	SpawnInline(ctx context.Context, parentTemplate *Template, parent *State, descriptor ChildDescriptor) (tool.OutputPart, error)
}

// Dispatcher implements the Tool Dispatcher (spec.md §4.5).
type Dispatcher struct {
	Remote  tool.RemoteCollaborator
	Spawner Spawner
}

// NewDispatcher constructs a Dispatcher. remote may be nil if the
// template never declares a remote tool; spawner may be nil if the
// template never declares spawnableAgents.
func NewDispatcher(remote tool.RemoteCollaborator, spawner Spawner) *Dispatcher {
	return &Dispatcher{Remote: remote, Spawner: spawner}
}

// Dispatch executes one tool call against template+state and returns
// the output parts to attach as the resulting tool message's content.
// State mutations implied by local tools (set_messages, add_message,
// set_output, end_turn, write_todos) are applied directly to state.
//
// Errors from the taxonomy of spec.md §7 that are "fatal to the
// current step only" (ToolNotPermittedError, AgentNotSpawnableError,
// CycleError, ToolTimeoutError) are demoted to an error output part
// here rather than returned, per spec.md §7's propagation rule: "errors
// within tool execution are demoted to tool-result payloads so the
// assistant may observe and react."
func (d *Dispatcher) Dispatch(ctx context.Context, template *Template, state *State, call tool.Call) []tool.OutputPart {
	if !tool.IsLocal(call.ToolName) && !template.CanUseTool(call.ToolName) {
		return errorParts(&rterr.ToolNotPermittedError{ToolName: call.ToolName})
	}

	switch call.ToolName {
	case "set_messages":
		return d.dispatchSetMessages(state, call)
	case "add_message":
		return d.dispatchAddMessage(state, call)
	case "set_output":
		return d.dispatchSetOutput(template, state, call)
	case "end_turn":
		state.StepsComplete = true
		return []tool.OutputPart{tool.JSONOutput(map[string]any{"ok": true})}
	case "write_todos":
		return d.dispatchWriteTodos(state, call)
	case "spawn_agents":
		return d.dispatchSpawnAgents(ctx, template, state, call)
	case "spawn_agent_inline":
		return d.dispatchSpawnInline(ctx, template, state, call)
	default:
		parts, err := d.Remote.RequestToolCall(ctx, call.ToolName, call.Input, call.Timeout, call.McpConfig)
		if err != nil {
			return errorParts(err)
		}
		return parts
	}
}

func (d *Dispatcher) dispatchSetMessages(state *State, call tool.Call) []tool.OutputPart {
	raw, _ := call.Input["messages"].([]any)
	messages := make([]message.Message, 0, len(raw))
	for _, r := range raw {
		data, err := json.Marshal(r)
		if err != nil {
			return errorParts(fmt.Errorf("set_messages: encode message: %w", err))
		}
		var m message.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return errorParts(fmt.Errorf("set_messages: decode message: %w", err))
		}
		messages = append(messages, m)
	}
	state.SetMessages(messages)
	return []tool.OutputPart{tool.JSONOutput(map[string]any{"count": len(messages)})}
}

func (d *Dispatcher) dispatchAddMessage(state *State, call tool.Call) []tool.OutputPart {
	roleStr, _ := call.Input["role"].(string)
	contentStr, _ := call.Input["content"].(string)
	state.AppendMessage(message.Message{
		Role:    message.Role(roleStr),
		Content: message.StringContent(contentStr),
	})
	return []tool.OutputPart{tool.JSONOutput(map[string]any{"ok": true})}
}

func (d *Dispatcher) dispatchSetOutput(template *Template, state *State, call tool.Call) []tool.OutputPart {
	value := call.Input["value"]
	state.Output = value
	if template.OutputMode == OutputStructuredOutput {
		state.StepsComplete = true
	}
	return []tool.OutputPart{tool.JSONOutput(map[string]any{"ok": true})}
}

func (d *Dispatcher) dispatchWriteTodos(state *State, call tool.Call) []tool.OutputPart {
	raw, _ := call.Input["todos"].([]any)
	items := make([]TodoItem, 0, len(raw))
	for _, r := range raw {
		var item TodoItem
		if err := mapstructure.Decode(r, &item); err != nil {
			return errorParts(fmt.Errorf("write_todos: decode item: %w", err))
		}
		items = append(items, item)
	}
	state.MergeTodos(items)
	return []tool.OutputPart{tool.JSONOutput(map[string]any{"count": len(state.Todos)})}
}

func (d *Dispatcher) dispatchSpawnAgents(ctx context.Context, template *Template, state *State, call tool.Call) []tool.OutputPart {
	descriptors, err := decodeDescriptors(call.Input)
	if err != nil {
		return errorParts(err)
	}
	for _, desc := range descriptors {
		if !template.CanSpawn(desc.AgentType) {
			return errorParts(&rterr.AgentNotSpawnableError{AgentType: desc.AgentType})
		}
		if state.HasAncestorType(desc.AgentType) {
			return errorParts(&rterr.CycleError{AgentType: desc.AgentType})
		}
	}
	parts, err := d.Spawner.SpawnAgents(ctx, template, state, descriptors)
	if err != nil {
		return errorParts(err)
	}
	return parts
}

func (d *Dispatcher) dispatchSpawnInline(ctx context.Context, template *Template, state *State, call tool.Call) []tool.OutputPart {
	descriptors, err := decodeDescriptors(map[string]any{"agents": []any{call.Input}})
	if err != nil {
		return errorParts(err)
	}
	desc := descriptors[0]
	if !template.CanSpawn(desc.AgentType) {
		return errorParts(&rterr.AgentNotSpawnableError{AgentType: desc.AgentType})
	}
	if state.HasAncestorType(desc.AgentType) {
		return errorParts(&rterr.CycleError{AgentType: desc.AgentType})
	}
	part, err := d.Spawner.SpawnInline(ctx, template, state, desc)
	if err != nil {
		return errorParts(err)
	}
	return []tool.OutputPart{part}
}

func decodeDescriptors(input map[string]any) ([]ChildDescriptor, error) {
	raw, _ := input["agents"].([]any)
	descriptors := make([]ChildDescriptor, 0, len(raw))
	for _, r := range raw {
		var d ChildDescriptor
		if err := mapstructure.Decode(r, &d); err != nil {
			return nil, fmt.Errorf("spawn_agents: decode descriptor: %w", err)
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

func errorParts(err error) []tool.OutputPart {
	return []tool.OutputPart{tool.JSONOutput(map[string]any{"error": err.Error()})}
}
