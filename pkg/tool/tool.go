// Package tool defines the Tool Dispatcher's (spec.md §4.5) shared
// vocabulary: the tool-call chunk shape, its output-part shape, and the
// narrow collaborator interface remote tool calls are forwarded to.
//
// Grounded on the layered Tool interface design in
// github.com/kadirpekel/hector/pkg/tool/tool.go (CallableTool /
// StreamingTool / RequestProcessor), adapted: this runtime's tool
// surface is a flat local/remote split rather than a pluggable Tool
// interface hierarchy, because spec.md §4.5 delegates every non-local
// tool to an external collaborator rather than hosting concrete tool
// implementations in-process (spec.md §1 Non-goals: file-retrieval,
// image processing, doc search are all out of scope here).
package tool

import (
	"context"
	"time"
)

// LocalToolNames is the fixed set of tool names the dispatcher executes
// in-process rather than forwarding to the remote collaborator
// (spec.md §4.5).
var LocalToolNames = map[string]bool{
	"set_messages":       true,
	"spawn_agents":       true,
	"spawn_agent_inline": true,
	"add_message":        true,
	"set_output":         true,
	"end_turn":           true,
	"write_todos":        true,
}

// IsLocal reports whether name names a local tool.
func IsLocal(name string) bool { return LocalToolNames[name] }

// Call is one tool invocation collected during the Agent Step Loop's
// STREAM phase.
type Call struct {
	ToolCallID string
	ToolName   string
	Input      map[string]any

	// IncludeToolCall, when false, tells the Agent Step Loop to omit the
	// assistant tool-call part while still appending the tool result —
	// the loop sets it false for a call a step handler injects
	// (DirectiveInjectToolCall), so the call does not visibly appear as
	// an assistant action (spec.md §4.5).
	IncludeToolCall bool

	// Timeout/McpConfig, when the stream chunk that produced this call
	// carried them, are forwarded to RemoteCollaborator.RequestToolCall
	// so a real per-call timeout can surface as a ToolTimeoutError
	// (spec.md §4.5: "every other name... requestToolCall(toolName,
	// input, timeout?, mcpConfig?)").
	Timeout   *time.Duration
	McpConfig map[string]any
}

// OutputPartType discriminates a tool result's output parts.
type OutputPartType string

const (
	OutputJSON  OutputPartType = "json"
	OutputMedia OutputPartType = "media"
)

// OutputPart is one element of a tool message's ordered output sequence
// (spec.md §3: tool.content parts {json(value), media(data, mediaType)}).
type OutputPart struct {
	Type      OutputPartType
	Value     any
	Data      string
	MediaType string
}

func JSONOutput(value any) OutputPart { return OutputPart{Type: OutputJSON, Value: value} }
func MediaOutput(data, mediaType string) OutputPart {
	return OutputPart{Type: OutputMedia, Data: data, MediaType: mediaType}
}

// RemoteCollaborator is the external requestToolCall contract (spec.md
// §6) every non-local tool call is forwarded to.
type RemoteCollaborator interface {
	RequestToolCall(ctx context.Context, toolName string, input map[string]any, timeout *time.Duration, mcpConfig map[string]any) ([]OutputPart, error)
}
