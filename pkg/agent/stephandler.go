package agent

// DirectiveKind discriminates the Step Handler Driver's directive
// grammar (spec.md §4.8).
type DirectiveKind string

const (
	// DirectiveInjectToolCall injects a tool call into the next step's
	// DISPATCH phase.
	DirectiveInjectToolCall DirectiveKind = "inject_tool_call"

	// DirectiveStep relinquishes control for one normal streaming step.
	DirectiveStep DirectiveKind = "STEP"

	// DirectiveStepText appends Text as the assistant output of the next
	// step without calling the LLM, then relinquishes.
	DirectiveStepText DirectiveKind = "STEP_TEXT"

	// DirectiveDone means the step handler will no longer be consulted
	// for this agent; the loop continues under normal rules.
	DirectiveDone DirectiveKind = "done"
)

// Directive is the value a StepHandler yields between steps.
type Directive struct {
	Kind DirectiveKind

	// ToolCallID/ToolName/Input apply to DirectiveInjectToolCall.
	ToolCallID string
	ToolName   string
	Input      map[string]any

	// Text applies to DirectiveStepText.
	Text string
}

func InjectToolCallDirective(toolCallID, toolName string, input map[string]any) Directive {
	return Directive{Kind: DirectiveInjectToolCall, ToolCallID: toolCallID, ToolName: toolName, Input: input}
}

func StepDirective() Directive { return Directive{Kind: DirectiveStep} }

func StepTextDirective(text string) Directive {
	return Directive{Kind: DirectiveStepText, Text: text}
}

func DoneDirective() Directive { return Directive{Kind: DirectiveDone} }

// StepHandler is the cooperative, resumable generator an AgentTemplate
// may define (spec.md §4.8 / §9's "Cooperative generators" note). Since
// this environment has no native generator/coroutine primitive, the
// teacher's nearest analog — ChainOfThoughtStrategy's
// PrepareIteration/ShouldStop/AfterIteration hook triad in
// pkg/reasoning/chain_of_thought_strategy.go — is collapsed here into a
// single Next method: a template provides a value that, on each
// invocation, inspects the current AgentState and returns the next
// Directive. Implementations carry their own progress counter as
// internal state.
type StepHandler interface {
	// Next is called once between steps. ok=false means the handler is
	// indicating DirectiveDone and should no longer be consulted.
	Next(state *State) (directive Directive, ok bool)
}

// StepHandlerFunc adapts a plain function to StepHandler for simple,
// stateless templates.
type StepHandlerFunc func(state *State) (Directive, bool)

func (f StepHandlerFunc) Next(state *State) (Directive, bool) { return f(state) }
