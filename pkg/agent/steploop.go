// Agent Step Loop (spec.md §4.7): the single-agent state machine that
// streams LLM output, dispatches tool calls, incorporates tool results,
// and advances until the agent signals completion or exhausts its step
// budget.
//
// Grounded on Flow.Run/Flow.runOneStep (pkg/agent/llmagent/flow.go in
// the teacher): a for-loop state machine driving an iter.Seq2-based
// stream to completion, dispatching tool calls sequentially within a
// step, and consulting an injected strategy between iterations. This
// port collapses the teacher's PrepareIteration/ShouldStop/AfterIteration
// hook triad into the StepHandler.Next single-call shape documented in
// stephandler.go.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stepflow/agentruntime/pkg/cachecontrol"
	rtlogger "github.com/stepflow/agentruntime/pkg/logger"
	"github.com/stepflow/agentruntime/pkg/message"
	"github.com/stepflow/agentruntime/pkg/rterr"
	"github.com/stepflow/agentruntime/pkg/stream"
	"github.com/stepflow/agentruntime/pkg/telemetry"
	"github.com/stepflow/agentruntime/pkg/tool"
)

// MaxStreamAttempts bounds the loop's retry of a failing stream call,
// grounded on orchestration.RetryConfig's bounded-attempt shape
// (pkg/agent/orchestration.go) and mandated exactly by spec.md §7's
// "retried by the adapter up to 3 attempts" clause — the retry itself
// lives here, not in the Stream Adapter, per spec.md §4.4's "the
// adapter itself performs no retries."
const MaxStreamAttempts = 3

// Loop drives one AgentState through PREPARE→STREAM→DISPATCH→APPLY→
// STEP_HANDLER→PREPARE|DONE.
type Loop struct {
	Adapter    *stream.Adapter
	Dispatcher *Dispatcher
	Logger     *slog.Logger

	// PreStep runs once per iteration, before the effective message
	// list is built — the hook the Session Authority uses to invoke
	// the Context Pruner as an inline pre-step sub-agent (spec.md
	// §4.2's trigger clause) without this package depending on the
	// pruner package directly.
	PreStep func(ctx context.Context, state *State) error

	// Tracer, when non-nil, receives one span per step iteration. Only
	// the narrow trace.Tracer interface is held, never a concrete
	// *telemetry.Telemetry, per spec.md §9's dependency-container note.
	Tracer trace.Tracer

	// Retry governs the backoff between stream attempts (spec.md §7's
	// "retried up to 3 attempts" clause).
	Retry rterr.RetryConfig
}

// NewLoop constructs a Loop. logger may be nil, in which case
// pkg/logger's module-filtering default logger is used
// (pkg/logger.GetLogger).
func NewLoop(adapter *stream.Adapter, dispatcher *Dispatcher, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = rtlogger.GetLogger()
	}
	return &Loop{Adapter: adapter, Dispatcher: dispatcher, Logger: logger, Retry: rterr.DefaultRetryConfig()}
}

// Run executes state's step loop to completion: stepsRemaining reaches
// 0, stepsComplete is set, or ctx is canceled. It returns a non-nil
// error only for propagating failures (persistent StreamError,
// cancellation) per spec.md §7 — BudgetExhausted is not reported as an
// error.
func (l *Loop) Run(ctx context.Context, template *Template, state *State, parentSystemPrompt string) error {
	var pending Directive
	havePending := false

	for {
		if err := ctx.Err(); err != nil {
			return &rterr.CanceledError{AgentID: state.AgentID}
		}

		done, err := l.runStep(ctx, template, state, parentSystemPrompt, &pending, &havePending)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// runStep executes exactly one PREPARE→STREAM→DISPATCH→APPLY→
// STEP_HANDLER iteration, scoped so its trace span closes before the
// next iteration opens one.
func (l *Loop) runStep(ctx context.Context, template *Template, state *State, parentSystemPrompt string, pending *Directive, havePending *bool) (done bool, err error) {
	if l.Tracer != nil {
		var span trace.Span
		ctx, span = l.Tracer.Start(ctx, "agent.step",
			trace.WithAttributes(telemetry.AgentIDAttr(state.AgentID), telemetry.AgentTypeAttr(state.AgentType)))
		defer span.End()
	}

	if l.PreStep != nil {
		if preErr := l.PreStep(ctx, state); preErr != nil {
			return false, fmt.Errorf("agent %s: pre-step: %w", state.AgentID, preErr)
		}
	}

	// Single per-iteration consultation of the cooperative step
	// handler. spec.md §4.7 names this PREPARE's "pre-step mutations"
	// (step 1) and STEP_HANDLER's "resume the generator" (step 5) as
	// distinct phases, but since the handler is a pure function of
	// AgentState with no cross-phase side effect of its own, one call
	// per loop iteration observes the identical directive sequence;
	// the directive computed here governs the step about to run.
	var directive Directive
	if *havePending {
		directive = *pending
		*havePending = false
	} else if template.HandleSteps != nil {
		d, ok := template.HandleSteps.Next(state)
		if ok {
			directive = d
		} else {
			template.HandleSteps = nil
		}
	}

	var parts []message.Part
	var calls []tool.Call

	switch directive.Kind {
	case DirectiveInjectToolCall:
		calls = []tool.Call{{
			ToolCallID:      directive.ToolCallID,
			ToolName:        directive.ToolName,
			Input:           directive.Input,
			IncludeToolCall: false,
		}}
	case DirectiveStepText:
		parts = []message.Part{message.TextPart(directive.Text)}
	default:
		var streamErr error
		parts, calls, streamErr = l.stream(ctx, template, state, parentSystemPrompt)
		if streamErr != nil {
			return false, fmt.Errorf("agent %s: %w", state.AgentID, streamErr)
		}
	}

	// STREAM completion: append the buffered assistant message
	// (text/reasoning parts) if non-empty.
	if len(parts) > 0 {
		state.AppendMessage(message.Message{
			Role:    message.RoleAssistant,
			Content: message.PartsContent(parts...),
		})
	}

	// DISPATCH + APPLY: tool calls execute sequentially within a step
	// (spec.md §4.7 step 3); children spawned by a call may themselves
	// run concurrently (§4.6), but that concurrency is internal to the
	// Spawner, not this loop.
	for _, call := range calls {
		if call.IncludeToolCall {
			state.AppendMessage(message.Message{
				Role:    message.RoleAssistant,
				Content: message.PartsContent(message.ToolCallPart(call.ToolCallID, call.ToolName, call.Input)),
			})
		}
		outputs := l.Dispatcher.Dispatch(ctx, template, state, call)
		state.AppendMessage(message.Message{
			Role:       message.RoleTool,
			Content:    message.PartsContent(outputPartsToParts(outputs)...),
			ToolCallID: call.ToolCallID,
			ToolName:   call.ToolName,
		})
	}

	state.DecrementStep()
	if state.StepsComplete {
		return true, nil
	}
	if state.StepsRemaining == 0 {
		// BudgetExhausted: graceful termination, not an error to the
		// client (spec.md §7).
		return true, nil
	}
	return false, nil
}

// stream runs one STREAM phase: builds the effective message list,
// applies cache-control tagging, calls the Stream Adapter, and retries
// up to Retry.MaxAttempts (MaxStreamAttempts when that is not positive)
// on failure before surfacing a StreamError.
func (l *Loop) stream(ctx context.Context, template *Template, state *State, parentSystemPrompt string) ([]message.Part, []tool.Call, error) {
	messages := buildEffectiveMessages(template, state, parentSystemPrompt)
	messages = cachecontrol.Tag(messages)

	req := stream.Request{
		Messages:         messages,
		Model:            template.Model,
		ReasoningOptions: template.ReasoningOptions,
		ProviderOptions:  template.ProviderOptions,
	}

	maxAttempts := l.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = MaxStreamAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		parts, calls, cost, err := l.consumeOnce(ctx, req)
		if err == nil {
			// own_cost: the agent's own LLM-call cost, folded in
			// alongside child-aggregated costs the orchestrator adds
			// separately (spec.md §9's creditsUsed invariant).
			state.AddCredits(cost)
			return parts, calls, nil
		}
		lastErr = err
		l.Logger.Debug("agent step loop: stream attempt failed",
			"agentId", state.AgentID, "attempt", attempt, "error", err)

		if attempt < maxAttempts {
			if waitErr := l.waitBeforeRetry(ctx, attempt); waitErr != nil {
				return nil, nil, waitErr
			}
		}
	}
	return nil, nil, &rterr.StreamError{Attempts: maxAttempts, Err: lastErr}
}

// waitBeforeRetry pauses for l.Retry's backoff duration before the next
// stream attempt, returning early if ctx is canceled during the wait.
func (l *Loop) waitBeforeRetry(ctx context.Context, attempt int) error {
	wait := l.Retry.Wait(attempt)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) consumeOnce(ctx context.Context, req stream.Request) ([]message.Part, []tool.Call, int, error) {
	var cost int
	req.OnCostCalculated = func(credits int) { cost += credits }

	seq, _ := l.Adapter.Stream(ctx, req, nil)

	var parts []message.Part
	var calls []tool.Call
	for chunk, err := range seq {
		if err != nil {
			return nil, nil, cost, err
		}
		switch chunk.Type {
		case stream.ChunkText:
			parts = append(parts, message.TextPart(chunk.Text))
		case stream.ChunkReasoning:
			parts = append(parts, message.ReasoningPart(chunk.Text))
		case stream.ChunkToolCall:
			calls = append(calls, tool.Call{
				ToolCallID:      chunk.ToolCallID,
				ToolName:        chunk.ToolName,
				Input:           chunk.Input,
				IncludeToolCall: true,
				Timeout:         chunk.Timeout,
				McpConfig:       chunk.McpConfig,
			})
		case stream.ChunkError:
			return nil, nil, cost, chunk.Err
		}
	}
	return parts, calls, cost, nil
}

// buildEffectiveMessages constructs the message list sent to the Stream
// Adapter: optional parent system prompt, the template's own
// systemPrompt, the agent's history, then the template's stepPrompt
// (spec.md §4.7 step 1).
func buildEffectiveMessages(template *Template, state *State, parentSystemPrompt string) []message.Message {
	var out []message.Message

	if template.InheritParentSystemPrompt && parentSystemPrompt != "" {
		out = append(out, message.Message{
			Role:    message.RoleSystem,
			Content: message.StringContent(parentSystemPrompt),
		})
	}
	if template.SystemPrompt != "" {
		out = append(out, message.Message{
			Role:    message.RoleSystem,
			Content: message.StringContent(template.SystemPrompt),
		})
	}

	out = append(out, state.MessageHistory...)

	if template.StepPrompt != "" {
		out = append(out, message.Message{
			Role:    message.RoleUser,
			Content: message.StringContent(template.StepPrompt),
			Tags:    []string{cachecontrol.TagStepPrompt},
		})
	}
	return out
}

func outputPartsToParts(outputs []tool.OutputPart) []message.Part {
	parts := make([]message.Part, len(outputs))
	for i, o := range outputs {
		switch o.Type {
		case tool.OutputJSON:
			parts[i] = message.JSONPart(o.Value)
		case tool.OutputMedia:
			parts[i] = message.MediaPart(o.Data, o.MediaType)
		}
	}
	return parts
}
