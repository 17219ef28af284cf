// Package orchestrator implements the Sub-Agent Orchestrator (spec.md
// §4.6): spawns child agents concurrently (spawn_agents) or inline
// (spawn_agent_inline), collects their outputs in descriptor order, and
// folds aggregated credit usage into the parent exactly once.
//
// Grounded on NewParallel/runParallel in
// github.com/kadirpekel/hector/pkg/agent/workflowagent/parallel.go: an
// errgroup.Group fanning out a fixed set of sub-tasks and collecting
// their results into a pre-sized slice indexed by input position, so
// result order never depends on completion order.
package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/stepflow/agentruntime/pkg/agent"
	"github.com/stepflow/agentruntime/pkg/message"
	"github.com/stepflow/agentruntime/pkg/telemetry"
	"github.com/stepflow/agentruntime/pkg/tool"
)

// Orchestrator implements agent.Spawner. It holds the Template Registry
// and a single shared step Loop, reused across parent and every child
// agent — the teacher's equivalent pattern is the single shared
// AgentServices container reused by every nested Flow.
type Orchestrator struct {
	Templates         *agent.Registry
	Loop              *agent.Loop
	DefaultStepBudget int

	// Tracer/CreditsCounter are the narrow otel instruments this
	// orchestrator uses, if set: one span per child-agent run and one
	// counter increment per fold into a parent's creditsUsed
	// (spec.md's DOMAIN STACK otel row in SPEC_FULL.md).
	Tracer         trace.Tracer
	CreditsCounter metric.Int64Counter
}

// New constructs an Orchestrator. defaultStepBudget seeds a spawned
// child's stepsRemaining; a child template does not currently carry
// its own per-template budget override in spec.md's data model.
func New(templates *agent.Registry, loop *agent.Loop, defaultStepBudget int) *Orchestrator {
	return &Orchestrator{Templates: templates, Loop: loop, DefaultStepBudget: defaultStepBudget}
}

// SpawnAgents runs every descriptor's child concurrently via an
// errgroup, waits for all to complete (or the first error / context
// cancellation to fire), then folds the sum of their creditsUsed into
// parent exactly once — never concurrently with the parent's own
// execution, since this call itself runs from within the parent's
// DISPATCH phase and blocks until every child is done (spec.md §5's
// "only cross-task mutable shared state" note).
func (o *Orchestrator) SpawnAgents(ctx context.Context, parentTemplate *agent.Template, parent *agent.State, descriptors []agent.ChildDescriptor) ([]tool.OutputPart, error) {
	results := make([]tool.OutputPart, len(descriptors))
	childStates := make([]*agent.State, len(descriptors))

	g, gctx := errgroup.WithContext(ctx)
	for i, desc := range descriptors {
		i, desc := i, desc
		g.Go(func() error {
			part, child, err := o.runChild(gctx, parentTemplate, parent, desc)
			if err != nil {
				return err
			}
			results[i] = part
			childStates[i] = child
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// A failing child does not zero the parent's accumulated
		// creditsUsed (spec.md §4.7 Failure clause); since the fold
		// below never ran, parent.CreditsUsed is untouched here too.
		return nil, err
	}

	// parent.Children/parent.CreditsUsed are mutated here, sequentially,
	// only after every child goroutine has returned — never
	// concurrently with the parent's own execution or with each other
	// (spec.md §5's "only cross-task mutable shared state" note).
	total := 0
	for _, child := range childStates {
		parent.AddChild(child)
		total += child.CreditsUsed
	}
	parent.AddCredits(total)
	if o.CreditsCounter != nil {
		o.CreditsCounter.Add(ctx, int64(total), metric.WithAttributes(telemetry.AgentTypeAttr(parent.AgentType)))
	}
	return results, nil
}

// SpawnInline runs a single child to completion before returning,
// blocking the parent's step (spec.md §4.5's spawn_agent_inline
// semantics and §5's "inline-spawned agents run to completion before
// the parent's step resumes").
func (o *Orchestrator) SpawnInline(ctx context.Context, parentTemplate *agent.Template, parent *agent.State, desc agent.ChildDescriptor) (tool.OutputPart, error) {
	part, child, err := o.runChild(ctx, parentTemplate, parent, desc)
	if err != nil {
		return tool.OutputPart{}, err
	}
	parent.AddChild(child)
	parent.AddCredits(child.CreditsUsed)
	if o.CreditsCounter != nil {
		o.CreditsCounter.Add(ctx, int64(child.CreditsUsed), metric.WithAttributes(telemetry.AgentTypeAttr(parent.AgentType)))
	}
	return part, nil
}

func (o *Orchestrator) runChild(ctx context.Context, parentTemplate *agent.Template, parent *agent.State, desc agent.ChildDescriptor) (tool.OutputPart, *agent.State, error) {
	childTemplate, ok := o.Templates.Get(desc.AgentType)
	if !ok {
		return tool.OutputPart{}, nil, fmt.Errorf("orchestrator: spawnable agent type %q not found in template registry", desc.AgentType)
	}

	child := agent.NewChildState(desc.AgentType, o.DefaultStepBudget, parent)

	if o.Tracer != nil {
		var span trace.Span
		ctx, span = o.Tracer.Start(ctx, "agent.child_run", trace.WithAttributes(
			telemetry.AgentIDAttr(child.AgentID),
			telemetry.AgentTypeAttr(child.AgentType),
		))
		defer span.End()
	}

	// "the child inherits no message history unless its template
	// requires it" (spec.md §4.5).
	if childTemplate.IncludeMessageHistory {
		child.MessageHistory = append(child.MessageHistory, parent.MessageHistory...)
	}
	if desc.Prompt != "" {
		child.AppendMessage(message.Message{
			Role:    message.RoleUser,
			Content: message.StringContent(desc.Prompt),
			Tags:    []string{"USER_PROMPT"},
		})
	}

	parentSystemPrompt := ""
	if childTemplate.InheritParentSystemPrompt {
		parentSystemPrompt = parentTemplate.SystemPrompt
	}

	if err := o.Loop.Run(ctx, childTemplate, child, parentSystemPrompt); err != nil {
		return tool.OutputPart{}, nil, err
	}

	return tool.JSONOutput(map[string]any{
		"agentType": desc.AgentType,
		"value":     extractOutput(childTemplate, child),
	}), child, nil
}

// extractOutput returns either the structured output set_output wrote
// or, for outputMode=last_message templates, the content of the last
// assistant message (spec.md §4.6).
func extractOutput(template *agent.Template, child *agent.State) any {
	if template.OutputMode == agent.OutputStructuredOutput {
		return child.Output
	}
	for i := len(child.MessageHistory) - 1; i >= 0; i-- {
		if child.MessageHistory[i].Role == message.RoleAssistant {
			return child.MessageHistory[i].Content
		}
	}
	return nil
}
