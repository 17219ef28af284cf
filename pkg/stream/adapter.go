// Package stream implements the Stream Adapter (spec.md §4.4): a thin
// wrapper around a collaborator-provided LLM stream that injects
// per-template options, forwards provider options and stop sequences,
// and supports the step handler's "text override" shortcut.
//
// Grounded on model.LLM.GenerateContent (pkg/model/model.go): a single
// method returning iter.Seq2[*Response, error], with a Partial flag
// distinguishing streaming deltas from the final aggregated response.
// This adapter mirrors that iterator shape but wraps an external
// collaborator function instead of owning a concrete LLM client, per
// spec.md §1's Non-goal on concrete LLM HTTP clients.
package stream

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow/agentruntime/pkg/message"
)

// ChunkType discriminates the chunk variants the collaborator yields.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkReasoning ChunkType = "reasoning"
	ChunkToolCall ChunkType = "tool-call"
	ChunkError    ChunkType = "error"
)

// Chunk is one unit of streamed output.
type Chunk struct {
	Type ChunkType

	// text / reasoning
	Text string

	// tool-call
	ToolCallID string
	ToolName   string
	Input      map[string]any

	// Timeout/McpConfig, when the collaborator sets them on a tool-call
	// chunk, are forwarded verbatim through tool.Call to the Tool
	// Dispatcher's remote call (spec.md §6's
	// "tool-call-request(...,timeout?,mcpConfig?)" shape).
	Timeout   *time.Duration
	McpConfig map[string]any

	// error
	Err error
}

// Request is the input to a single Stream call.
type Request struct {
	Messages      []message.Message
	StopSequences []string

	// ProviderOptions is forwarded to the collaborator verbatim, keyed by
	// provider name then option name.
	ProviderOptions map[string]map[string]any

	// ReasoningOptions is injected into every known provider's options
	// block before the call, per spec.md §4.4.
	ReasoningOptions map[string]any

	Model string

	MaxOutputTokens *int

	// OnCostCalculated is invoked by the collaborator once it has
	// determined the credit cost of this call (spec.md §6's
	// promptAiSdkStream(...,onCostCalculated) parameter). The Agent Step
	// Loop folds every invocation into the agent's own creditsUsed via
	// state.AddCredits, the same accumulation the Sub-Agent Orchestrator
	// performs for child costs (pkg/orchestrator/orchestrator.go), so
	// spec.md §9's invariant
	// "parent.creditsUsed_after == parent.creditsUsed_before + own_cost +
	// Σ child.creditsUsed" holds with a real own_cost term.
	OnCostCalculated func(credits int)
}

// Collaborator is the external streaming contract the adapter wraps
// (spec.md §6's promptAiSdkStream). It is supplied by the embedding
// application, never implemented by this module.
type Collaborator func(ctx context.Context, req Request) iter.Seq2[*Chunk, error]

// Adapter wraps a Collaborator with the responsibilities spec.md §4.4
// assigns to the Stream Adapter.
type Adapter struct {
	collaborator Collaborator
}

// New constructs an Adapter around the given collaborator function.
func New(collaborator Collaborator) *Adapter {
	return &Adapter{collaborator: collaborator}
}

// Stream runs req through the collaborator, having first merged
// req.ReasoningOptions into every known provider's options block. If
// textOverride is non-nil (the step handler pre-injected text), the
// collaborator is never called: a single {text} chunk is emitted and a
// synthetic terminating message id is returned immediately, per
// spec.md §4.4's text-override shortcut.
//
// Failure policy: transient collaborator failures surface through the
// returned error channel unmodified. The adapter performs no retries;
// retrying (spec.md §7's "up to 3 attempts" StreamError policy) is the
// Agent Step Loop's responsibility, grounded on the bounded-attempt
// shape of orchestration.RetryConfig (pkg/agent/orchestration.go).
func (a *Adapter) Stream(ctx context.Context, req Request, textOverride *string) (iter.Seq2[*Chunk, error], string) {
	terminatingMessageID := uuid.NewString()

	if textOverride != nil {
		return func(yield func(*Chunk, error) bool) {
			yield(&Chunk{Type: ChunkText, Text: *textOverride}, nil)
		}, terminatingMessageID
	}

	merged := req
	merged.ProviderOptions = mergeReasoningIntoProviders(req.ProviderOptions, req.ReasoningOptions)
	return a.collaborator(ctx, merged), terminatingMessageID
}

// mergeReasoningIntoProviders injects reasoningOptions into every known
// provider's option block (spec.md §4.4: "Inject per-template
// reasoningOptions into each known provider's options block"), mirroring
// the triple-write discipline spec.md §9 documents for cache-control.
func mergeReasoningIntoProviders(existing map[string]map[string]any, reasoningOptions map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(existing)+len(message.AllCacheControlProviders))
	for k, v := range existing {
		opts := make(map[string]any, len(v))
		for ok, ov := range v {
			opts[ok] = ov
		}
		out[k] = opts
	}

	if len(reasoningOptions) == 0 {
		return out
	}
	for _, provider := range message.AllCacheControlProviders {
		opts, ok := out[provider]
		if !ok {
			opts = make(map[string]any, len(reasoningOptions))
		}
		opts["reasoning"] = reasoningOptions
		out[provider] = opts
	}
	return out
}
