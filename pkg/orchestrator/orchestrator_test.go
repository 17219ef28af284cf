package orchestrator

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow/agentruntime/pkg/agent"
	"github.com/stepflow/agentruntime/pkg/message"
	"github.com/stepflow/agentruntime/pkg/stream"
	"github.com/stepflow/agentruntime/pkg/tool"
)

type fakeRemote struct{}

func (fakeRemote) RequestToolCall(ctx context.Context, toolName string, input map[string]any, timeout *time.Duration, mcpConfig map[string]any) ([]tool.OutputPart, error) {
	return []tool.OutputPart{tool.JSONOutput(map[string]any{"ok": true})}, nil
}

// endTurnCollaborator streams one text chunk then an end_turn tool call
// so a spawned child completes its loop in exactly one step, reporting
// cost via OnCostCalculated the way a real collaborator would (spec.md
// §6's promptAiSdkStream onCostCalculated parameter).
func endTurnCollaborator(cost int) stream.Collaborator {
	return func(ctx context.Context, req stream.Request) iter.Seq2[*stream.Chunk, error] {
		if req.OnCostCalculated != nil {
			req.OnCostCalculated(cost)
		}
		return func(yield func(*stream.Chunk, error) bool) {
			if !yield(&stream.Chunk{Type: stream.ChunkText, Text: "done"}, nil) {
				return
			}
			yield(&stream.Chunk{Type: stream.ChunkToolCall, ToolCallID: "c1", ToolName: "end_turn"}, nil)
		}
	}
}

func newTestOrchestrator(t *testing.T, budget int) (*Orchestrator, *agent.Registry) {
	t.Helper()
	templates := agent.NewRegistry()
	require.NoError(t, templates.Register(&agent.Template{ID: "reviewer", OutputMode: agent.OutputLastMessage}))
	require.NoError(t, templates.Register(&agent.Template{ID: "structured", OutputMode: agent.OutputStructuredOutput}))

	adapter := stream.New(endTurnCollaborator(5))
	dispatcher := agent.NewDispatcher(fakeRemote{}, nil)
	loop := agent.NewLoop(adapter, dispatcher, nil)

	return New(templates, loop, budget), templates
}

func TestSpawnAgents_PreservesDescriptorOrder(t *testing.T) {
	orch, _ := newTestOrchestrator(t, 5)
	parent := agent.NewState("planner", 5)

	descriptors := []agent.ChildDescriptor{
		{AgentType: "reviewer", Prompt: "first"},
		{AgentType: "reviewer", Prompt: "second"},
		{AgentType: "reviewer", Prompt: "third"},
	}

	results, err := orch.SpawnAgents(context.Background(), &agent.Template{ID: "planner"}, parent, descriptors)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Len(t, parent.Children, 3)
	for i, want := range []string{"first", "second", "third"} {
		require.NotEmpty(t, parent.Children[i].MessageHistory)
		assert.Equal(t, want, *parent.Children[i].MessageHistory[0].Content.Text)
	}
}

func TestSpawnAgents_FoldsCreditsExactlyOnce(t *testing.T) {
	orch, _ := newTestOrchestrator(t, 5)
	parent := agent.NewState("planner", 5)

	descriptors := []agent.ChildDescriptor{
		{AgentType: "reviewer", Prompt: "a"},
		{AgentType: "reviewer", Prompt: "b"},
	}
	_, err := orch.SpawnAgents(context.Background(), &agent.Template{ID: "planner"}, parent, descriptors)
	require.NoError(t, err)

	var want int
	for _, c := range parent.Children {
		want += c.CreditsUsed
	}
	assert.Equal(t, want, parent.CreditsUsed)
	assert.NotZero(t, parent.CreditsUsed)
}

func TestSpawnAgents_UnknownAgentTypeErrors(t *testing.T) {
	orch, _ := newTestOrchestrator(t, 5)
	parent := agent.NewState("planner", 5)

	_, err := orch.SpawnAgents(context.Background(), &agent.Template{ID: "planner"}, parent,
		[]agent.ChildDescriptor{{AgentType: "does-not-exist"}})
	require.Error(t, err)
	assert.Empty(t, parent.Children)
	assert.Zero(t, parent.CreditsUsed)
}

func TestSpawnInline_RunsChildToCompletionBeforeReturning(t *testing.T) {
	orch, _ := newTestOrchestrator(t, 5)
	parent := agent.NewState("planner", 5)

	part, err := orch.SpawnInline(context.Background(), &agent.Template{ID: "planner"}, parent,
		agent.ChildDescriptor{AgentType: "reviewer", Prompt: "go"})
	require.NoError(t, err)
	require.Len(t, parent.Children, 1)
	assert.Equal(t, parent.Children[0].CreditsUsed, parent.CreditsUsed)

	obj, ok := part.Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "reviewer", obj["agentType"])
}

func TestSpawnAgents_StructuredOutputModeExtractsOutput(t *testing.T) {
	adapter := stream.New(func(ctx context.Context, req stream.Request) iter.Seq2[*stream.Chunk, error] {
		return func(yield func(*stream.Chunk, error) bool) {
			if !yield(&stream.Chunk{Type: stream.ChunkToolCall, ToolCallID: "c1", ToolName: "set_output", Input: map[string]any{"value": map[string]any{"score": 9}}}, nil) {
				return
			}
		}
	})
	dispatcher := agent.NewDispatcher(fakeRemote{}, nil)
	loop := agent.NewLoop(adapter, dispatcher, nil)
	templates := agent.NewRegistry()
	require.NoError(t, templates.Register(&agent.Template{ID: "structured", OutputMode: agent.OutputStructuredOutput}))
	orch := New(templates, loop, 5)

	parent := agent.NewState("planner", 5)
	results, err := orch.SpawnAgents(context.Background(), &agent.Template{ID: "planner"}, parent,
		[]agent.ChildDescriptor{{AgentType: "structured", Prompt: "go"}})
	require.NoError(t, err)
	require.Len(t, results, 1)

	obj := results[0].Value.(map[string]any)
	value := obj["value"].(map[string]any)
	assert.Equal(t, 9, value["score"])
}

func TestRunChild_PropagatesMessageHistoryOnlyWhenTemplateRequires(t *testing.T) {
	templates := agent.NewRegistry()
	require.NoError(t, templates.Register(&agent.Template{ID: "inherits", IncludeMessageHistory: true}))
	require.NoError(t, templates.Register(&agent.Template{ID: "fresh", IncludeMessageHistory: false}))

	adapter := stream.New(endTurnCollaborator(5))
	dispatcher := agent.NewDispatcher(fakeRemote{}, nil)
	loop := agent.NewLoop(adapter, dispatcher, nil)
	orch := New(templates, loop, 5)

	parent := agent.NewState("planner", 5)
	parent.AppendMessage(message.Message{Role: message.RoleUser, Content: message.StringContent("parent context")})

	_, err := orch.SpawnInline(context.Background(), &agent.Template{ID: "planner"}, parent, agent.ChildDescriptor{AgentType: "inherits"})
	require.NoError(t, err)
	inheriting := parent.Children[0]
	assert.GreaterOrEqual(t, len(inheriting.MessageHistory), 1)

	parent2 := agent.NewState("planner", 5)
	parent2.AppendMessage(message.Message{Role: message.RoleUser, Content: message.StringContent("parent context")})
	_, err = orch.SpawnInline(context.Background(), &agent.Template{ID: "planner"}, parent2, agent.ChildDescriptor{AgentType: "fresh"})
	require.NoError(t, err)
	fresh := parent2.Children[0]
	for _, m := range fresh.MessageHistory {
		assert.NotEqual(t, "parent context", safeText(m))
	}
}

func safeText(m message.Message) string {
	if m.Content.IsString() {
		return *m.Content.Text
	}
	return ""
}
