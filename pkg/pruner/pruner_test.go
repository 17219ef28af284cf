package pruner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow/agentruntime/pkg/message"
	"github.com/stepflow/agentruntime/pkg/tokencount"
)

func newPruner() *ContextPruner {
	return New(tokencount.New(), nil)
}

func TestPrune_UnderBudget_NoOp(t *testing.T) {
	p := newPruner()
	history := []message.Message{
		{Role: message.RoleUser, Content: message.StringContent("hi")},
	}
	result := p.Prune(history, Options{MaxMessageTokens: 1_000_000})
	assert.Equal(t, []string{"pass0"}, result.PassesApplied)
	assert.False(t, result.StillOverBudget)
	require.Len(t, result.Messages, 1)
}

func TestPrune_Pass1_CompactsOlderTerminalCommands(t *testing.T) {
	p := newPruner()

	var history []message.Message
	for i := 0; i < 10; i++ {
		history = append(history, message.Message{
			Role:     message.RoleTool,
			ToolName: "run_terminal_command",
			Content:  message.PartsContent(message.JSONPart(map[string]any{"command": "ls", "stdout": strings.Repeat("x", 500)})),
		})
	}

	result := p.Prune(history, Options{MaxMessageTokens: 1000, NumTerminalCommandsToKeep: 2})
	require.Equal(t, []string{"pass1"}, result.PassesApplied, "compacting pass1 alone must already fit the budget here")

	compacted := 0
	for _, m := range result.Messages {
		for _, part := range m.Content.Parts {
			if obj, ok := part.Value.(map[string]any); ok {
				if v, ok := obj["stdoutOmittedForLength"].(bool); ok && v {
					compacted++
				}
			}
		}
	}
	assert.Equal(t, 8, compacted, "only the 2 most recent terminal messages should survive uncompacted")
}

func TestPrune_Pass2_CompactsLargeToolResults(t *testing.T) {
	p := newPruner()
	large := strings.Repeat("x", 2000)
	history := []message.Message{
		{Role: message.RoleTool, ToolName: "search", Content: message.PartsContent(message.JSONPart(map[string]any{"data": large}))},
	}
	// Force past pass1 (no terminal commands present) straight into pass2;
	// the compacted result (~45 tokens) must fit under 100 so pass3 never runs.
	result := p.Prune(history, Options{MaxMessageTokens: 100})
	require.Equal(t, []string{"pass1", "pass2"}, result.PassesApplied)

	part := result.Messages[0].Content.Parts[0]
	obj, ok := part.Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[LARGE_TOOL_RESULT_OMITTED]", obj["message"])
}

func TestPrune_Pass3_PreservesProtectedMessages(t *testing.T) {
	p := newPruner()
	history := []message.Message{
		{Role: message.RoleUser, Content: message.StringContent(strings.Repeat("a", 300)), KeepDuringTruncation: true},
		{Role: message.RoleUser, Content: message.StringContent(strings.Repeat("b", 300))},
		{Role: message.RoleUser, Content: message.StringContent(strings.Repeat("c", 300))},
	}
	result := p.Prune(history, Options{MaxMessageTokens: 50})
	require.Contains(t, result.PassesApplied, "pass3")

	var sawProtected bool
	for _, m := range result.Messages {
		if m.Content.IsString() && strings.Contains(*m.Content.Text, "aaa") {
			sawProtected = true
		}
	}
	assert.True(t, sawProtected, "KeepDuringTruncation message must survive pass 3")
}

func TestPrune_Pass3_KeepLastTag(t *testing.T) {
	p := newPruner()
	history := []message.Message{
		{Role: message.RoleUser, Content: message.StringContent(strings.Repeat("a", 300)), Tags: []string{"USER_PROMPT"}, KeepLastTags: []string{"USER_PROMPT"}},
		{Role: message.RoleUser, Content: message.StringContent(strings.Repeat("b", 300)), Tags: []string{"USER_PROMPT"}, KeepLastTags: []string{"USER_PROMPT"}},
	}
	result := p.Prune(history, Options{MaxMessageTokens: 50})

	var last string
	for _, m := range result.Messages {
		if m.Content.IsString() {
			last = *m.Content.Text
		}
	}
	assert.Contains(t, last, "bbb", "the last message carrying a KeepLastTags tag must survive")
}

func TestPrune_Pass3_ShrinksBelowOriginalSize(t *testing.T) {
	p := newPruner()
	var history []message.Message
	for i := 0; i < 20; i++ {
		history = append(history, message.Message{Role: message.RoleUser, Content: message.StringContent(strings.Repeat("a", 100))})
	}
	result := p.Prune(history, Options{MaxMessageTokens: 100})
	require.Contains(t, result.PassesApplied, "pass3")
	assert.Less(t, len(result.Messages), len(history), "pass 3 must collapse some messages into placeholders")
}
