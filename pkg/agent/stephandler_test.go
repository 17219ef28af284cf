package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirectiveConstructors(t *testing.T) {
	inject := InjectToolCallDirective("call-1", "search", map[string]any{"q": "go"})
	assert.Equal(t, DirectiveInjectToolCall, inject.Kind)
	assert.Equal(t, "call-1", inject.ToolCallID)
	assert.Equal(t, "search", inject.ToolName)
	assert.Equal(t, "go", inject.Input["q"])

	assert.Equal(t, DirectiveStep, StepDirective().Kind)

	stepText := StepTextDirective("hello")
	assert.Equal(t, DirectiveStepText, stepText.Kind)
	assert.Equal(t, "hello", stepText.Text)

	assert.Equal(t, DirectiveDone, DoneDirective().Kind)
}

func TestStepHandlerFunc_AdaptsPlainFunction(t *testing.T) {
	calls := 0
	var handler StepHandler = StepHandlerFunc(func(state *State) (Directive, bool) {
		calls++
		if calls > 2 {
			return DoneDirective(), false
		}
		return StepDirective(), true
	})

	state := NewState("reviewer", 5)

	d, ok := handler.Next(state)
	assert.True(t, ok)
	assert.Equal(t, DirectiveStep, d.Kind)

	handler.Next(state)

	d, ok = handler.Next(state)
	assert.False(t, ok)
	assert.Equal(t, DirectiveDone, d.Kind)
}
