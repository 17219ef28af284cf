package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ProducesWorkingTracerAndCounter(t *testing.T) {
	var buf bytes.Buffer
	tel, err := New(&buf)
	require.NoError(t, err)
	require.NotNil(t, tel.Tracer)
	require.NotNil(t, tel.CreditsCounter)

	_, span := tel.Tracer.Start(context.Background(), "test.span")
	span.End()
	tel.CreditsCounter.Add(context.Background(), 5)

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "test.span")
}

func TestAgentTypeAttr_AgentIDAttr(t *testing.T) {
	typeAttr := AgentTypeAttr("reviewer")
	assert.Equal(t, "agent.type", string(typeAttr.Key))
	assert.Equal(t, "reviewer", typeAttr.Value.AsString())

	idAttr := AgentIDAttr("agent-1")
	assert.Equal(t, "agent.id", string(idAttr.Key))
	assert.Equal(t, "agent-1", idAttr.Value.AsString())
}
