package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProcessTenderTask_RoundTrip(t *testing.T) {
	task, err := NewProcessTenderTask("ext-123", "medical")
	require.NoError(t, err)
	assert.Equal(t, TypeProcessTender, task.Type())

	var payload ProcessTenderPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "ext-123", payload.ExternalID)
	assert.Equal(t, "medical", payload.Type)
}

func TestNewProcessTenderTask_EmptyTypeAllowed(t *testing.T) {
	// the re-enqueue sweep doesn't know the tender's category type, and
	// shouldn't need to: the orchestrator re-derives everything from
	// the persisted tender row.
	task, err := NewProcessTenderTask("ext-456", "")
	require.NoError(t, err)

	var payload ProcessTenderPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "ext-456", payload.ExternalID)
	assert.Empty(t, payload.Type)
}
