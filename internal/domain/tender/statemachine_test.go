package tender

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_LegalTransitions(t *testing.T) {
	sm := NewStateMachine(StateReceived)

	next, err := sm.Fire(TriggerStartValidating)
	require.NoError(t, err)
	assert.Equal(t, StateValidating, next)
	assert.Equal(t, StateValidating, sm.Current())

	next, err = sm.Fire(TriggerFetchDocuments)
	require.NoError(t, err)
	assert.Equal(t, StateFetchingDocuments, next)

	next, err = sm.Fire(TriggerSaveDocuments)
	require.NoError(t, err)
	assert.Equal(t, StateDocumentsSaved, next)
}

func TestStateMachine_IllegalTransition(t *testing.T) {
	sm := NewStateMachine(StateReceived)

	_, err := sm.Fire(TriggerStartAI)
	require.Error(t, err)

	var illegal *IllegalTransitionError
	require.True(t, errors.As(err, &illegal))
	assert.Equal(t, StateReceived, illegal.From)
	assert.Equal(t, TriggerStartAI, illegal.Trigger)

	// a failed Fire must not mutate current state
	assert.Equal(t, StateReceived, sm.Current())
}

func TestStateMachine_EncounterErrorFromAnyState(t *testing.T) {
	for _, s := range []State{
		StateReceived, StateValidating, StateFetchingDocuments,
		StateScrapingDocuments, StateFiltering, StateAIProcessing, StateExporting,
	} {
		sm := NewStateMachine(s)
		next, err := sm.Fire(TriggerEncounterError)
		require.NoError(t, err)
		assert.Equal(t, StateError, next)
	}
}

func TestState_IsTerminal(t *testing.T) {
	terminal := []State{
		StateValidationFailed, StateDocumentsFetchFailed, StateRejectedFilter,
		StateRejectedAI, StateCompleted, StateExportFailed, StateError,
	}
	for _, s := range terminal {
		assert.Truef(t, s.IsTerminal(), "%s should be terminal", s)
	}

	nonTerminal := []State{
		StateReceived, StateValidating, StateFetchingDocuments,
		StateDocumentsNotFound, StateDocumentsSaved, StateScrapingDocuments,
		StateFiltering, StateAIProcessing, StateReadyForExport, StateExporting,
	}
	for _, s := range nonTerminal {
		assert.Falsef(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

// A resumed orchestrator re-seeds the state machine from whatever
// state was persisted, not StateReceived; Fire must behave identically
// regardless of how the machine got there.
func TestStateMachine_ResumeFromMidPipelineState(t *testing.T) {
	sm := NewStateMachine(StateScrapingDocuments)

	next, err := sm.Fire(TriggerFinishScraping)
	require.NoError(t, err)
	assert.Equal(t, StateDocumentsSaved, next)
}
