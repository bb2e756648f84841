package tender

import "fmt"

// State is one of the enumerated tender lifecycle states (4.J).
type State string

const (
	StateReceived            State = "RECEIVED"
	StateValidating          State = "VALIDATING"
	StateValidationFailed    State = "VALIDATION_FAILED"
	StateFetchingDocuments   State = "FETCHING_DOCUMENTS"
	StateDocumentsNotFound   State = "DOCUMENTS_NOT_FOUND"
	StateDocumentsSaved      State = "DOCUMENTS_SAVED"
	StateScrapingDocuments   State = "SCRAPING_DOCUMENTS"
	StateDocumentsFetchFailed State = "DOCUMENTS_FETCH_FAILED"
	StateFiltering           State = "FILTERING"
	StateRejectedFilter      State = "REJECTED_FILTER"
	StateAIProcessing        State = "AI_PROCESSING"
	StateRejectedAI          State = "REJECTED_AI"
	StateReadyForExport      State = "READY_FOR_EXPORT"
	StateExporting           State = "EXPORTING"
	StateCompleted           State = "COMPLETED"
	StateExportFailed        State = "EXPORT_FAILED"
	StateError               State = "ERROR"
)

// Trigger names a named transition between states.
type Trigger string

const (
	TriggerStartValidating      Trigger = "start_validating"
	TriggerFailValidation       Trigger = "fail_validation"
	TriggerFetchDocuments       Trigger = "fetch_documents"
	TriggerDocumentsNotFound    Trigger = "documents_not_found"
	TriggerSaveDocuments        Trigger = "save_documents"
	TriggerStartScraping        Trigger = "start_scraping"
	TriggerFailScraping         Trigger = "fail_scraping"
	TriggerFinishScraping       Trigger = "finish_scraping"
	TriggerStartFiltering       Trigger = "start_filtering"
	TriggerRejectAfterFiltering Trigger = "reject_after_filtering"
	TriggerStartAI              Trigger = "start_ai"
	TriggerRejectAfterAI        Trigger = "reject_after_ai"
	TriggerPrepareExport        Trigger = "prepare_export"
	TriggerStartExporting       Trigger = "start_exporting"
	TriggerComplete             Trigger = "complete"
	TriggerFailExport           Trigger = "fail_export"
	TriggerEncounterError       Trigger = "encounter_error"
)

type transitionKey struct {
	from    State
	trigger Trigger
}

// transitions is the exact table of legal moves from 4.J. encounter_error
// is legal from any state and is checked separately in Fire.
var transitions = map[transitionKey]State{
	{StateReceived, TriggerStartValidating}:             StateValidating,
	{StateValidating, TriggerFailValidation}:             StateValidationFailed,
	{StateValidating, TriggerFetchDocuments}:             StateFetchingDocuments,
	{StateFetchingDocuments, TriggerDocumentsNotFound}:   StateDocumentsNotFound,
	{StateFetchingDocuments, TriggerSaveDocuments}:       StateDocumentsSaved,
	{StateDocumentsNotFound, TriggerStartScraping}:       StateScrapingDocuments,
	{StateScrapingDocuments, TriggerFailScraping}:        StateDocumentsFetchFailed,
	{StateScrapingDocuments, TriggerFinishScraping}:      StateDocumentsSaved,
	{StateDocumentsSaved, TriggerStartFiltering}:         StateFiltering,
	{StateFiltering, TriggerRejectAfterFiltering}:        StateRejectedFilter,
	{StateFiltering, TriggerStartAI}:                     StateAIProcessing,
	{StateAIProcessing, TriggerRejectAfterAI}:             StateRejectedAI,
	{StateAIProcessing, TriggerPrepareExport}:             StateReadyForExport,
	{StateReadyForExport, TriggerStartExporting}:          StateExporting,
	{StateExporting, TriggerComplete}:                     StateCompleted,
	{StateExporting, TriggerFailExport}:                   StateExportFailed,
}

// TerminalStates are the states from which the orchestrator performs no
// further transitions in normal operation.
var TerminalStates = map[State]bool{
	StateValidationFailed:    true,
	StateDocumentsFetchFailed: true,
	StateRejectedFilter:      true,
	StateRejectedAI:          true,
	StateCompleted:           true,
	StateExportFailed:        true,
	StateError:               true,
}

func (s State) IsTerminal() bool { return TerminalStates[s] }

// IllegalTransitionError is returned by Fire when the trigger is not
// legal from the machine's current state.
type IllegalTransitionError struct {
	From    State
	Trigger Trigger
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s is not valid from state %s", e.Trigger, e.From)
}

// StateMachine wraps one tender's persisted state and enforces the
// transition table of 4.J. It holds no reference to the database;
// callers persist the new state themselves after a successful Fire.
type StateMachine struct {
	current State
}

// NewStateMachine seeds a state machine with a tender's persisted
// state (or StateReceived for a brand-new tender).
func NewStateMachine(current State) *StateMachine {
	return &StateMachine{current: current}
}

func (m *StateMachine) Current() State { return m.current }

// Fire applies trigger to the machine's current state, returning the
// new state on success. encounter_error is legal from any state, per
// the "*" row of the transition table.
func (m *StateMachine) Fire(trigger Trigger) (State, error) {
	if trigger == TriggerEncounterError {
		m.current = StateError
		return m.current, nil
	}
	next, ok := transitions[transitionKey{m.current, trigger}]
	if !ok {
		return m.current, &IllegalTransitionError{From: m.current, Trigger: trigger}
	}
	m.current = next
	return m.current, nil
}
