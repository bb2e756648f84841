package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tender-pipeline/configs"
	"tender-pipeline/internal/domain/tender"
	"tender-pipeline/internal/platform/alert"
	"tender-pipeline/internal/platform/crm"
	"tender-pipeline/internal/platform/httpfetch"
	"tender-pipeline/internal/platform/objectstore"
)

// fakeRepo is a minimal in-memory tender.Repository, enough to drive
// Process through its state-dispatch logic without a real database.
type fakeRepo struct {
	tenders        map[string]*tender.Tender
	filters        []tender.FilterRow
	filterErr      error
	recordedState  []tender.State
	errors         []tender.PipelineError
	updateStateErr error
	appendErrorErr error
}

func newFakeRepo(t *tender.Tender) *fakeRepo {
	return &fakeRepo{tenders: map[string]*tender.Tender{t.ExternalID: t}}
}

func (r *fakeRepo) GetByExternalID(ctx context.Context, externalID string) (*tender.Tender, error) {
	t, ok := r.tenders[externalID]
	if !ok {
		return nil, tender.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *fakeRepo) UpdateState(ctx context.Context, tenderID int64, state tender.State) error {
	if r.updateStateErr != nil {
		return r.updateStateErr
	}
	r.recordedState = append(r.recordedState, state)
	for _, t := range r.tenders {
		if t.ID == tenderID {
			t.State = state
		}
	}
	return nil
}

func (r *fakeRepo) UpsertDocument(ctx context.Context, doc tender.Document) (tender.Document, error) {
	doc.ID = 1
	return doc, nil
}

func (r *fakeRepo) CreateAICheck(ctx context.Context, check tender.AICheck) (tender.AICheck, error) {
	return check, nil
}

func (r *fakeRepo) UpdateAICheck(ctx context.Context, check tender.AICheck) error { return nil }

func (r *fakeRepo) AppendError(ctx context.Context, e tender.PipelineError) error {
	if r.appendErrorErr != nil {
		return r.appendErrorErr
	}
	r.errors = append(r.errors, e)
	return nil
}

func (r *fakeRepo) ActiveFiltersByType(ctx context.Context, categoryType string) ([]tender.FilterRow, error) {
	return r.filters, r.filterErr
}

func (r *fakeRepo) StaleExternalIDs(ctx context.Context, before time.Time) ([]string, error) {
	return nil, nil
}

func (r *fakeRepo) StaleAIChecks(ctx context.Context, before time.Time) ([]tender.AICheck, error) {
	return nil, nil
}

func fixedPast() time.Time   { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
func fixedFuture() time.Time { return time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC) }

func newOrchestrator(repo tender.Repository) *Orchestrator {
	return &Orchestrator{
		repo:    repo,
		log:     zap.NewNop(),
		alerter: alert.New(configs.AlertConfig{}, zap.NewNop()), // no credentials, Notify is a logged no-op
	}
}

func TestProcess_UnknownTender_ReturnsNilWithoutError(t *testing.T) {
	repo := &fakeRepo{tenders: map[string]*tender.Tender{}}
	o := newOrchestrator(repo)

	err := o.Process(context.Background(), "does-not-exist")
	assert.NoError(t, err)
}

func TestProcess_ValidationFailure_TransitionsToTerminalStateAndRecordsErrors(t *testing.T) {
	tr := &tender.Tender{ID: 1, ExternalID: "ext-1", State: tender.StateReceived}
	repo := newFakeRepo(tr)
	o := newOrchestrator(repo)

	err := o.Process(context.Background(), "ext-1")
	require.NoError(t, err)

	assert.Equal(t, tender.StateValidationFailed, repo.tenders["ext-1"].State)
	assert.NotEmpty(t, repo.errors)
}

func TestProcess_ValidationSuccessDoesNotFireFailTrigger(t *testing.T) {
	tr := &tender.Tender{
		ID: 5, ExternalID: "ext-5", State: tender.StateReceived,
		Title: "t", NotificationNumber: "n",
		PublicationDate:     fixedPast(),
		ApplicationDeadline: fixedFuture(),
		Organizer:           tender.Organizer{"full_name": "x", "inn": "1234567890"},
		Documents:           []tender.Document{{FileName: "doc.pdf", URL: "https://example.com/doc.pdf"}},
	}
	repo := newFakeRepo(tr)
	o := newOrchestrator(repo)

	sm := tender.NewStateMachine(tr.State)
	err := o.runValidate(context.Background(), tr, sm, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, tender.StateValidating, tr.State)
	assert.Empty(t, repo.errors)
}

func TestRunFilter_RejectWhenNoFilterMatches(t *testing.T) {
	tr := &tender.Tender{ID: 2, ExternalID: "ext-2", State: tender.StateDocumentsSaved, CategoryType: "medical"}
	repo := newFakeRepo(tr)
	repo.filters = []tender.FilterRow{
		{ID: 1, ConditionRaw: []byte(`{"field":"category_type","op":"=","value":"it"}`)},
	}
	o := newOrchestrator(repo)
	sm := tender.NewStateMachine(tr.State)

	passed, err := o.runFilter(context.Background(), tr, sm, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, passed)
	assert.Equal(t, tender.StateRejectedFilter, tr.State)
}

func TestRunFilter_PassAdvancesToAIProcessing(t *testing.T) {
	tr := &tender.Tender{ID: 3, ExternalID: "ext-3", State: tender.StateDocumentsSaved, CategoryType: "medical"}
	repo := newFakeRepo(tr)
	repo.filters = nil // no filters at all passes trivially
	o := newOrchestrator(repo)
	sm := tender.NewStateMachine(tr.State)

	passed, err := o.runFilter(context.Background(), tr, sm, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, passed)
	assert.Equal(t, tender.StateAIProcessing, tr.State)
}

func TestProcess_ResumedAtDocumentsSaved_StopsAtFilterRejection(t *testing.T) {
	// Without a classifier wired, Process must not reach AI_PROCESSING
	// in this fake: starting from DOCUMENTS_SAVED, the membership dispatch
	// skips validate and fetch, runs the filter stage, and the filter
	// rejects, so Process stops at REJECTED_FILTER.
	tr := &tender.Tender{
		ID: 6, ExternalID: "ext-6", State: tender.StateDocumentsSaved,
		CategoryType: "medical",
	}
	repo := newFakeRepo(tr)
	repo.filters = []tender.FilterRow{{ID: 1, ConditionRaw: []byte(`{"field":"category_type","op":"=","value":"it"}`)}}
	o := newOrchestrator(repo)

	err := o.Process(context.Background(), "ext-6")
	require.NoError(t, err)
	assert.Equal(t, tender.StateRejectedFilter, repo.tenders["ext-6"].State)
}

func TestEnsureState_SkipsAlreadyFiredTrigger(t *testing.T) {
	tr := &tender.Tender{ID: 4, ExternalID: "ext-4", State: tender.StateDocumentsNotFound}
	repo := newFakeRepo(tr)
	o := newOrchestrator(repo)
	sm := tender.NewStateMachine(tr.State)

	// Simulate a resumed call: the tender is already past
	// FETCHING_DOCUMENTS (now DOCUMENTS_NOT_FOUND), so firing
	// fetch_documents again must be a no-op, not an illegal transition.
	err := o.ensureState(context.Background(), tr, sm, tender.TriggerFetchDocuments,
		map[tender.State]bool{tender.StateFetchingDocuments: true, tender.StateDocumentsNotFound: true, tender.StateScrapingDocuments: true},
		zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, tender.StateDocumentsNotFound, tr.State, "ensureState must not fire when already past the trigger")
	assert.Empty(t, repo.recordedState)
}

func TestEnsureState_FiresWhenNotYetPast(t *testing.T) {
	tr := &tender.Tender{ID: 7, ExternalID: "ext-7", State: tender.StateReceived}
	repo := newFakeRepo(tr)
	o := newOrchestrator(repo)
	sm := tender.NewStateMachine(tr.State)

	err := o.ensureState(context.Background(), tr, sm, tender.TriggerStartValidating,
		map[tender.State]bool{tender.StateValidating: true}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, tender.StateValidating, tr.State)
	assert.Equal(t, []tender.State{tender.StateValidating}, repo.recordedState)
}

func TestInFetchStage_MembershipPredicate(t *testing.T) {
	assert.True(t, inFetchStage(tender.StateValidating))
	assert.True(t, inFetchStage(tender.StateFetchingDocuments))
	assert.True(t, inFetchStage(tender.StateDocumentsNotFound))
	assert.True(t, inFetchStage(tender.StateScrapingDocuments))
	assert.False(t, inFetchStage(tender.StateFiltering))
	assert.False(t, inFetchStage(tender.StateCompleted))
}

func TestInExportStage_MembershipPredicate(t *testing.T) {
	assert.True(t, inExportStage(tender.StateReadyForExport))
	assert.True(t, inExportStage(tender.StateExporting))
	assert.False(t, inExportStage(tender.StateCompleted))
}

func TestInValidationStage_MembershipPredicate(t *testing.T) {
	assert.True(t, inValidationStage(tender.StateReceived))
	assert.True(t, inValidationStage(tender.StateValidating))
	assert.False(t, inValidationStage(tender.StateFiltering))
}

func TestRunValidate_AppendErrorFailurePropagatesAsUnexpectedError(t *testing.T) {
	tr := &tender.Tender{ID: 1, ExternalID: "ext-1", State: tender.StateReceived}
	repo := newFakeRepo(tr)
	repo.appendErrorErr = errors.New("db write failed")
	o := newOrchestrator(repo)
	sm := tender.NewStateMachine(tr.State)

	err := o.runValidate(context.Background(), tr, sm, zap.NewNop())
	require.Error(t, err)
	var unexpected *tender.UnexpectedError
	assert.ErrorAs(t, err, &unexpected)
}

func TestRunFetchDocuments_AppendErrorFailurePropagatesAsUnexpectedError(t *testing.T) {
	tr := &tender.Tender{
		ID: 1, ExternalID: "ext-1", State: tender.StateFetchingDocuments,
		Documents: []tender.Document{{FileName: "doc.pdf", URL: "http://127.0.0.1:1/unreachable"}},
	}
	repo := newFakeRepo(tr)
	repo.appendErrorErr = errors.New("db write failed")
	o := newOrchestrator(repo)
	o.fetch = httpfetch.New(httpfetch.DefaultTimeout)
	sm := tender.NewStateMachine(tr.State)

	// The direct HEAD probe fails against an unreachable host, and with
	// no LandingURL/Platform.URL scrapeOnce also returns nil both
	// times, landing in the "no documents acquired" AppendError branch.
	err := o.runFetchDocuments(context.Background(), tr, sm, zap.NewNop())
	require.Error(t, err)
	var unexpected *tender.UnexpectedError
	assert.ErrorAs(t, err, &unexpected)
}

func TestRunExport_AppendErrorFailurePropagatesAsUnexpectedError(t *testing.T) {
	// A webhook that always answers the lead-add call with a server
	// error drives Export into its failure branch without needing a
	// reachable CRM.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store, err := objectstore.New(configs.StoreConfig{
		Endpoint: "objectstore.invalid:9000", Bucket: "bucket", Region: "us-east-1",
	}, nil, zap.NewNop())
	require.NoError(t, err)

	tr := &tender.Tender{ID: 1, ExternalID: "ext-1", State: tender.StateReadyForExport}
	repo := newFakeRepo(tr)
	repo.appendErrorErr = errors.New("db write failed")
	o := newOrchestrator(repo)
	o.exporter = crm.New(configs.CRMConfig{WebhookURL: srv.URL}, store, zap.NewNop())
	sm := tender.NewStateMachine(tr.State)

	runErr := o.runExport(context.Background(), tr, sm, zap.NewNop())
	require.Error(t, runErr)
	var unexpected *tender.UnexpectedError
	assert.ErrorAs(t, runErr, &unexpected)
}

func TestHandleFault_UpdateStateFailurePropagatesJoinedError(t *testing.T) {
	tr := &tender.Tender{ID: 1, ExternalID: "ext-1", State: tender.StateValidating}
	repo := newFakeRepo(tr)
	repo.updateStateErr = errors.New("db unreachable")
	o := newOrchestrator(repo)
	sm := tender.NewStateMachine(tr.State)

	cause := errors.New("boom")
	err := o.handleFault(context.Background(), tr, sm, cause, zap.NewNop())
	require.Error(t, err)
	var unexpected *tender.UnexpectedError
	require.ErrorAs(t, err, &unexpected)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, repo.updateStateErr)
}

func TestHandleFault_AppendErrorFailurePropagatesJoinedError(t *testing.T) {
	tr := &tender.Tender{ID: 1, ExternalID: "ext-1", State: tender.StateValidating}
	repo := newFakeRepo(tr)
	repo.appendErrorErr = errors.New("db write failed")
	o := newOrchestrator(repo)
	sm := tender.NewStateMachine(tr.State)

	cause := errors.New("boom")
	err := o.handleFault(context.Background(), tr, sm, cause, zap.NewNop())
	require.Error(t, err)
	var unexpected *tender.UnexpectedError
	require.ErrorAs(t, err, &unexpected)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, repo.appendErrorErr)
}

func TestHandleFault_PersistenceSucceedsReturnsOriginalCauseOnly(t *testing.T) {
	tr := &tender.Tender{ID: 1, ExternalID: "ext-1", State: tender.StateValidating}
	repo := newFakeRepo(tr)
	o := newOrchestrator(repo)
	sm := tender.NewStateMachine(tr.State)

	cause := errors.New("boom")
	err := o.handleFault(context.Background(), tr, sm, cause, zap.NewNop())
	require.Error(t, err)
	var unexpected *tender.UnexpectedError
	require.ErrorAs(t, err, &unexpected)
	assert.Equal(t, cause, unexpected.Cause)
}
