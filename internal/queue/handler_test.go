package queue

import (
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tender-pipeline/internal/domain/tender"
	"tender-pipeline/internal/pipeline"
)

// emptyRepo answers every lookup with tender.ErrNotFound, enough to
// exercise the handler's decode-and-dispatch path without a database.
type emptyRepo struct{}

func (emptyRepo) GetByExternalID(ctx context.Context, externalID string) (*tender.Tender, error) {
	return nil, tender.ErrNotFound
}
func (emptyRepo) UpdateState(ctx context.Context, tenderID int64, state tender.State) error {
	return nil
}
func (emptyRepo) UpsertDocument(ctx context.Context, doc tender.Document) (tender.Document, error) {
	return doc, nil
}
func (emptyRepo) CreateAICheck(ctx context.Context, check tender.AICheck) (tender.AICheck, error) {
	return check, nil
}
func (emptyRepo) UpdateAICheck(ctx context.Context, check tender.AICheck) error { return nil }
func (emptyRepo) AppendError(ctx context.Context, e tender.PipelineError) error { return nil }
func (emptyRepo) ActiveFiltersByType(ctx context.Context, categoryType string) ([]tender.FilterRow, error) {
	return nil, nil
}
func (emptyRepo) StaleExternalIDs(ctx context.Context, before time.Time) ([]string, error) {
	return nil, nil
}
func (emptyRepo) StaleAIChecks(ctx context.Context, before time.Time) ([]tender.AICheck, error) {
	return nil, nil
}

func newTestHandler() *Handler {
	orchestrator := pipeline.New(emptyRepo{}, nil, nil, nil, nil, nil, nil, nil, zap.NewNop())
	return NewHandler(orchestrator, zap.NewNop())
}

func TestHandler_ProcessTask_UnknownTenderIsNotAnError(t *testing.T) {
	h := newTestHandler()
	task, err := NewProcessTenderTask("ext-1", "medical")
	require.NoError(t, err)

	err = h.ProcessTask(context.Background(), task)
	assert.NoError(t, err)
}

func TestHandler_ProcessTask_MalformedPayloadSkipsRetry(t *testing.T) {
	h := newTestHandler()
	task := asynq.NewTask(TypeProcessTender, []byte("not json"))

	err := h.ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
