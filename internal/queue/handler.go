package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"tender-pipeline/internal/pipeline"
)

// Handler adapts asynq's task dispatch to Orchestrator.Process.
type Handler struct {
	orchestrator *pipeline.Orchestrator
	log          *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(orchestrator *pipeline.Orchestrator, log *zap.Logger) *Handler {
	return &Handler{orchestrator: orchestrator, log: log}
}

// ProcessTask implements asynq.Handler. A returned error causes asynq
// to retry the task per its configured retry policy — acceptable under
// the pipeline's at-least-once delivery model, since every stage is
// either idempotent or resumes cleanly from its persisted state.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload ProcessTenderPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode %s payload: %w: %w", TypeProcessTender, err, asynq.SkipRetry)
	}

	h.log.Info("queue: processing tender task", zap.String("tender_id", payload.ExternalID))
	if err := h.orchestrator.Process(ctx, payload.ExternalID); err != nil {
		h.log.Error("queue: tender processing failed", zap.String("tender_id", payload.ExternalID), zap.Error(err))
		return err
	}
	return nil
}
