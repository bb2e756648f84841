// Package queue defines the asynq task type this repository consumes
// and the scheduled sweeps that keep crashed or stuck tenders moving.
// The out-of-scope intake HTTP surface is the producer; this package
// is strictly the consumer side of that contract.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// TypeProcessTender is the task type name the intake surface enqueues
// and this worker consumes, per spec §6's queue payload {tender_id, type}.
const TypeProcessTender = "tender:process"

// ProcessTenderPayload is the task body: the tender's external id and
// its declared category type. The handler passes only the external id
// on; the filter stage reads the category type from the stored tender.
type ProcessTenderPayload struct {
	ExternalID string `json:"tender_id"`
	Type       string `json:"type"`
}

// NewProcessTenderTask builds a tender:process task, used by the
// stale-tender sweep to re-enqueue a tender that stalled mid-pipeline.
func NewProcessTenderTask(externalID, tenderType string) (*asynq.Task, error) {
	payload, err := json.Marshal(ProcessTenderPayload{ExternalID: externalID, Type: tenderType})
	if err != nil {
		return nil, fmt.Errorf("encode process task payload: %w", err)
	}
	return asynq.NewTask(TypeProcessTender, payload), nil
}
