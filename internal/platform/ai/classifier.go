// Package ai implements component F: submit one document to the
// remote AI service, poll for completion, and interpret the result as
// accept/reject.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tender-pipeline/configs"
	"tender-pipeline/internal/domain/tender"
	"tender-pipeline/internal/platform/httpfetch"
	"tender-pipeline/internal/platform/objectstore"
)

const (
	pollInterval = 10 * time.Second
	// PollBudget is the wall-clock budget one Classify call spends
	// polling before giving up; also used by internal/queue's stale-AI-
	// check reaper to decide when a PENDING row has been abandoned by a
	// crashed worker.
	PollBudget = 600 * time.Second
)

var terminalStatuses = map[string]bool{
	"SUCCESS":  true,
	"REJECTED": true,
	"ERROR":    true,
}

// Classifier drives the submit/poll/interpret protocol against the
// configured AI service.
type Classifier struct {
	cfg    configs.AIConfig
	http   *http.Client
	fetch  *httpfetch.Fetcher
	store  *objectstore.Client
	repo   Persister
	log    *zap.Logger
}

// Persister is the narrow slice of tender.Repository the classifier needs.
type Persister interface {
	CreateAICheck(ctx context.Context, check tender.AICheck) (tender.AICheck, error)
	UpdateAICheck(ctx context.Context, check tender.AICheck) error
}

// New constructs a Classifier.
func New(cfg configs.AIConfig, fetch *httpfetch.Fetcher, store *objectstore.Client, repo Persister, log *zap.Logger) *Classifier {
	return &Classifier{cfg: cfg, http: &http.Client{}, fetch: fetch, store: store, repo: repo, log: log}
}

// submitResponse is the shape of the /parse endpoint's JSON body.
type submitResponse struct {
	TaskID string `json:"task_id"`
}

// pollResponse is the shape of the /task_status/{id} endpoint's body.
type pollResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

type resultParameter struct {
	AcceptedForRecommendation bool `json:"accepted_for_recommendation"`
}

// Classify runs 4.F's protocol for t, returning accepted=true only
// when the terminal AI check accepts the tender.
func (c *Classifier) Classify(ctx context.Context, t *tender.Tender) (bool, error) {
	doc, ok := t.FirstEligibleDocument()
	if !ok {
		return false, &tender.AIReject{Reason: "no eligible document"}
	}

	data, err := c.acquire(ctx, t.ExternalID, doc)
	if err != nil {
		return false, &tender.AIServiceError{Status: tender.AIError, Cause: err}
	}

	taskID, err := c.submit(ctx, data, doc.FileName)
	if err != nil {
		return false, &tender.AIServiceError{Status: tender.AIError, Cause: err}
	}

	check, err := c.repo.CreateAICheck(ctx, tender.AICheck{
		TenderID: t.ID,
		Status:   tender.AIPending,
		TaskID:   taskID,
	})
	if err != nil {
		return false, &tender.UnexpectedError{Cause: err}
	}

	status, result, err := c.poll(ctx, taskID)
	if err != nil {
		check.Status = tender.AITimeout
		if uerr := c.repo.UpdateAICheck(ctx, check); uerr != nil {
			return false, &tender.UnexpectedError{Cause: uerr}
		}
		return false, &tender.AIServiceError{Status: tender.AITimeout, Cause: err}
	}

	now := time.Now().UTC()
	check.Status = tender.AIStatus(status)
	check.CheckedAt = &now
	if len(result) > 0 {
		s := string(result)
		check.Response = &s
	}
	if err := c.repo.UpdateAICheck(ctx, check); err != nil {
		return false, &tender.UnexpectedError{Cause: err}
	}

	return interpretAccepted(status, result), nil
}

func (c *Classifier) acquire(ctx context.Context, externalID string, doc tender.Document) ([]byte, error) {
	if c.store.BelongsToStore(doc.URL) {
		return c.store.Download(ctx, objectstore.Key(externalID, doc.FileName))
	}
	return c.fetch.Get(ctx, doc.URL)
}

func (c *Classifier) submit(ctx context.Context, data []byte, fileName string) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreateFormFile("files", fileName)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.WriteField("details", ""); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/parse", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("submit: unexpected status %d", resp.StatusCode)
	}

	var parsed submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if parsed.TaskID == "" {
		return "", fmt.Errorf("submit: missing task_id")
	}
	return parsed.TaskID, nil
}

func (c *Classifier) poll(ctx context.Context, taskID string) (string, json.RawMessage, error) {
	deadline := time.Now().Add(PollBudget)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		status, result, err := c.pollOnce(ctx, taskID)
		if err != nil {
			return "", nil, err
		}
		if terminalStatuses[status] {
			return status, result, nil
		}
		if !time.Now().Before(deadline) {
			return "", nil, fmt.Errorf("AI poll exceeded %s budget", PollBudget)
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Classifier) pollOnce(ctx context.Context, taskID string) (string, json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/task_status/"+taskID, nil)
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, err
	}
	var parsed pollResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", nil, fmt.Errorf("decode poll response: %w", err)
	}
	return parsed.Status, parsed.Result, nil
}

// interpretAccepted implements 4.F step 5's accept predicate: status
// must be SUCCESS, result must decode as an object whose "parameters"
// array contains at least one element with accepted_for_recommendation==true.
func interpretAccepted(status string, result json.RawMessage) bool {
	if status != "SUCCESS" || len(result) == 0 {
		return false
	}
	var parsed struct {
		Parameters []resultParameter `json:"parameters"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return false
	}
	for _, p := range parsed.Parameters {
		if p.AcceptedForRecommendation {
			return true
		}
	}
	return false
}
