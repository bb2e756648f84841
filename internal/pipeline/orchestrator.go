// Package pipeline implements component K: the per-tender driver that
// sequences validation, document acquisition, filtering, AI
// classification and CRM export, consulting the state machine at
// every step and recording errors/alerts along the way.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tender-pipeline/internal/domain/filter"
	"tender-pipeline/internal/domain/tender"
	"tender-pipeline/internal/platform/ai"
	"tender-pipeline/internal/platform/alert"
	"tender-pipeline/internal/platform/crm"
	"tender-pipeline/internal/platform/httpfetch"
	"tender-pipeline/internal/platform/objectstore"
	"tender-pipeline/internal/platform/scraper"
	"tender-pipeline/internal/platform/workerpool"
	"tender-pipeline/internal/validation"
)

// Orchestrator is component K's per-tender driver. Process takes only the
// tender's external id; the category type comes from the stored tender.
type Orchestrator struct {
	repo       tender.Repository
	fetch      *httpfetch.Fetcher
	store      *objectstore.Client
	scraper    *scraper.Scraper
	pool       *workerpool.Pool
	classifier *ai.Classifier
	exporter   *crm.Exporter
	alerter    *alert.Alerter
	log        *zap.Logger
}

// New constructs an Orchestrator wiring every component named in 4.K's
// dependency list.
func New(
	repo tender.Repository,
	fetch *httpfetch.Fetcher,
	store *objectstore.Client,
	scrapeSvc *scraper.Scraper,
	pool *workerpool.Pool,
	classifier *ai.Classifier,
	exporter *crm.Exporter,
	alerter *alert.Alerter,
	log *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		repo: repo, fetch: fetch, store: store, scraper: scrapeSvc, pool: pool,
		classifier: classifier, exporter: exporter, alerter: alerter, log: log,
	}
}

// Process is the orchestrator's single entry point, invoked by the
// queue handler for one {tender_id, type} task.
func (o *Orchestrator) Process(ctx context.Context, externalID string) error {
	t, err := o.repo.GetByExternalID(ctx, externalID)
	if err != nil {
		o.log.Warn("pipeline: tender not found, skipping", zap.String("tender_id", externalID), zap.Error(err))
		return nil
	}

	sm := tender.NewStateMachine(t.State)
	plog := o.log.With(zap.String("tender_id", t.ExternalID))

	// Dispatch resumes from whatever state the tender is persisted in,
	// not just StateReceived: a crash mid-pipeline leaves the tender at
	// an intermediate state, and the stale-tender sweep re-enqueues the
	// same {tender_id} for another Process call. Each stage function
	// skips its entry transition when it finds the tender already past
	// it (see ensureState), so re-entering a stage mid-way is safe.
	if inValidationStage(t.State) {
		if err := o.runValidate(ctx, t, sm, plog); err != nil {
			return o.handleFault(ctx, t, sm, err, plog)
		}
	}
	if t.State.IsTerminal() {
		return nil
	}

	if inFetchStage(t.State) {
		if err := o.runFetchDocuments(ctx, t, sm, plog); err != nil {
			return o.handleFault(ctx, t, sm, err, plog)
		}
	}
	if t.State.IsTerminal() {
		return nil
	}

	if inFilterStage(t.State) {
		passed, err := o.runFilter(ctx, t, sm, plog)
		if err != nil {
			return o.handleFault(ctx, t, sm, err, plog)
		}
		if !passed {
			return nil
		}
	}

	if t.State == tender.StateAIProcessing {
		accepted, err := o.runAIClassify(ctx, t, sm, plog)
		if err != nil {
			return o.handleFault(ctx, t, sm, err, plog)
		}
		if !accepted {
			return nil
		}
	}

	if inExportStage(t.State) {
		if err := o.runExport(ctx, t, sm, plog); err != nil {
			return o.handleFault(ctx, t, sm, err, plog)
		}
	}

	return nil
}

func inValidationStage(s tender.State) bool {
	return s == tender.StateReceived || s == tender.StateValidating
}

func inFetchStage(s tender.State) bool {
	switch s {
	case tender.StateValidating, tender.StateFetchingDocuments,
		tender.StateDocumentsNotFound, tender.StateScrapingDocuments:
		return true
	default:
		return false
	}
}

func inFilterStage(s tender.State) bool {
	return s == tender.StateDocumentsSaved || s == tender.StateFiltering
}

func inExportStage(s tender.State) bool {
	return s == tender.StateReadyForExport || s == tender.StateExporting
}

// fire applies trigger and persists the resulting state, keeping t.State
// and sm in sync with the database per "state persisted after every transition".
func (o *Orchestrator) fire(ctx context.Context, t *tender.Tender, sm *tender.StateMachine, trigger tender.Trigger, plog *zap.Logger) error {
	next, err := sm.Fire(trigger)
	if err != nil {
		return fmt.Errorf("state machine: %w", err)
	}
	if err := o.repo.UpdateState(ctx, t.ID, next); err != nil {
		return fmt.Errorf("persist state %s: %w", next, err)
	}
	t.State = next
	plog.Info("pipeline: transitioned", zap.String("trigger", string(trigger)), zap.String("state", string(next)))
	return nil
}

// ensureState fires trigger unless the tender is already in one of
// alreadyIn, in which case a prior Process call fired it before
// crashing and this call is resuming mid-stage.
func (o *Orchestrator) ensureState(ctx context.Context, t *tender.Tender, sm *tender.StateMachine, trigger tender.Trigger, alreadyIn map[tender.State]bool, plog *zap.Logger) error {
	if alreadyIn[t.State] {
		return nil
	}
	return o.fire(ctx, t, sm, trigger, plog)
}

func (o *Orchestrator) runValidate(ctx context.Context, t *tender.Tender, sm *tender.StateMachine, plog *zap.Logger) error {
	if err := o.ensureState(ctx, t, sm, tender.TriggerStartValidating,
		map[tender.State]bool{tender.StateValidating: true}, plog); err != nil {
		return err
	}

	messages := validation.Validate(t)
	if len(messages) == 0 {
		return nil
	}

	for _, msg := range messages {
		if err := o.repo.AppendError(ctx, tender.PipelineError{
			TenderID: t.ID, Module: "tender_processing", Message: msg, Timestamp: time.Now().UTC(),
		}); err != nil {
			return &tender.UnexpectedError{Cause: err}
		}
	}
	if err := o.fire(ctx, t, sm, tender.TriggerFailValidation, plog); err != nil {
		return err
	}
	o.alerter.Notify(ctx, t, "Ошибка валидации тендера")
	return nil
}

// runFetchDocuments implements 4.K's "Fetch documents" stage: for each
// declared document, deduplicate by URL, HEAD-probe, attempt direct
// store upload; on any failure abandon the direct path and scrape,
// first via the aggregator landing URL, then via the trading-platform
// URL substituted in its place.
func (o *Orchestrator) runFetchDocuments(ctx context.Context, t *tender.Tender, sm *tender.StateMachine, plog *zap.Logger) error {
	if err := o.ensureState(ctx, t, sm, tender.TriggerFetchDocuments, map[tender.State]bool{
		tender.StateFetchingDocuments: true, tender.StateDocumentsNotFound: true, tender.StateScrapingDocuments: true,
	}, plog); err != nil {
		return err
	}

	// A resumed call may already be past the direct-fetch attempt
	// (state DOCUMENTS_NOT_FOUND or SCRAPING_DOCUMENTS); only retry the
	// direct path from a fresh FETCHING_DOCUMENTS state.
	if t.State == tender.StateFetchingDocuments && o.fetchDirect(ctx, t, plog) {
		return o.fire(ctx, t, sm, tender.TriggerSaveDocuments, plog)
	}

	if err := o.ensureState(ctx, t, sm, tender.TriggerDocumentsNotFound,
		map[tender.State]bool{tender.StateDocumentsNotFound: true, tender.StateScrapingDocuments: true}, plog); err != nil {
		return err
	}
	if err := o.ensureState(ctx, t, sm, tender.TriggerStartScraping,
		map[tender.State]bool{tender.StateScrapingDocuments: true}, plog); err != nil {
		return err
	}

	docs := o.scrapeOnce(ctx, t.LandingURL, t, plog)
	if docs == nil {
		originalLanding := t.LandingURL
		t.LandingURL = t.Platform.URL
		docs = o.scrapeOnce(ctx, t.LandingURL, t, plog)
		t.LandingURL = originalLanding
	}

	if docs == nil {
		if err := o.fire(ctx, t, sm, tender.TriggerFailScraping, plog); err != nil {
			return err
		}
		if err := o.repo.AppendError(ctx, tender.PipelineError{
			TenderID: t.ID, Module: "document_scraper", Message: "no documents acquired via direct fetch or scraping", Timestamp: time.Now().UTC(),
		}); err != nil {
			return &tender.UnexpectedError{Cause: err}
		}
		o.alerter.Notify(ctx, t, "Не удалось получить документы тендера")
		return nil
	}

	for _, sd := range docs {
		doc, err := o.repo.UpsertDocument(ctx, tender.Document{
			TenderID: t.ID, FileName: sd.FileName, URL: sd.URL,
			Location: tender.LocationS3, Status: tender.DocumentDownloaded,
		})
		if err != nil {
			return &tender.UnexpectedError{Cause: err}
		}
		t.Documents = append(t.Documents, doc)
	}

	return o.fire(ctx, t, sm, tender.TriggerFinishScraping, plog)
}

// fetchDirect attempts HEAD+upload for every declared document,
// deduplicated by URL. It returns true only if every document
// succeeds; on the first failure it stops probing (the pipeline falls
// back to scraping wholesale, per 4.K).
func (o *Orchestrator) fetchDirect(ctx context.Context, t *tender.Tender, plog *zap.Logger) bool {
	seen := map[string]bool{}
	anyFailed := false
	for i, doc := range t.Documents {
		if seen[doc.URL] {
			continue
		}
		seen[doc.URL] = true

		status, err := o.fetch.Head(ctx, doc.URL)
		if err != nil || status != 200 {
			plog.Warn("pipeline: direct document probe failed", zap.String("url", doc.URL), zap.Error(err))
			anyFailed = true
			break
		}

		storeURL := o.store.UploadFromURL(ctx, doc.URL, doc.FileName, t.ExternalID)
		if storeURL == "" {
			anyFailed = true
			break
		}

		updated, err := o.repo.UpsertDocument(ctx, tender.Document{
			TenderID: t.ID, FileName: doc.FileName, URL: storeURL,
			Location: tender.LocationS3, Status: tender.DocumentDownloaded,
		})
		if err != nil {
			anyFailed = true
			break
		}
		t.Documents[i] = updated
	}
	return !anyFailed
}

// scrapeOnce runs the scraper through the worker pool (§5: browser
// driver calls are blocking and must not stall the scheduler).
func (o *Orchestrator) scrapeOnce(ctx context.Context, landingURL string, t *tender.Tender, plog *zap.Logger) []scraper.ScrapedDoc {
	if landingURL == "" {
		return nil
	}
	docs, err := workerpool.Run(ctx, o.pool, func() ([]scraper.ScrapedDoc, error) {
		return o.scraper.Scrape(ctx, landingURL, t.ExternalID)
	})
	if err != nil {
		plog.Warn("pipeline: scrape attempt failed", zap.String("landing_url", landingURL), zap.Error(err))
		return nil
	}
	return docs
}

func (o *Orchestrator) runFilter(ctx context.Context, t *tender.Tender, sm *tender.StateMachine, plog *zap.Logger) (bool, error) {
	if err := o.ensureState(ctx, t, sm, tender.TriggerStartFiltering,
		map[tender.State]bool{tender.StateFiltering: true}, plog); err != nil {
		return false, err
	}

	rows, err := o.repo.ActiveFiltersByType(ctx, t.CategoryType)
	if err != nil {
		return false, &tender.UnexpectedError{Cause: err}
	}
	decoded, err := filter.FromRepositoryRows(rows)
	if err != nil {
		return false, &tender.UnexpectedError{Cause: err}
	}

	if filter.PassesAny(decoded, t.FlatAttributes()) {
		if err := o.fire(ctx, t, sm, tender.TriggerStartAI, plog); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := o.fire(ctx, t, sm, tender.TriggerRejectAfterFiltering, plog); err != nil {
		return false, err
	}
	return false, nil
}

func (o *Orchestrator) runAIClassify(ctx context.Context, t *tender.Tender, sm *tender.StateMachine, plog *zap.Logger) (bool, error) {
	accepted, err := o.classifier.Classify(ctx, t)
	if err != nil {
		var svcErr *tender.AIServiceError
		if tender.IsExpectedOutcome(err) || errors.As(err, &svcErr) {
			plog.Info("pipeline: AI classification faulted, treating as reject", zap.Error(err))
			if ferr := o.fire(ctx, t, sm, tender.TriggerRejectAfterAI, plog); ferr != nil {
				return false, ferr
			}
			return false, nil
		}
		return false, &tender.UnexpectedError{Cause: err}
	}
	if !accepted {
		if err := o.fire(ctx, t, sm, tender.TriggerRejectAfterAI, plog); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := o.fire(ctx, t, sm, tender.TriggerPrepareExport, plog); err != nil {
		return false, err
	}
	return true, nil
}

func (o *Orchestrator) runExport(ctx context.Context, t *tender.Tender, sm *tender.StateMachine, plog *zap.Logger) error {
	if err := o.ensureState(ctx, t, sm, tender.TriggerStartExporting,
		map[tender.State]bool{tender.StateExporting: true}, plog); err != nil {
		return err
	}

	if err := o.exporter.Export(ctx, t); err != nil {
		if ferr := o.fire(ctx, t, sm, tender.TriggerFailExport, plog); ferr != nil {
			return ferr
		}
		if aerr := o.repo.AppendError(ctx, tender.PipelineError{
			TenderID: t.ID, Module: "crm_exporter", Message: err.Error(), Timestamp: time.Now().UTC(),
		}); aerr != nil {
			return &tender.UnexpectedError{Cause: aerr}
		}
		o.alerter.Notify(ctx, t, "Не удалось выгрузить тендер в CRM")
		return nil
	}

	return o.fire(ctx, t, sm, tender.TriggerComplete, plog)
}

// handleFault implements 4.K step 4: any unexpected fault transitions
// to ERROR, logs, alerts, and re-raises to the caller.
func (o *Orchestrator) handleFault(ctx context.Context, t *tender.Tender, sm *tender.StateMachine, cause error, plog *zap.Logger) error {
	plog.Error("pipeline: unexpected fault", zap.Error(cause))
	_, _ = sm.Fire(tender.TriggerEncounterError)

	persistErr := o.repo.UpdateState(ctx, t.ID, tender.StateError)
	if err := o.repo.AppendError(ctx, tender.PipelineError{
		TenderID: t.ID, Module: "orchestrator", Message: cause.Error(), Timestamp: time.Now().UTC(),
	}); err != nil {
		persistErr = errors.Join(persistErr, err)
	}
	o.alerter.Notify(ctx, t, "Непредвиденная ошибка обработки тендера")
	if persistErr != nil {
		plog.Error("pipeline: failed to persist fault state, in-memory state now diverges from storage", zap.Error(persistErr))
		return &tender.UnexpectedError{Cause: errors.Join(cause, persistErr)}
	}
	return &tender.UnexpectedError{Cause: cause}
}
