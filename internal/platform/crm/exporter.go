// Package crm implements component G: update enumeration user-fields,
// upload the tender's first document to the CRM's disk endpoint, and
// create a lead record mapping tender fields.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tender-pipeline/configs"
	"tender-pipeline/internal/domain/tender"
	"tender-pipeline/internal/platform/objectstore"
)

// enumeration values fixed by 4.G step 1 — literal Russian text from
// the original CRM field configuration, not user-configurable.
const (
	paymentTermsValue = "Оплата после поставки"
	deliveryDaysValue = "30 дней"
)

// Exporter implements the CRM lead-export sequence.
type Exporter struct {
	cfg   configs.CRMConfig
	http  *http.Client
	store *objectstore.Client
	log   *zap.Logger
}

// New constructs an Exporter.
func New(cfg configs.CRMConfig, store *objectstore.Client, log *zap.Logger) *Exporter {
	return &Exporter{cfg: cfg, http: &http.Client{}, store: store, log: log}
}

// Export runs 4.G's sequence for t, whose Lots and Documents must
// already be eagerly loaded.
func (e *Exporter) Export(ctx context.Context, t *tender.Tender) error {
	e.updateEnumerationFields(ctx, t)

	fileID := e.uploadFirstDocument(ctx, t)

	payload := e.buildLeadPayload(t, fileID)
	body, err := json.Marshal(map[string]any{"fields": payload})
	if err != nil {
		return &tender.ExportError{Cause: fmt.Errorf("encode lead payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.WebhookURL+"/crm.lead.add.json", bytes.NewReader(body))
	if err != nil {
		return &tender.ExportError{Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return &tender.ExportError{Cause: err}
	}
	defer resp.Body.Close()

	var parsed struct {
		Result *int64 `json:"result"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&parsed)

	if resp.StatusCode != http.StatusOK || parsed.Result == nil {
		return &tender.ExportError{Cause: fmt.Errorf("lead.add.json returned status %d", resp.StatusCode)}
	}
	return nil
}

// updateEnumerationFields sets the two pre-declared enumeration
// user-fields; failure of either is logged, not fatal (4.G step 1).
func (e *Exporter) updateEnumerationFields(ctx context.Context, t *tender.Tender) {
	fields := map[string]string{
		e.cfg.FieldPaymentTermsKey: paymentTermsValue,
		// FieldOpportunityLinkKey carries the garbled key name from the
		// original CRM field export; reproduced as configuration, not
		// "corrected" — see DESIGN.md.
		e.cfg.FieldOpportunityLinkKey: deliveryDaysValue,
	}
	for key, value := range fields {
		if key == "" {
			continue
		}
		body, _ := json.Marshal(map[string]any{"fields": map[string]string{key: value}})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.WebhookURL+"/crm.lead.update.json", bytes.NewReader(body))
		if err != nil {
			e.log.Warn("crm: build enumeration update request failed", zap.String("field", key), zap.Error(err))
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.http.Do(req)
		if err != nil {
			e.log.Warn("crm: enumeration field update failed", zap.String("field", key), zap.Error(err))
			continue
		}
		resp.Body.Close()
	}
}

// uploadFirstDocument downloads the tender's first document from the
// store (if its URL belongs there) and re-uploads it to the CRM's
// disk endpoint, returning the assigned file id, or "" on failure.
func (e *Exporter) uploadFirstDocument(ctx context.Context, t *tender.Tender) string {
	doc, ok := t.FirstDocument()
	if !ok || !e.store.BelongsToStore(doc.URL) {
		return ""
	}

	data, err := e.store.Download(ctx, objectstore.Key(t.ExternalID, doc.FileName))
	if err != nil {
		e.log.Warn("crm: download first document for disk upload failed", zap.Error(err))
		return ""
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", doc.FileName)
	if err != nil {
		return ""
	}
	if _, err := part.Write(data); err != nil {
		return ""
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.WebhookURL+"/disk.file.upload.json", &body)
	if err != nil {
		return ""
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := e.http.Do(req)
	if err != nil {
		e.log.Warn("crm: disk upload failed", zap.Error(err))
		return ""
	}
	defer resp.Body.Close()

	var parsed struct {
		Result struct {
			ID string `json:"ID"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ""
	}
	return parsed.Result.ID
}

// buildLeadPayload maps tender attributes onto the fixed CRM field
// set of 4.G step 3.
func (e *Exporter) buildLeadPayload(t *tender.Tender, fileID string) map[string]string {
	fields := map[string]string{
		"EXTERNAL_ID":          t.ExternalID,
		"OPPORTUNITY":          strconv.FormatFloat(t.InitialPrice, 'f', 2, 64),
		"CURRENCY_ID":          t.Currency,
		"ORGANIZER_SHORT_NAME": t.Organizer.ShortName(),
		"ORGANIZER_FULL_NAME":  t.Organizer.FullName(),
		"ORGANIZER_INN":        t.Organizer.INN(),
		"ORGANIZER_PHONE":      t.Organizer.Phone(),
		"ORGANIZER_EMAIL":      t.Organizer.Email(),
		"SELECTION_METHOD":     t.SelectionMethod,
		"NOTIFICATION_NUMBER":  t.NotificationNumber,
		"NOTIFICATION_TYPE":    t.NotificationType,
		"IS_SMALL_BUSINESS":    strconv.FormatBool(t.IsSmallBusiness),
		"PUBLICATION_DATE":     isoOrEmpty(t.PublicationDate),
		"APPLICATION_DEADLINE": isoOrEmpty(t.ApplicationDeadline),
		"LAST_MODIFIED":        isoOrEmpty(t.LastModified),
		"UF_ATTACHED_FILE_ID":  fileID,
	}

	if lot, ok := t.FirstLot(); ok {
		fields["LOT_TITLE"] = lot.Title
		fields["LOT_DELIVERY_PLACE"] = lot.DeliveryPlace
		fields["LOT_DELIVERY_TERM"] = lot.DeliveryTerm
		fields["LOT_PAYMENT_TERM"] = lot.PaymentTerm
	}

	fields["COMMENTS"] = strings.Join([]string{
		t.CategoryType,
		t.NotificationNumber + "/" + t.NotificationType,
		t.SelectionMethod,
		strconv.FormatBool(t.IsSmallBusiness),
		isoOrEmpty(t.PublicationDate),
	}, "\n")

	return fields
}

func isoOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
