// Package tender contains the domain model for the tender processing
// pipeline: the Tender aggregate (lots, documents, AI checks, errors)
// and the state machine governing its lifecycle.
//
// Following Clean Architecture, this package holds only business rules:
// no persistence tags, no knowledge of HTTP, SQL, or any outbound
// client. Mapping to storage rows lives entirely in
// internal/platform/postgres.
package tender

import (
	"fmt"
	"strings"
	"time"
)

// Tender is the root aggregate: a single procurement announcement
// identified by its externally supplied id. It owns (cascade-delete)
// its Lots, Documents, AIChecks and Errors.
type Tender struct {
	ID         int64  // internal surrogate key
	ExternalID string // globally unique id supplied by the upstream feed

	Title                string
	NotificationNumber   string
	NotificationType     string
	Organizer            Organizer
	InitialPrice         float64
	Currency             string
	ApplicationDeadline  time.Time
	PublicationDate      time.Time
	LastModified         time.Time
	Platform             Platform
	LandingURL           string
	SelectionMethod      string
	IsSmallBusiness      bool
	CategoryType         string
	CreatedAt            time.Time

	State State

	Lots      []Lot
	Documents []Document
	AIChecks  []AICheck
	Errors    []PipelineError
}

// Organizer is the tender's free-form customer attribute map. It is
// kept as a generic map because the upstream feed supplies a variable
// attribute set per platform, but the pipeline only ever reads the
// fields below.
type Organizer map[string]any

func (o Organizer) str(key string) string {
	if o == nil {
		return ""
	}
	v, ok := o[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func (o Organizer) FullName() string { return o.str("full_name") }
func (o Organizer) ShortName() string { return o.str("short_name") }
func (o Organizer) INN() string      { return o.str("inn") }
func (o Organizer) KPP() string      { return o.str("kpp") }
func (o Organizer) Phone() string    { return o.str("phone") }
func (o Organizer) Email() string    { return o.str("email") }

// Platform describes the trading platform a tender was published on.
type Platform struct {
	Code string
	Name string
	URL  string
}

// Lot is a per-tender line item.
type Lot struct {
	ID             int64
	TenderID       int64
	Title          string
	CustomerID     string
	InitialSum     *float64
	Currency       string
	DeliveryPlace  string
	DeliveryTerm   string
	PaymentTerm    string
}

// DocumentLocation tags where a document's bytes currently live.
type DocumentLocation string

const (
	LocationOriginal DocumentLocation = "original"
	LocationS3       DocumentLocation = "s3"
)

// DocumentStatus tracks a document's acquisition progress.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentDownloaded DocumentStatus = "downloaded"
	DocumentError      DocumentStatus = "error"
)

// Document is a per-tender attachment. (TenderID, FileName) is the
// unique identity; repeated upserts by that key update URL/Location/Status.
type Document struct {
	ID       int64
	TenderID int64
	FileName string
	URL      string
	Location DocumentLocation
	Status   DocumentStatus
}

// Extension returns the lowercase file extension without the dot, or
// "" if the file name has none.
func (d Document) Extension() string {
	idx := strings.LastIndexByte(d.FileName, '.')
	if idx < 0 || idx == len(d.FileName)-1 {
		return ""
	}
	return strings.ToLower(d.FileName[idx+1:])
}

// AIStatus is the lifecycle of one AI classification attempt.
type AIStatus string

const (
	AIPending  AIStatus = "PENDING"
	AISuccess  AIStatus = "SUCCESS"
	AIRejected AIStatus = "REJECTED"
	AIError    AIStatus = "ERROR"
	AIFailed   AIStatus = "FAILED"
	AITimeout  AIStatus = "TIMEOUT"
)

// AICheck records one submit-and-poll attempt against the AI service.
type AICheck struct {
	ID         int64
	TenderID   int64
	Status     AIStatus
	TaskID     string
	Response   *string // serialized JSON, nil until a terminal response arrives
	CreatedAt  time.Time
	CheckedAt  *time.Time
}

// PipelineError is a durable log row describing a fault encountered
// while processing a tender.
type PipelineError struct {
	ID        int64
	TenderID  int64
	Module    string
	Message   string
	Timestamp time.Time
}

// FlatAttributes projects the tender onto a flat string-keyed map so
// the filter engine can evaluate dotted-path conditions against it
// (e.g. "organizer.inn"). Only fields named in the filter condition
// language need to round-trip through this projection.
func (t *Tender) FlatAttributes() map[string]any {
	attrs := map[string]any{
		"external_id":          t.ExternalID,
		"title":                t.Title,
		"notification_number":  t.NotificationNumber,
		"notification_type":    t.NotificationType,
		"initial_price":        t.InitialPrice,
		"currency":             t.Currency,
		"application_deadline": t.ApplicationDeadline,
		"publication_date":     t.PublicationDate,
		"last_modified":        t.LastModified,
		"type":                 t.CategoryType,
		"category_type":        t.CategoryType,
		"selection_method":     t.SelectionMethod,
		"is_small_business":    t.IsSmallBusiness,
		"landing_url":          t.LandingURL,
		"state":                string(t.State),
		"organizer.full_name":  t.Organizer.FullName(),
		"organizer.short_name": t.Organizer.ShortName(),
		"organizer.inn":        t.Organizer.INN(),
		"organizer.kpp":        t.Organizer.KPP(),
		"organizer.phone":      t.Organizer.Phone(),
		"organizer.email":      t.Organizer.Email(),
	}
	return attrs
}

// EligibleDocumentExtensions lists the extensions the AI classifier
// (component F) will accept as input.
var EligibleDocumentExtensions = map[string]bool{
	"txt": true, "doc": true, "docx": true, "pdf": true,
	"xlsx": true, "xls": true, "html": true,
}

// FirstEligibleDocument returns the first document whose extension the
// AI classifier accepts, or ok=false if none qualify.
func (t *Tender) FirstEligibleDocument() (Document, bool) {
	for _, d := range t.Documents {
		if EligibleDocumentExtensions[d.Extension()] {
			return d, true
		}
	}
	return Document{}, false
}

// FirstDocument returns the tender's first document, used by the CRM
// exporter for the disk-upload step, or ok=false if there are none.
func (t *Tender) FirstDocument() (Document, bool) {
	if len(t.Documents) == 0 {
		return Document{}, false
	}
	return t.Documents[0], true
}

// FirstLot returns the tender's first lot, used when building the CRM
// lead payload, or ok=false if there are none.
func (t *Tender) FirstLot() (Lot, bool) {
	if len(t.Lots) == 0 {
		return Lot{}, false
	}
	return t.Lots[0], true
}
