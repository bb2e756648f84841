// Package postgres implements component I: the transactional
// persistence layer backing tender.Repository, using database/sql and
// lib/pq. UpsertDocument runs in a *sql.Tx that rolls back on failure;
// the other writes are single statements, and GetByExternalID's tender,
// lot and document reads are separate queries outside a transaction.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"tender-pipeline/internal/domain/tender"
)

// Store implements tender.Repository against a Postgres database.
type Store struct {
	db *sql.DB
}

// Open opens a connection pool against dsn and verifies it with a ping.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an already-open *sql.DB, used by tests with a fake driver.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// GetByExternalID loads a tender with its lots and documents eagerly
// fetched. Returns tender.ErrNotFound if no such tender exists.
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*tender.Tender, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, title, notification_number, notification_type,
		       organizer, initial_price, currency, application_deadline,
		       publication_date, last_modified, platform_code, platform_name,
		       platform_url, landing_url, selection_method, is_small_business,
		       category_type, created_at, state
		FROM tenders WHERE external_id = $1`, externalID)

	var t tender.Tender
	var organizerRaw []byte
	if err := row.Scan(
		&t.ID, &t.ExternalID, &t.Title, &t.NotificationNumber, &t.NotificationType,
		&organizerRaw, &t.InitialPrice, &t.Currency, &t.ApplicationDeadline,
		&t.PublicationDate, &t.LastModified, &t.Platform.Code, &t.Platform.Name,
		&t.Platform.URL, &t.LandingURL, &t.SelectionMethod, &t.IsSmallBusiness,
		&t.CategoryType, &t.CreatedAt, &t.State,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tender.ErrNotFound
		}
		return nil, fmt.Errorf("scan tender: %w", err)
	}

	if len(organizerRaw) > 0 {
		if err := json.Unmarshal(organizerRaw, &t.Organizer); err != nil {
			return nil, fmt.Errorf("decode organizer: %w", err)
		}
	}

	lots, err := s.lotsByTender(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.Lots = lots

	docs, err := s.documentsByTender(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.Documents = docs

	return &t, nil
}

func (s *Store) lotsByTender(ctx context.Context, tenderID int64) ([]tender.Lot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tender_id, title, customer_id, initial_sum, currency,
		       delivery_place, delivery_term, payment_term
		FROM lots WHERE tender_id = $1 ORDER BY id`, tenderID)
	if err != nil {
		return nil, fmt.Errorf("query lots: %w", err)
	}
	defer rows.Close()

	var lots []tender.Lot
	for rows.Next() {
		var l tender.Lot
		var customerID sql.NullString
		var initialSum sql.NullFloat64
		if err := rows.Scan(&l.ID, &l.TenderID, &l.Title, &customerID, &initialSum,
			&l.Currency, &l.DeliveryPlace, &l.DeliveryTerm, &l.PaymentTerm); err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		l.CustomerID = customerID.String
		if initialSum.Valid {
			v := initialSum.Float64
			l.InitialSum = &v
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func (s *Store) documentsByTender(ctx context.Context, tenderID int64) ([]tender.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tender_id, file_name, url, location, status
		FROM documents WHERE tender_id = $1 ORDER BY id`, tenderID)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []tender.Document
	for rows.Next() {
		var d tender.Document
		if err := rows.Scan(&d.ID, &d.TenderID, &d.FileName, &d.URL, &d.Location, &d.Status); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// UpdateState persists a tender's new state atomically, stamping
// updated_at so the staleness sweep can find tenders stuck mid-pipeline.
func (s *Store) UpdateState(ctx context.Context, tenderID int64, state tender.State) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tenders SET state = $1, updated_at = now() WHERE id = $2`, state, tenderID)
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	if n == 0 {
		return tender.ErrNotFound
	}
	return nil
}

// UpsertDocument inserts or updates a Document row keyed by
// (tender_id, file_name).
func (s *Store) UpsertDocument(ctx context.Context, doc tender.Document) (tender.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tender.Document{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO documents (tender_id, file_name, url, location, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tender_id, file_name)
		DO UPDATE SET url = EXCLUDED.url, location = EXCLUDED.location, status = EXCLUDED.status
		RETURNING id`, doc.TenderID, doc.FileName, doc.URL, doc.Location, doc.Status)

	if err := row.Scan(&doc.ID); err != nil {
		return tender.Document{}, fmt.Errorf("upsert document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return tender.Document{}, fmt.Errorf("commit upsert document: %w", err)
	}
	return doc, nil
}

// CreateAICheck inserts a new AICheck row.
func (s *Store) CreateAICheck(ctx context.Context, check tender.AICheck) (tender.AICheck, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO ai_checks (tender_id, ai_status, task_id, ai_response, checked_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`, check.TenderID, check.Status, check.TaskID, check.Response, check.CheckedAt)
	if err := row.Scan(&check.ID, &check.CreatedAt); err != nil {
		return tender.AICheck{}, fmt.Errorf("create ai check: %w", err)
	}
	return check, nil
}

// UpdateAICheck updates an existing AICheck row's status, response and checked_at.
func (s *Store) UpdateAICheck(ctx context.Context, check tender.AICheck) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ai_checks SET ai_status = $1, ai_response = $2, checked_at = $3
		WHERE id = $4`, check.Status, check.Response, check.CheckedAt, check.ID)
	if err != nil {
		return fmt.Errorf("update ai check: %w", err)
	}
	return nil
}

// AppendError inserts a durable Error log row for a tender.
func (s *Store) AppendError(ctx context.Context, e tender.PipelineError) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO errors (tender_id, module, message, ts)
		VALUES ($1, $2, $3, $4)`, e.TenderID, e.Module, e.Message, e.Timestamp)
	if err != nil {
		return fmt.Errorf("append error: %w", err)
	}
	return nil
}

// ActiveFiltersByType lists filters with active=true and the given
// category type, ordered ascending by priority.
func (s *Store) ActiveFiltersByType(ctx context.Context, categoryType string) ([]tender.FilterRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, category_type, priority, active, condition
		FROM filters WHERE active = true AND category_type = $1
		ORDER BY priority ASC`, categoryType)
	if err != nil {
		return nil, fmt.Errorf("query filters: %w", err)
	}
	defer rows.Close()

	var out []tender.FilterRow
	for rows.Next() {
		var f tender.FilterRow
		var condition []byte
		if err := rows.Scan(&f.ID, &f.Title, &f.CategoryType, &f.Priority, &f.Active, &condition); err != nil {
			return nil, fmt.Errorf("scan filter: %w", err)
		}
		f.ConditionRaw = condition
		out = append(out, f)
	}
	return out, rows.Err()
}

// terminalStateList is inlined here (rather than imported from
// tender.TerminalStates, a map) because database/sql needs a concrete
// slice to pass through pq.Array into the <> ALL($2) clause.
var terminalStateList = []tender.State{
	tender.StateValidationFailed, tender.StateDocumentsFetchFailed,
	tender.StateRejectedFilter, tender.StateRejectedAI,
	tender.StateCompleted, tender.StateExportFailed, tender.StateError,
}

// StaleExternalIDs lists tenders sitting in a non-terminal state whose
// state was last updated before the given time.
func (s *Store) StaleExternalIDs(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT external_id FROM tenders
		WHERE updated_at < $1 AND state <> ALL($2)`,
		before, pq.Array(terminalStateList))
	if err != nil {
		return nil, fmt.Errorf("query stale tenders: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale tender: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StaleAIChecks lists PENDING AICheck rows created before the given
// time, the reaper's candidates for a forced TIMEOUT.
func (s *Store) StaleAIChecks(ctx context.Context, before time.Time) ([]tender.AICheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tender_id, ai_status, task_id, ai_response, created_at, checked_at
		FROM ai_checks WHERE ai_status = $1 AND created_at < $2`,
		tender.AIPending, before)
	if err != nil {
		return nil, fmt.Errorf("query stale ai checks: %w", err)
	}
	defer rows.Close()

	var out []tender.AICheck
	for rows.Next() {
		var c tender.AICheck
		var response sql.NullString
		if err := rows.Scan(&c.ID, &c.TenderID, &c.Status, &c.TaskID, &response, &c.CreatedAt, &c.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan stale ai check: %w", err)
		}
		if response.Valid {
			c.Response = &response.String
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
