// Package outbox provides the durable queue of not-yet-delivered sighting
// reports. Records survive process restarts and are removed only after the
// server confirms delivery.
package outbox

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/crismedel/dogland-core/internal/db"
	"github.com/crismedel/dogland-core/internal/errors"
	"github.com/crismedel/dogland-core/internal/logging"
	"github.com/crismedel/dogland-core/internal/models"
	"github.com/crismedel/dogland-core/internal/uuid"
)

// Config holds outbox store configuration.
type Config struct {
	// MaxAttempts is the number of consecutive delivery failures after
	// which a record is moved to the poisoned list instead of being
	// retried on every reconnect.
	MaxAttempts int
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 5,
	}
}

// Store persists queued reports in the on-device SQLite database.
// All writers serialize through the store's mutex so a Remove racing an
// Enqueue never observes a half-applied read-modify-write.
type Store struct {
	db          *sql.DB
	mu          sync.Mutex
	maxAttempts int
	log         *logging.Logger
}

// NewStore creates a Store on top of an opened database.
func NewStore(database *db.DB, config *Config) *Store {
	if config == nil {
		config = DefaultConfig()
	}

	return &Store{
		db:          database.DB,
		maxAttempts: config.MaxAttempts,
		log:         logging.Get(),
	}
}

// Prepare builds a new pending report with a fresh id without persisting
// it. The id doubles as the delivery idempotency key, so it must exist
// before the first delivery attempt, not just at enqueue time.
func (s *Store) Prepare(payload json.RawMessage) (*models.QueuedReport, error) {
	if len(payload) == 0 {
		return nil, errors.New(errors.ErrInvalid, "empty report payload")
	}

	now := time.Now().Unix()
	return &models.QueuedReport{
		ID:        models.UUID(uuid.New()),
		Payload:   payload,
		Attempts:  0,
		Status:    models.ReportStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Enqueue persists a new pending report with a fresh id and returns it.
// The payload is stored as-is; the store never interprets report fields.
func (s *Store) Enqueue(payload json.RawMessage) (*models.QueuedReport, error) {
	report, err := s.Prepare(payload)
	if err != nil {
		return nil, err
	}

	if err := s.EnqueueReport(report); err != nil {
		return nil, err
	}

	return report, nil
}

// EnqueueReport persists a prepared report, keeping its existing id.
func (s *Store) EnqueueReport(report *models.QueuedReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	INSERT INTO report_outbox (id, payload, attempts, last_error, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, report.ID, []byte(report.Payload), report.Attempts,
		report.LastError, report.Status, report.CreatedAt, report.UpdatedAt)
	if err != nil {
		return errors.Wrap(errors.ErrStorageUnavailable, "failed to persist queued report", err)
	}

	s.log.Debug("Report enqueued", map[string]interface{}{"report_id": report.ID.String()})

	return nil
}

// ListPending returns all pending reports in enqueue order (oldest first).
func (s *Store) ListPending() ([]*models.QueuedReport, error) {
	return s.list(models.ReportStatusPending)
}

// ListPoisoned returns reports that exhausted their delivery attempts and
// await manual resolution by the user.
func (s *Store) ListPoisoned() ([]*models.QueuedReport, error) {
	return s.list(models.ReportStatusPoisoned)
}

func (s *Store) list(status models.ReportStatus) ([]*models.QueuedReport, error) {
	query := `
	SELECT id, payload, attempts, last_error, status, created_at, updated_at
	FROM report_outbox WHERE status = ?
	ORDER BY created_at ASC, rowid ASC
	`
	rows, err := s.db.Query(query, status)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to read report outbox", err)
	}
	defer rows.Close()

	reports := make([]*models.QueuedReport, 0)
	for rows.Next() {
		var report models.QueuedReport
		var payload []byte
		if err := rows.Scan(&report.ID, &payload, &report.Attempts, &report.LastError,
			&report.Status, &report.CreatedAt, &report.UpdatedAt); err != nil {
			return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to scan queued report", err)
		}
		report.Payload = json.RawMessage(payload)
		reports = append(reports, &report)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to iterate report outbox", err)
	}

	return reports, nil
}

// Remove deletes the report with the given id once delivery is confirmed.
// Removing an id that is not present is a no-op, not an error.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM report_outbox WHERE id = ?", id); err != nil {
		return errors.Wrap(errors.ErrStorageUnavailable, "failed to remove queued report", err)
	}

	return nil
}

// RecordFailure increments the attempt counter after a failed delivery.
// When the counter reaches MaxAttempts the record becomes poisoned and is
// excluded from future drains until the user retries it explicitly.
// Returns whether the record is now poisoned.
func (s *Store) RecordFailure(id string, cause error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var attempts int
	err := s.db.QueryRow(
		"SELECT attempts FROM report_outbox WHERE id = ? AND status = ?",
		id, models.ReportStatusPending).Scan(&attempts)
	if err == sql.ErrNoRows {
		return false, errors.New(errors.ErrNotFound, "queued report not found")
	}
	if err != nil {
		return false, errors.Wrap(errors.ErrStorageUnavailable, "failed to read queued report", err)
	}

	attempts++
	status := models.ReportStatusPending
	if attempts >= s.maxAttempts {
		status = models.ReportStatusPoisoned
	}

	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	query := `
	UPDATE report_outbox SET attempts = ?, last_error = ?, status = ?, updated_at = ?
	WHERE id = ?
	`
	if _, err := s.db.Exec(query, attempts, lastError, status, time.Now().Unix(), id); err != nil {
		return false, errors.Wrap(errors.ErrStorageUnavailable, "failed to record delivery failure", err)
	}

	if status == models.ReportStatusPoisoned {
		s.log.Warn("Report poisoned after repeated failures",
			map[string]interface{}{
				"report_id": id,
				"attempts":  attempts,
			})
		return true, nil
	}

	return false, nil
}

// Retry re-arms a single poisoned report by id. The id comes from the host
// UI, so it is validated before touching the database.
func (s *Store) Retry(id string) error {
	if err := uuid.Validate(id); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid report id", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	UPDATE report_outbox SET status = ?, attempts = 0, last_error = '', updated_at = ?
	WHERE id = ? AND status = ?
	`
	result, err := s.db.Exec(query, models.ReportStatusPending, time.Now().Unix(),
		id, models.ReportStatusPoisoned)
	if err != nil {
		return errors.Wrap(errors.ErrStorageUnavailable, "failed to retry poisoned report", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrStorageUnavailable, "failed to count retried reports", err)
	}
	if count == 0 {
		return errors.New(errors.ErrNotFound, "poisoned report not found")
	}

	s.log.Info("Poisoned report re-armed for delivery",
		map[string]interface{}{"report_id": id})

	return nil
}

// RetryPoisoned resets all poisoned reports to pending with a fresh attempt
// budget. Returns the number of reports re-armed.
func (s *Store) RetryPoisoned() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	UPDATE report_outbox SET status = ?, attempts = 0, last_error = '', updated_at = ?
	WHERE status = ?
	`
	result, err := s.db.Exec(query, models.ReportStatusPending, time.Now().Unix(),
		models.ReportStatusPoisoned)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorageUnavailable, "failed to retry poisoned reports", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorageUnavailable, "failed to count retried reports", err)
	}

	if count > 0 {
		s.log.Info("Poisoned reports re-armed for delivery",
			map[string]interface{}{"count": count})
	}

	return int(count), nil
}

// Stats returns record counts per status.
func (s *Store) Stats() (map[string]int, error) {
	stats := map[string]int{
		"total":    0,
		"pending":  0,
		"poisoned": 0,
	}

	rows, err := s.db.Query("SELECT status, COUNT(*) FROM report_outbox GROUP BY status")
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to read outbox stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to scan outbox stats", err)
		}
		stats[status] = count
		stats["total"] += count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to iterate outbox stats", err)
	}

	return stats, nil
}
