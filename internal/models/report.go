// Package models provides data model definitions for the Dogland Core.
package models

import "encoding/json"

// ReportStatus represents the delivery state of a queued report.
type ReportStatus string

const (
	// ReportStatusPending marks a report awaiting delivery.
	ReportStatusPending ReportStatus = "pending"
	// ReportStatusPoisoned marks a report that exhausted its delivery
	// attempts and requires manual resolution by the user.
	ReportStatusPoisoned ReportStatus = "poisoned"
)

// QueuedReport is a sighting report awaiting delivery to the server.
// The payload is an opaque JSON blob produced by the capture flow; the
// core never interprets its fields. A record exists in the outbox if and
// only if the server has not yet confirmed delivery.
type QueuedReport struct {
	ID        UUID            `db:"id" json:"id"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	Attempts  int             `db:"attempts" json:"attempts"`
	LastError string          `db:"last_error" json:"last_error,omitempty"`
	Status    ReportStatus    `db:"status" json:"status"`
	CreatedAt int64           `db:"created_at" json:"created_at"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for QueuedReport.
func (QueuedReport) TableName() string {
	return "report_outbox"
}
