// Package report implements the sighting capture flow. A captured report is
// delivered immediately when the network is usable; otherwise it lands in the
// durable outbox, but only with the reporter's consent.
package report

import (
	"context"
	"encoding/json"

	"github.com/crismedel/dogland-core/internal/connectivity"
	"github.com/crismedel/dogland-core/internal/errors"
	"github.com/crismedel/dogland-core/internal/logging"
	"github.com/crismedel/dogland-core/internal/models"
	"github.com/crismedel/dogland-core/internal/outbox"
	syncpkg "github.com/crismedel/dogland-core/internal/sync"
	"github.com/crismedel/dogland-core/internal/telemetry"
)

// Outcome is the terminal state of one capture attempt.
type Outcome string

const (
	// OutcomeDelivered means the backend accepted the report right away.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeQueued means the report waits in the outbox for delivery.
	OutcomeQueued Outcome = "queued"
	// OutcomeDiscarded means the reporter declined queueing after a
	// failed delivery attempt. The report is gone.
	OutcomeDiscarded Outcome = "discarded"
)

// Result describes what happened to a captured report.
type Result struct {
	Outcome Outcome `json:"outcome"`
	// ReportID is set when the report was queued.
	ReportID string `json:"report_id,omitempty"`
	// Cause carries the delivery error behind a queued or discarded
	// outcome, for display to the reporter.
	Cause string `json:"cause,omitempty"`
}

// CaptureService runs the capture flow.
type CaptureService struct {
	store     *outbox.Store
	submitter syncpkg.Submitter
	monitor   *connectivity.Monitor
	log       *logging.Logger
}

// NewCaptureService creates a CaptureService. The monitor may be nil, in
// which case every capture goes through the outbox.
func NewCaptureService(store *outbox.Store, submitter syncpkg.Submitter, monitor *connectivity.Monitor) *CaptureService {
	return &CaptureService{
		store:     store,
		submitter: submitter,
		monitor:   monitor,
		log:       logging.Get(),
	}
}

// Submit runs the capture flow for one report payload. Offline capture goes
// straight to the outbox. queueConsent only matters after a failed immediate
// attempt: it is the reporter's answer to "keep this and send it later?",
// and without it the failed report is discarded rather than stored.
// A storage failure while queueing is returned to the caller, the report is
// not silently lost.
func (c *CaptureService) Submit(ctx context.Context, payload json.RawMessage, queueConsent bool) (*Result, error) {
	if len(payload) == 0 {
		return nil, errors.New(errors.ErrValidation, "empty report payload")
	}
	if !json.Valid(payload) {
		return nil, errors.New(errors.ErrValidation, "report payload is not valid JSON")
	}

	// The prepared id is the delivery idempotency key. Keeping it across
	// the immediate attempt and a later enqueue lets the backend drop a
	// duplicate when the attempt succeeded but the acknowledgment was
	// lost.
	prepared, err := c.store.Prepare(payload)
	if err != nil {
		return nil, err
	}

	if c.monitor == nil || !c.monitor.Online() {
		return c.enqueue(prepared, "network not usable")
	}

	if err := c.submitter.Submit(ctx, prepared); err != nil {
		c.log.Warn("Immediate delivery failed", map[string]interface{}{"error": err.Error()})
		return c.queueOrDiscard(prepared, queueConsent, err.Error())
	}

	c.log.Info("Report delivered at capture time", nil)
	telemetry.RecordCount("reports_delivered_direct", 1)
	return &Result{Outcome: OutcomeDelivered}, nil
}

func (c *CaptureService) queueOrDiscard(report *models.QueuedReport, queueConsent bool, cause string) (*Result, error) {
	if !queueConsent {
		c.log.Info("Report discarded without queue consent", nil)
		return &Result{Outcome: OutcomeDiscarded, Cause: cause}, nil
	}

	return c.enqueue(report, cause)
}

func (c *CaptureService) enqueue(report *models.QueuedReport, cause string) (*Result, error) {
	if err := c.store.EnqueueReport(report); err != nil {
		return nil, err
	}

	c.log.Info("Report queued for later delivery",
		map[string]interface{}{"report_id": report.ID.String()})
	telemetry.RecordCount("reports_queued", 1)

	return &Result{
		Outcome:  OutcomeQueued,
		ReportID: report.ID.String(),
		Cause:    cause,
	}, nil
}
