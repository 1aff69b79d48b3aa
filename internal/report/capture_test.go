// Package report provides unit tests for the capture flow.
package report

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/crismedel/dogland-core/internal/connectivity"
	"github.com/crismedel/dogland-core/internal/db"
	"github.com/crismedel/dogland-core/internal/errors"
	"github.com/crismedel/dogland-core/internal/models"
	"github.com/crismedel/dogland-core/internal/outbox"
)

func newTestStore(t *testing.T) (*outbox.Store, *db.DB) {
	t.Helper()

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	migrator := db.NewMigrator(database.DB, db.Migrations)
	if err := migrator.Initialize(); err != nil {
		t.Fatalf("Failed to initialize migrator: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	return outbox.NewStore(database, nil), database
}

// fakeSubmitter records submissions and fails on demand.
type fakeSubmitter struct {
	mu      sync.Mutex
	err     error
	lastID  string
	submits int
}

func (f *fakeSubmitter) Submit(ctx context.Context, report *models.QueuedReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.lastID = report.ID.String()
	return f.err
}

// onlineMonitor builds a monitor already in the usable state.
func onlineMonitor(t *testing.T) *connectivity.Monitor {
	t.Helper()

	monitor := connectivity.NewMonitor(alwaysUsable{}, &connectivity.Config{
		ProbeURL:      "http://unused.invalid/generate_204",
		ProbeInterval: time.Hour,
		ProbeTimeout:  time.Second,
	})
	monitor.ReportStatus(true)
	if !monitor.CheckNow(context.Background()) {
		t.Fatal("Failed to bring monitor online")
	}
	return monitor
}

type alwaysUsable struct{}

func (alwaysUsable) Probe(ctx context.Context) bool { return true }

var testPayload = json.RawMessage(`{"species":"dog","condition":"stray","lat":40.4,"lng":-3.7}`)

// TestSubmitOnlineDelivers verifies the direct delivery path.
func TestSubmitOnlineDelivers(t *testing.T) {
	store, _ := newTestStore(t)
	submitter := &fakeSubmitter{}
	service := NewCaptureService(store, submitter, onlineMonitor(t))

	result, err := service.Submit(context.Background(), testPayload, true)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if result.Outcome != OutcomeDelivered {
		t.Errorf("Outcome = %s, want delivered", result.Outcome)
	}
	if submitter.submits != 1 {
		t.Errorf("Submit calls = %d, want 1", submitter.submits)
	}

	pending, err := store.ListPending()
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected empty outbox after direct delivery, got %d", len(pending))
	}
}

// TestSubmitOfflineQueues verifies offline capture lands in the outbox.
func TestSubmitOfflineQueues(t *testing.T) {
	store, _ := newTestStore(t)
	submitter := &fakeSubmitter{}
	service := NewCaptureService(store, submitter, nil)

	result, err := service.Submit(context.Background(), testPayload, true)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if result.Outcome != OutcomeQueued {
		t.Errorf("Outcome = %s, want queued", result.Outcome)
	}
	if result.ReportID == "" {
		t.Error("Expected queued report id in result")
	}
	if submitter.submits != 0 {
		t.Errorf("Submit calls = %d, want 0 while offline", submitter.submits)
	}

	pending, err := store.ListPending()
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 queued report, got %d", len(pending))
	}
	if pending[0].ID.String() != result.ReportID {
		t.Errorf("Queued id = %s, want %s", pending[0].ID, result.ReportID)
	}
}

// TestSubmitOfflineQueuesRegardlessOfConsent verifies offline capture goes
// straight to the outbox; the consent question belongs to the failed
// immediate attempt only.
func TestSubmitOfflineQueuesRegardlessOfConsent(t *testing.T) {
	store, _ := newTestStore(t)
	service := NewCaptureService(store, &fakeSubmitter{}, nil)

	result, err := service.Submit(context.Background(), testPayload, false)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if result.Outcome != OutcomeQueued {
		t.Errorf("Outcome = %s, want queued", result.Outcome)
	}
	if result.ReportID == "" {
		t.Error("Expected queued report id in result")
	}

	pending, err := store.ListPending()
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("Expected 1 queued report, got %d", len(pending))
	}
}

// TestSubmitFailureQueuesWithSameID verifies the queued report keeps the id
// used for the failed immediate attempt.
func TestSubmitFailureQueuesWithSameID(t *testing.T) {
	store, _ := newTestStore(t)
	submitter := &fakeSubmitter{err: stderrors.New("gateway timeout")}
	service := NewCaptureService(store, submitter, onlineMonitor(t))

	result, err := service.Submit(context.Background(), testPayload, true)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if result.Outcome != OutcomeQueued {
		t.Errorf("Outcome = %s, want queued", result.Outcome)
	}
	if result.Cause != "gateway timeout" {
		t.Errorf("Cause = %q, want 'gateway timeout'", result.Cause)
	}
	if result.ReportID != submitter.lastID {
		t.Errorf("Queued id %s differs from attempted id %s", result.ReportID, submitter.lastID)
	}
}

// TestSubmitFailureWithoutConsentDiscards verifies the gate after a failed
// immediate attempt.
func TestSubmitFailureWithoutConsentDiscards(t *testing.T) {
	store, _ := newTestStore(t)
	submitter := &fakeSubmitter{err: stderrors.New("boom")}
	service := NewCaptureService(store, submitter, onlineMonitor(t))

	result, err := service.Submit(context.Background(), testPayload, false)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if result.Outcome != OutcomeDiscarded {
		t.Errorf("Outcome = %s, want discarded", result.Outcome)
	}

	pending, err := store.ListPending()
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected empty outbox, got %d", len(pending))
	}
}

// TestSubmitInvalidPayload verifies validation failures.
func TestSubmitInvalidPayload(t *testing.T) {
	store, _ := newTestStore(t)
	service := NewCaptureService(store, &fakeSubmitter{}, nil)

	tests := []struct {
		name    string
		payload json.RawMessage
	}{
		{"empty", nil},
		{"truncated json", json.RawMessage(`{"species":`)},
		{"plain text", json.RawMessage(`not json at all`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.Submit(context.Background(), tt.payload, true)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !errors.Is(err, errors.ErrValidation) {
				t.Errorf("Expected VALIDATION_ERROR code, got %v", err)
			}
		})
	}
}

// TestSubmitStorageFailureSurfaces verifies a queueing failure reaches the
// caller instead of silently dropping the report.
func TestSubmitStorageFailureSurfaces(t *testing.T) {
	store, database := newTestStore(t)
	service := NewCaptureService(store, &fakeSubmitter{}, nil)

	// Force the enqueue to fail
	if err := database.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, err := service.Submit(context.Background(), testPayload, true)
	if err == nil {
		t.Fatal("Expected error when storage is unavailable")
	}
	if !errors.Is(err, errors.ErrStorageUnavailable) {
		t.Errorf("Expected STORAGE_UNAVAILABLE code, got %v", err)
	}
}
