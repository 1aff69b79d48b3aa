// Package sync provides unit tests for the drain scheduler.
package sync

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/crismedel/dogland-core/internal/db"
	"github.com/crismedel/dogland-core/internal/errors"
	"github.com/crismedel/dogland-core/internal/models"
	"github.com/crismedel/dogland-core/internal/outbox"
)

// newTestOutbox opens a migrated database in a temp directory.
func newTestOutbox(t *testing.T, config *outbox.Config) *outbox.Store {
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

	return outbox.NewStore(database, config)
}

// fakeSubmitter records delivery order and fails scripted ids.
type fakeSubmitter struct {
	mu        sync.Mutex
	delivered []string
	failIDs   map[string]error
	blockCh   chan struct{}
	startedCh chan struct{}
}

func (f *fakeSubmitter) Submit(ctx context.Context, report *models.QueuedReport) error {
	if f.startedCh != nil {
		select {
		case f.startedCh <- struct{}{}:
		default:
		}
	}
	if f.blockCh != nil {
		select {
		case <-f.blockCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	id := report.ID.String()
	if err, ok := f.failIDs[id]; ok {
		return err
	}
	f.delivered = append(f.delivered, id)
	return nil
}

func (f *fakeSubmitter) deliveredIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.delivered))
	copy(out, f.delivered)
	return out
}

func enqueueN(t *testing.T, store *outbox.Store, n int) []string {
	t.Helper()

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		report, err := store.Enqueue(json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)))
		if err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
		ids = append(ids, report.ID.String())
	}
	return ids
}

// TestDrainDeliversInOrder verifies oldest-first delivery and queue cleanup.
func TestDrainDeliversInOrder(t *testing.T) {
	store := newTestOutbox(t, nil)
	submitter := &fakeSubmitter{}
	scheduler := NewScheduler(store, submitter, nil, nil)

	ids := enqueueN(t, store, 4)

	result, err := scheduler.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if result.Attempted != 4 || result.Delivered != 4 || result.Failed != 0 {
		t.Errorf("Result = %+v, want 4 attempted, 4 delivered", result)
	}

	delivered := submitter.deliveredIDs()
	if len(delivered) != 4 {
		t.Fatalf("Delivered %d reports, want 4", len(delivered))
	}
	for i, id := range ids {
		if delivered[i] != id {
			t.Errorf("Delivery position %d: id = %s, want %s", i, delivered[i], id)
		}
	}

	pending, err := store.ListPending()
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected empty queue after drain, got %d", len(pending))
	}
}

// TestDrainFailureIsolation verifies one failing report does not block
// the reports behind it.
func TestDrainFailureIsolation(t *testing.T) {
	store := newTestOutbox(t, nil)
	ids := enqueueN(t, store, 3)

	submitter := &fakeSubmitter{
		failIDs: map[string]error{ids[1]: stderrors.New("rejected")},
	}
	scheduler := NewScheduler(store, submitter, nil, nil)

	result, err := scheduler.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if result.Delivered != 2 || result.Failed != 1 {
		t.Errorf("Result = %+v, want 2 delivered, 1 failed", result)
	}

	delivered := submitter.deliveredIDs()
	if len(delivered) != 2 || delivered[0] != ids[0] || delivered[1] != ids[2] {
		t.Errorf("Delivered = %v, want [%s %s]", delivered, ids[0], ids[2])
	}

	pending, err := store.ListPending()
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 report retained, got %d", len(pending))
	}
	if pending[0].ID.String() != ids[1] {
		t.Errorf("Retained id = %s, want %s", pending[0].ID, ids[1])
	}
	if pending[0].Attempts != 1 {
		t.Errorf("Retained attempts = %d, want 1", pending[0].Attempts)
	}
	if pending[0].LastError != "rejected" {
		t.Errorf("Retained last_error = %q, want 'rejected'", pending[0].LastError)
	}
}

// TestDrainMutualExclusion verifies concurrent drains collapse to one.
func TestDrainMutualExclusion(t *testing.T) {
	store := newTestOutbox(t, nil)
	enqueueN(t, store, 1)

	submitter := &fakeSubmitter{
		blockCh:   make(chan struct{}),
		startedCh: make(chan struct{}, 1),
	}
	scheduler := NewScheduler(store, submitter, nil, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := scheduler.Drain(context.Background())
		errCh <- err
	}()

	// Wait until the first drain is mid-delivery
	select {
	case <-submitter.startedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("First drain never started")
	}

	if !scheduler.IsDraining() {
		t.Error("Expected IsDraining during in-flight drain")
	}

	_, err := scheduler.Drain(context.Background())
	if err == nil {
		t.Error("Expected second drain to be refused")
	}
	if !errors.Is(err, errors.ErrSyncInProgress) {
		t.Errorf("Expected SYNC_IN_PROGRESS code, got %v", err)
	}

	if scheduler.TriggerDrain(context.Background()) {
		t.Error("Expected TriggerDrain refused during in-flight drain")
	}

	close(submitter.blockCh)
	if err := <-errCh; err != nil {
		t.Fatalf("First drain failed: %v", err)
	}

	if scheduler.IsDraining() {
		t.Error("Expected idle state after drain")
	}
}

// TestDrainPoisonsExhaustedReports verifies the dead-letter flow end to end.
func TestDrainPoisonsExhaustedReports(t *testing.T) {
	store := newTestOutbox(t, &outbox.Config{MaxAttempts: 2})
	ids := enqueueN(t, store, 1)

	submitter := &fakeSubmitter{
		failIDs: map[string]error{ids[0]: stderrors.New("bad payload")},
	}
	scheduler := NewScheduler(store, submitter, nil, nil)

	result, err := scheduler.Drain(context.Background())
	if err != nil {
		t.Fatalf("First drain failed: %v", err)
	}
	if result.Poisoned != 0 {
		t.Errorf("Poisoned after first drain = %d, want 0", result.Poisoned)
	}

	result, err = scheduler.Drain(context.Background())
	if err != nil {
		t.Fatalf("Second drain failed: %v", err)
	}
	if result.Poisoned != 1 {
		t.Errorf("Poisoned after second drain = %d, want 1", result.Poisoned)
	}

	// Poisoned report no longer participates in drains
	result, err = scheduler.Drain(context.Background())
	if err != nil {
		t.Fatalf("Third drain failed: %v", err)
	}
	if result.Attempted != 0 {
		t.Errorf("Attempted after poisoning = %d, want 0", result.Attempted)
	}

	poisoned, err := store.ListPoisoned()
	if err != nil {
		t.Fatalf("ListPoisoned failed: %v", err)
	}
	if len(poisoned) != 1 {
		t.Errorf("Expected 1 poisoned report, got %d", len(poisoned))
	}
}

// TestDrainEmptyQueue verifies a drain with nothing pending is a cheap no-op.
func TestDrainEmptyQueue(t *testing.T) {
	store := newTestOutbox(t, nil)
	scheduler := NewScheduler(store, &fakeSubmitter{}, nil, nil)

	result, err := scheduler.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Attempted != 0 {
		t.Errorf("Attempted = %d, want 0", result.Attempted)
	}
}

// TestDrainContextCancel verifies a cancelled drain returns partial progress.
func TestDrainContextCancel(t *testing.T) {
	store := newTestOutbox(t, nil)
	enqueueN(t, store, 3)

	ctx, cancel := context.WithCancel(context.Background())

	submitter := &fakeSubmitter{}
	scheduler := NewScheduler(store, submitter, nil, nil)

	// Cancel before the drain starts iterating
	cancel()

	result, err := scheduler.Drain(ctx)
	if err == nil {
		t.Fatal("Expected error from cancelled drain")
	}
	if !errors.Is(err, errors.ErrSyncTimeout) {
		t.Errorf("Expected SYNC_TIMEOUT code, got %v", err)
	}
	if result == nil {
		t.Fatal("Expected partial result from cancelled drain")
	}
	if result.Attempted != 0 {
		t.Errorf("Attempted = %d, want 0 after pre-cancelled drain", result.Attempted)
	}

	pending, err := store.ListPending()
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 3 {
		t.Errorf("Expected all 3 reports retained, got %d", len(pending))
	}
}

// recordingHandler captures event callbacks.
type recordingHandler struct {
	mu        sync.Mutex
	started   []int
	delivered []string
	failed    []string
	completed []*DrainResult
}

func (h *recordingHandler) DrainStarted(pending int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, pending)
}

func (h *recordingHandler) ReportDelivered(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered = append(h.delivered, id)
}

func (h *recordingHandler) ReportFailed(id string, cause error, poisoned bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, id)
}

func (h *recordingHandler) DrainCompleted(result *DrainResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = append(h.completed, result)
}

// TestEventHandler verifies drain progress notifications.
func TestEventHandler(t *testing.T) {
	store := newTestOutbox(t, nil)
	ids := enqueueN(t, store, 2)

	submitter := &fakeSubmitter{
		failIDs: map[string]error{ids[1]: stderrors.New("boom")},
	}
	handler := &recordingHandler{}
	scheduler := NewScheduler(store, submitter, nil, nil)
	scheduler.SetEventHandler(handler)

	if _, err := scheduler.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()

	if len(handler.started) != 1 || handler.started[0] != 2 {
		t.Errorf("DrainStarted calls = %v, want [2]", handler.started)
	}
	if len(handler.delivered) != 1 || handler.delivered[0] != ids[0] {
		t.Errorf("ReportDelivered calls = %v, want [%s]", handler.delivered, ids[0])
	}
	if len(handler.failed) != 1 || handler.failed[0] != ids[1] {
		t.Errorf("ReportFailed calls = %v, want [%s]", handler.failed, ids[1])
	}
	if len(handler.completed) != 1 {
		t.Fatalf("DrainCompleted calls = %d, want 1", len(handler.completed))
	}
	if handler.completed[0].Delivered != 1 || handler.completed[0].Failed != 1 {
		t.Errorf("Completed result = %+v, want 1 delivered, 1 failed", handler.completed[0])
	}
}

// TestGetStatus verifies the status snapshot.
func TestGetStatus(t *testing.T) {
	store := newTestOutbox(t, nil)
	enqueueN(t, store, 2)

	scheduler := NewScheduler(store, &fakeSubmitter{}, nil, nil)

	status := scheduler.GetStatus()
	if status.IsRunning || status.IsDraining {
		t.Error("Expected idle status before any activity")
	}
	if status.LastDrain != nil {
		t.Error("Expected no drain result before first drain")
	}
	if status.QueueStats["pending"] != 2 {
		t.Errorf("pending = %d, want 2", status.QueueStats["pending"])
	}

	if _, err := scheduler.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	status = scheduler.GetStatus()
	if status.LastDrain == nil {
		t.Fatal("Expected drain result after drain")
	}
	if status.LastDrain.Delivered != 2 {
		t.Errorf("LastDrain.Delivered = %d, want 2", status.LastDrain.Delivered)
	}
	if status.QueueStats["pending"] != 0 {
		t.Errorf("pending after drain = %d, want 0", status.QueueStats["pending"])
	}
}
