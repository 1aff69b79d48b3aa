// Package sync drains the report outbox to the backend. Drains run one at a
// time, deliver in enqueue order, and treat each report independently so a
// single bad record cannot stall the queue behind it.
package sync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crismedel/dogland-core/internal/connectivity"
	"github.com/crismedel/dogland-core/internal/errors"
	"github.com/crismedel/dogland-core/internal/logging"
	"github.com/crismedel/dogland-core/internal/models"
	"github.com/crismedel/dogland-core/internal/outbox"
	"github.com/crismedel/dogland-core/internal/telemetry"
)

// Submitter delivers a single queued report to the backend.
type Submitter interface {
	Submit(ctx context.Context, report *models.QueuedReport) error
}

// EventHandler receives drain progress notifications. All methods are called
// from the draining goroutine; implementations must not block.
type EventHandler interface {
	DrainStarted(pending int)
	ReportDelivered(id string)
	ReportFailed(id string, cause error, poisoned bool)
	DrainCompleted(result *DrainResult)
}

// DrainResult summarizes one drain cycle.
type DrainResult struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Attempted int           `json:"attempted"`
	Delivered int           `json:"delivered"`
	Failed    int           `json:"failed"`
	Poisoned  int           `json:"poisoned"`
}

// Config holds scheduler configuration.
type Config struct {
	// ItemTimeout bounds a single delivery attempt.
	ItemTimeout time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		ItemTimeout: 30 * time.Second,
	}
}

const (
	stateIdle int32 = iota
	stateDraining
)

// Scheduler owns the drain lifecycle. The idle/draining transition is a
// compare-and-swap, so concurrent triggers collapse into one drain and the
// losers return immediately.
type Scheduler struct {
	store     *outbox.Store
	submitter Submitter
	monitor   *connectivity.Monitor
	config    *Config
	handler   EventHandler
	log       *logging.Logger

	state     atomic.Int32
	mu        sync.RWMutex
	isRunning bool
	lastDrain *DrainResult
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewScheduler creates a Scheduler. The monitor may be nil when connectivity
// transitions are reported by the caller and drains are triggered manually.
func NewScheduler(store *outbox.Store, submitter Submitter, monitor *connectivity.Monitor, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}

	return &Scheduler{
		store:     store,
		submitter: submitter,
		monitor:   monitor,
		config:    config,
		log:       logging.Get(),
	}
}

// SetEventHandler installs a progress handler. Must be called before Start.
func (s *Scheduler) SetEventHandler(handler EventHandler) {
	s.handler = handler
}

// Start launches the background drain loop. Drains happen only on
// connectivity transitions and manual triggers; reports that failed a cycle
// wait for the next triggering event, never for an internal timer.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, s.stopCh)

	s.log.Info("Sync scheduler started", nil)
}

// Stop terminates the drain loop gracefully. A drain already in flight
// finishes its current report and exits at the next loop check.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("Sync scheduler stopped", nil)
}

func (s *Scheduler) run(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	var events <-chan struct{}
	if s.monitor != nil {
		sub := s.monitor.Subscribe()
		defer sub.Unsubscribe()
		events = sub.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			s.drainIgnoringBusy(ctx)
		}
	}
}

func (s *Scheduler) drainIgnoringBusy(ctx context.Context) {
	if _, err := s.Drain(ctx); err != nil && !errors.Is(err, errors.ErrSyncInProgress) {
		s.log.ErrorWithCode("Drain cycle failed", string(errors.CodeOf(err)), err, nil)
	}
}

// TriggerDrain starts a drain in the background. Returns false if a drain is
// already in flight.
func (s *Scheduler) TriggerDrain(ctx context.Context) bool {
	if s.state.Load() == stateDraining {
		return false
	}

	go s.drainIgnoringBusy(ctx)
	return true
}

// Drain delivers pending reports oldest first and blocks until the cycle
// ends. Delivered reports leave the queue; failed ones stay with an
// incremented attempt count and the cycle moves on. Only one drain runs at a
// time; a second caller gets a SYNC_IN_PROGRESS error.
func (s *Scheduler) Drain(ctx context.Context) (*DrainResult, error) {
	if !s.state.CompareAndSwap(stateIdle, stateDraining) {
		return nil, errors.New(errors.ErrSyncInProgress, "drain already in progress")
	}
	defer s.state.Store(stateIdle)

	pending, err := s.store.ListPending()
	if err != nil {
		return nil, err
	}

	result := &DrainResult{StartTime: time.Now()}

	if len(pending) == 0 {
		result.EndTime = result.StartTime
		s.recordDrain(result)
		return result, nil
	}

	s.log.Info("Drain started", map[string]interface{}{"pending": len(pending)})
	if s.handler != nil {
		s.handler.DrainStarted(len(pending))
	}

	for _, report := range pending {
		if ctx.Err() != nil {
			break
		}

		result.Attempted++
		s.deliverOne(ctx, report, result)
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	s.recordDrain(result)

	telemetry.RecordCount("drains_completed", 1)
	telemetry.RecordCount("reports_delivered", int64(result.Delivered))
	telemetry.RecordCount("reports_failed", int64(result.Failed))
	telemetry.RecordCount("reports_poisoned", int64(result.Poisoned))
	telemetry.RecordTiming("drain_duration", result.Duration)

	s.log.Info("Drain completed", map[string]interface{}{
		"attempted": result.Attempted,
		"delivered": result.Delivered,
		"failed":    result.Failed,
		"poisoned":  result.Poisoned,
	})
	if s.handler != nil {
		s.handler.DrainCompleted(result)
	}

	if err := ctx.Err(); err != nil {
		return result, errors.Wrap(errors.ErrSyncTimeout, "drain interrupted", err)
	}

	return result, nil
}

// deliverOne attempts a single report and records the outcome. Failures are
// contained here; the drain loop never sees them.
func (s *Scheduler) deliverOne(ctx context.Context, report *models.QueuedReport, result *DrainResult) {
	id := report.ID.String()

	itemCtx, cancel := context.WithTimeout(ctx, s.config.ItemTimeout)
	err := s.submitter.Submit(itemCtx, report)
	cancel()

	if err != nil {
		result.Failed++

		poisoned, recErr := s.store.RecordFailure(id, err)
		if recErr != nil {
			s.log.Error("Failed to record delivery failure", recErr,
				map[string]interface{}{"report_id": id})
		}
		if poisoned {
			result.Poisoned++
		}

		s.log.Warn("Report delivery failed", map[string]interface{}{
			"report_id": id,
			"error":     err.Error(),
		})
		if s.handler != nil {
			s.handler.ReportFailed(id, err, poisoned)
		}
		return
	}

	// Delivery is confirmed; a failed removal means the report may be
	// delivered again later, which the backend deduplicates by id.
	if err := s.store.Remove(id); err != nil {
		s.log.Error("Failed to remove delivered report", err,
			map[string]interface{}{"report_id": id})
	}

	result.Delivered++
	s.log.Debug("Report delivered", map[string]interface{}{"report_id": id})
	if s.handler != nil {
		s.handler.ReportDelivered(id)
	}
}

func (s *Scheduler) recordDrain(result *DrainResult) {
	s.mu.Lock()
	s.lastDrain = result
	s.mu.Unlock()
}

// Status is a point-in-time snapshot of the scheduler and queue.
type Status struct {
	IsRunning  bool           `json:"is_running"`
	IsDraining bool           `json:"is_draining"`
	IsOnline   bool           `json:"is_online"`
	LastDrain  *DrainResult   `json:"last_drain,omitempty"`
	QueueStats map[string]int `json:"queue_stats"`
}

// GetStatus returns the current scheduler status.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	status := Status{
		IsRunning:  s.isRunning,
		IsDraining: s.state.Load() == stateDraining,
		LastDrain:  s.lastDrain,
	}
	s.mu.RUnlock()

	if s.monitor != nil {
		status.IsOnline = s.monitor.Online()
	}

	if stats, err := s.store.Stats(); err == nil {
		status.QueueStats = stats
	}

	return status
}

// IsDraining reports whether a drain cycle is in flight.
func (s *Scheduler) IsDraining() bool {
	return s.state.Load() == stateDraining
}

// IsRunning reports whether the background loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
