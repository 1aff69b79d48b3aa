// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: libdogland.so (Android) / dogland.framework (iOS)
package main

/*
#cgo CFLAGS: -Wall -Wextra
#cgo LDFLAGS: -shared
#include <stdlib.h>
#include <string.h>
*/
import "C"
import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/crismedel/dogland-core/internal/connectivity"
	"github.com/crismedel/dogland-core/internal/db"
	"github.com/crismedel/dogland-core/internal/logging"
	"github.com/crismedel/dogland-core/internal/outbox"
	"github.com/crismedel/dogland-core/internal/report"
	syncpkg "github.com/crismedel/dogland-core/internal/sync"
	"github.com/crismedel/dogland-core/internal/telemetry"
)

var (
	once      sync.Once
	database  *db.DB
	store     *outbox.Store
	monitor   *connectivity.Monitor
	scheduler *syncpkg.Scheduler
	capture   *report.CaptureService
	lastErr   string
	lastMu    sync.RWMutex
)

//export Init
// Init initializes the Dogland core with the app data directory and the
// report intake endpoint. Returns 0 on success, non-zero on error.
func Init(dataDir, endpoint *C.char) int32 {
	var rc int32

	once.Do(func() {
		logging.Init(os.Stdout, logging.LevelInfo)

		var err error
		database, err = db.Open(C.GoString(dataDir))
		if err != nil {
			setLastError(fmt.Sprintf("Failed to open database: %v", err))
			rc = 1
			return
		}

		migrator := db.NewMigrator(database.DB, db.Migrations)
		if err := migrator.Initialize(); err != nil {
			setLastError(fmt.Sprintf("Failed to initialize migrator: %v", err))
			rc = 1
			return
		}
		if err := migrator.Up(); err != nil {
			setLastError(fmt.Sprintf("Failed to apply migrations: %v", err))
			rc = 1
			return
		}

		store = outbox.NewStore(database, nil)
		monitor = connectivity.NewMonitor(nil, nil)
		submitter := syncpkg.NewHTTPSubmitter(syncpkg.DefaultSubmitterConfig(C.GoString(endpoint)))
		scheduler = syncpkg.NewScheduler(store, submitter, monitor, nil)
		capture = report.NewCaptureService(store, submitter, monitor)

		if err := monitor.Start(); err != nil {
			setLastError(fmt.Sprintf("Failed to start monitor: %v", err))
			rc = 1
			return
		}
		scheduler.Start(context.Background())
	})

	return rc
}

//export Cleanup
// Cleanup stops background work and releases resources.
func Cleanup() {
	if scheduler != nil {
		scheduler.Stop()
	}
	if monitor != nil {
		monitor.Stop()
	}
	if database != nil {
		database.Close()
	}
}

//export GetLastError
// GetLastError returns the last error message.
// Returns a C string that must be freed by the caller.
func GetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()

	return C.CString(lastErr)
}

func setLastError(err string) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = err
}

// =====================================================
// Report Operations
// =====================================================

//export ReportSubmit
// ReportSubmit runs the capture flow for a JSON report payload.
// queueConsent is the reporter's answer to keeping the report after a
// failed immediate delivery (non-zero means yes); offline capture is
// queued unconditionally.
// Returns a JSON result string that must be freed by the caller.
func ReportSubmit(payload *C.char, queueConsent int32) *C.char {
	if capture == nil {
		setLastError("Core not initialized")
		return nil
	}

	result, err := capture.Submit(context.Background(),
		json.RawMessage(C.GoString(payload)), queueConsent != 0)
	if err != nil {
		setLastError(fmt.Sprintf("Failed to submit report: %v", err))
		return nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		setLastError(fmt.Sprintf("Failed to serialize: %v", err))
		return nil
	}

	return C.CString(string(data))
}

// =====================================================
// Queue Operations
// =====================================================

//export QueuePending
// QueuePending lists reports waiting for delivery, oldest first.
// Returns a JSON array that must be freed by the caller.
func QueuePending() *C.char {
	return listQueue(func() (interface{}, error) {
		if store == nil {
			return nil, fmt.Errorf("core not initialized")
		}
		return store.ListPending()
	})
}

//export QueuePoisoned
// QueuePoisoned lists reports that exhausted their delivery attempts.
// Returns a JSON array that must be freed by the caller.
func QueuePoisoned() *C.char {
	return listQueue(func() (interface{}, error) {
		if store == nil {
			return nil, fmt.Errorf("core not initialized")
		}
		return store.ListPoisoned()
	})
}

func listQueue(list func() (interface{}, error)) *C.char {
	reports, err := list()
	if err != nil {
		setLastError(fmt.Sprintf("Failed to list queue: %v", err))
		return nil
	}

	data, err := json.Marshal(reports)
	if err != nil {
		setLastError(fmt.Sprintf("Failed to serialize: %v", err))
		return nil
	}

	return C.CString(string(data))
}

//export RetryReport
// RetryReport re-arms a single poisoned report by id.
// Returns 0 on success, non-zero on error.
func RetryReport(id *C.char) int32 {
	if store == nil {
		setLastError("Core not initialized")
		return 1
	}

	if err := store.Retry(C.GoString(id)); err != nil {
		setLastError(fmt.Sprintf("Failed to retry report: %v", err))
		return 1
	}

	return 0
}

//export RetryPoisoned
// RetryPoisoned re-arms all poisoned reports for delivery.
// Returns the number of reports re-armed, or -1 on error.
func RetryPoisoned() int32 {
	if store == nil {
		setLastError("Core not initialized")
		return -1
	}

	count, err := store.RetryPoisoned()
	if err != nil {
		setLastError(fmt.Sprintf("Failed to retry poisoned reports: %v", err))
		return -1
	}

	return int32(count)
}

// =====================================================
// Sync Operations
// =====================================================

//export SyncNow
// SyncNow drains the queue immediately and blocks until the cycle ends.
// Returns a JSON drain result that must be freed by the caller.
func SyncNow() *C.char {
	if scheduler == nil {
		setLastError("Core not initialized")
		return nil
	}

	result, err := scheduler.Drain(context.Background())
	if err != nil {
		setLastError(fmt.Sprintf("Drain failed: %v", err))
		return nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		setLastError(fmt.Sprintf("Failed to serialize: %v", err))
		return nil
	}

	return C.CString(string(data))
}

//export SyncStatus
// SyncStatus returns the scheduler and queue status as JSON.
// The returned string must be freed by the caller.
func SyncStatus() *C.char {
	if scheduler == nil {
		setLastError("Core not initialized")
		return nil
	}

	data, err := json.Marshal(scheduler.GetStatus())
	if err != nil {
		setLastError(fmt.Sprintf("Failed to serialize: %v", err))
		return nil
	}

	return C.CString(string(data))
}

// =====================================================
// Connectivity Operations
// =====================================================

//export SetNetworkStatus
// SetNetworkStatus feeds the platform link state (non-zero means link up).
// A rise schedules a reachability probe; a usable probe result triggers a
// background drain.
func SetNetworkStatus(linkUp int32) {
	if monitor == nil {
		setLastError("Core not initialized")
		return
	}

	monitor.ReportStatus(linkUp != 0)
}

//export IsOnline
// IsOnline returns 1 when the network is usable, 0 otherwise.
func IsOnline() int32 {
	if monitor == nil || !monitor.Online() {
		return 0
	}
	return 1
}

// =====================================================
// Telemetry Operations
// =====================================================
// Collection is off until the host app relays an explicit user opt-in.
// Data never leaves the device; the snapshot is for in-app display only.

//export TelemetryEnable
// TelemetryEnable turns on local metric aggregation.
func TelemetryEnable() {
	telemetry.Enable()
}

//export TelemetryDisable
// TelemetryDisable turns aggregation off and drops collected values.
func TelemetryDisable() {
	telemetry.Disable()
}

//export TelemetrySnapshot
// TelemetrySnapshot returns the collected counters and timings as JSON.
// The returned string must be freed by the caller.
func TelemetrySnapshot() *C.char {
	data, err := json.Marshal(telemetrySnapshot())
	if err != nil {
		setLastError(fmt.Sprintf("Failed to serialize: %v", err))
		return nil
	}

	return C.CString(string(data))
}

func telemetrySnapshot() map[string]interface{} {
	timings := make(map[string]int64)
	for name, duration := range telemetry.Timings() {
		timings[name] = duration.Milliseconds()
	}

	return map[string]interface{}{
		"enabled":    telemetry.IsEnabled(),
		"counters":   telemetry.Counters(),
		"timings_ms": timings,
	}
}

// =====================================================
// Memory Management Helpers
// =====================================================

//export FreeString
// FreeString frees a string allocated by Go.
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

func main() {
	// Main entry point for shared library
	// Not used when loaded as library
}
