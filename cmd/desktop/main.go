// Package main provides the embedded companion server for desktop platforms.
// Desktop clients talk to the queue over REST/WebSocket on localhost:8091.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crismedel/dogland-core/internal/connectivity"
	"github.com/crismedel/dogland-core/internal/db"
	"github.com/crismedel/dogland-core/internal/logging"
	"github.com/crismedel/dogland-core/internal/outbox"
	"github.com/crismedel/dogland-core/internal/report"
	syncpkg "github.com/crismedel/dogland-core/internal/sync"
)

func main() {
	logging.Init(os.Stdout, logging.LevelInfo)

	dataDir := os.Getenv("DB_PATH")
	if dataDir == "" {
		dataDir = "./data"
	}
	endpoint := os.Getenv("REPORT_ENDPOINT")
	if endpoint == "" {
		endpoint = "https://api.dogland.app/v1/reports"
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8091"
	}

	database, err := db.Open(dataDir)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB, db.Migrations)
	if err := migrator.Initialize(); err != nil {
		log.Fatalf("Failed to initialize migrator: %v", err)
	}
	if err := migrator.Up(); err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}

	store := outbox.NewStore(database, nil)
	monitor := connectivity.NewMonitor(nil, nil)
	submitter := syncpkg.NewHTTPSubmitter(syncpkg.DefaultSubmitterConfig(endpoint))
	scheduler := syncpkg.NewScheduler(store, submitter, monitor, nil)
	capture := report.NewCaptureService(store, submitter, monitor)

	hub := NewWSHub()
	scheduler.SetEventHandler(hub)

	// Desktop machines are usually wired; assume link up and let the
	// probe decide
	monitor.ReportStatus(true)
	if err := monitor.Start(); err != nil {
		log.Fatalf("Failed to start connectivity monitor: %v", err)
	}
	defer monitor.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler.Start(ctx)
	defer scheduler.Stop()

	api := &apiServer{
		store:     store,
		scheduler: scheduler,
		capture:   capture,
		monitor:   monitor,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", api.handleHealth)
	mux.HandleFunc("/api/reports", api.handleReports)
	mux.HandleFunc("/api/queue/pending", api.handlePending)
	mux.HandleFunc("/api/queue/poisoned", api.handlePoisoned)
	mux.HandleFunc("/api/queue/retry", api.handleRetry)
	mux.HandleFunc("/api/sync", api.handleSync)
	mux.HandleFunc("/api/sync/status", api.handleStatus)
	mux.HandleFunc("/api/network", api.handleNetwork)
	mux.HandleFunc("/api/telemetry", api.handleTelemetry)
	mux.HandleFunc("/ws", HandleWebSocket(hub))

	server := &http.Server{
		Addr:              "localhost:" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("Dogland Desktop Server starting on port %s...", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
