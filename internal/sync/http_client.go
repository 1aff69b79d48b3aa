package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crismedel/dogland-core/internal/errors"
	"github.com/crismedel/dogland-core/internal/models"
)

// SubmitterConfig holds HTTP submitter configuration.
type SubmitterConfig struct {
	// Endpoint is the full URL of the report intake endpoint.
	Endpoint string
	// Timeout bounds one request including connect and body transfer.
	Timeout time.Duration
	// UserAgent identifies the client build to the backend.
	UserAgent string
}

// DefaultSubmitterConfig returns the default submitter configuration.
func DefaultSubmitterConfig(endpoint string) *SubmitterConfig {
	return &SubmitterConfig{
		Endpoint:  endpoint,
		Timeout:   30 * time.Second,
		UserAgent: "dogland-core/1.0",
	}
}

// HTTPSubmitter delivers reports over HTTPS. Each report carries its queue
// id as an idempotency key so redelivery after a lost acknowledgment does not
// create a duplicate sighting.
type HTTPSubmitter struct {
	config *SubmitterConfig
	client *http.Client
}

// NewHTTPSubmitter creates a submitter for the given configuration.
func NewHTTPSubmitter(config *SubmitterConfig) *HTTPSubmitter {
	return &HTTPSubmitter{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Submit posts one report payload to the intake endpoint.
func (h *HTTPSubmitter) Submit(ctx context.Context, report *models.QueuedReport) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.Endpoint,
		bytes.NewReader(report.Payload))
	if err != nil {
		return errors.Wrap(errors.ErrSubmissionFailed, "failed to build submit request", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", h.config.UserAgent)
	req.Header.Set("Idempotency-Key", report.ID.String())

	resp, err := h.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrSubmissionFailed, "report submission failed", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.New(errors.ErrSubmissionFailed,
			fmt.Sprintf("server rejected report: status %d", resp.StatusCode))
	}

	return nil
}
