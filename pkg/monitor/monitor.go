// Package monitor starts an import job and observes it to a terminal state.
//
// Job truth lives on the server. A poll that fails for transport reasons says
// nothing about the job, so such failures are retried with backoff and never
// reported as job failures. Only a watchdog on continuous unobservability
// (ObservationTimeout) ends observation early, with ErrObservationTimedOut.
package monitor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"
	"github.com/netlab/vimport/pkg/api"
	"github.com/netlab/vimport/pkg/selection"
)

// Config tunes polling.
type Config struct {
	// PollInterval is the delay between successful polls.
	PollInterval time.Duration
	// RetryInterval is the first delay after a failed poll.
	RetryInterval time.Duration
	// MaxRetryInterval caps the growing delay between failed polls.
	MaxRetryInterval time.Duration
	// ObservationTimeout ends observation after polls have failed
	// continuously for this long. Zero retries forever.
	ObservationTimeout time.Duration
}

// DefaultConfig polls every second and retries after two.
func DefaultConfig() Config {
	return Config{
		PollInterval:       time.Second,
		RetryInterval:      2 * time.Second,
		MaxRetryInterval:   30 * time.Second,
		ObservationTimeout: 30 * time.Minute,
	}
}

// API is the subset of the import server used for jobs.
type API interface {
	StartImport(ctx context.Context, sessionID string, req *api.StartImportRequest) error
	ImportProgress(ctx context.Context, sessionID string) (*api.ProgressResponse, error)
}

// Monitor starts and observes import jobs.
type Monitor struct {
	api   API
	cfg   Config
	clock clock.Clock
}

// New creates a monitor. A nil clock means wall time.
func New(client API, cfg Config, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.WallClock
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * cfg.PollInterval
	}
	if cfg.MaxRetryInterval < cfg.RetryInterval {
		cfg.MaxRetryInterval = cfg.RetryInterval
	}
	return &Monitor{api: client, cfg: cfg, clock: clk}
}

// Start submits the selected images of sel for import.
func (m *Monitor) Start(ctx context.Context, sel *selection.Selection) error {
	if !sel.IsImportable() {
		return &ImportStartError{Err: stderrors.New("no images selected")}
	}

	ids := sel.Selected()
	slog.Info("import_start", "session_id", sel.SessionID(), "images", len(ids), "create_devices", sel.CreateMissingDeviceTypes())

	err := m.api.StartImport(ctx, sel.SessionID(), &api.StartImportRequest{
		ImageIDs:      ids,
		CreateDevices: sel.CreateMissingDeviceTypes(),
	})
	if err != nil {
		slog.Error("import_start_failed", "session_id", sel.SessionID(), "error", err)
		return &ImportStartError{Err: err}
	}

	slog.Info("import_started", "session_id", sel.SessionID())
	return nil
}

// Observe polls the job of sessionID until it is completed or failed,
// calling onUpdate with every successful poll. A completed job with any
// failed image is reported as a *JobFailedError. Cancelling ctx stops
// observation only; the job keeps running on the server.
func (m *Monitor) Observe(ctx context.Context, sessionID string, onUpdate func(*Job)) (*Job, error) {
	slog.Info("import_observe_started", "session_id", sessionID, "poll_interval", m.cfg.PollInterval)

	b := m.newBackOff()
	var (
		wait     time.Duration
		attempt  int
		failures int
	)

	for {
		if wait > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-m.clock.After(wait):
			}
		}

		attempt++
		resp, err := m.api.ImportProgress(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failures++
			perr := &PollTransientError{Attempt: attempt, Err: err}

			next := b.NextBackOff()
			if next == backoff.Stop {
				slog.Error("import_observe_timed_out", "session_id", sessionID, "consecutive_failures", failures, "error", perr)
				return nil, &ObservationTimedOutError{SessionID: sessionID, Since: b.GetElapsedTime(), Last: err}
			}

			slog.Warn("import_poll_failed", "session_id", sessionID, "consecutive_failures", failures, "retry_in", next, "error", perr)
			wait = next
			continue
		}

		if failures > 0 {
			slog.Info("import_poll_recovered", "session_id", sessionID, "after_failures", failures)
			failures = 0
		}
		b.Reset()
		wait = m.cfg.PollInterval

		job := jobFromResponse(sessionID, resp)
		if job.Status == StatusCompleted && len(job.FailedImages()) > 0 {
			job.Status = StatusFailed
			if job.ErrorMessage == "" {
				job.ErrorMessage = fmt.Sprintf("%d of %d images failed", len(job.FailedImages()), len(job.Images))
			}
		}

		if onUpdate != nil {
			onUpdate(job)
		}

		switch job.Status {
		case StatusCompleted:
			slog.Info("import_completed", "session_id", sessionID, "images", len(job.Images))
			return job, nil
		case StatusFailed:
			msg := job.ErrorMessage
			if msg == "" {
				msg = "import failed"
			}
			slog.Error("import_failed", "session_id", sessionID, "error_message", msg, "failed_images", len(job.FailedImages()))
			return job, &JobFailedError{Message: msg, Images: job.FailedImages()}
		case StatusPending, StatusImporting:
			slog.Debug("import_progress", "session_id", sessionID, "status", job.Status, "progress", job.ProgressPercent)
		default:
			slog.Warn("import_unknown_status", "session_id", sessionID, "status", job.Status)
		}
	}
}

func (m *Monitor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInterval
	b.RandomizationFactor = 0
	b.MaxInterval = m.cfg.MaxRetryInterval
	b.MaxElapsedTime = m.cfg.ObservationTimeout
	b.Clock = m.clock
	b.Reset()
	return b
}
