package monitor

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/netlab/vimport/pkg/api"
)

// Job states reported by the server.
const (
	StatusPending   = "pending"
	StatusImporting = "importing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Image states reported by the server.
const (
	ImageStatusPending    = "pending"
	ImageStatusExtracting = "extracting"
	ImageStatusCompleted  = "completed"
	ImageStatusFailed     = "failed"
)

// ImageProgress is the state of one image inside a job.
type ImageProgress struct {
	ImageID         string  `json:"image_id" yaml:"image_id"`
	Status          string  `json:"status" yaml:"status"`
	ProgressPercent float64 `json:"progress_percent" yaml:"progress_percent"`
	ErrorMessage    string  `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

// Job is a read-only projection of the server's import job.
type Job struct {
	SessionID       string                   `json:"session_id" yaml:"session_id"`
	Status          string                   `json:"status" yaml:"status"`
	ProgressPercent float64                  `json:"progress_percent" yaml:"progress_percent"`
	Images          map[string]ImageProgress `json:"images" yaml:"images"`
	ErrorMessage    string                   `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

// Terminal reports whether the job will not change again.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// FailedImages returns the images that failed, sorted by id.
func (j *Job) FailedImages() []ImageProgress {
	var out []ImageProgress
	for _, p := range j.Images {
		if p.Status == ImageStatusFailed {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ImageID < out[b].ImageID })
	return out
}

func jobFromResponse(sessionID string, resp *api.ProgressResponse) *Job {
	j := &Job{
		SessionID:       sessionID,
		Status:          resp.Status,
		ProgressPercent: resp.ProgressPercent,
		Images:          make(map[string]ImageProgress, len(resp.ImageProgress)),
		ErrorMessage:    resp.ErrorMessage,
	}
	for id, p := range resp.ImageProgress {
		if p.ImageID == "" {
			p.ImageID = id
		}
		j.Images[id] = ImageProgress{
			ImageID:         p.ImageID,
			Status:          p.Status,
			ProgressPercent: p.ProgressPercent,
			ErrorMessage:    p.ErrorMessage,
		}
	}
	return j
}

// ErrObservationTimedOut means the job could not be observed for longer than
// the configured watchdog. The job itself may still be running.
var ErrObservationTimedOut = stderrors.New("import progress unobservable")

// ImportStartError means the server did not accept the import job.
type ImportStartError struct {
	Err error
}

func (e *ImportStartError) Error() string { return "import start failed: " + e.Err.Error() }

func (e *ImportStartError) Unwrap() error { return e.Err }

// JobFailedError is a terminal job failure, with per-image detail.
type JobFailedError struct {
	Message string
	Images  []ImageProgress
}

func (e *JobFailedError) Error() string {
	if len(e.Images) == 0 {
		return "import failed: " + e.Message
	}
	parts := make([]string, 0, len(e.Images))
	for _, img := range e.Images {
		parts = append(parts, fmt.Sprintf("%s: %s", img.ImageID, img.ErrorMessage))
	}
	return fmt.Sprintf("import failed: %s (%s)", e.Message, strings.Join(parts, "; "))
}

// Detail is the operator-facing message.
func (e *JobFailedError) Detail() string { return e.Message }

// PollTransientError is a poll that failed for transport reasons. It is only
// logged and retried, never returned to callers.
type PollTransientError struct {
	Attempt int
	Err     error
}

func (e *PollTransientError) Error() string {
	return fmt.Sprintf("progress poll %d failed: %v", e.Attempt, e.Err)
}

func (e *PollTransientError) Unwrap() error { return e.Err }

// ObservationTimedOutError carries how long the job went unobserved.
type ObservationTimedOutError struct {
	SessionID string
	Since     time.Duration
	Last      error
}

func (e *ObservationTimedOutError) Error() string {
	return fmt.Sprintf("import %s unobservable for %s: %v", e.SessionID, e.Since.Round(time.Second), e.Last)
}

func (e *ObservationTimedOutError) Unwrap() error { return ErrObservationTimedOut }
