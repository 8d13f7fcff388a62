// Package fsm runs an import headlessly as a durable state machine:
// prepare, upload and scan, select, import, complete. It drives a
// workflow.Workflow per run and records every run in the local database
// using the superfly/fsm library.
package fsm

import (
	"context"
	"log/slog"
	"sync"

	"github.com/netlab/vimport/pkg/db"
	"github.com/netlab/vimport/pkg/errors"
	"github.com/netlab/vimport/pkg/monitor"
	"github.com/netlab/vimport/pkg/transfer"
	"github.com/netlab/vimport/pkg/workflow"
	"github.com/superfly/fsm"
)

// WorkflowFactory builds a workflow for a run that reads from source.
type WorkflowFactory func(source string) *workflow.Workflow

// SourceOpener opens a local path or remote URI as an upload source.
type SourceOpener func(ctx context.Context, source string) (transfer.Source, error)

// Observer re-attaches to an import job started by an earlier process.
type Observer interface {
	Observe(ctx context.Context, sessionID string, onUpdate func(*monitor.Job)) (*monitor.Job, error)
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo        *db.Repository
	newWorkflow WorkflowFactory
	openSource  SourceOpener
	observer    Observer
	maxRetries  int
	progress    func(runID, stage string, percent float64)

	mu   sync.Mutex
	runs map[string]*workflow.Workflow
}

// Option configures a Machine.
type Option func(*Machine)

// WithProgress reports upload and import progress of every run.
func WithProgress(fn func(runID, stage string, percent float64)) Option {
	return func(m *Machine) { m.progress = fn }
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(
	repo *db.Repository,
	newWorkflow WorkflowFactory,
	openSource SourceOpener,
	observer Observer,
	maxRetries int,
	opts ...Option,
) *Machine {
	m := &Machine{
		repo:        repo,
		newWorkflow: newWorkflow,
		openSource:  openSource,
		observer:    observer,
		maxRetries:  maxRetries,
		runs:        make(map[string]*workflow.Workflow),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register registers the import FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[ImportRequest, ImportResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[ImportRequest, ImportResponse](manager, "vendor-image-import").
		Start(StatePrepare, m.handlePrepare).
		To(StateScan, m.handleScan).
		To(StateSelect, m.handleSelect).
		To(StateImport, m.handleImport).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// workflow returns the live workflow of a run, creating it when the run is
// new to this process.
func (m *Machine) workflow(req *ImportRequest) (w *workflow.Workflow, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.runs[req.RunID]; ok {
		return w, false
	}
	w = m.newWorkflow(req.Source)
	m.runs[req.RunID] = w
	slog.Debug("fsm_workflow_created", "run_id", req.RunID, "workflow_id", w.ID())
	return w, true
}

// release closes and forgets the workflow of a finished run.
func (m *Machine) release(ctx context.Context, runID string) {
	m.mu.Lock()
	w, ok := m.runs[runID]
	delete(m.runs, runID)
	m.mu.Unlock()

	if ok {
		if err := w.Close(ctx); err != nil {
			slog.Warn("fsm_workflow_close_failed", "run_id", runID, "error", err)
		}
	}
}

// CancelUploads asks every run that is uploading to stop after its current
// chunk. Those runs cancel their server session and fail. It returns how
// many uploads were asked to stop.
func (m *Machine) CancelUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for runID, w := range m.runs {
		if err := w.CancelUpload(); err == nil {
			slog.Info("fsm_upload_cancel_requested", "run_id", runID)
			n++
		}
	}
	return n
}

func (m *Machine) report(runID, stage string, percent float64) {
	if m.progress != nil {
		m.progress(runID, stage, percent)
	}
}
