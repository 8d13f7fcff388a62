package fsm

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/netlab/vimport/pkg/api"
	"github.com/netlab/vimport/pkg/db"
	"github.com/netlab/vimport/pkg/errors"
	"github.com/netlab/vimport/pkg/monitor"
	"github.com/netlab/vimport/pkg/scanner"
	"github.com/netlab/vimport/pkg/transfer"
	"github.com/netlab/vimport/pkg/workflow"
	"github.com/superfly/fsm"
)

// handlePrepare records the run (idempotency) and binds a workflow to it
func (m *Machine) handlePrepare(ctx context.Context, req *fsm.Request[ImportRequest, ImportResponse]) (*fsm.Response[ImportResponse], error) {
	slog.Info("fsm_state_prepare", "run_id", req.Msg.RunID, "source", req.Msg.Source, "artifact_path", req.Msg.ArtifactPath)

	if err := m.checkRetries(ctx, req.Msg.RunID); err != nil {
		return nil, err
	}
	if req.Msg.Source == "" && req.Msg.ArtifactPath == "" {
		return nil, m.fail(ctx, req.Msg.RunID, fmt.Errorf("either a source or an artifact path is required"))
	}

	run, err := m.repo.GetImport(ctx, req.Msg.RunID)
	if err != nil {
		slog.Error("database_check_failed", "run_id", req.Msg.RunID, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "database error"))
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &ImportResponse{}
	}

	if run != nil {
		slog.Info("import_run_found_continue_processing", "run_id", run.RunID, "status", run.Status)
	} else {
		artifact := req.Msg.ArtifactPath
		if artifact == "" {
			artifact = req.Msg.Source
		}
		run = &db.ImportRun{
			RunID:         req.Msg.RunID,
			ArtifactPath:  artifact,
			CreateDevices: req.Msg.CreateDevices,
			Status:        db.ImportPending,
		}
		if err := m.repo.CreateImport(ctx, run); err != nil {
			slog.Error("create_import_run_failed", "run_id", req.Msg.RunID, "error", err)
			return nil, errors.Wrap(err, "failed to create import run record")
		}
		slog.Info("import_run_created", "run_id", run.RunID)
	}
	resp.Status = run.Status

	m.workflow(req.Msg)
	return fsm.NewResponse(resp), nil
}

// handleScan uploads the source when needed and scans the artifact
func (m *Machine) handleScan(ctx context.Context, req *fsm.Request[ImportRequest, ImportResponse]) (*fsm.Response[ImportResponse], error) {
	slog.Info("fsm_state_scan", "run_id", req.Msg.RunID)

	if err := m.checkRetries(ctx, req.Msg.RunID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	w, _ := m.workflow(req.Msg)
	var res *scanner.Result
	if w.Phase() == workflow.PhaseReview {
		res = w.Snapshot().Scan
		slog.Info("scan_already_done", "run_id", req.Msg.RunID, "session_id", res.SessionID)
	} else {
		var err error
		if req.Msg.ArtifactPath != "" {
			m.setStatus(ctx, req.Msg.RunID, db.ImportScanning)
			res, err = w.Scan(ctx, req.Msg.ArtifactPath)
		} else {
			resume := req.Msg.Resume || fsm.RetryFromContext(ctx) > 0
			res, err = m.upload(ctx, w, req.Msg, resume)
		}
		if err != nil {
			return nil, m.scanError(ctx, req.Msg.RunID, err)
		}
	}

	snap := w.Snapshot()
	resp.UploadID = snap.UploadID
	resp.ArtifactPath = res.ArtifactPath
	resp.SessionID = res.SessionID
	resp.ImageCount = len(res.Images)
	resp.Warnings = res.ParseErrors
	resp.Status = db.ImportReview

	m.updateRun(ctx, req.Msg.RunID, func(run *db.ImportRun) {
		run.ArtifactPath = res.ArtifactPath
		run.SessionID = res.SessionID
		run.Status = db.ImportReview
	})

	slog.Info("scan_complete", "run_id", req.Msg.RunID, "session_id", res.SessionID, "images", len(res.Images), "warnings", len(res.ParseErrors))
	return fsm.NewResponse(resp), nil
}

func (m *Machine) upload(ctx context.Context, w *workflow.Workflow, req *ImportRequest, resume bool) (*scanner.Result, error) {
	src, err := m.openSource(ctx, req.Source)
	if err != nil {
		slog.Error("source_open_failed", "run_id", req.RunID, "source", req.Source, "error", err)
		return nil, &transfer.InitError{Err: err}
	}
	defer src.Close()

	m.setStatus(ctx, req.RunID, db.ImportUploading)
	onProgress := func(p transfer.Progress) {
		m.report(req.RunID, "upload", p.Percent)
	}

	if resume {
		u, err := m.repo.FindResumableUpload(ctx, req.Source, src.Size())
		if err != nil {
			slog.Warn("resumable_upload_lookup_failed", "run_id", req.RunID, "error", err)
		} else if u != nil {
			slog.Info("upload_resuming", "run_id", req.RunID, "upload_id", u.UploadID, "last_acked_chunk", u.LastAckedChunk)
			res, err := w.ResumeUpload(ctx, src, u.UploadID, onProgress)
			if api.IsNotFound(err) {
				// The server forgot the session; start over on the next attempt.
				_ = m.abandonUpload(ctx, req.RunID, u.UploadID, err)
			}
			return res, err
		}
	}

	return w.Upload(ctx, src, onProgress)
}

// abandonUpload marks a recorded upload failed so it is not picked for
// resumption again.
func (m *Machine) abandonUpload(ctx context.Context, runID, uploadID string, cause error) error {
	err := m.repo.FinishUpload(context.WithoutCancel(ctx), uploadID, db.UploadFailed, "", errors.Detail(cause))
	if err != nil {
		slog.Warn("upload_checkpoint_failed", "run_id", runID, "upload_id", uploadID, "error", err)
	}
	return err
}

// scanError aborts on failures a retry cannot fix and retries the rest.
func (m *Machine) scanError(ctx context.Context, runID string, err error) error {
	var (
		initErr *transfer.InitError
		scanErr *scanner.ScanError
	)
	switch {
	case stderrors.As(err, &initErr), stderrors.As(err, &scanErr), stderrors.Is(err, transfer.ErrUploadCancelled):
		slog.Error("scan_state_failed", "run_id", runID, "error", err)
		return m.fail(ctx, runID, err)
	default:
		slog.Warn("scan_state_retrying", "run_id", runID, "error", err)
		return errors.Wrap(err, "upload failed")
	}
}

// handleSelect applies the requested selection to the scanned catalog
func (m *Machine) handleSelect(ctx context.Context, req *fsm.Request[ImportRequest, ImportResponse]) (*fsm.Response[ImportResponse], error) {
	slog.Info("fsm_state_select", "run_id", req.Msg.RunID)

	if err := m.checkRetries(ctx, req.Msg.RunID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	w, created := m.workflow(req.Msg)
	if created || w.Phase() == workflow.PhaseInput {
		if err := m.restore(ctx, w, req.Msg.RunID, resp, false); err != nil {
			return nil, err
		}
	}

	if len(req.Msg.ImageIDs) > 0 {
		if err := w.Select(req.Msg.ImageIDs...); err != nil {
			return nil, m.fail(ctx, req.Msg.RunID, err)
		}
	}
	if len(req.Msg.ExcludeIDs) > 0 {
		if err := w.Deselect(req.Msg.ExcludeIDs...); err != nil {
			return nil, m.fail(ctx, req.Msg.RunID, err)
		}
	}
	if err := w.SetCreateMissingDeviceTypes(req.Msg.CreateDevices); err != nil {
		return nil, m.fail(ctx, req.Msg.RunID, err)
	}

	snap := w.Snapshot()
	if !snap.Importable {
		return nil, m.fail(ctx, req.Msg.RunID, fmt.Errorf("no images selected"))
	}
	resp.SelectedIDs = snap.Selected

	m.updateRun(ctx, req.Msg.RunID, func(run *db.ImportRun) {
		run.ImageIDs = snap.Selected
		run.CreateDevices = snap.CreateMissingDeviceTypes
	})

	slog.Info("selection_applied", "run_id", req.Msg.RunID, "selected", len(snap.Selected), "of", resp.ImageCount, "create_devices", snap.CreateMissingDeviceTypes)
	return fsm.NewResponse(resp), nil
}

// handleImport starts the import job, or re-attaches to it, and observes it
// to a terminal state
func (m *Machine) handleImport(ctx context.Context, req *fsm.Request[ImportRequest, ImportResponse]) (*fsm.Response[ImportResponse], error) {
	slog.Info("fsm_state_import", "run_id", req.Msg.RunID)

	if err := m.checkRetries(ctx, req.Msg.RunID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	runID := req.Msg.RunID
	onUpdate := func(j *monitor.Job) {
		m.report(runID, "import", j.ProgressPercent)
		m.updateRun(ctx, runID, func(run *db.ImportRun) { run.Progress = j.ProgressPercent })
	}

	run, err := m.repo.GetImport(ctx, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load import run")
	}

	w, created := m.workflow(req.Msg)
	var job *monitor.Job
	switch {
	case w.Phase() == workflow.PhaseComplete:
		job = w.Snapshot().Job
	case w.Phase() == workflow.PhaseImporting:
		job, err = w.Observe(ctx, onUpdate)
	case created && run != nil && run.Status == db.ImportImporting:
		// Started by an earlier process; only the job is left to watch.
		slog.Info("import_reattaching", "run_id", runID, "session_id", resp.SessionID)
		job, err = m.observer.Observe(ctx, resp.SessionID, onUpdate)
	default:
		if w.Phase() != workflow.PhaseReview {
			if err := m.restore(ctx, w, runID, resp, true); err != nil {
				return nil, err
			}
		}
		m.setStatus(ctx, runID, db.ImportImporting)
		job, err = w.Import(ctx, onUpdate)
	}

	if err != nil {
		var (
			startErr  *monitor.ImportStartError
			failedErr *monitor.JobFailedError
		)
		switch {
		case stderrors.As(err, &startErr), stderrors.As(err, &failedErr):
			slog.Error("import_failed", "run_id", runID, "session_id", resp.SessionID, "error", err)
			return nil, m.fail(ctx, runID, err)
		case stderrors.Is(err, monitor.ErrObservationTimedOut):
			slog.Warn("import_unobservable_retrying", "run_id", runID, "session_id", resp.SessionID, "error", err)
			return nil, errors.Wrap(err, "import progress unavailable")
		default:
			return nil, errors.Wrap(err, "import observation interrupted")
		}
	}

	if job != nil {
		resp.Progress = job.ProgressPercent
		resp.Status = job.Status
	}
	return fsm.NewResponse(resp), nil
}

// handleComplete marks the run as complete
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[ImportRequest, ImportResponse]) (*fsm.Response[ImportResponse], error) {
	slog.Info("fsm_state_complete", "run_id", req.Msg.RunID)

	resp := req.W.Msg
	if resp == nil {
		resp = &ImportResponse{}
	}

	resp.Status = db.ImportCompleted
	resp.Progress = 100
	m.updateRun(ctx, req.Msg.RunID, func(run *db.ImportRun) {
		run.Status = db.ImportCompleted
		run.Progress = 100
		run.ErrorMessage = ""
	})
	m.release(ctx, req.Msg.RunID)

	slog.Info("fsm_complete", "run_id", req.Msg.RunID, "session_id", resp.SessionID, "images", len(resp.SelectedIDs))
	return fsm.NewResponse(resp), nil
}

// restore rebuilds a workflow lost with an earlier process by scanning the
// artifact again and, when asked, reapplying the recorded selection.
func (m *Machine) restore(ctx context.Context, w *workflow.Workflow, runID string, resp *ImportResponse, reselect bool) error {
	if resp.ArtifactPath == "" {
		return m.fail(ctx, runID, fmt.Errorf("no artifact recorded for run"))
	}
	slog.Info("workflow_restoring", "run_id", runID, "artifact_path", resp.ArtifactPath)

	res, err := w.Scan(ctx, resp.ArtifactPath)
	if err != nil {
		return m.scanError(ctx, runID, err)
	}
	resp.SessionID = res.SessionID
	resp.ImageCount = len(res.Images)

	if reselect && len(resp.SelectedIDs) > 0 {
		if err := w.Select(resp.SelectedIDs...); err != nil {
			return m.fail(ctx, runID, err)
		}
	}
	return nil
}

func (m *Machine) checkRetries(ctx context.Context, runID string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "run_id", runID, "max_retries", m.maxRetries)
		return m.fail(ctx, runID, fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}
	return nil
}

// fail records err on the run and returns it as a non-retryable FSM error.
func (m *Machine) fail(ctx context.Context, runID string, err error) error {
	msg := errors.Detail(err)
	m.updateRun(ctx, runID, func(run *db.ImportRun) {
		run.Status = db.ImportFailed
		run.ErrorMessage = msg
	})
	m.release(ctx, runID)
	return fsm.Abort(err)
}

func (m *Machine) setStatus(ctx context.Context, runID, status string) {
	m.updateRun(ctx, runID, func(run *db.ImportRun) { run.Status = status })
}

func (m *Machine) updateRun(ctx context.Context, runID string, fn func(*db.ImportRun)) {
	ctx = context.WithoutCancel(ctx)
	run, err := m.repo.GetImport(ctx, runID)
	if err != nil || run == nil {
		slog.Warn("import_run_load_failed", "run_id", runID, "error", err)
		return
	}
	fn(run)
	if err := m.repo.UpdateImport(ctx, run); err != nil {
		slog.Warn("import_run_update_failed", "run_id", runID, "error", err)
	}
}
