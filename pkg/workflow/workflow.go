// Package workflow drives one vendor image import from artifact to catalog:
// upload, scan, review, import.
//
// A Workflow is an explicit owned value. Several may coexist; none share
// mutable state. Each method that talks to the server runs on the caller's
// goroutine and suspends only there; the internal mutex is never held across
// a network call, so CancelUpload, Reset and Snapshot can be called from
// another goroutine while an operation is in flight.
package workflow

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/netlab/vimport/pkg/errors"
	"github.com/netlab/vimport/pkg/monitor"
	"github.com/netlab/vimport/pkg/scanner"
	"github.com/netlab/vimport/pkg/selection"
	"github.com/netlab/vimport/pkg/transfer"
)

// Phase is where the workflow currently is.
type Phase string

const (
	PhaseInput     Phase = "input"
	PhaseUploading Phase = "uploading"
	PhaseScanning  Phase = "scanning"
	PhaseReview    Phase = "review"
	PhaseImporting Phase = "importing"
	PhaseComplete  Phase = "complete"
)

var (
	// ErrInvalidPhase is returned by an operation called in a phase that
	// does not allow it.
	ErrInvalidPhase = stderrors.New("operation not allowed in current phase")
	// ErrReset is returned by an operation whose results were discarded
	// because the workflow was reset while it ran.
	ErrReset = stderrors.New("workflow was reset")
)

// Uploader moves an artifact to the server.
type Uploader interface {
	Upload(ctx context.Context, src transfer.Source, chunkSize int64, cancel <-chan struct{}, onProgress func(transfer.Progress)) (*transfer.Session, error)
	Resume(ctx context.Context, src transfer.Source, uploadID string) (*transfer.Session, error)
	Finish(ctx context.Context, s *transfer.Session, cancel <-chan struct{}, onProgress func(transfer.Progress)) error
}

// Scanner parses an artifact the server can reach.
type Scanner interface {
	Scan(ctx context.Context, artifactPath string) (*scanner.Result, error)
}

// Importer starts and observes import jobs.
type Importer interface {
	Start(ctx context.Context, sel *selection.Selection) error
	Observe(ctx context.Context, sessionID string, onUpdate func(*monitor.Job)) (*monitor.Job, error)
}

// CatalogRefresher is told once when an import completes.
type CatalogRefresher interface {
	RefreshCatalog(ctx context.Context, sessionID string) error
}

// RefresherFunc adapts a function to CatalogRefresher.
type RefresherFunc func(ctx context.Context, sessionID string) error

func (f RefresherFunc) RefreshCatalog(ctx context.Context, sessionID string) error {
	return f(ctx, sessionID)
}

// Deps are the collaborators of a Workflow. Refresher may be nil.
type Deps struct {
	Uploader  Uploader
	Scanner   Scanner
	Importer  Importer
	Refresher CatalogRefresher
	// ChunkSize is the proposed upload chunk size; the server may override it.
	ChunkSize int64
}

// Snapshot is a read-only view of a workflow for rendering.
type Snapshot struct {
	ID                       string
	Phase                    Phase
	UploadID                 string
	Upload                   *transfer.Progress
	ArtifactPath             string
	Scan                     *scanner.Result
	Selected                 []string
	CreateMissingDeviceTypes bool
	Importable               bool
	Job                      *monitor.Job
	Err                      string
}

type inflight struct {
	cancel chan struct{}
	done   chan struct{}
	closed bool
}

func (u *inflight) stop() {
	if !u.closed {
		close(u.cancel)
		u.closed = true
	}
}

// watcher is an Import or Observe call polling the job.
type watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Workflow is one import from artifact to catalog.
type Workflow struct {
	id   string
	deps Deps

	mu        sync.Mutex
	gen       uint64
	phase     Phase
	upload    *inflight
	watch     *watcher
	progress  *transfer.Progress
	uploadID  string
	artifact  string
	scan      *scanner.Result
	sel       *selection.Selection
	job       *monitor.Job
	refreshed bool
	err       string
}

// New returns a workflow in the input phase.
func New(deps Deps) *Workflow {
	w := &Workflow{
		id:    uuid.NewString(),
		deps:  deps,
		phase: PhaseInput,
	}
	slog.Debug("workflow_created", "workflow_id", w.id)
	return w
}

// ID identifies the workflow in logs.
func (w *Workflow) ID() string { return w.id }

// Phase returns the current phase.
func (w *Workflow) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// Err is the message of the last terminal error, empty once a new action
// starts.
func (w *Workflow) Err() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Selection returns a copy of the current selection, or nil outside review
// and importing.
func (w *Workflow) Selection() *selection.Selection {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sel == nil {
		return nil
	}
	return w.sel.Clone()
}

// Snapshot returns the current state.
func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Snapshot{
		ID:           w.id,
		Phase:        w.phase,
		UploadID:     w.uploadID,
		ArtifactPath: w.artifact,
		Scan:         w.scan,
		Job:          w.job,
		Err:          w.err,
	}
	if w.progress != nil {
		p := *w.progress
		s.Upload = &p
	}
	if w.sel != nil {
		s.Selected = w.sel.Selected()
		s.CreateMissingDeviceTypes = w.sel.CreateMissingDeviceTypes()
		s.Importable = w.sel.IsImportable()
	}
	return s
}

// Upload transfers src to the server and scans the resulting artifact. It is
// the upload sub-mode of the input phase. On failure or cancellation the
// workflow returns to input.
func (w *Workflow) Upload(ctx context.Context, src transfer.Source, onProgress func(transfer.Progress)) (*scanner.Result, error) {
	return w.runUpload(ctx, src.Name(), onProgress, func(cancel <-chan struct{}, progress func(transfer.Progress)) (*transfer.Session, error) {
		return w.deps.Uploader.Upload(ctx, src, w.deps.ChunkSize, cancel, progress)
	})
}

// ResumeUpload continues an upload the server already holds part of, then
// scans the artifact.
func (w *Workflow) ResumeUpload(ctx context.Context, src transfer.Source, uploadID string, onProgress func(transfer.Progress)) (*scanner.Result, error) {
	return w.runUpload(ctx, src.Name(), onProgress, func(cancel <-chan struct{}, progress func(transfer.Progress)) (*transfer.Session, error) {
		s, err := w.deps.Uploader.Resume(ctx, src, uploadID)
		if err != nil {
			return nil, err
		}
		return s, w.deps.Uploader.Finish(ctx, s, cancel, progress)
	})
}

func (w *Workflow) runUpload(ctx context.Context, name string, onProgress func(transfer.Progress), run func(<-chan struct{}, func(transfer.Progress)) (*transfer.Session, error)) (*scanner.Result, error) {
	w.mu.Lock()
	if w.phase != PhaseInput {
		w.mu.Unlock()
		return nil, ErrInvalidPhase
	}
	gen := w.enter(PhaseUploading)
	up := &inflight{cancel: make(chan struct{}), done: make(chan struct{})}
	w.upload = up
	w.mu.Unlock()
	defer close(up.done)

	slog.Info("workflow_upload_started", "workflow_id", w.id, "filename", name)

	sess, err := run(up.cancel, func(p transfer.Progress) {
		w.mu.Lock()
		if w.gen == gen {
			w.progress = &p
			w.uploadID = p.UploadID
		}
		w.mu.Unlock()
		if onProgress != nil {
			onProgress(p)
		}
	})

	w.mu.Lock()
	if w.gen != gen {
		w.mu.Unlock()
		return nil, superseded(err)
	}
	w.upload = nil
	if err != nil {
		w.fail(PhaseInput, err)
		w.mu.Unlock()
		if stderrors.Is(err, transfer.ErrUploadCancelled) {
			slog.Info("workflow_upload_cancelled", "workflow_id", w.id)
		} else {
			slog.Error("workflow_upload_failed", "workflow_id", w.id, "error", err)
		}
		return nil, err
	}
	w.uploadID = sess.UploadID
	w.artifact = sess.FinalizedPath
	w.phase = PhaseScanning
	w.mu.Unlock()

	return w.runScan(ctx, gen, sess.FinalizedPath)
}

// CancelUpload asks an in-flight upload to stop before its next chunk. The
// chunk already on the wire settles first; the remote session is then
// cancelled and Upload returns transfer.ErrUploadCancelled.
func (w *Workflow) CancelUpload() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase != PhaseUploading || w.upload == nil {
		return ErrInvalidPhase
	}
	slog.Info("workflow_upload_cancel_requested", "workflow_id", w.id)
	w.upload.stop()
	return nil
}

// Scan parses an artifact already on the server. It is the browse and manual
// path sub-modes of the input phase.
func (w *Workflow) Scan(ctx context.Context, artifactPath string) (*scanner.Result, error) {
	w.mu.Lock()
	if w.phase != PhaseInput {
		w.mu.Unlock()
		return nil, ErrInvalidPhase
	}
	gen := w.enter(PhaseScanning)
	w.artifact = artifactPath
	w.mu.Unlock()

	return w.runScan(ctx, gen, artifactPath)
}

func (w *Workflow) runScan(ctx context.Context, gen uint64, artifactPath string) (*scanner.Result, error) {
	slog.Info("workflow_scan_started", "workflow_id", w.id, "artifact_path", artifactPath)

	res, err := w.deps.Scanner.Scan(ctx, artifactPath)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gen != gen {
		return nil, superseded(err)
	}
	if err != nil {
		w.clear()
		w.fail(PhaseInput, err)
		slog.Error("workflow_scan_failed", "workflow_id", w.id, "artifact_path", artifactPath, "error", err)
		return nil, err
	}

	w.scan = res
	w.sel = selection.New(res.SessionID, res.ImageIDs())
	w.phase = PhaseReview
	slog.Info("workflow_review", "workflow_id", w.id, "session_id", res.SessionID, "images", len(res.Images))
	return res, nil
}

// SelectAll marks every scanned image.
func (w *Workflow) SelectAll() error {
	return w.review(func(s *selection.Selection) error { s.SelectAll(); return nil })
}

// SelectNone clears the selection.
func (w *Workflow) SelectNone() error {
	return w.review(func(s *selection.Selection) error { s.SelectNone(); return nil })
}

// Toggle flips one image.
func (w *Workflow) Toggle(imageID string) error {
	return w.review(func(s *selection.Selection) error { return s.Toggle(imageID) })
}

// Select replaces the selection with exactly imageIDs.
func (w *Workflow) Select(imageIDs ...string) error {
	return w.review(func(s *selection.Selection) error { return s.Select(imageIDs...) })
}

// Deselect unmarks imageIDs.
func (w *Workflow) Deselect(imageIDs ...string) error {
	return w.review(func(s *selection.Selection) error { return s.Deselect(imageIDs...) })
}

// SetCreateMissingDeviceTypes sets whether unseen device types are created.
func (w *Workflow) SetCreateMissingDeviceTypes(v bool) error {
	return w.review(func(s *selection.Selection) error { s.SetCreateMissingDeviceTypes(v); return nil })
}

func (w *Workflow) review(fn func(*selection.Selection) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase != PhaseReview {
		return ErrInvalidPhase
	}
	return fn(w.sel)
}

// Import starts the job for the current selection and observes it to a
// terminal state. A start or job failure returns the workflow to review with
// the selection intact. Cancelling ctx stops observing only; the workflow
// stays importing and Observe picks the job up again.
func (w *Workflow) Import(ctx context.Context, onUpdate func(*monitor.Job)) (*monitor.Job, error) {
	w.mu.Lock()
	if w.phase != PhaseReview {
		w.mu.Unlock()
		return nil, ErrInvalidPhase
	}
	sel := w.sel.Clone()
	gen := w.enter(PhaseImporting)
	w.job = nil
	ctx, wt := w.startWatch(ctx)
	w.mu.Unlock()
	defer w.stopWatch(wt)

	slog.Info("workflow_import_started", "workflow_id", w.id, "session_id", sel.SessionID(), "images", sel.Len())

	if err := w.deps.Importer.Start(ctx, sel); err != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.gen != gen {
			return nil, superseded(err)
		}
		w.fail(PhaseReview, err)
		return nil, err
	}

	return w.observe(ctx, gen, sel.SessionID(), onUpdate)
}

// Observe re-attaches to a running import after Import returned because its
// context was cancelled or the job became unobservable.
func (w *Workflow) Observe(ctx context.Context, onUpdate func(*monitor.Job)) (*monitor.Job, error) {
	w.mu.Lock()
	if w.phase != PhaseImporting || w.sel == nil || w.watch != nil {
		w.mu.Unlock()
		return nil, ErrInvalidPhase
	}
	sessionID := w.sel.SessionID()
	gen := w.gen
	w.err = ""
	ctx, wt := w.startWatch(ctx)
	w.mu.Unlock()
	defer w.stopWatch(wt)

	slog.Info("workflow_import_reattached", "workflow_id", w.id, "session_id", sessionID)
	return w.observe(ctx, gen, sessionID, onUpdate)
}

func (w *Workflow) observe(ctx context.Context, gen uint64, sessionID string, onUpdate func(*monitor.Job)) (*monitor.Job, error) {
	job, err := w.deps.Importer.Observe(ctx, sessionID, func(j *monitor.Job) {
		w.mu.Lock()
		if w.gen == gen {
			w.job = j
		}
		w.mu.Unlock()
		if onUpdate != nil {
			onUpdate(j)
		}
	})

	w.mu.Lock()
	if w.gen != gen {
		w.mu.Unlock()
		return job, superseded(err)
	}
	if job != nil {
		w.job = job
	}

	switch {
	case err == nil:
		w.phase = PhaseComplete
		refresh := !w.refreshed
		w.refreshed = true
		w.mu.Unlock()
		slog.Info("workflow_complete", "workflow_id", w.id, "session_id", sessionID)
		if refresh {
			w.refresh(ctx, sessionID)
		}
		return job, nil

	case ctx.Err() != nil && stderrors.Is(err, ctx.Err()):
		w.mu.Unlock()
		slog.Info("workflow_import_detached", "workflow_id", w.id, "session_id", sessionID)
		return job, err

	case stderrors.Is(err, monitor.ErrObservationTimedOut):
		w.err = errors.Detail(err)
		w.mu.Unlock()
		slog.Error("workflow_import_unobservable", "workflow_id", w.id, "session_id", sessionID, "error", err)
		return job, err

	default:
		w.fail(PhaseReview, err)
		w.mu.Unlock()
		slog.Error("workflow_import_failed", "workflow_id", w.id, "session_id", sessionID, "error", err)
		return job, err
	}
}

// startWatch registers the poll loop about to run so Reset can stop it.
// Must hold mu.
func (w *Workflow) startWatch(ctx context.Context) (context.Context, *watcher) {
	ctx, cancel := context.WithCancel(ctx)
	wt := &watcher{cancel: cancel, done: make(chan struct{})}
	w.watch = wt
	return ctx, wt
}

func (w *Workflow) stopWatch(wt *watcher) {
	w.mu.Lock()
	if w.watch == wt {
		w.watch = nil
	}
	w.mu.Unlock()
	wt.cancel()
	close(wt.done)
}

func (w *Workflow) refresh(ctx context.Context, sessionID string) {
	if w.deps.Refresher == nil {
		return
	}
	if err := w.deps.Refresher.RefreshCatalog(context.WithoutCancel(ctx), sessionID); err != nil {
		slog.Warn("workflow_catalog_refresh_failed", "workflow_id", w.id, "session_id", sessionID, "error", err)
	}
}

// Reset discards all state and returns to input. An upload in flight is
// cancelled on the server first and a running import is no longer polled;
// the job itself keeps running server side. Reset waits for both to settle,
// or for ctx to end. Operations still running return ErrReset.
func (w *Workflow) Reset(ctx context.Context) error {
	w.mu.Lock()
	w.gen++
	up := w.upload
	w.upload = nil
	if up != nil {
		up.stop()
	}
	wt := w.watch
	w.watch = nil
	if wt != nil {
		wt.cancel()
	}
	w.clear()
	w.phase = PhaseInput
	w.err = ""
	w.mu.Unlock()

	slog.Info("workflow_reset", "workflow_id", w.id, "upload_in_flight", up != nil, "import_observed", wt != nil)
	if up != nil {
		select {
		case <-up.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if wt != nil {
		select {
		case <-wt.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close releases the workflow. It is Reset under another name so callers
// can pair it with New.
func (w *Workflow) Close(ctx context.Context) error {
	return w.Reset(ctx)
}

// enter moves to phase p for a new action and returns its generation. Must
// hold mu.
func (w *Workflow) enter(p Phase) uint64 {
	w.phase = p
	w.err = ""
	return w.gen
}

// fail records err and reverts to p. Must hold mu.
func (w *Workflow) fail(p Phase, err error) {
	w.phase = p
	w.err = errors.Detail(err)
	if p == PhaseInput {
		w.clear()
	}
}

// clear forgets everything learned in this attempt. Must hold mu.
func (w *Workflow) clear() {
	w.progress = nil
	w.uploadID = ""
	w.artifact = ""
	w.scan = nil
	w.sel = nil
	w.job = nil
	w.refreshed = false
}

func superseded(err error) error {
	if err == nil {
		return ErrReset
	}
	return stderrors.Join(ErrReset, err)
}
