// Package transfer moves a large artifact to the import server in ordered,
// fixed-size chunks with cooperative cancellation between chunks.
package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/netlab/vimport/pkg/api"
	"github.com/netlab/vimport/pkg/errors"
	"github.com/netlab/vimport/pkg/security"
	"golang.org/x/time/rate"
)

// cleanupTimeout bounds the remote cancel issued after the caller's context
// is already gone.
const cleanupTimeout = 30 * time.Second

// API is the subset of the import server used for transfers.
type API interface {
	InitUpload(ctx context.Context, req *api.InitUploadRequest) (*api.InitUploadResponse, error)
	SubmitChunk(ctx context.Context, uploadID string, index int, body io.Reader, size int64) (*api.ChunkResponse, error)
	UploadStatus(ctx context.Context, uploadID string) (*api.UploadStatusResponse, error)
	CompleteUpload(ctx context.Context, uploadID string) (*api.CompleteUploadResponse, error)
	CancelUpload(ctx context.Context, uploadID string) error
}

// Checkpointer durably records upload sessions so a transfer interrupted by a
// process restart can be resumed.
type Checkpointer interface {
	SaveUpload(ctx context.Context, s *Session) error
	SaveUploadProgress(ctx context.Context, uploadID string, lastChunk int, bytesReceived int64) error
	FinishUpload(ctx context.Context, uploadID, outcome, finalizedPath, errorMessage string) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithValidator runs local artifact checks before init.
func WithValidator(v *security.Validator) Option {
	return func(c *Coordinator) { c.validator = v }
}

// WithCheckpointer records session progress for later resumption.
func WithCheckpointer(cp Checkpointer) Option {
	return func(c *Coordinator) { c.checkpoint = cp }
}

// WithRateLimit caps upload bandwidth in bytes per second; 0 means unlimited.
func WithRateLimit(bytesPerSecond int64) Option {
	return func(c *Coordinator) {
		if bytesPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))
		}
	}
}

// Coordinator drives chunked transfers. It holds no per-session state and is
// safe to share.
type Coordinator struct {
	api        API
	validator  *security.Validator
	checkpoint Checkpointer
	limiter    *rate.Limiter
}

// NewCoordinator creates a coordinator talking to client.
func NewCoordinator(client API, opts ...Option) *Coordinator {
	c := &Coordinator{api: client}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin opens an upload session for src. The server's chunk size wins over
// the proposed one.
func (c *Coordinator) Begin(ctx context.Context, src Source, chunkSize int64) (*Session, error) {
	name, size := src.Name(), src.Size()
	slog.Info("upload_init", "filename", name, "size_mb", size/1024/1024, "chunk_size", chunkSize)

	if c.validator != nil {
		if err := c.validator.ValidateArtifactName(name); err != nil {
			return nil, &InitError{Err: err}
		}
		if err := c.validator.ValidateArtifactSize(size); err != nil {
			return nil, &InitError{Err: err}
		}
		if err := c.validator.ValidateChunkSize(chunkSize); err != nil {
			return nil, &InitError{Err: err}
		}
	}

	resp, err := c.api.InitUpload(ctx, &api.InitUploadRequest{
		Filename:  name,
		TotalSize: size,
		ChunkSize: chunkSize,
	})
	if err != nil {
		slog.Error("upload_init_failed", "filename", name, "error", err)
		return nil, &InitError{Err: err}
	}

	if resp.ChunkSize > 0 && resp.ChunkSize != chunkSize {
		slog.Info("upload_chunk_size_overridden", "proposed", chunkSize, "server", resp.ChunkSize)
		chunkSize = resp.ChunkSize
	}
	total := TotalChunks(size, chunkSize)
	if resp.TotalChunks != 0 && resp.TotalChunks != total {
		err := fmt.Errorf("server expects %d chunks, computed %d", resp.TotalChunks, total)
		c.cancelRemote(ctx, resp.UploadID)
		return nil, &InitError{Err: err}
	}

	s := &Session{
		UploadID:    resp.UploadID,
		Filename:    name,
		TotalSize:   size,
		ChunkSize:   chunkSize,
		TotalChunks: total,
		UploadPath:  resp.UploadPath,
		src:         src,
	}

	if c.checkpoint != nil {
		if err := c.checkpoint.SaveUpload(ctx, s); err != nil {
			slog.Warn("upload_checkpoint_failed", "upload_id", s.UploadID, "error", err)
		}
	}

	slog.Info("upload_session_opened", "upload_id", s.UploadID, "total_chunks", s.TotalChunks, "chunk_size", s.ChunkSize)
	return s, nil
}

// Resume rebuilds a session for an upload the server already knows about,
// positioned at the first chunk the server has not acknowledged.
func (c *Coordinator) Resume(ctx context.Context, src Source, uploadID string) (*Session, error) {
	slog.Info("upload_resume", "upload_id", uploadID, "filename", src.Name())

	st, err := c.api.UploadStatus(ctx, uploadID)
	if err != nil {
		slog.Error("upload_status_failed", "upload_id", uploadID, "error", err)
		return nil, errors.Wrap(err, "failed to query upload status")
	}
	if st.TotalSize != src.Size() {
		return nil, fmt.Errorf("artifact size %d does not match upload %s size %d", src.Size(), uploadID, st.TotalSize)
	}
	if st.ChunkSize <= 0 {
		return nil, fmt.Errorf("upload %s reports no chunk size", uploadID)
	}

	total := TotalChunks(st.TotalSize, st.ChunkSize)
	s := &Session{
		UploadID:      uploadID,
		Filename:      src.Name(),
		TotalSize:     st.TotalSize,
		ChunkSize:     st.ChunkSize,
		TotalChunks:   total,
		BytesReceived: st.BytesReceived,
		src:           src,
	}
	if st.ChunksReceived != nil {
		s.NextChunk = firstMissing(st.ChunksReceived, total)
	} else {
		s.NextChunk = int(st.BytesReceived / st.ChunkSize)
	}
	if st.TotalSize > 0 {
		s.ProgressPercent = float64(st.BytesReceived) * 100 / float64(st.TotalSize)
	}

	slog.Info("upload_resumed", "upload_id", uploadID, "next_chunk", s.NextChunk, "total_chunks", total, "bytes_received", s.BytesReceived)
	return s, nil
}

// SubmitChunks sends chunks NextChunk..TotalChunks-1 strictly in order. The
// cancel channel is checked before every chunk; a closed channel stops the
// transfer, cancels the remote session and returns ErrUploadCancelled. A chunk
// already in flight is always allowed to settle.
func (c *Coordinator) SubmitChunks(ctx context.Context, s *Session, cancel <-chan struct{}, onProgress func(Progress)) error {
	for i := s.NextChunk; i < s.TotalChunks; i++ {
		if cancelled(cancel) {
			return c.abort(ctx, s)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		offset, length := s.chunkRange(i)
		if err := c.wait(ctx, length); err != nil {
			return err
		}

		if err := c.submit(ctx, s, i, offset, length); err != nil {
			slog.Error("upload_chunk_failed", "upload_id", s.UploadID, "chunk_index", i, "error", err)
			return &ChunkUploadError{Index: i, Err: err}
		}

		if c.checkpoint != nil {
			if err := c.checkpoint.SaveUploadProgress(ctx, s.UploadID, i, s.BytesReceived); err != nil {
				slog.Warn("upload_checkpoint_failed", "upload_id", s.UploadID, "chunk_index", i, "error", err)
			}
		}
		if onProgress != nil {
			onProgress(s.progress(i))
		}
	}
	return nil
}

func (c *Coordinator) submit(ctx context.Context, s *Session, index int, offset, length int64) error {
	body, err := s.src.OpenChunk(ctx, offset, length)
	if err != nil {
		return err
	}
	defer body.Close()

	resp, err := c.api.SubmitChunk(ctx, s.UploadID, index, body, length)
	if err != nil {
		return err
	}
	if err := s.apply(index, resp); err != nil {
		return err
	}

	slog.Debug("upload_chunk_acked", "upload_id", s.UploadID, "chunk_index", index, "bytes_received", s.BytesReceived, "progress", s.ProgressPercent)
	return nil
}

func (c *Coordinator) wait(ctx context.Context, n int64) error {
	if c.limiter == nil {
		return nil
	}
	if int(n) > c.limiter.Burst() {
		c.limiter.SetBurst(int(n))
	}
	return c.limiter.WaitN(ctx, int(n))
}

// Complete asks the server to assemble the session and returns the artifact
// path it produced.
func (c *Coordinator) Complete(ctx context.Context, s *Session) (string, error) {
	slog.Info("upload_complete", "upload_id", s.UploadID)

	resp, err := c.api.CompleteUpload(ctx, s.UploadID)
	if err == nil && resp.ISOPath == "" {
		err = fmt.Errorf("server returned no artifact path")
	}
	if err != nil {
		slog.Error("upload_finalize_failed", "upload_id", s.UploadID, "error", err)
		c.finish(ctx, s, OutcomeFailed, errors.Detail(err))
		return "", &FinalizeError{Err: err}
	}

	s.FinalizedPath = resp.ISOPath
	s.BytesReceived = s.TotalSize
	s.ProgressPercent = 100
	c.finish(ctx, s, OutcomeComplete, "")

	slog.Info("upload_finalized", "upload_id", s.UploadID, "iso_path", s.FinalizedPath)
	return s.FinalizedPath, nil
}

// Cancel discards the remote session. It runs even when ctx is already done
// and is safe to call more than once.
func (c *Coordinator) Cancel(ctx context.Context, s *Session) error {
	slog.Info("upload_cancel", "upload_id", s.UploadID)
	err := c.cancelRemote(ctx, s.UploadID)
	c.finish(ctx, s, OutcomeCancelled, "")
	return err
}

// Upload runs a whole transfer: begin, every chunk, then complete.
func (c *Coordinator) Upload(ctx context.Context, src Source, chunkSize int64, cancel <-chan struct{}, onProgress func(Progress)) (*Session, error) {
	s, err := c.Begin(ctx, src, chunkSize)
	if err != nil {
		return nil, err
	}
	return s, c.Finish(ctx, s, cancel, onProgress)
}

// Finish submits the remaining chunks of s and completes it.
func (c *Coordinator) Finish(ctx context.Context, s *Session, cancel <-chan struct{}, onProgress func(Progress)) error {
	if err := c.SubmitChunks(ctx, s, cancel, onProgress); err != nil {
		return err
	}
	if cancelled(cancel) {
		return c.abort(ctx, s)
	}
	_, err := c.Complete(ctx, s)
	return err
}

func (c *Coordinator) abort(ctx context.Context, s *Session) error {
	slog.Info("upload_cancelled", "upload_id", s.UploadID, "next_chunk", s.NextChunk, "total_chunks", s.TotalChunks)
	if err := c.Cancel(ctx, s); err != nil {
		slog.Warn("upload_remote_cancel_failed", "upload_id", s.UploadID, "error", err)
	}
	return ErrUploadCancelled
}

func (c *Coordinator) cancelRemote(ctx context.Context, uploadID string) error {
	cctx, done := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer done()
	return c.api.CancelUpload(cctx, uploadID)
}

func (c *Coordinator) finish(ctx context.Context, s *Session, outcome, msg string) {
	if c.checkpoint == nil {
		return
	}
	cctx, done := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer done()
	if err := c.checkpoint.FinishUpload(cctx, s.UploadID, outcome, s.FinalizedPath, msg); err != nil {
		slog.Warn("upload_checkpoint_failed", "upload_id", s.UploadID, "outcome", outcome, "error", err)
	}
}

func cancelled(cancel <-chan struct{}) bool {
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

func firstMissing(received []int, total int) int {
	sorted := slices.Clone(received)
	slices.Sort(sorted)
	next := 0
	for _, idx := range sorted {
		if idx == next {
			next++
		} else if idx > next {
			break
		}
	}
	return min(next, total)
}
