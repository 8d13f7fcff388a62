package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/netlab/vimport/pkg/errors"
	"github.com/netlab/vimport/pkg/transfer"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for uploads and import runs
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Create schema
	slog.Debug("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Debug("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

const uploadColumns = `
	upload_id, filename, source, total_size, chunk_size, total_chunks,
	last_acked_chunk, bytes_received, finalized_path, status, error_message,
	created_at, updated_at`

// CreateUpload inserts a new upload checkpoint
func (r *Repository) CreateUpload(ctx context.Context, u *Upload) error {
	slog.Debug("database_create_upload", "upload_id", u.UploadID, "source", u.Source)

	if u.Status == "" {
		u.Status = UploadUploading
	}
	query := `
		INSERT INTO uploads (upload_id, filename, source, total_size, chunk_size, total_chunks,
		                     last_acked_chunk, bytes_received, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		u.UploadID, u.Filename, u.Source, u.TotalSize, u.ChunkSize, u.TotalChunks,
		u.LastAckedChunk, u.BytesReceived, u.Status)
	if err != nil {
		slog.Error("database_insert_failed", "upload_id", u.UploadID, "error", err)
		return errors.Wrap(err, "failed to insert upload")
	}
	return nil
}

// RecordUploadProgress advances the checkpoint of an upload. Values never
// move backwards.
func (r *Repository) RecordUploadProgress(ctx context.Context, uploadID string, lastChunk int, bytesReceived int64) error {
	query := `
		UPDATE uploads
		SET last_acked_chunk = MAX(last_acked_chunk, ?), bytes_received = MAX(bytes_received, ?),
		    updated_at = CURRENT_TIMESTAMP
		WHERE upload_id = ?
	`
	result, err := r.db.ExecContext(ctx, query, lastChunk, bytesReceived, uploadID)
	if err != nil {
		slog.Error("database_update_failed", "upload_id", uploadID, "error", err)
		return errors.Wrap(err, "failed to update upload progress")
	}
	return requireRow(result, "upload", uploadID)
}

// FinishUpload records how an upload ended
func (r *Repository) FinishUpload(ctx context.Context, uploadID, status, finalizedPath, errorMessage string) error {
	slog.Debug("database_finish_upload", "upload_id", uploadID, "status", status)

	query := `
		UPDATE uploads
		SET status = ?, finalized_path = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE upload_id = ?
	`
	result, err := r.db.ExecContext(ctx, query, status, nullString(finalizedPath), nullString(errorMessage), uploadID)
	if err != nil {
		slog.Error("database_status_update_failed", "upload_id", uploadID, "status", status, "error", err)
		return errors.Wrap(err, "failed to update upload status")
	}
	return requireRow(result, "upload", uploadID)
}

// GetUpload retrieves an upload by id
func (r *Repository) GetUpload(ctx context.Context, uploadID string) (*Upload, error) {
	query := `SELECT ` + uploadColumns + ` FROM uploads WHERE upload_id = ?`
	u, err := scanUpload(r.db.QueryRowContext(ctx, query, uploadID))
	if err == sql.ErrNoRows {
		slog.Debug("database_upload_not_found", "upload_id", uploadID)
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("database_query_failed", "upload_id", uploadID, "error", err)
		return nil, errors.Wrap(err, "failed to query upload")
	}
	return u, nil
}

// FindResumableUpload returns the newest unfinished upload of source with
// the given size, or nil.
func (r *Repository) FindResumableUpload(ctx context.Context, source string, totalSize int64) (*Upload, error) {
	query := `SELECT ` + uploadColumns + `
		FROM uploads
		WHERE source = ? AND total_size = ? AND status = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`
	u, err := scanUpload(r.db.QueryRowContext(ctx, query, source, totalSize, UploadUploading))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "source", source, "error", err)
		return nil, errors.Wrap(err, "failed to query resumable upload")
	}
	slog.Info("database_resumable_upload_found", "upload_id", u.UploadID, "last_acked_chunk", u.LastAckedChunk)
	return u, nil
}

// ListUploads retrieves uploads, newest first. An empty status lists all.
func (r *Repository) ListUploads(ctx context.Context, status string) ([]*Upload, error) {
	query := `SELECT ` + uploadColumns + ` FROM uploads`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list uploads")
	}
	defer rows.Close()

	var uploads []*Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		uploads = append(uploads, u)
	}
	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "error iterating rows")
	}
	return uploads, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (*Upload, error) {
	var u Upload
	var finalizedPath, errorMessage sql.NullString
	err := row.Scan(
		&u.UploadID, &u.Filename, &u.Source, &u.TotalSize, &u.ChunkSize, &u.TotalChunks,
		&u.LastAckedChunk, &u.BytesReceived, &finalizedPath, &u.Status, &errorMessage,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.FinalizedPath = finalizedPath.String
	u.ErrorMessage = errorMessage.String
	return &u, nil
}

// Checkpointer returns a transfer.Checkpointer that records sessions read
// from source.
func (r *Repository) Checkpointer(source string) *UploadCheckpointer {
	return &UploadCheckpointer{repo: r, source: source}
}

// UploadCheckpointer stores transfer sessions in the uploads table.
type UploadCheckpointer struct {
	repo   *Repository
	source string
}

var _ transfer.Checkpointer = (*UploadCheckpointer)(nil)

func (c *UploadCheckpointer) SaveUpload(ctx context.Context, s *transfer.Session) error {
	return c.repo.CreateUpload(ctx, &Upload{
		UploadID:       s.UploadID,
		Filename:       s.Filename,
		Source:         c.source,
		TotalSize:      s.TotalSize,
		ChunkSize:      s.ChunkSize,
		TotalChunks:    s.TotalChunks,
		LastAckedChunk: s.NextChunk - 1,
		BytesReceived:  s.BytesReceived,
	})
}

func (c *UploadCheckpointer) SaveUploadProgress(ctx context.Context, uploadID string, lastChunk int, bytesReceived int64) error {
	return c.repo.RecordUploadProgress(ctx, uploadID, lastChunk, bytesReceived)
}

func (c *UploadCheckpointer) FinishUpload(ctx context.Context, uploadID, outcome, finalizedPath, errorMessage string) error {
	return c.repo.FinishUpload(ctx, uploadID, outcome, finalizedPath, errorMessage)
}

const importColumns = `
	run_id, artifact_path, session_id, image_ids, create_devices, status,
	progress, error_message, created_at, updated_at`

// CreateImport inserts a new import run
func (r *Repository) CreateImport(ctx context.Context, run *ImportRun) error {
	slog.Debug("database_create_import", "run_id", run.RunID, "artifact_path", run.ArtifactPath)

	if run.Status == "" {
		run.Status = ImportPending
	}
	ids, err := json.Marshal(nonNil(run.ImageIDs))
	if err != nil {
		return errors.Wrap(err, "failed to encode image ids")
	}

	query := `
		INSERT INTO imports (run_id, artifact_path, session_id, image_ids, create_devices, status, progress, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		run.RunID, run.ArtifactPath, nullString(run.SessionID), string(ids), run.CreateDevices,
		run.Status, run.Progress, nullString(run.ErrorMessage))
	if err != nil {
		slog.Error("database_insert_failed", "run_id", run.RunID, "error", err)
		return errors.Wrap(err, "failed to insert import run")
	}
	return nil
}

// UpdateImport updates an existing import run
func (r *Repository) UpdateImport(ctx context.Context, run *ImportRun) error {
	slog.Debug("database_update_import", "run_id", run.RunID, "status", run.Status, "progress", run.Progress)

	ids, err := json.Marshal(nonNil(run.ImageIDs))
	if err != nil {
		return errors.Wrap(err, "failed to encode image ids")
	}

	query := `
		UPDATE imports
		SET artifact_path = ?, session_id = ?, image_ids = ?, create_devices = ?, status = ?,
		    progress = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE run_id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		run.ArtifactPath, nullString(run.SessionID), string(ids), run.CreateDevices, run.Status,
		run.Progress, nullString(run.ErrorMessage), run.RunID)
	if err != nil {
		slog.Error("database_update_failed", "run_id", run.RunID, "error", err)
		return errors.Wrap(err, "failed to update import run")
	}
	return requireRow(result, "import run", run.RunID)
}

// GetImport retrieves an import run by id
func (r *Repository) GetImport(ctx context.Context, runID string) (*ImportRun, error) {
	query := `SELECT ` + importColumns + ` FROM imports WHERE run_id = ?`
	run, err := scanImport(r.db.QueryRowContext(ctx, query, runID))
	if err == sql.ErrNoRows {
		slog.Debug("database_import_not_found", "run_id", runID)
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("database_query_failed", "run_id", runID, "error", err)
		return nil, errors.Wrap(err, "failed to query import run")
	}
	return run, nil
}

// ListImports retrieves all import runs, newest first
func (r *Repository) ListImports(ctx context.Context) ([]*ImportRun, error) {
	query := `SELECT ` + importColumns + ` FROM imports ORDER BY created_at DESC, rowid DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list import runs")
	}
	defer rows.Close()

	var runs []*ImportRun
	for rows.Next() {
		run, err := scanImport(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "error iterating rows")
	}
	return runs, nil
}

func scanImport(row rowScanner) (*ImportRun, error) {
	var run ImportRun
	var sessionID, errorMessage sql.NullString
	var ids string
	err := row.Scan(
		&run.RunID, &run.ArtifactPath, &sessionID, &ids, &run.CreateDevices, &run.Status,
		&run.Progress, &errorMessage, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ids), &run.ImageIDs); err != nil {
		return nil, fmt.Errorf("image_ids of run %s: %w", run.RunID, err)
	}
	run.SessionID = sessionID.String
	run.ErrorMessage = errorMessage.String
	return &run, nil
}

func requireRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "id", id, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("%s not found: id=%s", kind, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
