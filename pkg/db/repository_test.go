package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/netlab/vimport/pkg/transfer"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "vimport.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_UploadCheckpoints(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	cp := repo.Checkpointer("/data/refplat.iso")

	s := &transfer.Session{
		UploadID:    "upl-1",
		Filename:    "refplat.iso",
		TotalSize:   25 << 20,
		ChunkSize:   10 << 20,
		TotalChunks: 3,
	}
	if err := cp.SaveUpload(ctx, s); err != nil {
		t.Fatalf("failed to save upload: %v", err)
	}

	u, err := repo.GetUpload(ctx, "upl-1")
	if err != nil {
		t.Fatalf("failed to get upload: %v", err)
	}
	if u.Status != UploadUploading || u.LastAckedChunk != -1 || u.Source != "/data/refplat.iso" {
		t.Errorf("unexpected new upload: %+v", u)
	}

	if err := cp.SaveUploadProgress(ctx, "upl-1", 1, 20<<20); err != nil {
		t.Fatalf("failed to save progress: %v", err)
	}
	// A stale checkpoint must not move progress backwards.
	if err := cp.SaveUploadProgress(ctx, "upl-1", 0, 10<<20); err != nil {
		t.Fatalf("failed to save progress: %v", err)
	}

	u, _ = repo.GetUpload(ctx, "upl-1")
	if u.LastAckedChunk != 1 || u.BytesReceived != 20<<20 {
		t.Errorf("progress not recorded: got chunk %d bytes %d", u.LastAckedChunk, u.BytesReceived)
	}

	if err := cp.FinishUpload(ctx, "upl-1", transfer.OutcomeComplete, "/isos/refplat.iso", ""); err != nil {
		t.Fatalf("failed to finish upload: %v", err)
	}
	u, _ = repo.GetUpload(ctx, "upl-1")
	if u.Status != UploadComplete || u.FinalizedPath != "/isos/refplat.iso" {
		t.Errorf("upload not finished: %+v", u)
	}
}

func TestRepository_FindResumableUpload(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	repo.CreateUpload(ctx, &Upload{UploadID: "upl-1", Filename: "a.iso", Source: "/data/a.iso", TotalSize: 100, ChunkSize: 10, TotalChunks: 10, LastAckedChunk: -1})
	repo.CreateUpload(ctx, &Upload{UploadID: "upl-2", Filename: "a.iso", Source: "/data/a.iso", TotalSize: 100, ChunkSize: 10, TotalChunks: 10, LastAckedChunk: -1})
	repo.CreateUpload(ctx, &Upload{UploadID: "upl-3", Filename: "b.iso", Source: "/data/b.iso", TotalSize: 100, ChunkSize: 10, TotalChunks: 10, LastAckedChunk: -1})
	repo.FinishUpload(ctx, "upl-2", UploadCancelled, "", "")

	u, err := repo.FindResumableUpload(ctx, "/data/a.iso", 100)
	if err != nil {
		t.Fatalf("failed to find upload: %v", err)
	}
	if u == nil || u.UploadID != "upl-1" {
		t.Errorf("expected upl-1, got %+v", u)
	}

	u, err = repo.FindResumableUpload(ctx, "/data/a.iso", 200)
	if err != nil || u != nil {
		t.Errorf("size mismatch should find nothing: %+v, %v", u, err)
	}
}

func TestRepository_ListUploads(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	repo.CreateUpload(ctx, &Upload{UploadID: "upl-1", Filename: "a.iso", Source: "/a.iso", TotalSize: 1, ChunkSize: 1, TotalChunks: 1, LastAckedChunk: -1})
	repo.CreateUpload(ctx, &Upload{UploadID: "upl-2", Filename: "b.iso", Source: "/b.iso", TotalSize: 1, ChunkSize: 1, TotalChunks: 1, LastAckedChunk: -1})
	repo.FinishUpload(ctx, "upl-1", UploadFailed, "", "failed to write chunk 0")

	all, err := repo.ListUploads(ctx, "")
	if err != nil {
		t.Fatalf("failed to list uploads: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 uploads, got %d", len(all))
	}

	open, _ := repo.ListUploads(ctx, UploadUploading)
	if len(open) != 1 || open[0].UploadID != "upl-2" {
		t.Errorf("expected only upl-2 open, got %+v", open)
	}

	failed, _ := repo.ListUploads(ctx, UploadFailed)
	if len(failed) != 1 || failed[0].ErrorMessage != "failed to write chunk 0" {
		t.Errorf("expected failed upload with message, got %+v", failed)
	}
}

func TestRepository_UnknownUpload(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	u, err := repo.GetUpload(ctx, "missing")
	if err != nil || u != nil {
		t.Errorf("expected nil, nil; got %+v, %v", u, err)
	}
	if err := repo.RecordUploadProgress(ctx, "missing", 0, 1); err == nil {
		t.Error("expected error updating unknown upload")
	}
}

func TestRepository_ImportRuns(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	run := &ImportRun{RunID: "run-1", ArtifactPath: "/isos/refplat.iso", CreateDevices: true}
	if err := repo.CreateImport(ctx, run); err != nil {
		t.Fatalf("failed to create import: %v", err)
	}
	if run.Status != ImportPending {
		t.Errorf("expected pending status, got %s", run.Status)
	}

	run.SessionID = "scan-1"
	run.ImageIDs = []string{"iosv-158-3", "nxosv-9300"}
	run.Status = ImportFailed
	run.Progress = 40
	run.ErrorMessage = "disk full"
	if err := repo.UpdateImport(ctx, run); err != nil {
		t.Fatalf("failed to update import: %v", err)
	}

	got, err := repo.GetImport(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get import: %v", err)
	}
	if got.SessionID != "scan-1" || got.Status != ImportFailed || got.ErrorMessage != "disk full" || !got.CreateDevices {
		t.Errorf("import mismatch: %+v", got)
	}
	if len(got.ImageIDs) != 2 || got.ImageIDs[1] != "nxosv-9300" {
		t.Errorf("image ids mismatch: %v", got.ImageIDs)
	}

	repo.CreateImport(ctx, &ImportRun{RunID: "run-2", ArtifactPath: "/isos/other.iso"})
	runs, err := repo.ListImports(ctx)
	if err != nil {
		t.Fatalf("failed to list imports: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "run-2" {
		t.Errorf("expected newest first, got %+v", runs)
	}

	if err := repo.UpdateImport(ctx, &ImportRun{RunID: "missing", Status: ImportFailed}); err == nil {
		t.Error("expected error updating unknown run")
	}
}
