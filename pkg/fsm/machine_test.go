package fsm

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/netlab/vimport/pkg/api"
	"github.com/netlab/vimport/pkg/api/apitest"
	"github.com/netlab/vimport/pkg/db"
	"github.com/netlab/vimport/pkg/monitor"
	"github.com/netlab/vimport/pkg/scanner"
	"github.com/netlab/vimport/pkg/transfer"
	"github.com/netlab/vimport/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superfly/fsm"
)

const (
	sourcePath   = "/data/refplat.iso"
	artifactPath = "/var/lib/vimport/isos/refplat.iso"
)

type fixture struct {
	srv      *apitest.Server
	repo     *db.Repository
	data     []byte
	progress []string

	onProgress func(stage string)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := apitest.NewServer(t)
	srv.Scans[artifactPath] = &api.ScanResponse{
		SessionID:         "scan-1",
		ISOPath:           artifactPath,
		DeviceDefinitions: []api.DeviceDefinition{{ID: "iosv"}, {ID: "nxosv"}},
		Images: []api.Image{
			{ID: "iosv-158-3", DeviceDefinitionID: "iosv"},
			{ID: "iosv-159-3", DeviceDefinitionID: "iosv"},
			{ID: "nxosv-9300", DeviceDefinitionID: "nxosv"},
		},
	}

	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "vimport.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i)
	}
	return &fixture{srv: srv, repo: repo, data: data}
}

func (f *fixture) machine(t *testing.T) *Machine {
	client := f.srv.Client(t)
	mon := monitor.New(client, monitor.Config{
		PollInterval:     time.Millisecond,
		RetryInterval:    2 * time.Millisecond,
		MaxRetryInterval: 5 * time.Millisecond,
	}, nil)

	newWorkflow := func(source string) *workflow.Workflow {
		return workflow.New(workflow.Deps{
			Uploader:  transfer.NewCoordinator(client, transfer.WithCheckpointer(f.repo.Checkpointer(source))),
			Scanner:   scanner.NewClient(client),
			Importer:  mon,
			ChunkSize: 4,
		})
	}
	open := func(_ context.Context, source string) (transfer.Source, error) {
		if source != sourcePath {
			return nil, fmt.Errorf("open %s: no such file", source)
		}
		return transfer.NewReaderAtSource("refplat.iso", bytes.NewReader(f.data), int64(len(f.data))), nil
	}
	return NewMachine(f.repo, newWorkflow, open, mon, 3, WithProgress(func(_, stage string, _ float64) {
		f.progress = append(f.progress, stage)
		if f.onProgress != nil {
			f.onProgress(stage)
		}
	}))
}

type handler func(context.Context, *fsm.Request[ImportRequest, ImportResponse]) (*fsm.Response[ImportResponse], error)

func run(t *testing.T, req *fsm.Request[ImportRequest, ImportResponse], handlers ...handler) {
	t.Helper()
	for _, h := range handlers {
		_, err := h(context.Background(), req)
		require.NoError(t, err)
	}
}

func TestMachine_UploadScanSelectImport(t *testing.T) {
	f := newFixture(t)
	f.srv.Progress = []api.ProgressResponse{
		{Status: monitor.StatusImporting, ProgressPercent: 50},
		{Status: monitor.StatusCompleted, ProgressPercent: 100},
	}
	m := f.machine(t)

	resp := &ImportResponse{}
	req := fsm.NewRequest(&ImportRequest{
		RunID:         "run-1",
		Source:        sourcePath,
		ExcludeIDs:    []string{"iosv-159-3"},
		CreateDevices: true,
	}, resp)

	run(t, req, m.handlePrepare, m.handleScan, m.handleSelect, m.handleImport, m.handleComplete)

	assert.Equal(t, "upl-1", resp.UploadID)
	assert.Equal(t, "scan-1", resp.SessionID)
	assert.Equal(t, 3, resp.ImageCount)
	assert.Equal(t, []string{"iosv-158-3", "nxosv-9300"}, resp.SelectedIDs)
	assert.Equal(t, db.ImportCompleted, resp.Status)

	_, body := f.srv.StartCalls()
	assert.Equal(t, []string{"iosv-158-3", "nxosv-9300"}, body.ImageIDs)
	assert.True(t, body.CreateDevices)

	stored, err := f.repo.GetImport(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, db.ImportCompleted, stored.Status)
	assert.Equal(t, artifactPath, stored.ArtifactPath)
	assert.Equal(t, "scan-1", stored.SessionID)
	assert.Equal(t, []string{"iosv-158-3", "nxosv-9300"}, stored.ImageIDs)
	assert.Equal(t, 100.0, stored.Progress)

	upload, err := f.repo.GetUpload(context.Background(), "upl-1")
	require.NoError(t, err)
	assert.Equal(t, db.UploadComplete, upload.Status)
	assert.Equal(t, sourcePath, upload.Source)
	assert.Equal(t, 4, upload.LastAckedChunk)

	assert.Contains(t, f.progress, "upload")
	assert.Contains(t, f.progress, "import")
}

func TestMachine_JobFailureMarksRunFailed(t *testing.T) {
	f := newFixture(t)
	f.srv.Progress = []api.ProgressResponse{{Status: monitor.StatusFailed, ErrorMessage: "disk full"}}
	m := f.machine(t)

	req := fsm.NewRequest(&ImportRequest{
		RunID:        "run-1",
		ArtifactPath: artifactPath,
		ImageIDs:     []string{"nxosv-9300"},
	}, &ImportResponse{})

	run(t, req, m.handlePrepare, m.handleScan, m.handleSelect)
	_, err := m.handleImport(context.Background(), req)
	require.Error(t, err)

	assert.Equal(t, 0, f.srv.CompleteCalls())
	_, body := f.srv.StartCalls()
	assert.Equal(t, []string{"nxosv-9300"}, body.ImageIDs)
	assert.False(t, body.CreateDevices)

	stored, err := f.repo.GetImport(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, db.ImportFailed, stored.Status)
	assert.Equal(t, "disk full", stored.ErrorMessage)
}

func TestMachine_UnknownImageAborts(t *testing.T) {
	f := newFixture(t)
	m := f.machine(t)

	req := fsm.NewRequest(&ImportRequest{
		RunID:        "run-1",
		ArtifactPath: artifactPath,
		ImageIDs:     []string{"csr1000v"},
	}, &ImportResponse{})

	run(t, req, m.handlePrepare, m.handleScan)
	_, err := m.handleSelect(context.Background(), req)
	require.Error(t, err)

	stored, _ := f.repo.GetImport(context.Background(), "run-1")
	assert.Equal(t, db.ImportFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "csr1000v")
}

func TestMachine_ScanFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.srv.ScanError = "Unsupported ISO format"
	m := f.machine(t)

	req := fsm.NewRequest(&ImportRequest{RunID: "run-1", ArtifactPath: artifactPath}, &ImportResponse{})

	run(t, req, m.handlePrepare)
	_, err := m.handleScan(context.Background(), req)
	require.Error(t, err)

	stored, _ := f.repo.GetImport(context.Background(), "run-1")
	assert.Equal(t, db.ImportFailed, stored.Status)
	assert.Equal(t, "Unsupported ISO format", stored.ErrorMessage)
}

func TestMachine_PrepareRequiresInput(t *testing.T) {
	f := newFixture(t)
	m := f.machine(t)

	req := fsm.NewRequest(&ImportRequest{RunID: "run-1"}, &ImportResponse{})
	_, err := m.handlePrepare(context.Background(), req)
	require.Error(t, err)
}

func TestMachine_ResumesRecordedUpload(t *testing.T) {
	f := newFixture(t)
	m := f.machine(t)
	ctx := context.Background()

	id := f.srv.Preload("refplat.iso", f.data, 4, 3)
	require.NoError(t, f.repo.CreateUpload(ctx, &db.Upload{
		UploadID:       id,
		Filename:       "refplat.iso",
		Source:         sourcePath,
		TotalSize:      int64(len(f.data)),
		ChunkSize:      4,
		TotalChunks:    5,
		LastAckedChunk: 2,
		BytesReceived:  12,
	}))

	req := fsm.NewRequest(&ImportRequest{RunID: "run-1", Source: sourcePath, Resume: true}, &ImportResponse{})
	run(t, req, m.handlePrepare, m.handleScan)

	assert.Equal(t, []int{3, 4}, f.srv.ChunkCalls())
	assert.Equal(t, f.data, f.srv.ReceivedBytes(id))

	upload, err := f.repo.GetUpload(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.UploadComplete, upload.Status)
	assert.Equal(t, 4, upload.LastAckedChunk)
}

func TestMachine_ForgottenUploadIsAbandoned(t *testing.T) {
	f := newFixture(t)
	m := f.machine(t)
	ctx := context.Background()

	require.NoError(t, f.repo.CreateUpload(ctx, &db.Upload{
		UploadID:       "upl-gone",
		Filename:       "refplat.iso",
		Source:         sourcePath,
		TotalSize:      int64(len(f.data)),
		ChunkSize:      4,
		TotalChunks:    5,
		LastAckedChunk: 1,
		BytesReceived:  8,
	}))

	req := fsm.NewRequest(&ImportRequest{RunID: "run-1", Source: sourcePath, Resume: true}, &ImportResponse{})
	run(t, req, m.handlePrepare)
	_, err := m.handleScan(ctx, req)
	require.Error(t, err)
	assert.Empty(t, f.srv.ChunkCalls())

	upload, err := f.repo.GetUpload(ctx, "upl-gone")
	require.NoError(t, err)
	assert.Equal(t, db.UploadFailed, upload.Status)
	assert.NotEmpty(t, upload.ErrorMessage)

	resumable, err := f.repo.FindResumableUpload(ctx, sourcePath, int64(len(f.data)))
	require.NoError(t, err)
	assert.Nil(t, resumable)
}

func TestMachine_AbandonUploadReportsLedgerError(t *testing.T) {
	f := newFixture(t)
	m := f.machine(t)

	err := m.abandonUpload(context.Background(), "run-1", "upl-unknown", &api.StatusError{StatusCode: 404, Message: "Upload not found"})
	assert.Error(t, err)
}

func TestMachine_CancelUploadsStopsRunningUpload(t *testing.T) {
	f := newFixture(t)
	m := f.machine(t)
	ctx := context.Background()
	assert.Zero(t, m.CancelUploads())

	requested := 0
	f.onProgress = func(stage string) {
		if stage == "upload" && requested == 0 {
			requested = m.CancelUploads()
		}
	}

	req := fsm.NewRequest(&ImportRequest{RunID: "run-1", Source: sourcePath}, &ImportResponse{})
	run(t, req, m.handlePrepare)
	_, err := m.handleScan(ctx, req)
	require.ErrorIs(t, err, transfer.ErrUploadCancelled)

	assert.Equal(t, 1, requested)
	assert.Equal(t, []int{0}, f.srv.ChunkCalls())
	assert.Equal(t, 1, f.srv.CancelCalls())
	assert.Equal(t, 0, f.srv.CompleteCalls())

	stored, err := f.repo.GetImport(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, db.ImportFailed, stored.Status)
	assert.Equal(t, "upload cancelled", stored.ErrorMessage)

	upload, err := f.repo.GetUpload(ctx, "upl-1")
	require.NoError(t, err)
	assert.Equal(t, db.UploadCancelled, upload.Status)
}

func TestMachine_RestoresWorkflowAfterRestart(t *testing.T) {
	f := newFixture(t)
	f.srv.Progress = []api.ProgressResponse{{Status: monitor.StatusCompleted, ProgressPercent: 100}}

	resp := &ImportResponse{}
	req := fsm.NewRequest(&ImportRequest{RunID: "run-1", ArtifactPath: artifactPath}, resp)
	first := f.machine(t)
	run(t, req, first.handlePrepare, first.handleScan)

	restarted := f.machine(t)
	run(t, req, restarted.handleSelect, restarted.handleImport, restarted.handleComplete)

	assert.Equal(t, 2, f.srv.ScanCalls())
	assert.Len(t, resp.SelectedIDs, 3)
	stored, _ := f.repo.GetImport(context.Background(), "run-1")
	assert.Equal(t, db.ImportCompleted, stored.Status)
}
