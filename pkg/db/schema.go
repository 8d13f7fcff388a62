package db

// Schema defines the local SQLite state: upload checkpoints used to resume an
// interrupted transfer, and the history of import runs.
const Schema = `
CREATE TABLE IF NOT EXISTS uploads (
    upload_id TEXT PRIMARY KEY,
    filename TEXT NOT NULL,
    source TEXT NOT NULL,
    total_size INTEGER NOT NULL,
    chunk_size INTEGER NOT NULL,
    total_chunks INTEGER NOT NULL,
    last_acked_chunk INTEGER NOT NULL DEFAULT -1,
    bytes_received INTEGER NOT NULL DEFAULT 0,
    finalized_path TEXT,
    status TEXT NOT NULL CHECK(status IN ('uploading', 'complete', 'cancelled', 'failed')),
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_uploads_source ON uploads(source);
CREATE INDEX IF NOT EXISTS idx_uploads_status ON uploads(status);

CREATE TABLE IF NOT EXISTS imports (
    run_id TEXT PRIMARY KEY,
    artifact_path TEXT NOT NULL,
    session_id TEXT,
    image_ids TEXT NOT NULL DEFAULT '[]',
    create_devices INTEGER NOT NULL DEFAULT 1,
    status TEXT NOT NULL CHECK(status IN ('pending', 'uploading', 'scanning', 'review', 'importing', 'completed', 'failed')),
    progress REAL NOT NULL DEFAULT 0,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_imports_status ON imports(status);
CREATE INDEX IF NOT EXISTS idx_imports_created_at ON imports(created_at);
`

// Upload status constants
const (
	UploadUploading = "uploading"
	UploadComplete  = "complete"
	UploadCancelled = "cancelled"
	UploadFailed    = "failed"
)

// Import run status constants
const (
	ImportPending   = "pending"
	ImportUploading = "uploading"
	ImportScanning  = "scanning"
	ImportReview    = "review"
	ImportImporting = "importing"
	ImportCompleted = "completed"
	ImportFailed    = "failed"
)

// Upload is a checkpointed chunked transfer.
type Upload struct {
	UploadID       string `json:"upload_id" yaml:"upload_id"`
	Filename       string `json:"filename" yaml:"filename"`
	Source         string `json:"source" yaml:"source"`
	TotalSize      int64  `json:"total_size" yaml:"total_size"`
	ChunkSize      int64  `json:"chunk_size" yaml:"chunk_size"`
	TotalChunks    int    `json:"total_chunks" yaml:"total_chunks"`
	LastAckedChunk int    `json:"last_acked_chunk" yaml:"last_acked_chunk"`
	BytesReceived  int64  `json:"bytes_received" yaml:"bytes_received"`
	FinalizedPath  string `json:"finalized_path,omitempty" yaml:"finalized_path,omitempty"`
	Status         string `json:"status" yaml:"status"`
	ErrorMessage   string `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	CreatedAt      string `json:"created_at" yaml:"created_at"`
	UpdatedAt      string `json:"updated_at" yaml:"updated_at"`
}

// ImportRun is one headless import from artifact to catalog.
type ImportRun struct {
	RunID         string   `json:"run_id" yaml:"run_id"`
	ArtifactPath  string   `json:"artifact_path" yaml:"artifact_path"`
	SessionID     string   `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	ImageIDs      []string `json:"image_ids" yaml:"image_ids"`
	CreateDevices bool     `json:"create_devices" yaml:"create_devices"`
	Status        string   `json:"status" yaml:"status"`
	Progress      float64  `json:"progress" yaml:"progress"`
	ErrorMessage  string   `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	CreatedAt     string   `json:"created_at" yaml:"created_at"`
	UpdatedAt     string   `json:"updated_at" yaml:"updated_at"`
}
