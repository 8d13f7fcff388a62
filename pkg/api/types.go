package api

import "time"

// BrowseFile is one artifact already present in the server's upload directory.
type BrowseFile struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

// BrowseResponse lists artifacts available for scanning without an upload.
type BrowseResponse struct {
	UploadDir string       `json:"upload_dir"`
	Files     []BrowseFile `json:"files"`
}

// InitUploadRequest opens a chunked upload session.
type InitUploadRequest struct {
	Filename  string `json:"filename"`
	TotalSize int64  `json:"total_size"`
	ChunkSize int64  `json:"chunk_size"`
}

// InitUploadResponse carries the server-assigned session; the server may
// override the proposed chunk size.
type InitUploadResponse struct {
	UploadID    string `json:"upload_id"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
	UploadPath  string `json:"upload_path"`
}

// ChunkResponse is the server's authoritative accounting after one chunk.
type ChunkResponse struct {
	UploadID        string  `json:"upload_id"`
	ChunkIndex      int     `json:"chunk_index"`
	BytesReceived   int64   `json:"bytes_received"`
	TotalReceived   int64   `json:"total_received"`
	ProgressPercent float64 `json:"progress_percent"`
	IsComplete      bool    `json:"is_complete"`
}

// UploadStatusResponse describes a session's server-side state, used to
// resume an interrupted transfer.
type UploadStatusResponse struct {
	UploadID       string `json:"upload_id"`
	Filename       string `json:"filename"`
	TotalSize      int64  `json:"total_size"`
	ChunkSize      int64  `json:"chunk_size"`
	TotalChunks    int    `json:"total_chunks"`
	BytesReceived  int64  `json:"bytes_received"`
	ChunksReceived []int  `json:"chunks_received"`
	IsComplete     bool   `json:"is_complete"`
}

// CompleteUploadResponse carries the path of the assembled artifact.
type CompleteUploadResponse struct {
	UploadID  string `json:"upload_id"`
	Filename  string `json:"filename"`
	ISOPath   string `json:"iso_path"`
	TotalSize int64  `json:"total_size"`
}

// ScanRequest asks the server to parse an artifact it can reach.
type ScanRequest struct {
	ISOPath string `json:"iso_path"`
}

// DeviceDefinition is a device type discovered in an artifact.
type DeviceDefinition struct {
	ID             string   `json:"id"`
	Label          string   `json:"label"`
	Nature         string   `json:"nature"`
	Vendor         string   `json:"vendor"`
	RAMMB          int      `json:"ram_mb"`
	CPUCount       int      `json:"cpus"`
	InterfaceNames []string `json:"interfaces"`
}

// Image is a bootable disk image discovered in an artifact.
type Image struct {
	ID                 string `json:"id"`
	DeviceDefinitionID string `json:"node_definition_id"`
	Label              string `json:"label"`
	Version            string `json:"version"`
	DiskImageFilename  string `json:"disk_image_filename"`
	DiskImagePath      string `json:"disk_image_path"`
	SizeBytes          int64  `json:"size_bytes"`
	ImageType          string `json:"image_type"`
}

// ScanResponse is the parsed catalog of one artifact.
type ScanResponse struct {
	SessionID         string             `json:"session_id"`
	ISOPath           string             `json:"iso_path"`
	Format            string             `json:"format"`
	SizeBytes         int64              `json:"size_bytes"`
	DeviceDefinitions []DeviceDefinition `json:"node_definitions"`
	Images            []Image            `json:"images"`
	ParseErrors       []string           `json:"parse_errors"`
}

// StartImportRequest selects which images of a scan session to import.
type StartImportRequest struct {
	ImageIDs      []string `json:"image_ids"`
	CreateDevices bool     `json:"create_devices"`
}

// ImageProgress is the per-image state of a running import job.
type ImageProgress struct {
	ImageID         string  `json:"image_id"`
	Status          string  `json:"status"`
	ProgressPercent float64 `json:"progress_percent"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

// ProgressResponse is one poll of an import job.
type ProgressResponse struct {
	Status          string                   `json:"status"`
	ProgressPercent float64                  `json:"progress_percent"`
	ImageProgress   map[string]ImageProgress `json:"image_progress"`
	ErrorMessage    string                   `json:"error_message,omitempty"`
}

// errorBody is the shape of every non-2xx response.
type errorBody struct {
	Detail string `json:"detail"`
}
