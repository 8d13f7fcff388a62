package fsm

// ImportRequest is the FSM input
type ImportRequest struct {
	RunID string

	// Source is a local path or s3:// URI to upload. Ignored when
	// ArtifactPath is set.
	Source string
	// ArtifactPath is an artifact already on the server; no upload happens.
	ArtifactPath string
	// Resume continues an unfinished upload of Source when one is recorded.
	Resume bool

	// ImageIDs limits the import to these images; empty imports all.
	ImageIDs []string
	// ExcludeIDs are removed from the selection after ImageIDs is applied.
	ExcludeIDs    []string
	CreateDevices bool
}

// ImportResponse is the FSM output (accumulated across transitions)
type ImportResponse struct {
	// From Scan
	UploadID     string
	ArtifactPath string
	SessionID    string
	ImageCount   int
	Warnings     []string

	// From Select
	SelectedIDs []string

	// From Import/Complete
	Progress     float64
	Status       string
	ErrorMessage string
}

// State names
const (
	StatePrepare  = "prepare"
	StateScan     = "scan"
	StateSelect   = "select"
	StateImport   = "import"
	StateComplete = "complete"
	StateFailed   = "failed"
)
