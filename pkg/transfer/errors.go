package transfer

import (
	stderrors "errors"
	"fmt"
)

// ErrUploadCancelled is returned when the operator cancels between chunks.
var ErrUploadCancelled = stderrors.New("upload cancelled")

// InitError means the server (or local validation) refused to open a session.
type InitError struct {
	Err error
}

func (e *InitError) Error() string { return "upload init failed: " + e.Err.Error() }

func (e *InitError) Unwrap() error { return e.Err }

// ChunkUploadError aborts a transfer at the chunk with the given index.
type ChunkUploadError struct {
	Index int
	Err   error
}

func (e *ChunkUploadError) Error() string {
	return fmt.Sprintf("chunk %d upload failed: %v", e.Index, e.Err)
}

func (e *ChunkUploadError) Unwrap() error { return e.Err }

// FinalizeError means the server could not assemble the uploaded chunks.
type FinalizeError struct {
	Err error
}

func (e *FinalizeError) Error() string { return "upload finalize failed: " + e.Err.Error() }

func (e *FinalizeError) Unwrap() error { return e.Err }
