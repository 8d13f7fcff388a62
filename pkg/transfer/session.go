package transfer

import (
	"fmt"

	"github.com/netlab/vimport/pkg/api"
)

// Outcomes recorded by a Checkpointer when a session ends.
const (
	OutcomeComplete  = "complete"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Session is one chunked transfer. BytesReceived and ProgressPercent only
// ever come from server acknowledgements.
type Session struct {
	UploadID        string
	Filename        string
	TotalSize       int64
	ChunkSize       int64
	TotalChunks     int
	NextChunk       int
	BytesReceived   int64
	ProgressPercent float64
	UploadPath      string
	FinalizedPath   string

	src Source
}

// Progress is reported after every acknowledged chunk.
type Progress struct {
	UploadID      string
	ChunkIndex    int
	TotalChunks   int
	BytesReceived int64
	TotalSize     int64
	Percent       float64
}

// Complete reports whether the server assembled the artifact.
func (s *Session) Complete() bool {
	return s.FinalizedPath != ""
}

// TotalChunks returns ceil(totalSize/chunkSize).
func TotalChunks(totalSize, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	return int((totalSize + chunkSize - 1) / chunkSize)
}

func (s *Session) chunkRange(index int) (offset, length int64) {
	offset = int64(index) * s.ChunkSize
	length = min(s.ChunkSize, s.TotalSize-offset)
	return offset, length
}

// apply folds a chunk acknowledgement into the session.
func (s *Session) apply(index int, resp *api.ChunkResponse) error {
	if resp.TotalReceived > s.TotalSize {
		return fmt.Errorf("server reported %d bytes received, more than total %d", resp.TotalReceived, s.TotalSize)
	}
	if resp.TotalReceived > s.BytesReceived {
		s.BytesReceived = resp.TotalReceived
	}
	if resp.ProgressPercent > s.ProgressPercent {
		s.ProgressPercent = min(resp.ProgressPercent, 100)
	}
	s.NextChunk = index + 1
	return nil
}

func (s *Session) progress(index int) Progress {
	return Progress{
		UploadID:      s.UploadID,
		ChunkIndex:    index,
		TotalChunks:   s.TotalChunks,
		BytesReceived: s.BytesReceived,
		TotalSize:     s.TotalSize,
		Percent:       s.ProgressPercent,
	}
}
