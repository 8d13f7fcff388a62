package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/netlab/vimport/pkg/errors"
)

// Source is an artifact that can be read one chunk at a time.
type Source interface {
	// Name is the filename proposed to the server.
	Name() string
	// Size is the artifact size in bytes.
	Size() int64
	// OpenChunk returns a reader over [offset, offset+length).
	OpenChunk(ctx context.Context, offset, length int64) (io.ReadCloser, error)
	Close() error
}

// ReaderAtSource serves chunks from any io.ReaderAt.
type ReaderAtSource struct {
	name   string
	r      io.ReaderAt
	size   int64
	closer io.Closer
}

// NewReaderAtSource wraps r as a Source of the given name and size.
func NewReaderAtSource(name string, r io.ReaderAt, size int64) *ReaderAtSource {
	return &ReaderAtSource{name: name, r: r, size: size}
}

// OpenFile opens a local artifact as a Source. Chunks are read straight from
// the file; nothing is buffered beyond one HTTP request body.
func OpenFile(path string) (*ReaderAtSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open artifact")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "failed to stat artifact")
	}
	if fi.IsDir() {
		f.Close()
		return nil, errors.Wrap(os.ErrInvalid, "artifact is a directory")
	}

	return &ReaderAtSource{
		name:   filepath.Base(path),
		r:      f,
		size:   fi.Size(),
		closer: f,
	}, nil
}

func (s *ReaderAtSource) Name() string { return s.name }

func (s *ReaderAtSource) Size() int64 { return s.size }

func (s *ReaderAtSource) OpenChunk(_ context.Context, offset, length int64) (io.ReadCloser, error) {
	return io.NopCloser(io.NewSectionReader(s.r, offset, length)), nil
}

func (s *ReaderAtSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
