// Package apitest provides an in-process fake import server for tests.
package apitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/netlab/vimport/pkg/api"
)

// Server is a scriptable fake of the remote import server. Exported fields
// configure behaviour and must be set before the first request; recorded
// fields are read through the accessor methods.
type Server struct {
	*httptest.Server

	// MaxChunkSize caps the client's proposed chunk size when non-zero.
	MaxChunkSize int64
	// AllowedExtensions rejects init for other filename extensions.
	AllowedExtensions []string
	// FailChunk makes the chunk with this index fail with a 500; -1 disables.
	FailChunk int
	// FailComplete makes complete fail with this detail when non-empty.
	FailComplete string
	// Scans maps an artifact path to its scan result.
	Scans map[string]*api.ScanResponse
	// ScanError makes every scan fail with this detail when non-empty.
	ScanError string
	// StartError makes import start fail with this detail when non-empty.
	StartError string
	// PollFailures is the number of progress polls answered by dropping the
	// connection before scripted responses are served.
	PollFailures int
	// Progress is served in order, the last entry repeating.
	Progress []api.ProgressResponse
	// Browse is returned by the browse endpoint.
	Browse api.BrowseResponse

	mu           sync.Mutex
	nextID       int
	uploads      map[string]*upload
	chunkCalls   []int
	cancelCalls  int
	completeCall int
	scanCalls    int
	startCalls   int
	lastStart    api.StartImportRequest
	pollCalls    int
}

type upload struct {
	filename  string
	totalSize int64
	chunkSize int64
	total     int
	chunks    map[int][]byte
}

// NewServer starts a fake server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{
		FailChunk:         -1,
		AllowedExtensions: []string{".iso"},
		Scans:             map[string]*api.ScanResponse{},
		uploads:           map[string]*upload{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /iso/browse", s.handleBrowse)
	mux.HandleFunc("POST /iso/upload/init", s.handleInit)
	mux.HandleFunc("POST /iso/upload/{id}/chunk", s.handleChunk)
	mux.HandleFunc("GET /iso/upload/{id}", s.handleStatus)
	mux.HandleFunc("POST /iso/upload/{id}/complete", s.handleComplete)
	mux.HandleFunc("DELETE /iso/upload/{id}", s.handleCancel)
	mux.HandleFunc("POST /iso/scan", s.handleScan)
	mux.HandleFunc("POST /iso/sessions/{id}/import", s.handleStart)
	mux.HandleFunc("GET /iso/sessions/{id}/progress", s.handleProgress)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Client returns an api.Client pointed at the fake server.
func (s *Server) Client(t testing.TB) *api.Client {
	// Keep-alives are off so a dropped connection surfaces to the caller
	// instead of being retried by the transport on a fresh one.
	hc := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	c, err := api.NewClient(s.URL, 10*time.Second, api.WithHTTPClient(hc))
	if err != nil {
		t.Fatalf("failed to create api client: %v", err)
	}
	return c
}

// ChunkCalls returns the chunk indices received, in arrival order.
func (s *Server) ChunkCalls() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.chunkCalls...)
}

// CancelCalls returns the number of cancel requests.
func (s *Server) CancelCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelCalls
}

// CompleteCalls returns the number of complete requests.
func (s *Server) CompleteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeCall
}

// ScanCalls returns the number of scan requests.
func (s *Server) ScanCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanCalls
}

// StartCalls returns the number of import start requests and the last body.
func (s *Server) StartCalls() (int, api.StartImportRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls, s.lastStart
}

// PollCalls returns the number of progress polls, failed ones included.
func (s *Server) PollCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollCalls
}

// ReceivedBytes returns the bytes of an upload assembled in index order.
func (s *Server) ReceivedBytes(uploadID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return nil
	}
	var out []byte
	for i := 0; i < u.total; i++ {
		out = append(out, u.chunks[i]...)
	}
	return out
}

// Preload registers an upload session holding the first n chunks of data, as
// if an earlier process had sent them.
func (s *Server) Preload(filename string, data []byte, chunkSize int64, n int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newUploadLocked(filename, int64(len(data)), chunkSize)
	u := s.uploads[id]
	for i := 0; i < n; i++ {
		start := int64(i) * chunkSize
		end := min(start+chunkSize, int64(len(data)))
		u.chunks[i] = append([]byte(nil), data[start:end]...)
	}
	return id
}

func (s *Server) newUploadLocked(filename string, totalSize, chunkSize int64) string {
	s.nextID++
	id := fmt.Sprintf("upl-%d", s.nextID)
	total := int((totalSize + chunkSize - 1) / chunkSize)
	s.uploads[id] = &upload{
		filename:  filename,
		totalSize: totalSize,
		chunkSize: chunkSize,
		total:     total,
		chunks:    map[int][]byte{},
	}
	return id
}

func (u *upload) received() int64 {
	var n int64
	for _, c := range u.chunks {
		n += int64(len(c))
	}
	return n
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Browse)
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req api.InitUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.extensionAllowed(req.Filename) {
		writeDetail(w, http.StatusBadRequest, "File must be an ISO image")
		return
	}
	if req.TotalSize <= 0 || req.ChunkSize <= 0 {
		writeDetail(w, http.StatusBadRequest, "total_size and chunk_size must be positive")
		return
	}

	chunkSize := req.ChunkSize
	if s.MaxChunkSize > 0 && chunkSize > s.MaxChunkSize {
		chunkSize = s.MaxChunkSize
	}
	id := s.newUploadLocked(req.Filename, req.TotalSize, chunkSize)
	u := s.uploads[id]

	writeJSON(w, http.StatusOK, api.InitUploadResponse{
		UploadID:    id,
		ChunkSize:   chunkSize,
		TotalChunks: u.total,
		UploadPath:  "/var/lib/vimport/uploads/" + id,
	})
}

func (s *Server) extensionAllowed(filename string) bool {
	if len(s.AllowedExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(path.Ext(filename))
	for _, allowed := range s.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid chunk index")
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "failed to read chunk")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.chunkCalls = append(s.chunkCalls, index)

	u, ok := s.uploads[r.PathValue("id")]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Upload session not found")
		return
	}
	if index == s.FailChunk {
		writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("failed to write chunk %d", index))
		return
	}
	if index < 0 || index >= u.total {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("chunk index %d out of range", index))
		return
	}

	u.chunks[index] = data
	received := u.received()

	writeJSON(w, http.StatusOK, api.ChunkResponse{
		UploadID:        r.PathValue("id"),
		ChunkIndex:      index,
		BytesReceived:   int64(len(data)),
		TotalReceived:   received,
		ProgressPercent: float64(received) * 100 / float64(u.totalSize),
		IsComplete:      len(u.chunks) == u.total,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := r.PathValue("id")
	u, ok := s.uploads[id]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Upload session not found")
		return
	}

	indices := make([]int, 0, len(u.chunks))
	for i := range u.chunks {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	writeJSON(w, http.StatusOK, api.UploadStatusResponse{
		UploadID:       id,
		Filename:       u.filename,
		TotalSize:      u.totalSize,
		ChunkSize:      u.chunkSize,
		TotalChunks:    u.total,
		BytesReceived:  u.received(),
		ChunksReceived: indices,
		IsComplete:     len(u.chunks) == u.total,
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completeCall++

	id := r.PathValue("id")
	u, ok := s.uploads[id]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Upload session not found")
		return
	}
	if s.FailComplete != "" {
		writeDetail(w, http.StatusInternalServerError, s.FailComplete)
		return
	}
	for i := 0; i < u.total; i++ {
		if _, ok := u.chunks[i]; !ok {
			writeDetail(w, http.StatusConflict, fmt.Sprintf("Missing chunk %d", i))
			return
		}
	}

	writeJSON(w, http.StatusOK, api.CompleteUploadResponse{
		UploadID:  id,
		Filename:  u.filename,
		ISOPath:   "/var/lib/vimport/isos/" + u.filename,
		TotalSize: u.totalSize,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelCalls++
	delete(s.uploads, r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req api.ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.scanCalls++
	if s.ScanError != "" {
		writeDetail(w, http.StatusUnprocessableEntity, s.ScanError)
		return
	}
	res, ok := s.Scans[req.ISOPath]
	if !ok {
		writeDetail(w, http.StatusNotFound, "ISO not found: "+req.ISOPath)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req api.StartImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.startCalls++
	s.lastStart = req
	if s.StartError != "" {
		writeDetail(w, http.StatusBadRequest, s.StartError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "importing"})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.pollCalls++
	drop := s.PollFailures > 0
	if drop {
		s.PollFailures--
	}
	var resp api.ProgressResponse
	if !drop {
		switch len(s.Progress) {
		case 0:
			resp = api.ProgressResponse{Status: "pending"}
		case 1:
			resp = s.Progress[0]
		default:
			resp = s.Progress[0]
			s.Progress = s.Progress[1:]
		}
	}
	s.mu.Unlock()

	if drop {
		dropConnection(w)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// dropConnection closes the underlying connection without a response so the
// client sees a transport error rather than an HTTP status.
func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		writeDetail(w, http.StatusBadGateway, "connection dropped")
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
