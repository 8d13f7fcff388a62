// Package api is the HTTP/JSON client for the remote import server: the
// upload session store, the artifact scanner and the import job runner.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/netlab/vimport/pkg/errors"
)

// StatusError is returned for any non-2xx response. Message is the server's
// human-readable detail, passed through untouched.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Detail returns the server message verbatim.
func (e *StatusError) Detail() string {
	return e.Message
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var se *StatusError
	return stderrors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Client talks to one import server.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. The timeout passed to
// NewClient is applied to it.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid api url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid api url %q: scheme must be http or https", baseURL)
	}

	slog.Info("api_client_init", "base_url", u.String(), "timeout", timeout)

	c := &Client{
		baseURL: u,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http.Timeout = timeout
	return c, nil
}

// Browse lists artifacts already present on the server.
func (c *Client) Browse(ctx context.Context) (*BrowseResponse, error) {
	var out BrowseResponse
	if err := c.doJSON(ctx, http.MethodGet, "/iso/browse", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InitUpload opens an upload session.
func (c *Client) InitUpload(ctx context.Context, req *InitUploadRequest) (*InitUploadResponse, error) {
	var out InitUploadResponse
	if err := c.doJSON(ctx, http.MethodPost, "/iso/upload/init", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitChunk streams one chunk of size bytes from body.
func (c *Client) SubmitChunk(ctx context.Context, uploadID string, index int, body io.Reader, size int64) (*ChunkResponse, error) {
	q := url.Values{"index": {strconv.Itoa(index)}}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/iso/upload/"+url.PathEscape(uploadID)+"/chunk", q, body)
	if err != nil {
		return nil, err
	}
	httpReq.ContentLength = size
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	var out ChunkResponse
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadStatus reports how much of an upload the server holds.
func (c *Client) UploadStatus(ctx context.Context, uploadID string) (*UploadStatusResponse, error) {
	var out UploadStatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/iso/upload/"+url.PathEscape(uploadID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteUpload asks the server to assemble the received chunks.
func (c *Client) CompleteUpload(ctx context.Context, uploadID string) (*CompleteUploadResponse, error) {
	var out CompleteUploadResponse
	if err := c.doJSON(ctx, http.MethodPost, "/iso/upload/"+url.PathEscape(uploadID)+"/complete", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelUpload discards an upload session. Cancelling an unknown session is
// not an error.
func (c *Client) CancelUpload(ctx context.Context, uploadID string) error {
	err := c.doJSON(ctx, http.MethodDelete, "/iso/upload/"+url.PathEscape(uploadID), nil, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// Scan parses an artifact into a catalog.
func (c *Client) Scan(ctx context.Context, isoPath string) (*ScanResponse, error) {
	var out ScanResponse
	if err := c.doJSON(ctx, http.MethodPost, "/iso/scan", nil, &ScanRequest{ISOPath: isoPath}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartImport starts the import job of a scan session.
func (c *Client) StartImport(ctx context.Context, sessionID string, req *StartImportRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/iso/sessions/"+url.PathEscape(sessionID)+"/import", nil, req, nil)
}

// ImportProgress polls the import job of a scan session.
func (c *Client) ImportProgress(ctx context.Context, sessionID string) (*ProgressResponse, error) {
	var out ProgressResponse
	if err := c.doJSON(ctx, http.MethodGet, "/iso/sessions/"+url.PathEscape(sessionID)+"/progress", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		body = bytes.NewReader(buf)
	}

	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, req.Method+" "+req.URL.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != "" {
		return &StatusError{StatusCode: resp.StatusCode, Message: body.Detail}
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}
