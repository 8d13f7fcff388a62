// Package scanner asks the import server to parse an artifact into a catalog
// of device definitions and disk images.
package scanner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/netlab/vimport/pkg/api"
	"github.com/netlab/vimport/pkg/errors"
)

// DeviceDefinition is a discovered device type.
type DeviceDefinition struct {
	ID             string   `json:"id" yaml:"id"`
	Label          string   `json:"label" yaml:"label"`
	Nature         string   `json:"nature" yaml:"nature"`
	Vendor         string   `json:"vendor" yaml:"vendor"`
	RAMMB          int      `json:"ram_mb" yaml:"ram_mb"`
	CPUCount       int      `json:"cpu_count" yaml:"cpu_count"`
	InterfaceNames []string `json:"interfaces" yaml:"interfaces"`
}

// Image is a discovered disk image belonging to one DeviceDefinition.
type Image struct {
	ID                 string `json:"id" yaml:"id"`
	DeviceDefinitionID string `json:"device_definition_id" yaml:"device_definition_id"`
	Label              string `json:"label" yaml:"label"`
	Version            string `json:"version" yaml:"version"`
	DiskImageFilename  string `json:"disk_image_filename" yaml:"disk_image_filename"`
	DiskImagePath      string `json:"disk_image_path" yaml:"disk_image_path"`
	SizeBytes          int64  `json:"size_bytes" yaml:"size_bytes"`
	ImageType          string `json:"image_type" yaml:"image_type"`
}

// Result is one parse of one artifact. Results are never mutated after Scan
// returns; a rescan yields a new Result with a new SessionID.
type Result struct {
	SessionID         string             `json:"session_id" yaml:"session_id"`
	ArtifactPath      string             `json:"artifact_path" yaml:"artifact_path"`
	Format            string             `json:"format" yaml:"format"`
	SizeBytes         int64              `json:"size_bytes" yaml:"size_bytes"`
	DeviceDefinitions []DeviceDefinition `json:"device_definitions" yaml:"device_definitions"`
	Images            []Image            `json:"images" yaml:"images"`
	ParseErrors       []string           `json:"parse_errors,omitempty" yaml:"parse_errors,omitempty"`
}

// ImageIDs returns every image id in catalog order.
func (r *Result) ImageIDs() []string {
	ids := make([]string, 0, len(r.Images))
	for _, img := range r.Images {
		ids = append(ids, img.ID)
	}
	return ids
}

// DeviceDefinition looks up a definition by id.
func (r *Result) DeviceDefinition(id string) (DeviceDefinition, bool) {
	for _, def := range r.DeviceDefinitions {
		if def.ID == id {
			return def, true
		}
	}
	return DeviceDefinition{}, false
}

// ScanError is a failed scan. Message is shown to the operator as-is.
type ScanError struct {
	Message string
	Err     error
}

func (e *ScanError) Error() string { return "scan failed: " + e.Message }

func (e *ScanError) Unwrap() error { return e.Err }

// Detail is the operator-facing message.
func (e *ScanError) Detail() string { return e.Message }

// API is the subset of the import server used for scanning.
type API interface {
	Scan(ctx context.Context, isoPath string) (*api.ScanResponse, error)
}

// Client scans artifacts.
type Client struct {
	api API
}

// NewClient creates a scanner client.
func NewClient(client API) *Client {
	return &Client{api: client}
}

// Scan parses the artifact at artifactPath on the server. Parse warnings do
// not fail the scan; they are returned on the Result.
func (c *Client) Scan(ctx context.Context, artifactPath string) (*Result, error) {
	slog.Info("scan_started", "iso_path", artifactPath)

	resp, err := c.api.Scan(ctx, artifactPath)
	if err != nil {
		slog.Error("scan_failed", "iso_path", artifactPath, "error", err)
		return nil, &ScanError{Message: errors.Detail(err), Err: err}
	}

	res := convert(resp, artifactPath)
	if err := validate(res); err != nil {
		slog.Error("scan_result_invalid", "iso_path", artifactPath, "session_id", res.SessionID, "error", err)
		return nil, &ScanError{Message: err.Error(), Err: err}
	}

	for _, w := range res.ParseErrors {
		slog.Warn("scan_parse_warning", "session_id", res.SessionID, "warning", w)
	}
	slog.Info("scan_complete",
		"session_id", res.SessionID,
		"format", res.Format,
		"device_definitions", len(res.DeviceDefinitions),
		"images", len(res.Images),
		"warnings", len(res.ParseErrors))

	return res, nil
}

func convert(resp *api.ScanResponse, artifactPath string) *Result {
	res := &Result{
		SessionID:    resp.SessionID,
		ArtifactPath: resp.ISOPath,
		Format:       resp.Format,
		SizeBytes:    resp.SizeBytes,
		ParseErrors:  resp.ParseErrors,
	}
	if res.ArtifactPath == "" {
		res.ArtifactPath = artifactPath
	}
	for _, d := range resp.DeviceDefinitions {
		res.DeviceDefinitions = append(res.DeviceDefinitions, DeviceDefinition{
			ID:             d.ID,
			Label:          d.Label,
			Nature:         d.Nature,
			Vendor:         d.Vendor,
			RAMMB:          d.RAMMB,
			CPUCount:       d.CPUCount,
			InterfaceNames: d.InterfaceNames,
		})
	}
	for _, img := range resp.Images {
		res.Images = append(res.Images, Image{
			ID:                 img.ID,
			DeviceDefinitionID: img.DeviceDefinitionID,
			Label:              img.Label,
			Version:            img.Version,
			DiskImageFilename:  img.DiskImageFilename,
			DiskImagePath:      img.DiskImagePath,
			SizeBytes:          img.SizeBytes,
			ImageType:          img.ImageType,
		})
	}
	return res
}

// validate enforces the catalog's structural invariants: a session id, unique
// image ids, and every image referencing a definition in the same result.
func validate(res *Result) error {
	if res.SessionID == "" {
		return fmt.Errorf("server returned no session id")
	}

	defs := make(map[string]struct{}, len(res.DeviceDefinitions))
	for _, d := range res.DeviceDefinitions {
		defs[d.ID] = struct{}{}
	}

	seen := make(map[string]struct{}, len(res.Images))
	for _, img := range res.Images {
		if _, dup := seen[img.ID]; dup {
			return fmt.Errorf("duplicate image id %q", img.ID)
		}
		seen[img.ID] = struct{}{}

		if _, ok := defs[img.DeviceDefinitionID]; !ok {
			return fmt.Errorf("image %q references unknown device definition %q", img.ID, img.DeviceDefinitionID)
		}
	}
	return nil
}
