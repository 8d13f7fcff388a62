package security

import (
	"fmt"
	"log/slog"
	"path"
	"strings"
)

// Validator provides local pre-flight validation for artifacts before any
// remote call is made.
type Validator struct {
	maxArtifactSize   int64
	minChunkSize      int64
	maxChunkSize      int64
	allowedExtensions []string
}

// NewValidator creates a new artifact validator. Extensions are matched
// case-insensitively and must include the leading dot.
func NewValidator(maxArtifactSize, minChunkSize, maxChunkSize int64, allowedExtensions []string) *Validator {
	slog.Info("security_validator_init",
		"max_artifact_size_mb", maxArtifactSize/1024/1024,
		"min_chunk_size_kb", minChunkSize/1024,
		"max_chunk_size_mb", maxChunkSize/1024/1024,
		"allowed_extensions", allowedExtensions)

	exts := make([]string, 0, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		exts = append(exts, strings.ToLower(ext))
	}

	return &Validator{
		maxArtifactSize:   maxArtifactSize,
		minChunkSize:      minChunkSize,
		maxChunkSize:      maxChunkSize,
		allowedExtensions: exts,
	}
}

// ValidateArtifactName checks that an upload filename is a bare name with an
// accepted extension.
func (v *Validator) ValidateArtifactName(name string) error {
	if name == "" {
		slog.Error("security_name_validation_failed", "name", name, "reason", "empty")
		return fmt.Errorf("security: artifact name cannot be empty")
	}

	// The server stores uploads under this name, so it must not carry a directory
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		slog.Error("security_name_validation_failed", "name", name, "reason", "path_component")
		return fmt.Errorf("security: artifact name must not contain a path: %s", name)
	}

	return v.validateExtension(name)
}

// ValidateServerPath checks a manually entered server-side artifact path.
func (v *Validator) ValidateServerPath(p string) error {
	if !path.IsAbs(p) {
		slog.Error("security_path_validation_failed", "path", p, "reason", "relative_path")
		return fmt.Errorf("security: server path must be absolute: %s", p)
	}

	// Reject any ".." segment, even one that cleans away
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			slog.Error("security_path_validation_failed", "path", p, "reason", "path_traversal")
			return fmt.Errorf("security: path traversal detected: %s", p)
		}
	}

	return v.validateExtension(p)
}

// ValidateArtifactSize checks an artifact's size against the configured cap.
func (v *Validator) ValidateArtifactSize(size int64) error {
	if size <= 0 {
		slog.Error("security_artifact_size_invalid", "size", size)
		return fmt.Errorf("security: artifact is empty")
	}
	if v.maxArtifactSize > 0 && size > v.maxArtifactSize {
		slog.Error("security_artifact_size_exceeded",
			"artifact_size_mb", size/1024/1024,
			"max_artifact_size_mb", v.maxArtifactSize/1024/1024)
		return fmt.Errorf("security: artifact size %d exceeds max %d", size, v.maxArtifactSize)
	}
	return nil
}

// ValidateChunkSize checks a proposed chunk size against the configured bounds.
func (v *Validator) ValidateChunkSize(size int64) error {
	if size < v.minChunkSize || (v.maxChunkSize > 0 && size > v.maxChunkSize) {
		slog.Error("security_chunk_size_invalid",
			"chunk_size", size,
			"min_chunk_size", v.minChunkSize,
			"max_chunk_size", v.maxChunkSize)
		return fmt.Errorf("security: chunk size %d outside [%d, %d]", size, v.minChunkSize, v.maxChunkSize)
	}
	return nil
}

func (v *Validator) validateExtension(name string) error {
	if len(v.allowedExtensions) == 0 {
		return nil
	}

	ext := strings.ToLower(path.Ext(name))
	for _, allowed := range v.allowedExtensions {
		if ext == allowed {
			return nil
		}
	}

	slog.Error("security_extension_rejected", "name", name, "extension", ext, "allowed", v.allowedExtensions)
	return fmt.Errorf("security: unsupported artifact extension %q (allowed: %s)", ext, strings.Join(v.allowedExtensions, ", "))
}
