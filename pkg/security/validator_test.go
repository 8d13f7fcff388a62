package security

import (
	"testing"
)

func TestValidateServerPath_PathTraversal(t *testing.T) {
	v := NewValidator(1024, 1, 1024, []string{".iso"})

	tests := []struct {
		path      string
		shouldErr bool
	}{
		{"/var/lib/isos/refplat.iso", false},
		{"/var/lib/isos/REFPLAT.ISO", false},
		{"isos/refplat.iso", true},
		{"/var/lib/isos/../../etc/passwd.iso", true},
		{"/var/lib/isos/refplat.qcow2", true},
		{"/var/lib/isos/", true},
	}

	for _, tt := range tests {
		err := v.ValidateServerPath(tt.path)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for path: %s", tt.path)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for path %s: %v", tt.path, err)
		}
	}
}

func TestValidateArtifactName(t *testing.T) {
	v := NewValidator(1024, 1, 1024, []string{".iso", ".img"})

	tests := []struct {
		name      string
		shouldErr bool
	}{
		{"refplat-20240623.iso", false},
		{"disk.IMG", false},
		{"", true},
		{"../refplat.iso", true},
		{`dir\refplat.iso`, true},
		{"refplat.zip", true},
	}

	for _, tt := range tests {
		err := v.ValidateArtifactName(tt.name)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for name: %q", tt.name)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for name %q: %v", tt.name, err)
		}
	}
}

func TestValidateArtifactName_NoExtensionFilter(t *testing.T) {
	v := NewValidator(1024, 1, 1024, nil)

	if err := v.ValidateArtifactName("anything.bin"); err != nil {
		t.Errorf("expected any extension to pass without a filter, got: %v", err)
	}
}

func TestValidateArtifactSize(t *testing.T) {
	v := NewValidator(100, 1, 1024, nil)

	if err := v.ValidateArtifactSize(50); err != nil {
		t.Errorf("expected no error for size 50, got: %v", err)
	}

	if err := v.ValidateArtifactSize(150); err == nil {
		t.Error("expected error for size 150 exceeding limit 100")
	}

	if err := v.ValidateArtifactSize(0); err == nil {
		t.Error("expected error for empty artifact")
	}
}

func TestValidateChunkSize(t *testing.T) {
	v := NewValidator(0, 1024, 4096, nil)

	if err := v.ValidateChunkSize(2048); err != nil {
		t.Errorf("expected no error for chunk 2048, got: %v", err)
	}

	if err := v.ValidateChunkSize(512); err == nil {
		t.Error("expected error for chunk below minimum")
	}

	if err := v.ValidateChunkSize(8192); err == nil {
		t.Error("expected error for chunk above maximum")
	}
}
