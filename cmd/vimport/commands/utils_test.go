package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/netlab/vimport/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	sqlitePath := filepath.Join(dir, "state", "vimport.db")
	fsmPath := filepath.Join(dir, "fsm")

	require.NoError(t, ensureDirectories(sqlitePath, fsmPath))

	for _, p := range []string{filepath.Dir(sqlitePath), fsmPath} {
		fi, err := os.Stat(p)
		require.NoError(t, err)
		assert.True(t, fi.IsDir(), p)
	}
}

func TestOpenSource_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refplat.iso")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	e := &env{cfg: &config.Config{}}
	src, err := e.openSource(context.Background(), path)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, "refplat.iso", src.Name())
	assert.Equal(t, int64(10), src.Size())
}

func TestOpenSource_BadS3URI(t *testing.T) {
	e := &env{cfg: &config.Config{}}
	for _, uri := range []string{"s3://", "s3://bucket", "s3://bucket/"} {
		_, err := e.openSource(context.Background(), uri)
		assert.ErrorContains(t, err, "invalid S3 URI", uri)
	}
}

func TestRender_UnknownFormat(t *testing.T) {
	prev := outputFormat
	t.Cleanup(func() { outputFormat = prev })

	outputFormat = "xml"
	called := false
	err := render(struct{}{}, func() { called = true })
	assert.ErrorContains(t, err, "unknown output format")
	assert.False(t, called)

	outputFormat = "text"
	require.NoError(t, render(struct{}{}, func() { called = true }))
	assert.True(t, called)
}
