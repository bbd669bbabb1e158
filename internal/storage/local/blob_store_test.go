// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/case-crawler/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "blobs")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.NotNil(t, store)
		assert.DirExists(t, dir)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

// TestPutObjectAndExists ensures documents land below the base directory.
func TestPutObjectAndExists(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := store.Exists(ctx, "documents/unreported_judgments/AB12.pdf")
	require.NoError(t, err)
	assert.False(t, ok)

	data := []byte("%PDF-1.7 body")
	uri, err := store.PutObject(ctx, "documents/unreported_judgments/AB12.pdf", "application/pdf", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(dir, "documents/unreported_judgments/AB12.pdf"), uri)

	// #nosec G304 -- test reads from the controlled temp directory.
	got, err := os.ReadFile(filepath.Join(dir, "documents/unreported_judgments/AB12.pdf"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err = store.Exists(ctx, "documents/unreported_judgments/AB12.pdf")
	require.NoError(t, err)
	assert.True(t, ok)

	entries, err := os.ReadDir(filepath.Join(dir, "documents/unreported_judgments"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".part_"), "temp file left behind")
	}
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "", "text/plain", bytes.NewReader(nil))
	assert.Error(t, err)
	_, err = store.PutObject(context.Background(), "../escape.txt", "text/plain", bytes.NewReader(nil))
	assert.ErrorContains(t, err, "path traversal")
	_, err = store.Exists(context.Background(), "../../etc/passwd")
	assert.Error(t, err)
}
