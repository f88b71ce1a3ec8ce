package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestObjectStore(t *testing.T) (*LocalObjectStore, string) {
	t.Helper()
	dir := t.TempDir()
	objectStore, err := NewLocalObjectStore(dir)
	require.NoError(t, err)
	return objectStore, dir
}

func TestLocalObjectStore_PutAndGetObject(t *testing.T) {
	objectStore, baseDir := setupTestObjectStore(t)
	ctx := context.Background()

	key := ChainSourceKey("abc")
	content := []byte("DICM content")

	require.NoError(t, objectStore.PutObject(ctx, key, bytes.NewReader(content)))

	data, err := os.ReadFile(filepath.Join(baseDir, "chains", "abc", "source.dcm"))
	require.NoError(t, err)
	assert.Equal(t, content, data)

	data, err = objectStore.GetObject(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	_, err = objectStore.GetObject(ctx, "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalObjectStore_DownloadObject(t *testing.T) {
	objectStore, _ := setupTestObjectStore(t)
	ctx := context.Background()

	require.NoError(t, objectStore.PutObject(ctx, ChainImageKey("abc"), bytes.NewReader([]byte("png"))))

	dest := filepath.Join(t.TempDir(), "nested", "image.png")
	require.NoError(t, objectStore.DownloadObject(ctx, ChainImageKey("abc"), dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)

	err = objectStore.DownloadObject(ctx, ChainImageKey("other"), dest)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalObjectStore_DeleteObjectToleratesMissing(t *testing.T) {
	objectStore, baseDir := setupTestObjectStore(t)
	ctx := context.Background()

	key := ChainSourceKey("abc")
	require.NoError(t, objectStore.PutObject(ctx, key, bytes.NewReader([]byte("x"))))

	require.NoError(t, objectStore.DeleteObject(ctx, key))
	require.NoError(t, objectStore.DeleteObject(ctx, key))

	_, err := os.Stat(filepath.Join(baseDir, "chains", "abc", "source.dcm"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalObjectStore_DeleteObjects(t *testing.T) {
	objectStore, baseDir := setupTestObjectStore(t)
	ctx := context.Background()

	for _, key := range []string{ChainSourceKey("a"), ChainImageKey("a"), ChainSourceKey("b")} {
		require.NoError(t, objectStore.PutObject(ctx, key, bytes.NewReader([]byte("content"))))
	}

	require.NoError(t, objectStore.DeleteObjects(ctx, ChainPrefix("a")))
	require.NoError(t, objectStore.DeleteObjects(ctx, ChainPrefix("a")))

	_, err := os.Stat(filepath.Join(baseDir, "chains", "a"))
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(baseDir, "chains", "b", "source.dcm"))
	assert.NoError(t, err)
}

func TestLocalStorageFullpathStaysInBase(t *testing.T) {
	assert.Equal(t, "/base/etc/passwd", localStorageFullpath("/base", "../../etc/passwd"))
	assert.Equal(t, "/base/chains/x/image.png", localStorageFullpath("/base", "chains/x/image.png"))
	assert.Equal(t, "/base/chains/x", localStorageFullpath("/base", "/chains/x"))
}
