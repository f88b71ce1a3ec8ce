//go:build integration

package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/minio"
)

const (
	minioUsername = "admin"
	minioPassword = "password"
)

func setupMinio(t *testing.T, ctx context.Context) S3ClientConfig {
	minioContainer, err := minio.Run(
		ctx,
		"minio/minio:RELEASE.2024-01-16T16-07-38Z",
		minio.WithUsername(minioUsername),
		minio.WithPassword(minioPassword),
	)
	require.NoError(t, err, "Failed to start MinIO container")

	t.Cleanup(func() {
		err := minioContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate MinIO container")
	})

	endpoint, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err)

	return S3ClientConfig{
		Endpoint:        "http://" + endpoint,
		Region:          "us-east-1",
		AccessKeyID:     minioUsername,
		SecretAccessKey: minioPassword,
		Bucket:          "chains",
	}
}

func TestS3ObjectStore(t *testing.T) {
	ctx := context.Background()
	cfg := setupMinio(t, ctx)

	store, err := NewS3ObjectStore(ctx, cfg)
	require.NoError(t, err)

	// Creating the store a second time must tolerate the existing bucket.
	_, err = NewS3ObjectStore(ctx, cfg)
	require.NoError(t, err)

	require.NoError(t, store.PutObject(ctx, ChainSourceKey("a"), bytes.NewReader([]byte("source"))))
	require.NoError(t, store.PutObject(ctx, ChainImageKey("a"), bytes.NewReader([]byte("image"))))

	data, err := store.GetObject(ctx, ChainImageKey("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("image"), data)

	dest := filepath.Join(t.TempDir(), "source.dcm")
	require.NoError(t, store.DownloadObject(ctx, ChainSourceKey("a"), dest))
	local, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("source"), local)

	_, err = store.GetObject(ctx, ChainSourceKey("missing"))
	assert.ErrorIs(t, err, ErrObjectNotFound)

	require.NoError(t, store.DeleteObject(ctx, ChainSourceKey("a")))
	require.NoError(t, store.DeleteObject(ctx, ChainSourceKey("a")))

	require.NoError(t, store.DeleteObjects(ctx, ChainPrefix("a")))
	_, err = store.GetObject(ctx, ChainImageKey("a"))
	assert.ErrorIs(t, err, ErrObjectNotFound)
}
