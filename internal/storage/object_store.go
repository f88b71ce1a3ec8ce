package storage

import (
	"context"
	"errors"
	"io"
)

var ErrObjectNotFound = errors.New("object not found")

// ObjectStore holds chain artifacts (the uploaded source and the converted
// image). A store is bound to a single bucket or base directory.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data io.Reader) error

	GetObject(ctx context.Context, key string) ([]byte, error)

	DownloadObject(ctx context.Context, key, dest string) error

	// DeleteObject treats a missing object as already deleted.
	DeleteObject(ctx context.Context, key string) error

	DeleteObjects(ctx context.Context, prefix string) error
}

func ChainSourceKey(chainId string) string {
	return "chains/" + chainId + "/source.dcm"
}

func ChainImageKey(chainId string) string {
	return "chains/" + chainId + "/image.png"
}

func ChainPrefix(chainId string) string {
	return "chains/" + chainId
}
