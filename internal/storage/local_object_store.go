package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

type LocalObjectStore struct {
	baseDir string
}

var _ ObjectStore = (*LocalObjectStore)(nil)

func NewLocalObjectStore(dir string) (*LocalObjectStore, error) {
	baseDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for %s: %w", dir, err)
	}

	if err := os.MkdirAll(baseDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", baseDir, err)
	}

	return &LocalObjectStore{baseDir: baseDir}, nil
}

func (s *LocalObjectStore) PutObject(ctx context.Context, key string, data io.Reader) error {
	path := localStorageFullpath(s.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory for %s/%s: %w", s.baseDir, key, err)
	}

	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file %s/%s: %w", s.baseDir, key, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, data); err != nil {
		return fmt.Errorf("failed to write file %s/%s: %w", s.baseDir, key, err)
	}

	return nil
}

func (s *LocalObjectStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(localStorageFullpath(s.baseDir, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s/%s: %w", s.baseDir, key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to read file %s/%s: %w", s.baseDir, key, err)
	}
	return data, nil
}

func (s *LocalObjectStore) DownloadObject(ctx context.Context, key, dest string) error {
	src, err := os.Open(localStorageFullpath(s.baseDir, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s/%s: %w", s.baseDir, key, ErrObjectNotFound)
		}
		return fmt.Errorf("failed to open file %s/%s: %w", s.baseDir, key, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dest), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory for download %s: %w", filepath.Dir(dest), err)
	}

	dst, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", dest, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy %s/%s to %s: %w", s.baseDir, key, dest, err)
	}
	return nil
}

func (s *LocalObjectStore) DeleteObject(ctx context.Context, key string) error {
	if err := os.Remove(localStorageFullpath(s.baseDir, key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object %s/%s: %w", s.baseDir, key, err)
	}
	return nil
}

func (s *LocalObjectStore) DeleteObjects(ctx context.Context, prefix string) error {
	fullPath := localStorageFullpath(s.baseDir, prefix)
	if err := os.RemoveAll(fullPath); err != nil {
		return fmt.Errorf("failed to delete objects in %s/%s: %w", s.baseDir, prefix, err)
	}
	return nil
}
