package storage

import (
	"path/filepath"
	"strings"
)

// localStorageFullpath keeps keys inside baseDir, so a key such as
// "../../etc/passwd" resolves under the store root.
func localStorageFullpath(baseDir, key string) string {
	return filepath.Join(baseDir, filepath.Clean("/"+strings.TrimPrefix(key, "/")))
}
