// Package fsutil provides directory-scoped file access. Backup artifacts are
// looked up by session ID, so reads must not escape the artifact directory.
package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// OpenScoped opens a file by opening a root at the file's directory first.
// The returned reader must be closed by the caller.
func OpenScoped(path string) (io.ReadCloser, error) {
	cleaned := filepath.Clean(path)
	dir := filepath.Dir(cleaned)
	base := filepath.Base(cleaned)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return nil, fmt.Errorf("invalid file path: %q", path)
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	return root.Open(base)
}

// ReadFileScoped reads a whole file with the same directory scoping.
func ReadFileScoped(path string) ([]byte, error) {
	f, err := OpenScoped(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}
