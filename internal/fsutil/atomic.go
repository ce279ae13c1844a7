// Package fsutil holds filesystem helpers shared by the stores and responders.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// WriteFileAtomic writes data to a temporary file next to path and renames it into
// place, so readers never observe a partially written file.
func WriteFileAtomic(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	tmpPath, err := writeTemp(fs, path, data, perm)
	if err != nil {
		return err
	}
	if err := fs.Rename(tmpPath, path); err != nil {
		_ = fs.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// WriteFileExclusive creates path with data and fails with an error matching
// fs.ErrExist when path already exists. On the OS filesystem the complete file is
// hard-linked into place, so the new file is never observed half written.
func WriteFileExclusive(fsys afero.Fs, path string, data []byte, perm os.FileMode) error {
	if _, ok := fsys.(*afero.OsFs); !ok {
		return createExclusive(fsys, path, data, perm)
	}

	tmpPath, err := writeTemp(fsys, path, data, perm)
	if err != nil {
		return err
	}
	defer fsys.Remove(tmpPath)

	if err := os.Link(tmpPath, path); err != nil {
		return fmt.Errorf("link into place: %w", err)
	}
	return nil
}

func createExclusive(fsys afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := fsys.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = fsys.Remove(path)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func writeTemp(fs afero.Fs, path string, data []byte, perm os.FileMode) (string, error) {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpPath)
		return "", fmt.Errorf("write temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpPath)
		return "", fmt.Errorf("sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpPath)
		return "", fmt.Errorf("close temporary file: %w", err)
	}
	if err := fs.Chmod(tmpPath, perm); err != nil {
		_ = fs.Remove(tmpPath)
		return "", fmt.Errorf("set permissions: %w", err)
	}
	return tmpPath, nil
}

// Exists reports whether path exists. Errors other than not-exist are returned.
func Exists(fs afero.Fs, path string) (bool, error) {
	_, err := fs.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
