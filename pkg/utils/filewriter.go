package utils

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// File is the subset of *os.File the session files are written through.
type File interface {
	Write(p []byte) (n int, err error)
	Stat() (os.FileInfo, error)
	Close() error
}

type FileManager interface {
	OpenAppend(name string) (File, error)
	ReadFile(name string) ([]byte, error)
	WriteFile(filename string, data []byte, perm os.FileMode) error
	Rename(oldpath, newpath string) error
	Remove(name string) error
	Stat(name string) (os.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error
}

type OSFileManager struct{}

func (OSFileManager) OpenAppend(name string) (File, error) {
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
}

func (OSFileManager) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

// WriteFile replaces filename atomically so concurrent readers never see a
// partially written file.
func (OSFileManager) WriteFile(filename string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close() //nolint:errcheck
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filename)
}

func (OSFileManager) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (OSFileManager) Remove(name string) error {
	return os.Remove(name)
}

func (OSFileManager) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

func (OSFileManager) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Exists reports whether name is present. Stat errors other than
// not-exist are treated as present so callers fail on the following read.
func Exists(fm FileManager, name string) bool {
	_, err := fm.Stat(name)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}

// RemoveIfExists deletes name, ignoring a missing file.
func RemoveIfExists(fm FileManager, name string) error {
	if err := fm.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
