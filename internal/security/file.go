// Package security holds the filesystem safety primitives used by the data
// directory: atomic writes, root-confined path resolution, single-instance
// locking and input checks for user-supplied text.
package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File permission constants
const (
	// PermPrivateFile is used for screenshots and metadata (owner read/write only)
	PermPrivateFile os.FileMode = 0600

	// PermPrivateDir is used for the data directory and session folders
	PermPrivateDir os.FileMode = 0700

	// PermPublicFile is used for config files the user is expected to edit
	PermPublicFile os.FileMode = 0644
)

// File operation errors
var (
	ErrAtomicWriteFailed = errors.New("security: atomic write failed")
	ErrTempFileFailed    = errors.New("security: temporary file creation failed")
	ErrInvalidPath       = errors.New("security: invalid path")
	ErrPathOutsideRoot   = errors.New("security: path outside allowed root")
	ErrLocked            = errors.New("security: data directory is locked by another process")
)

// AtomicWriter writes to a temporary sibling file and renames it into place
// on Commit, so readers never observe a partially written file.
type AtomicWriter struct {
	path     string
	tempFile *os.File
	tempPath string
}

// NewAtomicWriter creates the temporary file for path, creating the parent
// directory if needed.
func NewAtomicWriter(path string, perm os.FileMode) (*AtomicWriter, error) {
	if path == "" || strings.Contains(path, "\x00") {
		return nil, ErrInvalidPath
	}
	cleanPath := filepath.Clean(path)

	if err := os.MkdirAll(filepath.Dir(cleanPath), PermPrivateDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tempPath := cleanPath + ".tmp." + randomSuffix()
	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTempFileFailed, err)
	}

	return &AtomicWriter{
		path:     cleanPath,
		tempFile: tempFile,
		tempPath: tempPath,
	}, nil
}

// Write writes data to the temporary file.
func (w *AtomicWriter) Write(p []byte) (n int, err error) {
	return w.tempFile.Write(p)
}

// Commit flushes the temporary file and renames it over the final path.
func (w *AtomicWriter) Commit() error {
	if err := w.tempFile.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("sync: %w", err)
	}

	if err := w.tempFile.Close(); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("close: %w", err)
	}

	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}

	return nil
}

// Abort discards the temporary file.
func (w *AtomicWriter) Abort() {
	w.tempFile.Close()
	os.Remove(w.tempPath)
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// WriteFileAtomic writes data to path atomically.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	writer, err := NewAtomicWriter(path, perm)
	if err != nil {
		return err
	}

	if _, err := writer.Write(data); err != nil {
		writer.Abort()
		return err
	}

	return writer.Commit()
}

// EnsurePrivateDir creates dir with owner-only permissions if it is missing.
func EnsurePrivateDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, PermPrivateDir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, dir)
	}
	return nil
}

// ResolveWithin joins a slash-separated relative path onto root and rejects
// results that escape root. Absolute paths and ".." components are refused.
func ResolveWithin(root, rel string) (string, error) {
	if rel == "" || strings.Contains(rel, "\x00") {
		return "", ErrInvalidPath
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, "\\") {
		return "", fmt.Errorf("%w: %s is absolute", ErrPathOutsideRoot, rel)
	}
	for _, part := range strings.FieldsFunc(rel, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return "", fmt.Errorf("%w: %s", ErrPathOutsideRoot, rel)
		}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	full := filepath.Join(absRoot, filepath.FromSlash(rel))
	if !strings.HasPrefix(full, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideRoot, rel)
	}
	return full, nil
}

// DirLock is an exclusive advisory lock held on a directory.
type DirLock struct {
	f *os.File
}

// LockDir takes a non-blocking exclusive lock on dir/.lock. It returns
// ErrLocked when another process already holds it.
func LockDir(dir string) (*DirLock, error) {
	if err := EnsurePrivateDir(dir); err != nil {
		return nil, fmt.Errorf("prepare lock directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, ".lock"), os.O_RDWR|os.O_CREATE, PermPrivateFile)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := tryLockFile(f); err != nil {
		f.Close()
		return nil, err
	}

	return &DirLock{f: f}, nil
}

// Unlock releases the lock.
func (l *DirLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
