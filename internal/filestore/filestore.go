// Package filestore owns the on-disk artifacts of recording sessions.
//
// Each session has one directory under the sessions root:
//
//	session_000012/
//	    screenshot_000101.png
//	    screenshot_000102.jpg
//	    metadata.txt
//	    session_info.json
//
// Paths to screenshots are stored in the local store as back-references.
// Deleting a row never deletes its file; callers delete both explicitly.
package filestore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"screentrail/internal/security"
)

const (
	// MetadataFileName is the human-readable session summary.
	MetadataFileName = "metadata.txt"
	// SessionInfoFileName is the structured session snapshot.
	SessionInfoFileName = "session_info.json"
)

// Store reads and writes session artifacts below a root directory.
type Store struct {
	root   string
	logger *slog.Logger
}

// New creates a file store rooted at dir, creating dir if needed.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve sessions dir: %w", err)
	}
	if err := security.EnsurePrivateDir(abs); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}

	return &Store{root: abs, logger: logger}, nil
}

// Root returns the absolute sessions directory.
func (s *Store) Root() string {
	return s.root
}

// SessionDirName returns the directory name for a session id.
func SessionDirName(sessionID int64) string {
	return fmt.Sprintf("session_%06d", sessionID)
}

// ScreenshotName returns the file name for a recording id and extension.
func ScreenshotName(recordingID int64, ext string) string {
	return fmt.Sprintf("screenshot_%06d.%s", recordingID, ext)
}

// SessionDir returns the absolute directory of a session.
func (s *Store) SessionDir(sessionID int64) string {
	return filepath.Join(s.root, SessionDirName(sessionID))
}

// SaveScreenshot writes image bytes for a recording and returns the absolute
// path. The extension follows the sniffed image type. Saving the same
// recording again overwrites the previous file.
func (s *Store) SaveScreenshot(sessionID, recordingID int64, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("save screenshot %d: %w", recordingID, ErrEmptyImage)
	}

	ext := "png"
	if kind, ok := DetectImage(data); ok {
		ext = kind.Ext
	}

	dir := s.SessionDir(sessionID)
	if err := security.EnsurePrivateDir(dir); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}

	// A prior save with a different extension would otherwise linger.
	for _, other := range imageExts {
		if other == ext {
			continue
		}
		stale := filepath.Join(dir, ScreenshotName(recordingID, other))
		if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("remove stale screenshot: %w", err)
		}
	}

	path := filepath.Join(dir, ScreenshotName(recordingID, ext))
	if err := security.WriteFileAtomic(path, data, security.PermPrivateFile); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}

	return path, nil
}

// ReadScreenshot returns the bytes at path. A missing file is reported as
// (nil, false, nil) so that callers can fall back to an inline copy.
// Relative paths are resolved against the sessions root.
func (s *Store) ReadScreenshot(path string) ([]byte, bool, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read screenshot: %w", err)
	}
	return data, true, nil
}

// Exists reports whether path refers to a readable regular file.
func (s *Store) Exists(path string) bool {
	full, err := s.resolve(path)
	if err != nil {
		return false
	}
	f, err := os.Open(full)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	return err == nil && info.Mode().IsRegular()
}

// Size returns the size of the file at path, or 0 if it cannot be read.
func (s *Store) Size(path string) int64 {
	full, err := s.resolve(path)
	if err != nil {
		return 0
	}
	info, err := os.Stat(full)
	if err != nil {
		return 0
	}
	return info.Size()
}

// DeleteScreenshot removes a single screenshot. Missing files are ignored.
func (s *Store) DeleteScreenshot(path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete screenshot: %w", err)
	}
	return nil
}

// DeleteSessionFolder removes a session directory recursively. A missing
// directory is not an error.
func (s *Store) DeleteSessionFolder(sessionID int64) error {
	if err := os.RemoveAll(s.SessionDir(sessionID)); err != nil {
		return fmt.Errorf("delete session folder: %w", err)
	}
	return nil
}

func (s *Store) resolve(path string) (string, error) {
	if path == "" {
		return "", security.ErrInvalidPath
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	return security.ResolveWithin(s.root, filepath.ToSlash(path))
}
