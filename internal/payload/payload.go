// Package payload stores queued recording bytes on disk. Payloads are opaque
// files named by job id; metadata lives in the sqlite store. Writes go
// through a temp file + rename so a crash mid-write never leaves a partial
// payload under a job's name.
package payload

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Store holds payload files under a single root directory.
type Store struct {
	rootDir string
}

// NewStore creates a payload store rooted at rootDir, creating it if needed.
func NewStore(rootDir string) (*Store, error) {
	rootDir = strings.TrimSpace(rootDir)
	if rootDir == "" {
		return nil, fmt.Errorf("payload root directory is required")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create payload directory: %w", err)
	}
	slog.Debug("payload store initialized", "dir", rootDir)
	return &Store{rootDir: rootDir}, nil
}

// Put writes r to disk under name and returns the byte count. The write is
// durable before Put returns: bytes are flushed and the file is renamed into
// place atomically.
func (s *Store) Put(name string, r io.Reader) (int64, error) {
	if err := validName(name); err != nil {
		return 0, err
	}
	if r == nil {
		return 0, fmt.Errorf("payload reader is required")
	}

	tempFile, err := os.CreateTemp(s.rootDir, ".payload-write-*")
	if err != nil {
		return 0, fmt.Errorf("create temp payload file: %w", err)
	}
	tempPath := tempFile.Name()

	size, copyErr := io.Copy(tempFile, r)
	if copyErr == nil {
		copyErr = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if copyErr != nil {
		_ = os.Remove(tempPath)
		return 0, fmt.Errorf("write payload bytes: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tempPath)
		return 0, fmt.Errorf("close payload file: %w", closeErr)
	}

	finalPath := filepath.Join(s.rootDir, name)
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return 0, fmt.Errorf("move payload into place: %w", err)
	}

	slog.Debug("payload stored", "name", name, "size", size)
	return size, nil
}

// Open opens the payload stored under name and returns its size.
// The caller owns the returned file.
func (s *Store) Open(name string) (*os.File, int64, error) {
	if err := validName(name); err != nil {
		return nil, 0, err
	}
	path := filepath.Join(s.rootDir, name)
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open payload file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat payload file: %w", err)
	}
	return f, fi.Size(), nil
}

// Delete removes the payload stored under name. Deleting a payload that does
// not exist is a no-op.
func (s *Store) Delete(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.rootDir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete payload file: %w", err)
	}
	return nil
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("payload name is required")
	}
	if name != filepath.Base(name) {
		return fmt.Errorf("payload name must not contain path separators")
	}
	return nil
}
