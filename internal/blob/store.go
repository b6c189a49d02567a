// Package blob implements the transcript blob container on the local
// filesystem. Containers are directories under the configured root; blobs are
// written atomically via a temp file rename.
package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	// TranscriptContainer is the private container holding transcript blobs.
	TranscriptContainer = "transcripts"

	// MaxBlobSize caps a single transcript blob at 10 MiB.
	MaxBlobSize = 10 << 20
)

type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// ensureContainer creates the container directory with private permissions.
func (s *Store) ensureContainer(container string) error {
	return os.MkdirAll(filepath.Join(s.root, container), 0o700)
}

// Write stores a text blob at container/path, creating the container if it
// does not exist yet and retrying the write once. Existing blobs are
// overwritten. Only UTF-8 text within the size cap is accepted.
func (s *Store) Write(container, path string, data []byte) error {
	if len(data) > MaxBlobSize {
		return fmt.Errorf("blob %s exceeds size cap: %d > %d bytes", path, len(data), MaxBlobSize)
	}
	if !utf8.Valid(data) {
		return fmt.Errorf("blob %s is not valid UTF-8 text", path)
	}
	if err := validatePath(path); err != nil {
		return err
	}

	err := s.writeFile(container, path, data)
	if err != nil {
		// Container may not exist yet: create it and retry once.
		if mkErr := s.ensureContainer(container); mkErr != nil {
			return fmt.Errorf("failed to create container %s: %w", container, mkErr)
		}
		err = s.writeFile(container, path, data)
	}
	return err
}

func (s *Store) writeFile(container, path string, data []byte) error {
	full := filepath.Join(s.root, container, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return err
	}

	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, full)
}

// Read returns the blob at container/path.
func (s *Store) Read(container, path string) ([]byte, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, container, filepath.FromSlash(path)))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s/%s: %w", container, path, err)
	}
	return data, nil
}

// Exists reports whether a blob is present.
func (s *Store) Exists(container, path string) bool {
	if err := validatePath(path); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(s.root, container, filepath.FromSlash(path)))
	return err == nil
}

func validatePath(path string) error {
	if path == "" || strings.Contains(path, "..") || strings.HasPrefix(path, "/") {
		return fmt.Errorf("invalid blob path: %q", path)
	}
	return nil
}
