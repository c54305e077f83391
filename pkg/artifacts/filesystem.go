package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemStorage keeps blobs under a local root directory. Used for
// single-node deployments and tests; the front end can serve the root
// directly when SERVE_BUILDS is enabled.
type FilesystemStorage struct {
	root    string
	baseURL string
}

// NewFilesystemStorage creates the root directory if needed.
func NewFilesystemStorage(root, baseURL string) (*FilesystemStorage, error) {
	if root == "" {
		return nil, fmt.Errorf("filesystem storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	if baseURL == "" {
		baseURL = "/builds"
	}
	return &FilesystemStorage{root: root, baseURL: baseURL}, nil
}

// Root returns the on-disk location, for direct serving.
func (s *FilesystemStorage) Root() string {
	return s.root
}

func (s *FilesystemStorage) abs(path string) (string, error) {
	cleaned := filepath.Clean(path)
	if filepath.IsAbs(cleaned) || cleaned == ".." ||
		strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid blob path: %q", path)
	}
	return filepath.Join(s.root, cleaned), nil
}

func (s *FilesystemStorage) Save(_ context.Context, path string, content io.Reader) (int64, error) {
	full, err := s.abs(path)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create blob directory: %w", err)
	}
	// Overwrite-by-path: any previous blob at this location is replaced.
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, content)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return 0, fmt.Errorf("failed to finalize blob: %w", err)
	}
	return size, nil
}

func (s *FilesystemStorage) Open(_ context.Context, path string) (io.ReadCloser, error) {
	full, err := s.abs(path)
	if err != nil {
		return nil, err
	}
	fh, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %q: %w", path, err)
	}
	return fh, nil
}

func (s *FilesystemStorage) Delete(_ context.Context, path string) error {
	full, err := s.abs(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %q: %w", path, err)
	}
	return nil
}

func (s *FilesystemStorage) Exists(_ context.Context, path string) (bool, error) {
	full, err := s.abs(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat blob %q: %w", path, err)
	}
	return true, nil
}

func (s *FilesystemStorage) URL(path string) string {
	return joinURL(s.baseURL, path)
}

func (s *FilesystemStorage) HealthCheck(context.Context) error {
	_, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("storage root unavailable: %w", err)
	}
	return nil
}
