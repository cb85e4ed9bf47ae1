package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidKey is returned for keys that are empty or escape the store root.
	ErrInvalidKey = errors.New("storage: invalid object key")

	errMissingRoot = errors.New("storage: filesystem root is required")
)

// FilesystemConfig describes a local directory used as the blob store.
type FilesystemConfig struct {
	Root          string
	PublicBaseURL string
}

// FilesystemStore keeps attachments under a local directory. The HTTP server
// serves the same directory at PublicBaseURL.
type FilesystemStore struct {
	root          string
	publicBaseURL string
}

// NewFilesystemStore creates the root directory if needed.
func NewFilesystemStore(cfg FilesystemConfig) (*FilesystemStore, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, errMissingRoot
	}
	absolute, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(absolute, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &FilesystemStore{
		root:          absolute,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"),
	}, nil
}

// Root returns the absolute directory holding stored objects.
func (f *FilesystemStore) Root() string {
	return f.root
}

// Put writes body to a temporary file and renames it into place.
func (f *FilesystemStore) Put(ctx context.Context, key string, body io.Reader, _ int64, _ string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target := filepath.Join(f.root, filepath.FromSlash(cleaned))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("storage: create directory for %s: %w", cleaned, err)
	}

	temp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("storage: create temp file for %s: %w", cleaned, err)
	}
	tempName := temp.Name()
	if _, err := io.Copy(temp, body); err != nil {
		temp.Close()
		os.Remove(tempName)
		return "", fmt.Errorf("storage: write %s: %w", cleaned, err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempName)
		return "", fmt.Errorf("storage: close %s: %w", cleaned, err)
	}
	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return "", fmt.Errorf("storage: commit %s: %w", cleaned, err)
	}
	return f.publicBaseURL + "/" + cleaned, nil
}

// URL returns the address the HTTP server serves key at.
func (f *FilesystemStore) URL(_ context.Context, key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return f.publicBaseURL + "/" + cleaned, nil
}

// Delete removes the file stored under key. Missing files are not an error.
func (f *FilesystemStore) Delete(_ context.Context, key string) error {
	cleaned, err := cleanKey(key)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(f.root, filepath.FromSlash(cleaned)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", cleaned, err)
	}
	return nil
}

func cleanKey(key string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(key), "/")
	if trimmed == "" {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}
