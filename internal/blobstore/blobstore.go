// Package blobstore stores material files by content key and resolves download URLs for them.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DriverFile keeps blobs in a local directory.
	DriverFile = "file"
	// DriverHTTP talks to a remote object endpoint.
	DriverHTTP = "http"

	defaultHTTPTimeout = 30 * time.Second
)

var (
	// ErrInvalidKey indicates a blank or escaping content key.
	ErrInvalidKey = errors.New("blobstore: invalid key")
	// ErrBlobNotFound indicates that no blob exists for the key.
	ErrBlobNotFound = errors.New("blobstore: blob not found")
)

// Store is the blob store collaborator.
type Store interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	DownloadURL(ctx context.Context, key string) (string, error)
}

// Config selects and configures a backend for New.
type Config struct {
	Driver     string
	Dir        string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// New returns the configured backend.
func New(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverFile, "":
		return NewFileStore(cfg.Dir, cfg.Logger)
	case DriverHTTP:
		return NewHTTPStore(cfg.BaseURL, cfg.HTTPClient, cfg.Logger)
	default:
		return nil, fmt.Errorf("blobstore: unsupported driver %q", cfg.Driver)
	}
}

// Fetch resolves key through store and returns the blob bytes. file:// URLs are read directly.
func Fetch(ctx context.Context, store Store, client *http.Client, key string) ([]byte, error) {
	location, err := store.DownloadURL(ctx, key)
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("blobstore: invalid download url: %w", err)
	}
	if parsed.Scheme == "file" {
		data, readErr := os.ReadFile(parsed.Path)
		if errors.Is(readErr, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return data, readErr
	}

	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	response, err := client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blobstore: download %s returned %d", key, response.StatusCode)
	}
	return io.ReadAll(response.Body)
}

func cleanKey(key string) (string, error) {
	trimmed := strings.Trim(strings.TrimSpace(key), "/")
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	cleaned := path.Clean(trimmed)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}

// FileStore keeps blobs under a root directory and hands out file:// URLs.
type FileStore struct {
	root   string
	logger *zap.Logger
}

// NewFileStore creates root if needed.
func NewFileStore(root string, logger *zap.Logger) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("blobstore: directory is required")
	}
	absolute, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absolute, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{root: absolute, logger: logger}, nil
}

func (s *FileStore) Upload(_ context.Context, key string, data []byte, contentType string) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	temporary := target + ".part"
	if err := os.WriteFile(temporary, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(temporary, target); err != nil {
		return err
	}
	s.logger.Debug("blob stored", zap.String("key", key), zap.String("content_type", contentType), zap.Int("bytes", len(data)))
	return nil
}

func (s *FileStore) DownloadURL(_ context.Context, key string) (string, error) {
	target, err := s.path(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(target)}).String(), nil
}

func (s *FileStore) path(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

// HTTPStore uploads with PUT to <base>/<key> and downloads from the same URL.
type HTTPStore struct {
	base   *url.URL
	client *http.Client
	logger *zap.Logger
}

// NewHTTPStore validates baseURL.
func NewHTTPStore(baseURL string, client *http.Client, logger *zap.Logger) (*HTTPStore, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("blobstore: invalid base url %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPStore{base: parsed, client: client, logger: logger}, nil
}

func (s *HTTPStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	location, err := s.DownloadURL(ctx, key)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, location, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	response, err := s.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("blobstore: upload %s returned %d", key, response.StatusCode)
	}
	return nil
}

func (s *HTTPStore) DownloadURL(_ context.Context, key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return s.base.JoinPath(cleaned).String(), nil
}
