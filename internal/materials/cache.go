package materials

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tutorsync/internal/blobstore"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/kvstore"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/syncqueue"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

const indexKeyPrefix = "offline_materials:"

// Enqueuer accepts deferred actions for one user.
type Enqueuer interface {
	Enqueue(ctx context.Context, actionKey string, payload any) (syncqueue.QueueEntry, error)
}

// QueueResolver returns the queue of userID.
type QueueResolver func(userID string) (Enqueuer, error)

// Registrar binds queued action handlers.
type Registrar interface {
	Register(actionKey string, handler syncqueue.Handler) error
}

// CacheConfig describes the dependencies of a Cache.
type CacheConfig struct {
	KV           kvstore.Store
	Blobs        blobstore.Store
	HTTPClient   *http.Client
	Dir          string
	Connectivity syncqueue.StateReader
	Queues       QueueResolver
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Cache maps (user, material) to a local file and its index entry.
type Cache struct {
	kv           kvstore.Store
	blobs        blobstore.Store
	httpClient   *http.Client
	dir          string
	connectivity syncqueue.StateReader
	queues       QueueResolver
	clock        func() time.Time
	logger       *zap.Logger

	mu sync.Mutex
}

// NewCache constructs a Cache and creates its root directory.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.KV == nil {
		return nil, errors.New("materials: key-value store is required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("materials: blob store is required")
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("materials: directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("materials: create directory: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		kv:           cfg.KV,
		blobs:        cfg.Blobs,
		httpClient:   cfg.HTTPClient,
		dir:          cfg.Dir,
		connectivity: cfg.Connectivity,
		queues:       cfg.Queues,
		clock:        clock,
		logger:       logger,
	}, nil
}

// SetQueues installs the queue resolver used for offline downloads.
func (c *Cache) SetQueues(queues QueueResolver) {
	c.mu.Lock()
	c.queues = queues
	c.mu.Unlock()
}

// RegisterHandlers binds the queued download action on registrar.
func (c *Cache) RegisterHandlers(registrar Registrar) error {
	return registrar.Register(DownloadActionKey, c.handleQueuedDownload)
}

// GetEntry returns the cached entry of materialID for userID.
func (c *Cache) GetEntry(ctx context.Context, userID, materialID string) (Entry, bool, error) {
	key, err := indexKey(userID)
	if err != nil {
		return Entry{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	current, err := c.readIndexLocked(ctx, key)
	if err != nil {
		return Entry{}, false, err
	}
	entry, found := current.Entries[materialID]
	return entry, found, nil
}

// List returns the cached entries of userID ordered by material id.
func (c *Cache) List(ctx context.Context, userID string) ([]Entry, error) {
	key, err := indexKey(userID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	current, err := c.readIndexLocked(ctx, key)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(current.Entries))
	for _, entry := range current.Entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].MaterialID < entries[j].MaterialID })
	return entries, nil
}

// Download fetches material into local storage and indexes it. While offline it queues the
// download instead and reports DownloadQueued.
func (c *Cache) Download(ctx context.Context, userID string, material Material) (DownloadOutcome, error) {
	if _, err := indexKey(userID); err != nil {
		return DownloadOutcome{}, err
	}
	if err := material.validate(); err != nil {
		return DownloadOutcome{}, err
	}
	if c.offline() {
		return c.enqueueDownload(ctx, userID, material)
	}
	entry, err := c.fetch(ctx, userID, material)
	if err != nil {
		return DownloadOutcome{}, err
	}
	return DownloadOutcome{Status: DownloadReady, Entry: &entry}, nil
}

// Open returns a local copy of material that is safe to display, refreshing it first when it is
// stale and the device is online. Offline, a stale local copy is served as is. A successful open
// records the version actually shown as viewed, so a stale open keeps the update badge.
func (c *Cache) Open(ctx context.Context, userID string, material Material) (OpenResult, error) {
	if err := material.validate(); err != nil {
		return OpenResult{}, err
	}
	entry, found, err := c.GetEntry(ctx, userID, material.ID)
	if err != nil {
		return OpenResult{}, err
	}
	present := found && fileExists(entry.LocalPath)
	stale := !present || IsStale(entry, material)

	result := OpenResult{Entry: entry}
	switch {
	case !stale:
	case !c.offline():
		refreshed, fetchErr := c.fetch(ctx, userID, material)
		if fetchErr != nil {
			if !present {
				return OpenResult{}, fetchErr
			}
			c.logger.Warn("material refresh failed, opening local copy",
				zap.String("material_id", material.ID),
				zap.Error(fetchErr))
			result.Stale = true
			break
		}
		result = OpenResult{Entry: refreshed, Refreshed: true}
	case present:
		result.Stale = true
	default:
		return OpenResult{}, fmt.Errorf("%w: %s", ErrMaterialUnavailableOffline, material.ID)
	}

	shown := material.Version()
	if result.Stale {
		shown = result.Entry.UpdatedAt
	}
	if err := c.markViewed(ctx, userID, material.ID, shown); err != nil {
		c.logger.Warn("view marker not recorded", zap.String("material_id", material.ID), zap.Error(err))
	}
	return result, nil
}

// MarkViewed records that userID has seen the current version of material.
func (c *Cache) MarkViewed(ctx context.Context, userID string, material Material) error {
	return c.markViewed(ctx, userID, material.ID, material.Version())
}

func (c *Cache) markViewed(ctx context.Context, userID, materialID string, version int64) error {
	return c.updateIndex(ctx, userID, func(current index) index {
		if previous, seen := current.Views[materialID]; !seen || version > previous {
			current.Views[materialID] = version
		}
		return current
	})
}

// HasUnseenUpdate reports whether material was never viewed by userID or changed since.
func (c *Cache) HasUnseenUpdate(ctx context.Context, userID string, material Material) (bool, error) {
	key, err := indexKey(userID)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	current, err := c.readIndexLocked(ctx, key)
	if err != nil {
		return false, err
	}
	viewed, seen := current.Views[material.ID]
	return !seen || material.Version() > viewed, nil
}

// Remove deletes the local copy of materialID and its index entry.
func (c *Cache) Remove(ctx context.Context, userID, materialID string) error {
	var removed Entry
	var found bool
	err := c.updateIndex(ctx, userID, func(current index) index {
		removed, found = current.Entries[materialID]
		delete(current.Entries, materialID)
		return current
	})
	if err != nil || !found {
		return err
	}
	if err := os.Remove(removed.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("materials: remove local copy: %w", err)
	}
	return nil
}

func (c *Cache) handleQueuedDownload(ctx context.Context, payload json.RawMessage) error {
	var request downloadRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return fmt.Errorf("materials: invalid download payload: %w", err)
	}
	if err := request.Material.validate(); err != nil {
		return err
	}
	_, err := c.fetch(ctx, request.UserID, request.Material)
	return err
}

func (c *Cache) enqueueDownload(ctx context.Context, userID string, material Material) (DownloadOutcome, error) {
	c.mu.Lock()
	queues := c.queues
	c.mu.Unlock()
	if queues == nil {
		return DownloadOutcome{}, fmt.Errorf("%w: %s", ErrMaterialUnavailableOffline, material.ID)
	}
	queue, err := queues(userID)
	if err != nil {
		return DownloadOutcome{}, err
	}
	queued, err := queue.Enqueue(ctx, DownloadActionKey, downloadRequest{UserID: userID, Material: material})
	if err != nil {
		return DownloadOutcome{}, err
	}
	c.logger.Info("material download queued",
		zap.String("user_id", userID),
		zap.String("material_id", material.ID),
		zap.String("queue_id", queued.ID))
	return DownloadOutcome{Status: DownloadQueued, QueueID: queued.ID}, nil
}

// fetch downloads the blob, writes it through a temp file and upserts the index entry.
func (c *Cache) fetch(ctx context.Context, userID string, material Material) (Entry, error) {
	if _, err := indexKey(userID); err != nil {
		return Entry{}, err
	}
	data, err := blobstore.Fetch(ctx, c.blobs, c.httpClient, material.StorageKey)
	if err != nil {
		return Entry{}, fmt.Errorf("materials: fetch %s: %w", material.ID, err)
	}

	target := localPath(c.dir, userID, material)
	checksum, err := writeFile(target, data)
	if err != nil {
		return Entry{}, err
	}

	mimeType := strings.TrimSpace(material.MimeType)
	if mimeType == "" {
		mimeType = mimetype.Detect(data).String()
	}
	entry := Entry{
		MaterialID:    material.ID,
		ReservationID: material.ReservationID,
		LocalPath:     target,
		UpdatedAt:     material.Version(),
		Checksum:      &checksum,
		MimeType:      mimeType,
		FileName:      material.FileName,
		SizeBytes:     int64(len(data)),
		DownloadedAt:  c.clock().UTC().UnixMilli(),
	}
	if err := c.updateIndex(ctx, userID, func(current index) index {
		current.Entries[material.ID] = entry
		return current
	}); err != nil {
		return Entry{}, err
	}

	c.logger.Info("material downloaded",
		zap.String("user_id", userID),
		zap.String("material_id", material.ID),
		zap.String("mime_type", mimeType),
		zap.String("size", humanize.Bytes(uint64(len(data)))))
	return entry, nil
}

func (c *Cache) updateIndex(ctx context.Context, userID string, mutate func(index) index) error {
	key, err := indexKey(userID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	current, err := c.readIndexLocked(ctx, key)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(mutate(current))
	if err != nil {
		return fmt.Errorf("materials: encode index: %w", err)
	}
	if err := c.kv.SetItem(ctx, key, string(encoded)); err != nil {
		return fmt.Errorf("materials: write index: %w", err)
	}
	return nil
}

func (c *Cache) readIndexLocked(ctx context.Context, key string) (index, error) {
	raw, found, err := c.kv.GetItem(ctx, key)
	if err != nil {
		return index{}, fmt.Errorf("materials: read index: %w", err)
	}
	current := newIndex()
	if !found || strings.TrimSpace(raw) == "" {
		return current, nil
	}
	if err := kvstore.DecodeJSON(raw, &current); err != nil {
		c.logger.Warn("material index unreadable, treating as empty", zap.String("key", key), zap.Error(err))
		return newIndex(), nil
	}
	if current.Entries == nil {
		current.Entries = map[string]Entry{}
	}
	if current.Views == nil {
		current.Views = map[string]int64{}
	}
	return current, nil
}

func (c *Cache) offline() bool {
	return c.connectivity != nil && c.connectivity.Current().IsOffline
}

func indexKey(userID string) (string, error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	// The user id names a directory under the cache root.
	if trimmed == "." || trimmed == ".." || strings.ContainsAny(trimmed, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	return indexKeyPrefix + trimmed, nil
}

// writeFile stores data at target via a sibling temp file and returns the hex sha256 of data.
func writeFile(target string, data []byte) (string, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("materials: create directory: %w", err)
	}
	temporary, err := os.CreateTemp(filepath.Dir(target), ".download-*")
	if err != nil {
		return "", fmt.Errorf("materials: create temp file: %w", err)
	}
	defer os.Remove(temporary.Name())

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(temporary, hasher), bytes.NewReader(data)); err != nil {
		temporary.Close()
		return "", fmt.Errorf("materials: write temp file: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return "", fmt.Errorf("materials: close temp file: %w", err)
	}
	if err := os.Rename(temporary.Name(), target); err != nil {
		return "", fmt.Errorf("materials: move file into place: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
