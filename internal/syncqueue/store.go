package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/tutorsync/internal/kvstore"
	"go.uber.org/zap"
)

const queueKeyPrefix = "offline_queue:"

// QueueStore persists the ordered entry list of one user as a single JSON document, so every
// write replaces the whole list and a failed write leaves the previous list intact.
type QueueStore struct {
	kv     kvstore.Store
	key    string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewQueueStore scopes a store to userID.
func NewQueueStore(kv kvstore.Store, userID string, logger *zap.Logger) (*QueueStore, error) {
	if kv == nil {
		return nil, errors.New("syncqueue: key-value store is required")
	}
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueStore{kv: kv, key: queueKeyPrefix + trimmed, logger: logger}, nil
}

// Append adds entry at the tail.
func (s *QueueStore) Append(ctx context.Context, entry QueueEntry) error {
	return s.Update(ctx, func(entries []QueueEntry) []QueueEntry {
		return append(entries, entry)
	})
}

// ReadAll returns the stored entries in order. Missing or corrupt data reads as empty.
func (s *QueueStore) ReadAll(ctx context.Context) ([]QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(ctx)
}

// ReplaceAll overwrites the stored list.
func (s *QueueStore) ReplaceAll(ctx context.Context, entries []QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ctx, entries)
}

// Update performs a read-modify-write of the whole list under the store lock.
// A backend read failure aborts the update so existing entries are never overwritten blindly.
func (s *QueueStore) Update(ctx context.Context, mutate func([]QueueEntry) []QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readLocked(ctx)
	if err != nil {
		return err
	}
	return s.writeLocked(ctx, mutate(entries))
}

func (s *QueueStore) readLocked(ctx context.Context) ([]QueueEntry, error) {
	raw, found, err := s.kv.GetItem(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("syncqueue: read queue: %w", err)
	}
	if !found || strings.TrimSpace(raw) == "" {
		return []QueueEntry{}, nil
	}
	var entries []QueueEntry
	if err := kvstore.DecodeJSON(raw, &entries); err != nil {
		s.logger.Warn("offline queue unreadable, treating as empty", zap.String("key", s.key), zap.Error(err))
		return []QueueEntry{}, nil
	}
	if entries == nil {
		entries = []QueueEntry{}
	}
	return entries, nil
}

func (s *QueueStore) writeLocked(ctx context.Context, entries []QueueEntry) error {
	if entries == nil {
		entries = []QueueEntry{}
	}
	encoded, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("syncqueue: encode queue: %w", err)
	}
	if err := s.kv.SetItem(ctx, s.key, string(encoded)); err != nil {
		return fmt.Errorf("syncqueue: write queue: %w", err)
	}
	return nil
}
