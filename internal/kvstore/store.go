// Package kvstore provides the local persistent key-value storage that backs the offline queue
// and the material cache index.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DriverSQLite stores items in a gorm-managed SQLite table.
	DriverSQLite = "sqlite"
	// DriverRedis stores items in Redis.
	DriverRedis = "redis"
	// DriverMemory keeps items in process memory only.
	DriverMemory = "memory"
)

var (
	// ErrPersistenceCorrupt indicates that a stored value could not be decoded.
	ErrPersistenceCorrupt = errors.New("kvstore: persisted value corrupt")
	// ErrEmptyKey indicates that an operation was attempted with a blank key.
	ErrEmptyKey = errors.New("kvstore: empty key")
)

// Store is the minimal string key-value contract. Each SetItem replaces the whole value atomically.
type Store interface {
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// Config selects and configures a backend for Open.
type Config struct {
	Driver      string
	Database    *gorm.DB
	RedisURL    string
	RedisPrefix string
	Logger      *zap.Logger
}

// Open returns the configured backend. A backend that cannot be opened degrades to a MemoryStore
// so callers keep working without persistence. The returned func releases backend resources.
func Open(ctx context.Context, cfg Config) (Store, func() error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	noop := func() error { return nil }

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverSQLite, "":
		if cfg.Database == nil {
			logger.Warn("kv storage unavailable, using memory", zap.String("driver", DriverSQLite))
			return NewMemoryStore(), noop
		}
		return NewSQLiteStore(cfg.Database), noop
	case DriverRedis:
		client, err := OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("kv storage unavailable, using memory", zap.String("driver", DriverRedis), zap.Error(err))
			return NewMemoryStore(), noop
		}
		return NewRedisStore(client, cfg.RedisPrefix), client.Close
	case DriverMemory:
		return NewMemoryStore(), noop
	default:
		logger.Warn("unknown kv storage driver, using memory", zap.String("driver", cfg.Driver))
		return NewMemoryStore(), noop
	}
}

// OpenRedis parses the URL and verifies the connection with a ping.
func OpenRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("error pinging redis: %w", err)
	}
	return client, nil
}

// DecodeJSON unmarshals a stored value, reporting undecodable input as ErrPersistenceCorrupt.
func DecodeJSON(raw string, target any) error {
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceCorrupt, err)
	}
	return nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}
