// Package client composes the offline core for signed-in users: one queue and sync engine per
// user over shared storage, connectivity and material cache.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tutorsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/ids"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/kvstore"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/materials"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/syncqueue"
	"go.uber.org/zap"
)

// ErrInvalidUserID indicates that a session was requested without a user id.
var ErrInvalidUserID = errors.New("client: invalid user id")

// Connectivity is the monitor view sessions need.
type Connectivity interface {
	Current() connectivity.State
	Subscribe(ctx context.Context) (<-chan connectivity.State, func())
}

// HandlerBinder registers additional queued action handlers on a new user engine.
type HandlerBinder func(userID string, engine *syncqueue.Engine) error

// RegistryConfig describes the dependencies of a Registry.
type RegistryConfig struct {
	KV           kvstore.Store
	Connectivity Connectivity
	Materials    *materials.Cache
	Binders      []HandlerBinder
	DrainOnStart bool
	IDProvider   ids.Provider
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Session is the offline state of one signed-in user.
type Session struct {
	UserID string
	Engine *syncqueue.Engine
}

// Registry lazily creates sessions and keeps one drain watcher running per session.
type Registry struct {
	kv           kvstore.Store
	connectivity Connectivity
	materials    *materials.Cache
	binders      []HandlerBinder
	drainOnStart bool
	idProvider   ids.Provider
	clock        func() time.Time
	logger       *zap.Logger

	sessions sync.Map
	create   sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	watchers sync.WaitGroup
}

// NewRegistry constructs a Registry and points the material cache at its queues.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.KV == nil {
		return nil, errors.New("client: key-value store is required")
	}
	if cfg.Connectivity == nil {
		return nil, errors.New("client: connectivity monitor is required")
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	registry := &Registry{
		kv:           cfg.KV,
		connectivity: cfg.Connectivity,
		materials:    cfg.Materials,
		binders:      append([]HandlerBinder(nil), cfg.Binders...),
		drainOnStart: cfg.DrainOnStart,
		idProvider:   idProvider,
		clock:        clock,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
	if registry.materials != nil {
		registry.materials.SetQueues(registry.QueueFor)
	}
	return registry, nil
}

// Session returns the session of userID, creating it and starting its watcher on first use.
func (r *Registry) Session(userID string) (*Session, error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if cached, ok := r.sessions.Load(trimmed); ok {
		if session, ok := cached.(*Session); ok {
			return session, nil
		}
	}

	r.create.Lock()
	defer r.create.Unlock()
	if cached, ok := r.sessions.Load(trimmed); ok {
		if session, ok := cached.(*Session); ok {
			return session, nil
		}
	}
	if r.ctx.Err() != nil {
		return nil, errors.New("client: registry closed")
	}

	session, err := r.newSession(trimmed)
	if err != nil {
		return nil, err
	}
	r.sessions.Store(trimmed, session)

	states, stop := r.connectivity.Subscribe(r.ctx)
	r.watchers.Add(1)
	go func() {
		defer r.watchers.Done()
		defer stop()
		session.Engine.Watch(r.ctx, states, r.drainOnStart)
	}()

	r.logger.Info("client session started", zap.String("user_id", trimmed))
	return session, nil
}

// QueueFor resolves the queue of userID for deferred material downloads.
func (r *Registry) QueueFor(userID string) (materials.Enqueuer, error) {
	session, err := r.Session(userID)
	if err != nil {
		return nil, err
	}
	return session.Engine, nil
}

// Sessions returns the active sessions.
func (r *Registry) Sessions() []*Session {
	var sessions []*Session
	r.sessions.Range(func(_, value any) bool {
		if session, ok := value.(*Session); ok {
			sessions = append(sessions, session)
		}
		return true
	})
	return sessions
}

// DrainAll drains every session while online. It returns the number of executed entries.
func (r *Registry) DrainAll(ctx context.Context) int {
	if r.connectivity.Current().IsOffline {
		return 0
	}
	executed := 0
	for _, session := range r.Sessions() {
		result := session.Engine.DrainRegistered(ctx)
		executed += len(result.Executed)
		if len(result.Pending) > 0 {
			r.logger.Debug("entries still pending after sweep",
				zap.String("user_id", session.UserID),
				zap.Int("pending", len(result.Pending)))
		}
	}
	return executed
}

// Close stops all session watchers.
func (r *Registry) Close() {
	r.cancel()
	r.watchers.Wait()
}

func (r *Registry) newSession(userID string) (*Session, error) {
	store, err := syncqueue.NewQueueStore(r.kv, userID, r.logger)
	if err != nil {
		return nil, err
	}
	engine, err := syncqueue.NewEngine(syncqueue.EngineConfig{
		Store:        store,
		Connectivity: r.connectivity,
		IDProvider:   r.idProvider,
		Clock:        r.clock,
		Logger:       r.logger.With(zap.String("user_id", userID)),
	})
	if err != nil {
		return nil, err
	}
	if r.materials != nil {
		if err := r.materials.RegisterHandlers(engine); err != nil {
			return nil, err
		}
	}
	for _, bind := range r.binders {
		if err := bind(userID, engine); err != nil {
			return nil, fmt.Errorf("client: bind handlers for %s: %w", userID, err)
		}
	}
	return &Session{UserID: userID, Engine: engine}, nil
}
