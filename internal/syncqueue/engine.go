package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tutorsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/ids"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const drainFlightKey = "drain"

// Handler executes one queued action. The same handler serves immediate execution and replay.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Handlers maps action keys to handlers.
type Handlers map[string]Handler

// StateReader exposes the settled connectivity state.
type StateReader interface {
	Current() connectivity.State
}

// DrainResult lists the entries executed by a drain and those left queued. PersistErr is set
// when the queue could not be rewritten afterwards; the executed entries then remain stored and
// run again on the next drain.
type DrainResult struct {
	Executed   []QueueEntry
	Pending    []QueueEntry
	PersistErr error
}

// DispatchStatus tells whether an intent ran now or was queued.
type DispatchStatus string

const (
	// DispatchExecuted means the handler ran successfully right away.
	DispatchExecuted DispatchStatus = "executed"
	// DispatchQueued means the intent was persisted for a later drain.
	DispatchQueued DispatchStatus = "queued"
)

// DispatchOutcome reports how an intent was handled. Err is set when an immediate attempt
// failed and the intent was queued for retry.
type DispatchOutcome struct {
	Status DispatchStatus
	Entry  QueueEntry
	Err    error
}

// EngineConfig describes the dependencies of an Engine.
type EngineConfig struct {
	Store        *QueueStore
	Connectivity StateReader
	IDProvider   ids.Provider
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Engine drains one user's queue. Concurrent Drain calls share a single in-flight pass.
type Engine struct {
	store        *QueueStore
	connectivity StateReader
	idProvider   ids.Provider
	clock        func() time.Time
	logger       *zap.Logger
	flight       singleflight.Group

	mu       sync.RWMutex
	handlers Handlers
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("syncqueue: queue store is required")
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
	return &Engine{
		store:        cfg.Store,
		connectivity: cfg.Connectivity,
		idProvider:   idProvider,
		clock:        clock,
		logger:       logger,
		handlers:     make(Handlers),
	}, nil
}

// Register binds a handler to an action key, replacing any previous binding.
func (e *Engine) Register(actionKey string, handler Handler) error {
	key, err := validateActionKey(actionKey)
	if err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("syncqueue: nil handler for %s", key)
	}
	e.mu.Lock()
	e.handlers[key] = handler
	e.mu.Unlock()
	return nil
}

// Handlers returns a copy of the registered handlers.
func (e *Engine) Handlers() Handlers {
	e.mu.RLock()
	defer e.mu.RUnlock()
	copied := make(Handlers, len(e.handlers))
	for key, handler := range e.handlers {
		copied[key] = handler
	}
	return copied
}

// Enqueue persists a new entry. It needs no network.
func (e *Engine) Enqueue(ctx context.Context, actionKey string, payload any) (QueueEntry, error) {
	entry, err := e.newEntry(actionKey, payload)
	if err != nil {
		return QueueEntry{}, err
	}
	if err := e.store.Append(ctx, entry); err != nil {
		return QueueEntry{}, err
	}
	e.logger.Debug("queued action", zap.String("action_key", entry.ActionKey), zap.String("entry_id", entry.ID))
	return entry, nil
}

// Pending returns the stored entries for diagnostics.
func (e *Engine) Pending(ctx context.Context) ([]QueueEntry, error) {
	return e.store.ReadAll(ctx)
}

// Dispatch runs an intent now when online and a handler is registered; otherwise it queues it.
// A failed immediate attempt is queued with its failure already counted.
func (e *Engine) Dispatch(ctx context.Context, actionKey string, payload any) (DispatchOutcome, error) {
	entry, err := e.newEntry(actionKey, payload)
	if err != nil {
		return DispatchOutcome{}, err
	}

	e.mu.RLock()
	handler, registered := e.handlers[entry.ActionKey]
	e.mu.RUnlock()

	if registered && e.online() {
		runErr := e.invoke(ctx, handler, entry)
		if runErr == nil {
			return DispatchOutcome{Status: DispatchExecuted, Entry: entry}, nil
		}
		entry = entry.recordFailure(runErr)
		e.logger.Warn("immediate action failed, queued for retry",
			zap.String("action_key", entry.ActionKey),
			zap.String("entry_id", entry.ID),
			zap.Error(runErr))
		if err := e.store.Append(ctx, entry); err != nil {
			return DispatchOutcome{}, err
		}
		return DispatchOutcome{Status: DispatchQueued, Entry: entry, Err: fmt.Errorf("%w: %v", ErrHandlerFailure, runErr)}, nil
	}

	if err := e.store.Append(ctx, entry); err != nil {
		return DispatchOutcome{}, err
	}
	return DispatchOutcome{Status: DispatchQueued, Entry: entry}, nil
}

// DrainRegistered drains with the registered handlers.
func (e *Engine) DrainRegistered(ctx context.Context) DrainResult {
	return e.Drain(ctx, e.Handlers())
}

// Drain replays every stored entry in order. Entries without a handler stay untouched, failing
// entries stay with RetryCount incremented, and successful entries are removed. A call made
// while another drain runs receives that drain's result instead of starting a second pass.
// Drain never returns an error; failures are visible through entry metadata and PersistErr.
// Delivery is at least once, so handlers must tolerate replays of an entry they already ran.
func (e *Engine) Drain(ctx context.Context, handlers Handlers) DrainResult {
	value, _, _ := e.flight.Do(drainFlightKey, func() (any, error) {
		return e.drain(ctx, handlers), nil
	})
	result, _ := value.(DrainResult)
	return result
}

// Watch drains on every offline to online transition observed on states, and once up front
// when drainOnStart is set and the first observed state is online. It returns when ctx ends or
// states closes.
func (e *Engine) Watch(ctx context.Context, states <-chan connectivity.State, drainOnStart bool) {
	first := true
	wasOffline := true
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			shouldDrain := !state.IsOffline && (wasOffline && !first || first && drainOnStart)
			first = false
			wasOffline = state.IsOffline
			if shouldDrain {
				result := e.DrainRegistered(ctx)
				if result.PersistErr != nil {
					continue
				}
				e.logger.Info("queue drained",
					zap.Int("executed", len(result.Executed)),
					zap.Int("pending", len(result.Pending)))
			}
		}
	}
}

func (e *Engine) drain(ctx context.Context, handlers Handlers) DrainResult {
	entries, err := e.store.ReadAll(ctx)
	if err != nil {
		e.logger.Error("queue read failed, drain skipped", zap.Error(err))
		return DrainResult{Executed: []QueueEntry{}, Pending: []QueueEntry{}, PersistErr: err}
	}

	drained := make(map[string]struct{}, len(entries))
	executed := make([]QueueEntry, 0, len(entries))
	pending := make([]QueueEntry, 0, len(entries))
	for _, entry := range entries {
		drained[entry.ID] = struct{}{}
		handler, ok := handlers[entry.ActionKey]
		if !ok || ctx.Err() != nil {
			pending = append(pending, entry)
			continue
		}
		if runErr := e.invoke(ctx, handler, entry); runErr != nil {
			failed := entry.recordFailure(runErr)
			e.logger.Warn("queued action failed",
				zap.String("action_key", failed.ActionKey),
				zap.String("entry_id", failed.ID),
				zap.Int("retry_count", failed.RetryCount),
				zap.Error(runErr))
			pending = append(pending, failed)
			continue
		}
		executed = append(executed, entry)
	}

	// Entries appended while handlers ran are not in drained and keep their place after the survivors.
	persistErr := e.store.Update(context.WithoutCancel(ctx), func(current []QueueEntry) []QueueEntry {
		next := make([]QueueEntry, 0, len(pending)+len(current))
		next = append(next, pending...)
		for _, entry := range current {
			if _, seen := drained[entry.ID]; !seen {
				next = append(next, entry)
			}
		}
		return next
	})
	if persistErr != nil {
		e.logger.Error("queue persist failed after drain",
			zap.Int("executed", len(executed)),
			zap.Error(persistErr))
	}
	return DrainResult{Executed: executed, Pending: pending, PersistErr: persistErr}
}

func (e *Engine) invoke(ctx context.Context, handler Handler, entry QueueEntry) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: panic: %v", ErrHandlerFailure, recovered)
		}
	}()
	return handler(ctx, entry.Payload)
}

func (e *Engine) newEntry(actionKey string, payload any) (QueueEntry, error) {
	key, err := validateActionKey(actionKey)
	if err != nil {
		return QueueEntry{}, err
	}
	encoded, err := encodePayload(payload)
	if err != nil {
		return QueueEntry{}, err
	}
	entryID, err := e.idProvider.NewID()
	if err != nil {
		return QueueEntry{}, fmt.Errorf("syncqueue: id generation failed: %w", err)
	}
	return QueueEntry{
		ID:         entryID,
		ActionKey:  key,
		Payload:    encoded,
		CreatedAt:  e.clock().UTC().UnixMilli(),
		RetryCount: 0,
	}, nil
}

func (e *Engine) online() bool {
	if e.connectivity == nil {
		return true
	}
	return !e.connectivity.Current().IsOffline
}
