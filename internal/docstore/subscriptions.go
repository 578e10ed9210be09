package docstore

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type snapshotLoader func(ctx context.Context, query Query) ([]Document, error)

// subscriptionHub fans committed changes out to live queries and remembers the last result per
// query so later subscribers can be served from cache first.
type subscriptionHub struct {
	mu          sync.RWMutex
	subscribers map[int64]*querySubscriber
	cache       map[string][]Document
	nextID      int64
	load        snapshotLoader
	logger      *zap.Logger
}

type querySubscriber struct {
	id     int64
	query  Query
	notify chan struct{}
}

func newSubscriptionHub(load snapshotLoader, logger *zap.Logger) *subscriptionHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &subscriptionHub{
		subscribers: make(map[int64]*querySubscriber),
		cache:       make(map[string][]Document),
		load:        load,
		logger:      logger,
	}
}

func (h *subscriptionHub) subscribe(ctx context.Context, query Query) (<-chan Snapshot, func()) {
	stream := make(chan Snapshot, 1)
	if query.Collection == "" {
		close(stream)
		return stream, func() {}
	}

	subscriberCtx, cancel := context.WithCancel(ctx)
	subscriber := &querySubscriber{query: query, notify: make(chan struct{}, 1)}
	h.register(subscriber)

	go func() {
		defer close(stream)
		defer h.unregister(subscriber.id)

		if cached, ok := h.cached(query); ok {
			offerLatest(stream, Snapshot{Documents: cached, FromCache: true})
		}
		h.emitFresh(subscriberCtx, query, stream)
		for {
			select {
			case <-subscriberCtx.Done():
				return
			case <-subscriber.notify:
				h.emitFresh(subscriberCtx, query, stream)
			}
		}
	}()

	return stream, cancel
}

func (h *subscriptionHub) emitFresh(ctx context.Context, query Query, stream chan Snapshot) {
	documents, err := h.load(ctx, query)
	if err != nil {
		if ctx.Err() == nil {
			h.logger.Warn("snapshot load failed", zap.String("query", query.key()), zap.Error(err))
		}
		return
	}
	h.mu.Lock()
	h.cache[query.key()] = documents
	h.mu.Unlock()
	offerLatest(stream, Snapshot{Documents: documents, FromCache: false})
}

func (h *subscriptionHub) publish(refs []Ref) {
	if len(refs) == 0 {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, subscriber := range h.subscribers {
		for _, ref := range refs {
			if !subscriber.query.Matches(ref) {
				continue
			}
			select {
			case subscriber.notify <- struct{}{}:
			default:
			}
			break
		}
	}
}

func (h *subscriptionHub) cached(query Query) ([]Document, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	documents, ok := h.cache[query.key()]
	return documents, ok
}

func (h *subscriptionHub) register(subscriber *querySubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	subscriber.id = h.nextID
	h.subscribers[subscriber.id] = subscriber
}

func (h *subscriptionHub) unregister(subscriberID int64) {
	h.mu.Lock()
	delete(h.subscribers, subscriberID)
	h.mu.Unlock()
}

// offerLatest replaces any unread snapshot so a slow reader always sees the newest state.
// The hub goroutine is the only sender on stream.
func offerLatest(stream chan Snapshot, snapshot Snapshot) {
	select {
	case stream <- snapshot:
		return
	default:
	}
	select {
	case <-stream:
	default:
	}
	stream <- snapshot
}
