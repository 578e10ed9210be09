package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	maxPoolConns        = 10
	minPoolConns        = 2
	maxConnLifetime     = 10 * time.Minute
	maxConnIdleTime     = 5 * time.Minute
	notifyChannel       = "tutorsync_documents"
	pgSerializationCode = "40001"
	pgDeadlockCode      = "40P01"
	listenRetryDelay    = 2 * time.Second
)

const createDocumentsTable = `CREATE TABLE IF NOT EXISTS documents (
	collection    TEXT   NOT NULL,
	document_id   TEXT   NOT NULL,
	data_json     JSONB  NOT NULL,
	updated_at_ms BIGINT NOT NULL,
	PRIMARY KEY (collection, document_id)
)`

const upsertDocument = `INSERT INTO documents (collection, document_id, data_json, updated_at_ms)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (collection, document_id)
	DO UPDATE SET data_json = EXCLUDED.data_json, updated_at_ms = EXCLUDED.updated_at_ms`

// OpenPostgres creates a pgx pool and verifies connectivity.
func OpenPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing postgres config: %w", err)
	}
	config.MaxConns = maxPoolConns
	config.MinConns = minPoolConns
	config.MaxConnLifetime = maxConnLifetime
	config.MaxConnIdleTime = maxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error pinging postgres pool: %w", err)
	}
	return pool, nil
}

// PgxStore is a Store over Postgres. Transactions lock rows with SELECT ... FOR UPDATE and
// committed writes are announced with NOTIFY so subscribers in other processes refresh too.
type PgxStore struct {
	pool   *pgxpool.Pool
	clock  func() time.Time
	hub    *subscriptionHub
	logger *zap.Logger
}

// NewPgxStore wraps an open pool.
func NewPgxStore(pool *pgxpool.Pool, logger *zap.Logger) *PgxStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := &PgxStore{pool: pool, clock: time.Now, logger: logger}
	store.hub = newSubscriptionHub(store.load, logger)
	return store
}

// EnsureSchema creates the documents table when missing.
func (s *PgxStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createDocumentsTable); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	return nil
}

func (s *PgxStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	var touched []Ref
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(transaction pgx.Tx) error {
		view := &pgxTx{ctx: ctx, tx: transaction, clock: s.clock}
		if err := fn(view); err != nil {
			return err
		}
		for _, ref := range view.touched {
			if _, err := transaction.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, ref.String()); err != nil {
				return err
			}
		}
		touched = view.touched
		return nil
	})
	if err != nil {
		return classifyPgError(err)
	}
	s.hub.publish(touched)
	return nil
}

func (s *PgxStore) Get(ctx context.Context, ref Ref, target any) error {
	if err := ref.validate(); err != nil {
		return err
	}
	var payload []byte
	err := s.pool.QueryRow(ctx, "SELECT data_json FROM documents WHERE collection = $1 AND document_id = $2",
		ref.Collection, ref.ID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(ref)
	}
	if err != nil {
		return classifyPgError(err)
	}
	return json.Unmarshal(payload, target)
}

func (s *PgxStore) Set(ctx context.Context, ref Ref, value any) error {
	return s.Transaction(ctx, func(tx Tx) error {
		return tx.Set(ref, value)
	})
}

func (s *PgxStore) Subscribe(ctx context.Context, query Query) (<-chan Snapshot, func()) {
	return s.hub.subscribe(ctx, query)
}

// Listen relays NOTIFY events from other writers to local subscribers until ctx ends.
func (s *PgxStore) Listen(ctx context.Context) error {
	for {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("document listener interrupted", zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(listenRetryDelay):
		}
	}
}

func (s *PgxStore) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		collection, documentID, ok := strings.Cut(notification.Payload, "/")
		if !ok {
			continue
		}
		s.hub.publish([]Ref{NewRef(collection, documentID)})
	}
}

func (s *PgxStore) load(ctx context.Context, query Query) ([]Document, error) {
	statement := "SELECT collection, document_id, data_json, updated_at_ms FROM documents WHERE collection = $1"
	args := []any{query.Collection}
	if query.ID != "" {
		statement += " AND document_id = $2"
		args = append(args, query.ID)
	}
	statement += " ORDER BY document_id ASC"

	rows, err := s.pool.Query(ctx, statement, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var documents []Document
	for rows.Next() {
		var (
			document Document
			payload  []byte
		)
		if err := rows.Scan(&document.Ref.Collection, &document.Ref.ID, &payload, &document.UpdatedAtMs); err != nil {
			return nil, err
		}
		document.Data = json.RawMessage(payload)
		documents = append(documents, document)
	}
	return documents, rows.Err()
}

type pgxTx struct {
	ctx     context.Context
	tx      pgx.Tx
	clock   func() time.Time
	touched []Ref
}

func (t *pgxTx) Get(ref Ref, target any) error {
	if err := ref.validate(); err != nil {
		return err
	}
	var payload []byte
	err := t.tx.QueryRow(t.ctx, "SELECT data_json FROM documents WHERE collection = $1 AND document_id = $2 FOR UPDATE",
		ref.Collection, ref.ID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(ref)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, target)
}

func (t *pgxTx) Set(ref Ref, value any) error {
	if err := ref.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(t.ctx, upsertDocument, ref.Collection, ref.ID, payload, t.clock().UTC().UnixMilli()); err != nil {
		return err
	}
	t.touched = append(t.touched, ref)
	return nil
}

func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgSerializationCode || pgErr.Code == pgDeadlockCode) {
		return conflict(err)
	}
	return err
}
