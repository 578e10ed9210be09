package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnCollection = "collection"
	columnDocumentID = "document_id"
	queryDocument    = columnCollection + " = ? AND " + columnDocumentID + " = ?"
	queryCollection  = columnCollection + " = ?"
)

// Record is the gorm row backing a document.
type Record struct {
	Collection  string `gorm:"column:collection;primaryKey;size:64;not null"`
	DocumentID  string `gorm:"column:document_id;primaryKey;size:190;not null"`
	DataJSON    string `gorm:"column:data_json;type:text;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "documents"
}

func (record Record) document() Document {
	return Document{
		Ref:         NewRef(record.Collection, record.DocumentID),
		Data:        json.RawMessage(record.DataJSON),
		UpdatedAtMs: record.UpdatedAtMs,
	}
}

// GormStoreConfig describes the dependencies of a GormStore.
type GormStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// GormStore is a Store over a gorm database. With SQLite the single-connection pool serializes
// transactions; with server databases the row locks taken by Tx.Get do.
type GormStore struct {
	db    *gorm.DB
	clock func() time.Time
	hub   *subscriptionHub
}

// NewGormStore constructs a GormStore. The documents table is migrated by the database package.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, errors.New("docstore: database handle is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	store := &GormStore{db: cfg.Database, clock: clock}
	store.hub = newSubscriptionHub(store.load, cfg.Logger)
	return store, nil
}

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	var touched []Ref
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		view := &gormTx{db: transaction, clock: s.clock}
		if err := fn(view); err != nil {
			return err
		}
		touched = view.touched
		return nil
	})
	if err != nil {
		return classifyGormError(err)
	}
	s.hub.publish(touched)
	return nil
}

func (s *GormStore) Get(ctx context.Context, ref Ref, target any) error {
	if err := ref.validate(); err != nil {
		return err
	}
	var record Record
	err := s.db.WithContext(ctx).Where(queryDocument, ref.Collection, ref.ID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound(ref)
	}
	if err != nil {
		return classifyGormError(err)
	}
	return json.Unmarshal([]byte(record.DataJSON), target)
}

func (s *GormStore) Set(ctx context.Context, ref Ref, value any) error {
	if err := upsertRecord(s.db.WithContext(ctx), s.clock, ref, value); err != nil {
		return classifyGormError(err)
	}
	s.hub.publish([]Ref{ref})
	return nil
}

func (s *GormStore) Subscribe(ctx context.Context, query Query) (<-chan Snapshot, func()) {
	return s.hub.subscribe(ctx, query)
}

func (s *GormStore) load(ctx context.Context, query Query) ([]Document, error) {
	statement := s.db.WithContext(ctx).Where(queryCollection, query.Collection)
	if query.ID != "" {
		statement = statement.Where(columnDocumentID+" = ?", query.ID)
	}
	var records []Record
	if err := statement.Order(columnDocumentID + " ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	documents := make([]Document, 0, len(records))
	for _, record := range records {
		documents = append(documents, record.document())
	}
	return documents, nil
}

type gormTx struct {
	db      *gorm.DB
	clock   func() time.Time
	touched []Ref
}

func (t *gormTx) Get(ref Ref, target any) error {
	if err := ref.validate(); err != nil {
		return err
	}
	var record Record
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryDocument, ref.Collection, ref.ID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound(ref)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(record.DataJSON), target)
}

func (t *gormTx) Set(ref Ref, value any) error {
	if err := upsertRecord(t.db, t.clock, ref, value); err != nil {
		return err
	}
	t.touched = append(t.touched, ref)
	return nil
}

func upsertRecord(db *gorm.DB, clock func() time.Time, ref Ref, value any) error {
	if err := ref.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	record := Record{
		Collection:  ref.Collection,
		DocumentID:  ref.ID,
		DataJSON:    string(payload),
		UpdatedAtMs: clock().UTC().UnixMilli(),
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnCollection}, {Name: columnDocumentID}},
		DoUpdates: clause.AssignmentColumns([]string{"data_json", "updated_at_ms"}),
	}).Create(&record).Error
}

// classifyGormError maps lock contention reported by SQLite to ErrTransactionConflict.
func classifyGormError(err error) error {
	if err == nil || errors.Is(err, ErrTransactionConflict) {
		return err
	}
	message := err.Error()
	if strings.Contains(message, "SQLITE_BUSY") || strings.Contains(message, "database is locked") {
		return conflict(err)
	}
	return err
}
