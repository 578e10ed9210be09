package docstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type counterDocument struct {
	Value int `json:"value"`
}

func TestGormStoreTransactionCommitsAtomically(testContext *testing.T) {
	store := mustGormStore(testContext)
	ctx := context.Background()
	first := NewRef("counters", "a")
	second := NewRef("counters", "b")

	err := store.Transaction(ctx, func(tx Tx) error {
		if err := tx.Set(first, counterDocument{Value: 1}); err != nil {
			return err
		}
		return tx.Set(second, counterDocument{Value: 2})
	})
	if err != nil {
		testContext.Fatalf("transaction failed: %v", err)
	}

	var stored counterDocument
	if err := store.Get(ctx, second, &stored); err != nil {
		testContext.Fatalf("failed to read document: %v", err)
	}
	if stored.Value != 2 {
		testContext.Fatalf("expected value 2, got %d", stored.Value)
	}
}

func TestGormStoreTransactionRollsBackOnError(testContext *testing.T) {
	store := mustGormStore(testContext)
	ctx := context.Background()
	ref := NewRef("counters", "rollback")
	if err := store.Set(ctx, ref, counterDocument{Value: 5}); err != nil {
		testContext.Fatalf("seed failed: %v", err)
	}

	abort := errors.New("abort")
	err := store.Transaction(ctx, func(tx Tx) error {
		var current counterDocument
		if err := tx.Get(ref, &current); err != nil {
			return err
		}
		current.Value++
		if err := tx.Set(ref, current); err != nil {
			return err
		}
		return abort
	})
	if !errors.Is(err, abort) {
		testContext.Fatalf("expected abort error, got %v", err)
	}

	var stored counterDocument
	if err := store.Get(ctx, ref, &stored); err != nil {
		testContext.Fatalf("failed to read document: %v", err)
	}
	if stored.Value != 5 {
		testContext.Fatalf("expected rollback to keep value 5, got %d", stored.Value)
	}
}

func TestGormStoreReportsMissingDocuments(testContext *testing.T) {
	store := mustGormStore(testContext)
	var target counterDocument
	err := store.Get(context.Background(), NewRef("counters", "missing"), &target)
	if !errors.Is(err, ErrNotFound) {
		testContext.Fatalf("expected not found, got %v", err)
	}
	err = store.Transaction(context.Background(), func(tx Tx) error {
		return tx.Get(NewRef("counters", "missing"), &target)
	})
	if !errors.Is(err, ErrNotFound) {
		testContext.Fatalf("expected not found inside transaction, got %v", err)
	}
	if err := store.Set(context.Background(), NewRef("", "x"), target); !errors.Is(err, ErrInvalidRef) {
		testContext.Fatalf("expected invalid ref, got %v", err)
	}
}

func TestGormStoreSubscriptionEmitsInitialAndCommittedSnapshots(testContext *testing.T) {
	store := mustGormStore(testContext)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ref := NewRef("offers", "offer-1")
	if err := store.Set(ctx, ref, counterDocument{Value: 1}); err != nil {
		testContext.Fatalf("seed failed: %v", err)
	}

	stream, stop := store.Subscribe(ctx, Query{Collection: "offers", ID: "offer-1"})
	defer stop()

	initial := awaitSnapshot(testContext, stream, func(snapshot Snapshot) bool {
		return !snapshot.FromCache && len(snapshot.Documents) == 1
	})
	var decoded counterDocument
	if err := initial.Documents[0].Decode(&decoded); err != nil || decoded.Value != 1 {
		testContext.Fatalf("unexpected initial snapshot %+v (err %v)", decoded, err)
	}

	if err := store.Transaction(ctx, func(tx Tx) error {
		return tx.Set(ref, counterDocument{Value: 2})
	}); err != nil {
		testContext.Fatalf("update failed: %v", err)
	}
	awaitSnapshot(testContext, stream, func(snapshot Snapshot) bool {
		if len(snapshot.Documents) != 1 {
			return false
		}
		var current counterDocument
		return snapshot.Documents[0].Decode(&current) == nil && current.Value == 2
	})

	second, stopSecond := store.Subscribe(ctx, Query{Collection: "offers", ID: "offer-1"})
	defer stopSecond()
	awaitSnapshot(testContext, second, func(snapshot Snapshot) bool {
		return len(snapshot.Documents) == 1
	})
}

func TestClassifyGormErrorMapsLockContention(testContext *testing.T) {
	err := classifyGormError(errors.New("database is locked (5) (SQLITE_BUSY)"))
	if !errors.Is(err, ErrTransactionConflict) {
		testContext.Fatalf("expected conflict, got %v", err)
	}
	plain := errors.New("constraint failed")
	if classifyGormError(plain) != plain {
		testContext.Fatalf("expected unrelated errors to pass through")
	}
}

func TestQueryMatchesCollectionAndDocument(testContext *testing.T) {
	collectionQuery := Query{Collection: "offers"}
	documentQuery := Query{Collection: "offers", ID: "a"}
	if !collectionQuery.Matches(NewRef("offers", "z")) {
		testContext.Fatalf("collection query should match any document")
	}
	if documentQuery.Matches(NewRef("offers", "b")) {
		testContext.Fatalf("document query should not match other ids")
	}
	if collectionQuery.Matches(NewRef("reservations", "a")) {
		testContext.Fatalf("query should not match other collections")
	}
}

func awaitSnapshot(testContext *testing.T, stream <-chan Snapshot, accept func(Snapshot) bool) Snapshot {
	testContext.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snapshot, ok := <-stream:
			if !ok {
				testContext.Fatalf("snapshot stream closed")
			}
			if accept(snapshot) {
				return snapshot
			}
		case <-deadline:
			testContext.Fatalf("expected snapshot within deadline")
		}
	}
}

func mustGormStore(testContext *testing.T) *GormStore {
	testContext.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "documents.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(&Record{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewGormStore(GormStoreConfig{Database: database})
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}
	return store
}
