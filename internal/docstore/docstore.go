// Package docstore adapts a transactional document database to the two primitives the offline
// core relies on: run-as-atomic-transaction and live snapshot subscription.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates that the referenced document does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrTransactionConflict indicates that the backend aborted the transaction; the whole attempt may be retried.
	ErrTransactionConflict = errors.New("docstore: transaction conflict")
	// ErrInvalidRef indicates that a document reference is missing its collection or id.
	ErrInvalidRef = errors.New("docstore: invalid document reference")
)

// Ref names a single document.
type Ref struct {
	Collection string
	ID         string
}

// NewRef builds a Ref.
func NewRef(collection, id string) Ref {
	return Ref{Collection: collection, ID: id}
}

func (ref Ref) String() string {
	return ref.Collection + "/" + ref.ID
}

func (ref Ref) validate() error {
	if strings.TrimSpace(ref.Collection) == "" || strings.TrimSpace(ref.ID) == "" {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref.String())
	}
	return nil
}

// Document is a raw stored document.
type Document struct {
	Ref         Ref
	Data        json.RawMessage
	UpdatedAtMs int64
}

// Decode unmarshals the document payload into target.
func (document Document) Decode(target any) error {
	return json.Unmarshal(document.Data, target)
}

// Query selects the documents of a collection, or a single document when ID is set.
type Query struct {
	Collection string
	ID         string
}

// Matches reports whether a change to ref affects the query result.
func (query Query) Matches(ref Ref) bool {
	if query.Collection != ref.Collection {
		return false
	}
	return query.ID == "" || query.ID == ref.ID
}

func (query Query) key() string {
	return query.Collection + "/" + query.ID
}

// Snapshot is one emission of a subscription. FromCache marks results served from the last
// known state rather than a fresh read.
type Snapshot struct {
	Documents []Document
	FromCache bool
}

// Tx is the read/write view handed to a transaction function. Reads observe a consistent
// snapshot and lock the rows they touch until commit.
type Tx interface {
	Get(ref Ref, target any) error
	Set(ref Ref, value any) error
}

// Store is the transactional document store collaborator.
type Store interface {
	// Transaction runs fn atomically: all writes commit together or none do.
	Transaction(ctx context.Context, fn func(tx Tx) error) error
	Get(ctx context.Context, ref Ref, target any) error
	Set(ctx context.Context, ref Ref, value any) error
	// Subscribe streams snapshots of the query until ctx ends or the returned func is called.
	Subscribe(ctx context.Context, query Query) (<-chan Snapshot, func())
}

func notFound(ref Ref) error {
	return fmt.Errorf("%w: %s", ErrNotFound, ref.String())
}

func conflict(err error) error {
	return fmt.Errorf("%w: %v", ErrTransactionConflict, err)
}
