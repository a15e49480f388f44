// Package kv defines the adapter contract driftdb uses to talk to an
// ordered, collection-based key/value store with secondary indexes and
// ACID transactions. driftdb never assumes a specific storage engine;
// kv/memory ships a reference in-process implementation, and anything that
// satisfies Store can be substituted (a disk-backed engine, a remote one,
// whatever fits).
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no row in a collection.
var ErrNotFound = errors.New("kv: not found")

// ErrAlreadyExists is returned by Insert when the key already has a row.
var ErrAlreadyExists = errors.New("kv: already exists")

// ErrTxClosed is returned by any operation attempted after Commit/Rollback.
var ErrTxClosed = errors.New("kv: transaction closed")

// Comparator identifies a single-field comparison used by a Condition.
type Comparator string

const (
	Eq  Comparator = "eq"
	Lt  Comparator = "lt"
	Lte Comparator = "lte"
	Gt  Comparator = "gt"
	Gte Comparator = "gte"
)

// RangeDescriptor describes an open/closed bound over a secondary index,
// suitable for driving an index scan. A nil Lower/Upper means unbounded on
// that side.
type RangeDescriptor struct {
	Field        string
	Lower        any
	LowerClosed  bool
	Upper        any
	UpperClosed  bool
}

// Row is the physical shape every document is stored as: the primary key
// travels with the row independently of Value, so callers never have to dig
// it back out of the JSON-ish payload.
type Row struct {
	Key   string
	Value map[string]any
}

// IndexDef declares a secondary index over a top-level scalar field.
type IndexDef struct {
	Field      string
	Unique     bool
	MultiEntry bool
}

// CollectionDef declares a collection's name and its secondary indexes.
// AutoIncrement enables InsertAuto on the collection. driftdb sets it only
// on the reserved __mutations collection; see driftdb's design notes on why
// user collections stay explicit-key.
type CollectionDef struct {
	Name          string
	Indexes       []IndexDef
	AutoIncrement bool
}

// Store opens transactions against a fixed set of collections.
type Store interface {
	// EnsureCollection registers a collection's metadata if it does not
	// already exist. It is idempotent and safe to call on every startup.
	EnsureCollection(ctx context.Context, def CollectionDef) error

	// Begin opens a new transaction. Write transactions serialize against
	// other write transactions touching overlapping collections; read-only
	// transactions may overlap writes subject to the engine's isolation.
	Begin(ctx context.Context, writable bool) (Tx, error)
}

// Tx is the raw, "authoritative" tier transaction: it never looks at the
// pending-mutation log. overlay.Tx wraps one of these to add optimistic
// overlay semantics.
type Tx interface {
	// QueryByKey fetches a single row by primary key.
	QueryByKey(ctx context.Context, collection, key string) (Row, error)

	// QueryAll returns every row in a collection.
	QueryAll(ctx context.Context, collection string) ([]Row, error)

	// QueryByCondition uses the collection's secondary index for
	// Condition.Field when one is declared, falling back to a full scan
	// otherwise.
	QueryByCondition(ctx context.Context, collection string, cond Condition) ([]Row, error)

	// Insert adds a new row. Returns ErrAlreadyExists if the key is taken.
	Insert(ctx context.Context, collection, key string, value map[string]any) error

	// InsertAuto inserts a row into an auto-increment collection, assigning
	// the key from the collection's counter, and returns the assigned key.
	InsertAuto(ctx context.Context, collection string, value map[string]any) (string, error)

	// Update replaces an existing row's value in place.
	Update(ctx context.Context, collection, key string, value map[string]any) error

	// Upsert inserts or replaces, bypassing existence checks.
	Upsert(ctx context.Context, collection, key string, value map[string]any) error

	// Delete removes a row. Deleting a missing key is not an error.
	Delete(ctx context.Context, collection, key string) error

	// Clear removes every row in a collection.
	Clear(ctx context.Context, collection string) error

	// Commit durably applies every buffered write. Registered OnComplete
	// callbacks fire only after the commit is durable.
	Commit(ctx context.Context) error

	// Rollback discards every buffered write.
	Rollback(ctx context.Context) error

	// OnComplete registers a callback fired after a successful Commit.
	OnComplete(fn func())

	// OnError registers a callback fired if Commit or any operation fails.
	OnError(fn func(error))

	// IsActive reports whether the transaction is still open.
	IsActive() bool
}

// Condition is satisfied here only by its RangeDescriptor/predicate shape;
// the driftdb root package owns construction and validation so that the
// in-memory predicate and the range descriptor are built from one place and
// can never disagree (see driftdb.Condition and its property tests).
type Condition interface {
	RangeDescriptor() RangeDescriptor
	Satisfies(value map[string]any) bool
	FieldName() string
}
