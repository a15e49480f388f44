// Package memory is the reference in-process implementation of kv.Store:
// ordered collections with secondary indexes, backed by copy-on-write
// snapshots swapped under a single commit mutex. Readers load the current
// snapshot through an atomic pointer and never block on writers; only
// writers serialize against each other. Grounded on Jekaa-go-mvcc-map's
// MVCCMap (atomic snapshot pointer, copy-on-write version swap under a
// narrow commit-time mutex), simplified from its optimistic multi-writer
// conflict detection to a single-writer model since driftdb never needs
// concurrent writers within one store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/driftdb/driftdb/kv"
)

// index is a sorted-by-value slice of (value, key) pairs supporting range
// scans. Values are compared with the same scalar ordering Condition uses.
type index struct {
	def     kv.IndexDef
	entries []indexEntry
}

type indexEntry struct {
	value any
	key   string
}

func (ix *index) clone() *index {
	cp := &index{def: ix.def, entries: make([]indexEntry, len(ix.entries))}
	copy(cp.entries, ix.entries)
	return cp
}

type collectionData struct {
	def       kv.CollectionDef
	rows      map[string]kv.Row
	indexes   map[string]*index
	autoIncr  int64
}

func newCollectionData(def kv.CollectionDef) *collectionData {
	cd := &collectionData{
		def:     def,
		rows:    make(map[string]kv.Row),
		indexes: make(map[string]*index),
	}
	for _, ix := range def.Indexes {
		cd.indexes[ix.Field] = &index{def: ix}
	}
	return cd
}

func (cd *collectionData) clone() *collectionData {
	cp := &collectionData{
		def:      cd.def,
		rows:     make(map[string]kv.Row, len(cd.rows)),
		indexes:  make(map[string]*index, len(cd.indexes)),
		autoIncr: cd.autoIncr,
	}
	for k, v := range cd.rows {
		cp.rows[k] = v
	}
	for f, ix := range cd.indexes {
		cp.indexes[f] = ix.clone()
	}
	return cp
}

// snapshot is an immutable view of every collection at a point in time.
type snapshot struct {
	collections map[string]*collectionData
}

func (s *snapshot) clone() *snapshot {
	cp := &snapshot{collections: make(map[string]*collectionData, len(s.collections))}
	for name, cd := range s.collections {
		cp.collections[name] = cd.clone()
	}
	return cp
}

// Store is the in-memory reference kv.Store.
type Store struct {
	current  atomic.Pointer[snapshot]
	commitMu sync.Mutex
}

// New creates an empty Store.
func New() *Store {
	s := &Store{}
	s.current.Store(&snapshot{collections: make(map[string]*collectionData)})
	return s
}

// EnsureCollection registers a collection if it doesn't already exist. It
// takes the commit lock like any other write so it never races a concurrent
// transaction's view of the collection set.
func (s *Store) EnsureCollection(ctx context.Context, def kv.CollectionDef) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	cur := s.current.Load()
	if _, ok := cur.collections[def.Name]; ok {
		return nil
	}
	next := cur.clone()
	next.collections[def.Name] = newCollectionData(def)
	s.current.Store(next)
	return nil
}

// Begin opens a transaction. Writable transactions hold the commit mutex
// for their entire lifetime (released on Commit or Rollback), so only one
// write transaction is ever in flight; read-only transactions take a
// lock-free snapshot read and never block.
func (s *Store) Begin(ctx context.Context, writable bool) (kv.Tx, error) {
	if writable {
		s.commitMu.Lock()
	}
	base := s.current.Load()
	tx := &tx{
		store:    s,
		writable: writable,
		active:   true,
	}
	if writable {
		tx.working = base.clone()
	} else {
		tx.working = base
	}
	return tx, nil
}

var _ kv.Store = (*Store)(nil)

func missingCollection(name string) error {
	return fmt.Errorf("kv: unknown collection %q", name)
}

// sortIndexEntries keeps entries ordered by value using the same scalar ordering
// Condition.Satisfies uses, so range scans and in-memory predicates agree.
func sortIndexEntries(entries []indexEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return lessValue(entries[i].value, entries[j].value)
	})
}

func lessValue(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, _ := b.(string)
		return av < bv
	default:
		af, aok := asFloat(a)
		bf, bok := asFloat(b)
		if aok && bok {
			return af < bf
		}
		return false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
