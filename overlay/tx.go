package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/driftdb/driftdb/internal/clock"
	"github.com/driftdb/driftdb/kv"
)

// Tx wraps a kv.Tx and exposes the same read/write shape, except every read
// returns the document state as the user would see it (base row merged with
// every pending mutation's effect) and every write derives the CDC events
// that describe the effective, subscriber-visible change.
type Tx struct {
	mu      sync.Mutex
	kvTx    kv.Tx
	log     *slog.Logger
	clock   *clock.Monotonic
	pending pendingMap
	loaded  bool
	cdc     []CDCEvent
}

// New wraps kvTx. clk is shared across overlay transactions in one process
// so PendingChange IDs stay monotonic across concurrent overlay transactions.
func New(kvTx kv.Tx, clk *clock.Monotonic, log *slog.Logger) *Tx {
	if log == nil {
		log = slog.Default()
	}
	return &Tx{kvTx: kvTx, clock: clk, log: log}
}

func (t *Tx) warn(msg, collection, key string) {
	t.log.Warn("overlay: "+msg, "collection", collection, "key", key)
}

func (t *Tx) ensurePending(ctx context.Context) error {
	if t.loaded {
		return nil
	}
	muts, err := t.loadCompletedMutationsLocked(ctx)
	if err != nil {
		return err
	}
	t.pending = buildPendingMap(muts, t.warn)
	t.loaded = true
	return nil
}

func (t *Tx) loadCompletedMutationsLocked(ctx context.Context) ([]Mutation, error) {
	rows, err := t.kvTx.QueryAll(ctx, MutationsCollection)
	if err != nil {
		if err == kv.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Mutation, 0, len(rows))
	for _, row := range rows {
		id, err := strconv.ParseInt(row.Key, 10, 64)
		if err != nil {
			continue
		}
		m := mutationFromRow(id, row.Value)
		if m.IsCompleted {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *Tx) emit(events ...CDCEvent) {
	for _, e := range events {
		if e.CollectionName == MutationsCollection || e.CollectionName == MetaCollection {
			continue
		}
		t.cdc = append(t.cdc, e)
	}
}

// --- reads --------------------------------------------------------------

// QueryByKey returns the document as the user would see it: pending
// INSERTED/UPDATE_POST_INSERT values are returned directly, DELETED is
// dropped, UPDATED is merged over the base row (and reports kv.ErrNotFound
// if there is no base row to merge onto).
func (t *Tx) QueryByKey(ctx context.Context, collection, key string) (map[string]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensurePending(ctx); err != nil {
		return nil, err
	}
	if p := t.pending.get(collection, key); p != nil {
		switch p.Kind {
		case PendingInserted, PendingUpdatePostInsert:
			return p.Value, nil
		case PendingDeleted:
			return nil, kv.ErrNotFound
		case PendingUpdated:
			row, err := t.kvTx.QueryByKey(ctx, collection, key)
			if err != nil {
				return nil, err
			}
			return merge(row.Value, p.Delta), nil
		}
	}
	row, err := t.kvTx.QueryByKey(ctx, collection, key)
	if err != nil {
		return nil, err
	}
	return row.Value, nil
}

// QueryByCondition merges the base condition scan with pending effects:
// pending entries whose effective value satisfies the condition are
// included, and DELETED keys that satisfied the base condition are removed.
func (t *Tx) QueryByCondition(ctx context.Context, collection string, cond kv.Condition) (map[string]map[string]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensurePending(ctx); err != nil {
		return nil, err
	}
	baseRows, err := t.kvTx.QueryByCondition(ctx, collection, cond)
	if err != nil {
		return nil, err
	}
	result := make(map[string]map[string]any, len(baseRows))
	baseHas := make(map[string]bool, len(baseRows))
	for _, row := range baseRows {
		result[row.Key] = row.Value
		baseHas[row.Key] = true
	}

	byKey := t.pending[collection]
	for key, p := range byKey {
		switch p.Kind {
		case PendingInserted, PendingUpdatePostInsert:
			if cond.Satisfies(p.Value) {
				result[key] = p.Value
			} else {
				delete(result, key)
			}
		case PendingUpdated:
			effective, base, ok := result[key], true, true
			if effective == nil {
				row, err := t.kvTx.QueryByKey(ctx, collection, key)
				if err != nil {
					base, ok = false, err == nil
					_ = ok
				} else {
					effective = row.Value
					base = true
				}
			}
			if base && effective != nil {
				merged := merge(effective, p.Delta)
				if cond.Satisfies(merged) {
					result[key] = merged
				} else {
					delete(result, key)
				}
			}
		case PendingDeleted:
			// Only drop the key if it
			// is actually present in the result set. Do not synthesize
			// deletions for rows that were never in scope.
			if baseHas[key] {
				delete(result, key)
			}
		}
	}
	return result, nil
}

// QueryAll unions the full base set with every pending INSERT/
// UPDATE_POST_INSERT value, removes DELETED keys, and merges UPDATED keys
// with their base row.
func (t *Tx) QueryAll(ctx context.Context, collection string) (map[string]map[string]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensurePending(ctx); err != nil {
		return nil, err
	}
	baseRows, err := t.kvTx.QueryAll(ctx, collection)
	if err != nil {
		return nil, err
	}
	result := make(map[string]map[string]any, len(baseRows))
	for _, row := range baseRows {
		result[row.Key] = row.Value
	}
	for key, p := range t.pending[collection] {
		switch p.Kind {
		case PendingInserted, PendingUpdatePostInsert:
			result[key] = p.Value
		case PendingDeleted:
			delete(result, key)
		case PendingUpdated:
			if base, ok := result[key]; ok {
				result[key] = merge(base, p.Delta)
			}
		}
	}
	return result, nil
}

// --- optimistic writes (recorded into the mutation log) --------------

// RecordChange folds one optimistic PendingChange into this tx's cached
// pending map (so later reads/writes in the same mutation see it) and
// derives+buffers the CDC event(s) it produces. The caller (WriteTransaction)
// is responsible for precondition checks and for persisting the owning
// Mutation row.
func (t *Tx) RecordChange(change PendingChange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensurePending(context.Background()); err != nil {
		t.warn("loading pending mutations failed: "+err.Error(), change.CollectionName, change.Key)
		if t.pending == nil {
			t.pending = make(pendingMap)
		}
	}
	prior := t.pending.get(change.CollectionName, change.Key)
	op := writeOpFromChange(change)
	op.Optimistic = true
	events := deriveWrite(change.CollectionName, change.Key, op, prior)
	fold(t.pending, []PendingChange{change}, t.warn)
	t.emit(events...)
}

func writeOpFromChange(c PendingChange) writeOp {
	switch c.Kind {
	case ChangeInsert:
		return writeOp{Kind: OpInsert, Value: c.Value}
	case ChangeUpdate:
		return writeOp{Kind: OpUpdate, Pre: c.PreUpdateValue, Delta: c.Delta}
	case ChangeDelete:
		return writeOp{Kind: OpDelete, RawExisting: c.Value}
	default:
		return writeOp{}
	}
}

// --- authoritative writes (pull) ---------------------------------------

// ApplyAuthoritativeUpsert writes a full value authoritatively (the pull
// contract's CREATED/UPDATED actions always carry a full value, never a
// delta), deriving CDC via the INSERT(auth) row of the table — which
// already accounts for "value = raw.value ⊕ P.delta" when an optimistic
// UPDATE is still pending underneath.
func (t *Tx) ApplyAuthoritativeUpsert(ctx context.Context, collection, key string, value map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensurePending(ctx); err != nil {
		return err
	}
	prior := t.pending.get(collection, key)
	events := deriveWrite(collection, key, writeOp{Kind: OpInsert, Value: value}, prior)
	if err := t.kvTx.Upsert(ctx, collection, key, value); err != nil {
		return err
	}
	t.emit(events...)
	return nil
}

// ApplyAuthoritativeDelete deletes a row authoritatively, deriving CDC via
// the DELETE(auth) row of the table.
func (t *Tx) ApplyAuthoritativeDelete(ctx context.Context, collection, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensurePending(ctx); err != nil {
		return err
	}
	prior := t.pending.get(collection, key)
	var existing map[string]any
	if row, err := t.kvTx.QueryByKey(ctx, collection, key); err == nil {
		existing = row.Value
	}
	events := deriveWrite(collection, key, writeOp{Kind: OpDelete, RawExisting: existing}, prior)
	if err := t.kvTx.Delete(ctx, collection, key); err != nil {
		return err
	}
	t.emit(events...)
	return nil
}

// ApplyAuthoritativeClear clears a collection and emits one CLEAR event,
// regardless of any per-key pending state.
func (t *Tx) ApplyAuthoritativeClear(ctx context.Context, collection string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.kvTx.Clear(ctx, collection); err != nil {
		return err
	}
	t.emit(CDCEvent{Op: OpClear, CollectionName: collection})
	return nil
}

// --- mutation log management -------------------------------------------

// NewMutation allocates a new, not-yet-completed Mutation row.
func (t *Tx) NewMutation(ctx context.Context, name string, args map[string]any) (*Mutation, error) {
	m := &Mutation{MutationName: name, MutationArgs: args}
	key, err := t.kvTx.InsertAuto(ctx, MutationsCollection, m.toRow())
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("overlay: bad mutation key %q: %w", key, err)
	}
	m.ID = id
	return m, nil
}

// SaveMutation persists a mutation row's current in-memory state.
func (t *Tx) SaveMutation(ctx context.Context, m *Mutation) error {
	return t.kvTx.Upsert(ctx, MutationsCollection, strconv.FormatInt(m.ID, 10), m.toRow())
}

// LoadMutation fetches one mutation row.
func (t *Tx) LoadMutation(ctx context.Context, id int64) (*Mutation, error) {
	row, err := t.kvTx.QueryByKey(ctx, MutationsCollection, strconv.FormatInt(id, 10))
	if err != nil {
		return nil, err
	}
	m := mutationFromRow(id, row.Value)
	return &m, nil
}

// AllMutations returns every mutation row, completed or not.
func (t *Tx) AllMutations(ctx context.Context) ([]Mutation, error) {
	rows, err := t.kvTx.QueryAll(ctx, MutationsCollection)
	if err != nil {
		if err == kv.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Mutation, 0, len(rows))
	for _, row := range rows {
		id, err := strconv.ParseInt(row.Key, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, mutationFromRow(id, row.Value))
	}
	return out, nil
}

// DeleteMutation removes a completed mutation row (sync calls this once the
// server has acknowledged it) and emits the inverting GC CDC for each of its
// changes. The cached pending map is rebuilt from the remaining mutations so
// later reads in this tx reflect the purge immediately.
func (t *Tx) DeleteMutation(ctx context.Context, id int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, err := t.LoadMutation(ctx, id)
	if err != nil {
		if err == kv.ErrNotFound {
			return nil
		}
		return err
	}
	if err := t.kvTx.Delete(ctx, MutationsCollection, strconv.FormatInt(id, 10)); err != nil {
		return err
	}

	remaining, err := t.loadCompletedMutationsLocked(ctx)
	if err != nil {
		return err
	}
	t.pending = buildPendingMap(remaining, t.warn)
	t.loaded = true

	for _, change := range m.Changes {
		var raw map[string]any
		rawExists := false
		if row, err := t.kvTx.QueryByKey(ctx, change.CollectionName, change.Key); err == nil {
			raw, rawExists = row.Value, true
		}
		stillPending := t.pending.get(change.CollectionName, change.Key)
		t.emit(gcEventsForChange(change, raw, rawExists, stillPending)...)
	}
	return nil
}

// --- __meta access (never subject to overlay/CDC) ----------------------

// GetMeta reads a value from __meta, bypassing overlay semantics — meta
// rows (cursor, lock state) are never pending-mutation subjects.
func (t *Tx) GetMeta(ctx context.Context, key string) (map[string]any, error) {
	row, err := t.kvTx.QueryByKey(ctx, MetaCollection, key)
	if err != nil {
		return nil, err
	}
	return row.Value, nil
}

// SetMeta writes a value to __meta.
func (t *Tx) SetMeta(ctx context.Context, key string, value map[string]any) error {
	return t.kvTx.Upsert(ctx, MetaCollection, key, value)
}

// --- lifecycle -----------------------------------------------------------

// Commit awaits the underlying kv transaction's durable completion and
// returns every CDC event accumulated since the tx began. Callers must not
// act on the returned events until after Commit returns successfully.
func (t *Tx) Commit(ctx context.Context) ([]CDCEvent, error) {
	t.mu.Lock()
	events := t.cdc
	t.mu.Unlock()
	if err := t.kvTx.Commit(ctx); err != nil {
		return nil, err
	}
	return events, nil
}

// Rollback aborts the underlying kv transaction and suppresses every
// accumulated CDC event.
func (t *Tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	t.cdc = nil
	t.mu.Unlock()
	return t.kvTx.Rollback(ctx)
}

// NextChangeID allocates a "<mutationId>-<ts>" id for a new PendingChange.
func (t *Tx) NextChangeID(mutationID int64) (id string, timestamp int64) {
	ts := t.clock.Next()
	return fmt.Sprintf("%d-%d", mutationID, ts), ts
}
