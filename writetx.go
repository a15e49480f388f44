package driftdb

import (
	"context"

	"github.com/driftdb/driftdb/kv"
	"github.com/driftdb/driftdb/overlay"
)

// WriteTx is the handle a MutatorFunc receives: one open overlay
// transaction plus the Mutation row it is recording changes into. All
// writes go through a CollectionWriter so every change carries a
// precondition check and lands in the owning mutation's change log.
type WriteTx struct {
	otx      *overlay.Tx
	mutation *overlay.Mutation
}

// Collection scopes writes to one collection name.
func (tx *WriteTx) Collection(name string) *CollectionWriter {
	return &CollectionWriter{tx: tx, collection: name}
}

// CollectionWriter performs precondition-checked writes against one
// collection within a WriteTx.
type CollectionWriter struct {
	tx         *WriteTx
	collection string
}

// Insert creates key with value. Fails with a *PreconditionError if key
// already has a value (including one still only pending from an earlier,
// uncommitted change in this same mutation).
func (w *CollectionWriter) Insert(ctx context.Context, key string, value map[string]any) error {
	if _, err := w.tx.otx.QueryByKey(ctx, w.collection, key); err == nil {
		return &PreconditionError{Collection: w.collection, Key: key, Reason: "already exists"}
	} else if err != kv.ErrNotFound {
		return err
	}
	id, ts := w.tx.otx.NextChangeID(w.tx.mutation.ID)
	change := overlay.PendingChange{
		ID:             id,
		Timestamp:      ts,
		CollectionName: w.collection,
		Key:            key,
		Kind:           overlay.ChangeInsert,
		Value:          value,
	}
	return w.record(change)
}

// Update merges delta onto the current value of key. Fails with a
// *PreconditionError if key has no current value.
func (w *CollectionWriter) Update(ctx context.Context, key string, delta map[string]any) error {
	pre, err := w.tx.otx.QueryByKey(ctx, w.collection, key)
	if err == kv.ErrNotFound {
		return &PreconditionError{Collection: w.collection, Key: key, Reason: "does not exist"}
	} else if err != nil {
		return err
	}
	id, ts := w.tx.otx.NextChangeID(w.tx.mutation.ID)
	change := overlay.PendingChange{
		ID:              id,
		Timestamp:       ts,
		CollectionName:  w.collection,
		Key:             key,
		Kind:            overlay.ChangeUpdate,
		PreUpdateValue:  pre,
		PostUpdateValue: mergeValues(pre, delta),
		Delta:           delta,
	}
	return w.record(change)
}

// mergeValues performs a shallow right-biased merge: keys in delta override
// keys in base. Neither argument is mutated.
func mergeValues(base, delta map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(delta))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}

// Delete removes key. Fails with a *PreconditionError if key has no
// current value.
func (w *CollectionWriter) Delete(ctx context.Context, key string) error {
	pre, err := w.tx.otx.QueryByKey(ctx, w.collection, key)
	if err == kv.ErrNotFound {
		return &PreconditionError{Collection: w.collection, Key: key, Reason: "does not exist"}
	} else if err != nil {
		return err
	}
	id, ts := w.tx.otx.NextChangeID(w.tx.mutation.ID)
	change := overlay.PendingChange{
		ID:             id,
		Timestamp:      ts,
		CollectionName: w.collection,
		Key:            key,
		Kind:           overlay.ChangeDelete,
		Value:          pre,
	}
	return w.record(change)
}

func (w *CollectionWriter) record(change overlay.PendingChange) error {
	w.tx.otx.RecordChange(change)
	w.tx.mutation.Changes = append(w.tx.mutation.Changes, change)
	w.tx.mutation.Touch(w.collection)
	return nil
}
