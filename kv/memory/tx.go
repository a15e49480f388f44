package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/driftdb/driftdb/kv"
)

type tx struct {
	mu       sync.Mutex
	store    *Store
	writable bool
	working  *snapshot // private clone for writers, shared snapshot for readers
	active   bool

	onComplete []func()
	onError    []func(error)
}

var _ kv.Tx = (*tx)(nil)

func (t *tx) fail(err error) error {
	for _, fn := range t.onError {
		fn(err)
	}
	return err
}

func (t *tx) collection(name string) (*collectionData, error) {
	cd, ok := t.working.collections[name]
	if !ok {
		return nil, t.fail(missingCollection(name))
	}
	return cd, nil
}

func (t *tx) QueryByKey(ctx context.Context, collection, key string) (kv.Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return kv.Row{}, kv.ErrTxClosed
	}
	cd, err := t.collection(collection)
	if err != nil {
		return kv.Row{}, err
	}
	row, ok := cd.rows[key]
	if !ok {
		return kv.Row{}, kv.ErrNotFound
	}
	return row, nil
}

func (t *tx) QueryAll(ctx context.Context, collection string) ([]kv.Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return nil, kv.ErrTxClosed
	}
	cd, err := t.collection(collection)
	if err != nil {
		return nil, err
	}
	out := make([]kv.Row, 0, len(cd.rows))
	for _, row := range cd.rows {
		out = append(out, row)
	}
	return out, nil
}

func (t *tx) QueryByCondition(ctx context.Context, collection string, cond kv.Condition) ([]kv.Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return nil, kv.ErrTxClosed
	}
	cd, err := t.collection(collection)
	if err != nil {
		return nil, err
	}

	field := cond.FieldName()
	ix, hasIndex := cd.indexes[field]
	if !hasIndex {
		// No declared index on this field: fall back to a full scan.
		var out []kv.Row
		for _, row := range cd.rows {
			if cond.Satisfies(row.Value) {
				out = append(out, row)
			}
		}
		return out, nil
	}

	rd := cond.RangeDescriptor()
	var out []kv.Row
	for _, e := range ix.entries {
		if !inRange(e.value, rd) {
			continue
		}
		row, ok := cd.rows[e.key]
		if !ok {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func inRange(v any, rd kv.RangeDescriptor) bool {
	if rd.Lower != nil {
		cmp, ok := compareValues(v, rd.Lower)
		if !ok {
			return false
		}
		if rd.LowerClosed {
			if cmp < 0 {
				return false
			}
		} else if cmp <= 0 {
			return false
		}
	}
	if rd.Upper != nil {
		cmp, ok := compareValues(v, rd.Upper)
		if !ok {
			return false
		}
		if rd.UpperClosed {
			if cmp > 0 {
				return false
			}
		} else if cmp >= 0 {
			return false
		}
	}
	return true
}

func compareValues(a, b any) (int, bool) {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	default:
		af, aok := asFloat(a)
		bf, bok := asFloat(b)
		if !aok || !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
}

func (t *tx) requireWritable() error {
	if !t.writable {
		return t.fail(fmt.Errorf("kv: transaction is read-only"))
	}
	return nil
}

func (t *tx) Insert(ctx context.Context, collection, key string, value map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return kv.ErrTxClosed
	}
	if err := t.requireWritable(); err != nil {
		return err
	}
	cd, err := t.collection(collection)
	if err != nil {
		return err
	}
	if _, exists := cd.rows[key]; exists {
		return t.fail(kv.ErrAlreadyExists)
	}
	t.putRow(cd, key, value)
	return nil
}

func (t *tx) InsertAuto(ctx context.Context, collection string, value map[string]any) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return "", kv.ErrTxClosed
	}
	if err := t.requireWritable(); err != nil {
		return "", err
	}
	cd, err := t.collection(collection)
	if err != nil {
		return "", err
	}
	if !cd.def.AutoIncrement {
		return "", t.fail(fmt.Errorf("kv: collection %q is not auto-increment", collection))
	}
	cd.autoIncr++
	key := strconv.FormatInt(cd.autoIncr, 10)
	t.putRow(cd, key, value)
	return key, nil
}

func (t *tx) Update(ctx context.Context, collection, key string, value map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return kv.ErrTxClosed
	}
	if err := t.requireWritable(); err != nil {
		return err
	}
	cd, err := t.collection(collection)
	if err != nil {
		return err
	}
	if _, exists := cd.rows[key]; !exists {
		return t.fail(kv.ErrNotFound)
	}
	t.putRow(cd, key, value)
	return nil
}

func (t *tx) Upsert(ctx context.Context, collection, key string, value map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return kv.ErrTxClosed
	}
	if err := t.requireWritable(); err != nil {
		return err
	}
	cd, err := t.collection(collection)
	if err != nil {
		return err
	}
	t.putRow(cd, key, value)
	return nil
}

func (t *tx) Delete(ctx context.Context, collection, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return kv.ErrTxClosed
	}
	if err := t.requireWritable(); err != nil {
		return err
	}
	cd, err := t.collection(collection)
	if err != nil {
		return err
	}
	t.deleteRow(cd, key)
	return nil
}

func (t *tx) Clear(ctx context.Context, collection string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return kv.ErrTxClosed
	}
	if err := t.requireWritable(); err != nil {
		return err
	}
	cd, err := t.collection(collection)
	if err != nil {
		return err
	}
	cd.rows = make(map[string]kv.Row)
	for field, ix := range cd.indexes {
		cd.indexes[field] = &index{def: ix.def}
	}
	return nil
}

// putRow writes a row and maintains every declared secondary index.
func (t *tx) putRow(cd *collectionData, key string, value map[string]any) {
	if old, existed := cd.rows[key]; existed {
		t.removeFromIndexes(cd, key, old.Value)
	}
	cd.rows[key] = kv.Row{Key: key, Value: value}
	t.addToIndexes(cd, key, value)
}

func (t *tx) deleteRow(cd *collectionData, key string) {
	old, existed := cd.rows[key]
	if !existed {
		return
	}
	t.removeFromIndexes(cd, key, old.Value)
	delete(cd.rows, key)
}

func (t *tx) addToIndexes(cd *collectionData, key string, value map[string]any) {
	for field, ix := range cd.indexes {
		v, ok := value[field]
		if !ok {
			continue
		}
		ix.entries = append(ix.entries, indexEntry{value: v, key: key})
		sortIndexEntries(ix.entries)
	}
}

func (t *tx) removeFromIndexes(cd *collectionData, key string, value map[string]any) {
	for field, ix := range cd.indexes {
		_ = field
		filtered := ix.entries[:0]
		for _, e := range ix.entries {
			if e.key == key {
				continue
			}
			filtered = append(filtered, e)
		}
		ix.entries = filtered
	}
}

func (t *tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return kv.ErrTxClosed
	}
	t.active = false
	if t.writable {
		t.store.current.Store(t.working)
		t.store.commitMu.Unlock()
	}
	for _, fn := range t.onComplete {
		fn()
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return nil
	}
	t.active = false
	if t.writable {
		t.store.commitMu.Unlock()
	}
	return nil
}

func (t *tx) OnComplete(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onComplete = append(t.onComplete, fn)
}

func (t *tx) OnError(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = append(t.onError, fn)
}

func (t *tx) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}
