package query

import (
	"context"
	"sync"
	"time"

	"github.com/driftdb/driftdb/kv"
	"github.com/driftdb/driftdb/overlay"
)

// batchWindow is the micro-batch delay between a Query's initial read
// request and the engine servicing it alongside every other request queued
// in the same window.
const batchWindow = 5 * time.Millisecond

// Reader is the read-only subset of an overlay transaction the engine needs
// to service a Query's initial read. overlay.Tx satisfies this directly.
type Reader interface {
	QueryByKey(ctx context.Context, collection, key string) (map[string]any, error)
	QueryByCondition(ctx context.Context, collection string, cond kv.Condition) (map[string]map[string]any, error)
	QueryAll(ctx context.Context, collection string) (map[string]map[string]any, error)
}

// ReaderFactory opens one fresh read-only Reader for a batch drain. The
// returned func closes/commits it; it is always called exactly once.
type ReaderFactory func(ctx context.Context) (Reader, func(), error)

type pendingEntry struct {
	option Option
	query  *Query
}

// Engine is a Map<hash(QueryOption), Query>: every
// distinct query is backed by exactly one Query instance, and concurrent
// initial reads for new options are micro-batched into one overlay
// transaction.
type Engine struct {
	openReader ReaderFactory

	mu      sync.Mutex
	queries map[string]*Query
	pending []pendingEntry
	timer   *time.Timer
}

// NewEngine builds an Engine that opens fresh readers via openReader.
func NewEngine(openReader ReaderFactory) *Engine {
	return &Engine{openReader: openReader, queries: make(map[string]*Query)}
}

// Query returns the cached Query for option, creating and enqueuing its
// initial read if this is the first request for this option's hash.
func (e *Engine) Query(option Option) (*Query, error) {
	hash, err := option.Hash()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if q, ok := e.queries[hash]; ok {
		e.mu.Unlock()
		return q, nil
	}
	q := newQuery(option)
	q.beginReading()
	e.queries[hash] = q
	e.pending = append(e.pending, pendingEntry{option: option, query: q})
	e.scheduleDrainLocked()
	e.mu.Unlock()
	return q, nil
}

// Forget drops option's Query from the cache (used once nothing subscribes
// to it any more, so a stale filter doesn't keep paying CDC fan-out cost
// forever).
func (e *Engine) Forget(option Option) error {
	hash, err := option.Hash()
	if err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.queries, hash)
	e.mu.Unlock()
	return nil
}

// Broadcast fans a batch of CDC events out to every cached query; each
// Query applies its own affect predicate internally.
func (e *Engine) Broadcast(events []overlay.CDCEvent) {
	e.mu.Lock()
	queries := make([]*Query, 0, len(e.queries))
	for _, q := range e.queries {
		queries = append(queries, q)
	}
	e.mu.Unlock()

	for _, q := range queries {
		q.HandleCDC(events)
	}
}

func (e *Engine) scheduleDrainLocked() {
	if e.timer != nil {
		return
	}
	e.timer = time.AfterFunc(batchWindow, e.drain)
}

func (e *Engine) drain() {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.timer = nil
	e.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ctx := context.Background()
	reader, closeFn, err := e.openReader(ctx)
	if err != nil {
		for _, p := range batch {
			resolveOne(p, nil, nil, err)
		}
		return
	}
	defer closeFn()

	for _, p := range batch {
		switch p.option.Method {
		case MethodGet:
			doc, err := reader.QueryByKey(ctx, p.option.CollectionName, p.option.Key)
			if err == kv.ErrNotFound {
				doc, err = nil, nil
			}
			resolveOne(p, doc, nil, err)
		case MethodGetAll:
			var docs map[string]map[string]any
			var err error
			if p.option.Filter != nil {
				docs, err = reader.QueryByCondition(ctx, p.option.CollectionName, p.option.Filter)
			} else {
				docs, err = reader.QueryAll(ctx, p.option.CollectionName)
			}
			resolveOne(p, nil, docs, err)
		}
	}
}

func resolveOne(p pendingEntry, doc map[string]any, docs map[string]map[string]any, err error) {
	if p.option.Method == MethodGet {
		p.query.resolveGet(doc, err)
		return
	}
	p.query.resolveGetAll(docs, err)
}
