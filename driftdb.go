// Package driftdb is a local-first, offline-capable document database: an
// optimistic overlay over any ordered KV store, change-data-capture CDC
// derivation, a reactive query cache, and a sync manager that drains the
// local mutation log to a remote and pulls authoritative changes back.
package driftdb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/driftdb/driftdb/broker"
	"github.com/driftdb/driftdb/driftlog"
	"github.com/driftdb/driftdb/internal/clock"
	"github.com/driftdb/driftdb/kv"
	"github.com/driftdb/driftdb/lock"
	"github.com/driftdb/driftdb/overlay"
	"github.com/driftdb/driftdb/query"
	"github.com/driftdb/driftdb/syncmgr"
)

// MutatorFunc is a registered mutation's local logic: it runs inside one
// WriteTx and returns whatever localResolverResult gets handed to the
// mutation's RemoteResolver on push.
type MutatorFunc func(tx *WriteTx, args map[string]any) (any, error)

type mutatorEntry struct {
	local  MutatorFunc
	remote syncmgr.RemoteResolver
}

// ReadTx is the overlay transaction type handed to BatchRead closures;
// BatchRead opens it read-only.
type ReadTx = overlay.Tx

// Database wires together the overlay engine, the reactive query cache, and
// (optionally) a sync manager, over one kv.Store.
type Database struct {
	name           string
	store          kv.Store
	lockStore      lock.Store
	broker         broker.PokeBroker
	log            *slog.Logger
	clk            *clock.Monotonic
	puller         syncmgr.Puller
	pullInterval   time.Duration
	collectionDefs []kv.CollectionDef

	mu       sync.Mutex
	mutators map[string]mutatorEntry

	initOnce sync.Once
	initErr  error
	engine   *query.Engine
	syncMgr  *syncmgr.Manager

	cdcMu   sync.Mutex
	cdcSubs map[chan []overlay.CDCEvent]struct{}
}

// NewDatabase builds a Database. It is not usable until Initialize succeeds.
func NewDatabase(name string, opts ...Option) *Database {
	d := defaultDatabase(name)
	for _, opt := range opts {
		opt(d)
	}
	d.log = driftlog.Component(d.log, "driftdb")
	d.cdcSubs = make(map[chan []overlay.CDCEvent]struct{})
	return d
}

// NewKey generates a lexicographically sortable document key, for
// collections that don't derive their own key from domain data.
func NewKey() string {
	return ulid.Make().String()
}

// Initialize ensures the two reserved collections and every collection
// passed via WithCollections exist, then (if a puller is configured) starts
// the scheduled pull loop. Safe to call once; later calls are no-ops.
func (d *Database) Initialize(ctx context.Context) error {
	d.initOnce.Do(func() {
		d.initErr = d.initialize(ctx)
	})
	return d.initErr
}

func (d *Database) initialize(ctx context.Context) error {
	reserved := []kv.CollectionDef{
		{Name: overlay.MutationsCollection, AutoIncrement: true},
		{Name: overlay.MetaCollection},
	}
	for _, def := range append(reserved, d.collectionDefs...) {
		if err := d.store.EnsureCollection(ctx, def); err != nil {
			return fmt.Errorf("driftdb: ensuring collection %q: %w", def.Name, err)
		}
	}

	d.engine = query.NewEngine(d.openReader)

	resolvers := syncmgr.ResolversFunc(func(name string) (syncmgr.RemoteResolver, bool) {
		d.mu.Lock()
		defer d.mu.Unlock()
		entry, ok := d.mutators[name]
		if !ok || entry.remote == nil {
			return nil, false
		}
		return entry.remote, true
	})
	d.syncMgr = syncmgr.New(d.name, d.openOverlayTx, resolvers, d.puller, d.lockStore, d.broker, d.broadcastCDC, d.clk, d.log)
	d.syncMgr.StartScheduledPull(d.pullInterval)
	return nil
}

// RegisterMutator binds name to a local mutation closure and (optionally) a
// RemoteResolver used to push completed mutations of this kind. A nil remote
// means mutations of this name are purely local: Push writes their changes
// to the store authoritatively and purges their row without ever contacting
// a remote.
func (d *Database) RegisterMutator(name string, local MutatorFunc, remote syncmgr.RemoteResolver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mutators[name] = mutatorEntry{local: local, remote: remote}
}

// Mutate runs the mutator registered under name inside one overlay
// transaction: it allocates a Mutation row, runs the mutator's closure
// wrapped in a WriteTx, and on success commits and broadcasts CDC. On
// failure the transaction rolls back and no CDC is emitted.
func (d *Database) Mutate(ctx context.Context, name string, args map[string]any) (any, error) {
	d.mu.Lock()
	entry, ok := d.mutators[name]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMutator, name)
	}

	otx, finish, err := d.openOverlayTx(ctx, true)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = finish(false)
		}
	}()

	mutation, err := otx.NewMutation(ctx, name, args)
	if err != nil {
		return nil, err
	}
	wtx := &WriteTx{otx: otx, mutation: mutation}

	result, runErr := entry.local(wtx, args)
	if runErr != nil {
		return nil, runErr
	}

	mutation.IsCompleted = true
	mutation.LocalResolverResult = result
	if err := otx.SaveMutation(ctx, mutation); err != nil {
		return nil, err
	}

	events, err := otx.Commit(ctx)
	if err != nil {
		return nil, err
	}
	if err := finish(true); err != nil {
		return nil, err
	}
	committed = true

	if len(events) > 0 {
		d.broadcastCDC(events)
	}
	go func() {
		if pushErr := d.syncMgr.Push(context.WithoutCancel(ctx)); pushErr != nil {
			d.log.Warn("driftdb: push after mutate failed", "error", pushErr)
		}
	}()
	return result, nil
}

// Pull triggers an immediate pull against the configured puller. A no-op if
// none is configured.
func (d *Database) Pull(ctx context.Context) error {
	return d.syncMgr.Pull(ctx)
}

// ApplyChange applies a partial authoritative response arriving out of band
// (a sideband push from the remote), without going through the puller.
func (d *Database) ApplyChange(ctx context.Context, partial syncmgr.PullResponse) error {
	return d.syncMgr.ApplyChange(ctx, partial)
}

// GetPendingMutationsCount reports how many mutations have not yet been
// pushed.
func (d *Database) GetPendingMutationsCount(ctx context.Context) (int, error) {
	otx, finish, err := d.openOverlayTx(ctx, false)
	if err != nil {
		return 0, err
	}
	defer func() { _ = finish(false) }()
	all, err := otx.AllMutations(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range all {
		if m.IsCompleted && !m.IsPushed {
			n++
		}
	}
	return n, nil
}

// SubscribeToCDC registers cb to receive every committed CDC batch. The
// returned func unsubscribes.
func (d *Database) SubscribeToCDC(cb func([]overlay.CDCEvent)) (unsubscribe func()) {
	ch := make(chan []overlay.CDCEvent, 32)
	d.cdcMu.Lock()
	d.cdcSubs[ch] = struct{}{}
	d.cdcMu.Unlock()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case events, ok := <-ch:
				if !ok {
					return
				}
				cb(events)
			case <-done:
				return
			}
		}
	}()

	return func() {
		d.cdcMu.Lock()
		if _, ok := d.cdcSubs[ch]; ok {
			delete(d.cdcSubs, ch)
			close(ch)
		}
		d.cdcMu.Unlock()
		close(done)
	}
}

func (d *Database) broadcastCDC(events []overlay.CDCEvent) {
	if d.engine != nil {
		d.engine.Broadcast(events)
	}
	d.cdcMu.Lock()
	subs := make([]chan []overlay.CDCEvent, 0, len(d.cdcSubs))
	for ch := range d.cdcSubs {
		subs = append(subs, ch)
	}
	d.cdcMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- events:
		default:
		}
	}
}

// BatchRead runs fn against a read-only overlay transaction. Each call opens
// its own transaction; concurrent calls are not batched together.
func (d *Database) BatchRead(ctx context.Context, fn func(tx *ReadTx) error) error {
	otx, finish, err := d.openOverlayTx(ctx, false)
	if err != nil {
		return err
	}
	runErr := fn(otx)
	if commitErr := finish(runErr == nil); commitErr != nil && runErr == nil {
		return commitErr
	}
	return runErr
}

// openOverlayTx opens a kv.Tx and wraps it in an overlay.Tx. The returned
// finish func rolls back the underlying kv.Tx when commit is false; when
// commit is true it does nothing, since committing goes through
// overlay.Tx's own Commit, which the caller makes first.
func (d *Database) openOverlayTx(ctx context.Context, writable bool) (*overlay.Tx, func(commit bool) error, error) {
	kvTx, err := d.store.Begin(ctx, writable)
	if err != nil {
		return nil, nil, err
	}
	otx := overlay.New(kvTx, d.clk, d.log)
	finished := false
	finish := func(commit bool) error {
		if finished {
			return nil
		}
		finished = true
		if commit {
			return nil // caller already called otx.Commit, which commits kvTx
		}
		return otx.Rollback(ctx)
	}
	return otx, finish, nil
}

// openReader satisfies query.ReaderFactory: one fresh read-only overlay
// transaction per micro-batch drain.
func (d *Database) openReader(ctx context.Context) (query.Reader, func(), error) {
	otx, finish, err := d.openOverlayTx(ctx, false)
	if err != nil {
		return nil, nil, err
	}
	return otx, func() { _ = finish(false) }, nil
}

// Collection returns a handle for building reactive queries and write
// operations scoped to name.
func (d *Database) Collection(name string) *CollectionHandle {
	return &CollectionHandle{db: d, name: name}
}

// CollectionHandle is the entry point for the public read surface:
// collection(id).get(key) and collection(id).getAll(filter?).
type CollectionHandle struct {
	db   *Database
	name string
}

// Get returns a handle bound to one document by key.
func (h *CollectionHandle) Get(key string) *DocQuery {
	return &DocQuery{db: h.db, option: query.Option{Method: query.MethodGet, CollectionName: h.name, Key: key}}
}

// GetAll returns a handle bound to every document in the collection,
// optionally narrowed by filter. A nil filter scans the whole collection.
func (h *CollectionHandle) GetAll(filter *Condition) *CollectionQuery {
	opt := query.Option{Method: query.MethodGetAll, CollectionName: h.name}
	if filter != nil {
		opt.Filter = *filter
	}
	return &CollectionQuery{db: h.db, option: opt}
}

// DocQuery is collection(id).get(key): a reactive view of one document.
type DocQuery struct {
	db     *Database
	option query.Option
}

// Execute runs the query once and returns the current document (nil if it
// does not exist).
func (q *DocQuery) Execute(ctx context.Context) (map[string]any, error) {
	qr, err := q.db.engine.Query(q.option)
	if err != nil {
		return nil, err
	}
	snap, err := qr.WaitFirst(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Doc, snap.Err
}

// Subscribe receives future full-data snapshots for this document, with the
// delivery rules of query.Query.Subscribe.
func (q *DocQuery) Subscribe() (ch <-chan query.Snapshot, unsubscribe func(), err error) {
	qr, err := q.db.engine.Query(q.option)
	if err != nil {
		return nil, nil, err
	}
	c, unsub := qr.Subscribe()
	return c, unsub, nil
}

// CollectionQuery is collection(id).getAll(filter?): a reactive view of a
// filtered (or full) collection scan.
type CollectionQuery struct {
	db     *Database
	option query.Option
}

// Execute runs the query once and returns the current key->document map.
func (q *CollectionQuery) Execute(ctx context.Context) (map[string]map[string]any, error) {
	qr, err := q.db.engine.Query(q.option)
	if err != nil {
		return nil, err
	}
	snap, err := qr.WaitFirst(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Docs, snap.Err
}

// Subscribe receives future full-data snapshots for this collection view,
// with the delivery rules of query.Query.Subscribe.
func (q *CollectionQuery) Subscribe() (ch <-chan query.Snapshot, unsubscribe func(), err error) {
	qr, err := q.db.engine.Query(q.option)
	if err != nil {
		return nil, nil, err
	}
	c, unsub := qr.Subscribe()
	return c, unsub, nil
}

// Watch receives only incremental change lists rather than full snapshots.
func (q *CollectionQuery) Watch() (ch <-chan []query.ResultChange, unsubscribe func(), err error) {
	qr, err := q.db.engine.Query(q.option)
	if err != nil {
		return nil, nil, err
	}
	snaps, unsub := qr.Subscribe()
	out := make(chan []query.ResultChange, 8)
	go func() {
		defer close(out)
		for snap := range snaps {
			if len(snap.Changes) == 0 {
				continue
			}
			select {
			case out <- snap.Changes:
			default:
			}
		}
	}()
	return out, unsub, nil
}

