package syncmgr_test

import (
	"context"
	"errors"
	"testing"

	"github.com/driftdb/driftdb/broker"
	"github.com/driftdb/driftdb/internal/clock"
	"github.com/driftdb/driftdb/kv"
	"github.com/driftdb/driftdb/kv/memory"
	"github.com/driftdb/driftdb/lock"
	"github.com/driftdb/driftdb/overlay"
	"github.com/driftdb/driftdb/syncmgr"
)

// testHarness wires a fresh kv store, overlay, and clock together behind
// the same TxOpener shape Database hands to a real Manager.
type testHarness struct {
	store kv.Store
	clk   *clock.Monotonic
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	defs := []kv.CollectionDef{
		{Name: "todos"},
		{Name: overlay.MutationsCollection, AutoIncrement: true},
		{Name: overlay.MetaCollection},
	}
	for _, def := range defs {
		if err := store.EnsureCollection(ctx, def); err != nil {
			t.Fatalf("EnsureCollection(%s): %v", def.Name, err)
		}
	}
	return &testHarness{store: store, clk: &clock.Monotonic{}}
}

func (h *testHarness) openTx(ctx context.Context, writable bool) (*overlay.Tx, func(commit bool) error, error) {
	kvTx, err := h.store.Begin(ctx, writable)
	if err != nil {
		return nil, nil, err
	}
	otx := overlay.New(kvTx, h.clk, nil)
	finished := false
	finish := func(commit bool) error {
		if finished {
			return nil
		}
		finished = true
		if commit {
			return nil
		}
		return otx.Rollback(ctx)
	}
	return otx, finish, nil
}

// recordMutation inserts one completed mutation directly against the store,
// standing in for a Database.Mutate call.
func (h *testHarness) recordMutation(t *testing.T, name string, insert func(w *testInsert)) *overlay.Mutation {
	t.Helper()
	ctx := context.Background()
	otx, finish, err := h.openTx(ctx, true)
	if err != nil {
		t.Fatalf("openTx: %v", err)
	}
	m, err := otx.NewMutation(ctx, name, nil)
	if err != nil {
		t.Fatalf("NewMutation: %v", err)
	}
	insert(&testInsert{t: t, ctx: ctx, otx: otx, mutation: m})
	m.IsCompleted = true
	if err := otx.SaveMutation(ctx, m); err != nil {
		t.Fatalf("SaveMutation: %v", err)
	}
	if _, err := otx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := finish(true); err != nil {
		t.Fatalf("finish: %v", err)
	}
	return m
}

type testInsert struct {
	t        *testing.T
	ctx      context.Context
	otx      *overlay.Tx
	mutation *overlay.Mutation
}

func (w *testInsert) Insert(collection, key string, value map[string]any) {
	w.t.Helper()
	id, ts := w.otx.NextChangeID(w.mutation.ID)
	change := overlay.PendingChange{ID: id, Timestamp: ts, CollectionName: collection, Key: key, Kind: overlay.ChangeInsert, Value: value}
	w.otx.RecordChange(change)
	w.mutation.Changes = append(w.mutation.Changes, change)
	w.mutation.Touch(collection)
}

func staticResolvers(resolver syncmgr.RemoteResolver, mutationName string) syncmgr.Resolvers {
	return syncmgr.ResolversFunc(func(name string) (syncmgr.RemoteResolver, bool) {
		if name != mutationName || resolver == nil {
			return nil, false
		}
		return resolver, true
	})
}

func TestManagerPushSucceedsMarksPushed(t *testing.T) {
	h := newHarness(t)
	h.recordMutation(t, "addTodo", func(w *testInsert) {
		w.Insert("todos", "k1", map[string]any{"title": "x"})
	})

	var pushedResult any
	resolver := syncmgr.FuncResolver{
		PushFn: func(ctx context.Context, localResult any) (syncmgr.PushResult, error) {
			pushedResult = localResult
			return syncmgr.PushResult{ServerMutationID: 7}, nil
		},
	}

	var cdcBatches [][]overlay.CDCEvent
	mgr := syncmgr.New("test", h.openTx, staticResolvers(resolver, "addTodo"), nil, lock.NewMemoryStore(), broker.NopBroker{},
		func(events []overlay.CDCEvent) { cdcBatches = append(cdcBatches, events) }, h.clk, nil)

	ctx := context.Background()
	if err := mgr.Push(ctx); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if pushedResult != nil {
		t.Fatalf("pushedResult = %v, want nil localResult", pushedResult)
	}

	otx, finish, err := h.openTx(ctx, false)
	if err != nil {
		t.Fatalf("openTx: %v", err)
	}
	defer func() { _ = finish(false) }()
	all, err := otx.AllMutations(ctx)
	if err != nil {
		t.Fatalf("AllMutations: %v", err)
	}
	if len(all) != 1 || !all[0].IsPushed || all[0].ServerMutationID == nil || *all[0].ServerMutationID != 7 {
		t.Fatalf("mutations = %+v, want one pushed row with ServerMutationID=7", all)
	}
}

func TestManagerPushWithoutResolverPurgesLocally(t *testing.T) {
	h := newHarness(t)
	h.recordMutation(t, "localOnly", func(w *testInsert) {
		w.Insert("todos", "k1", map[string]any{"title": "x"})
	})

	mgr := syncmgr.New("test", h.openTx, staticResolvers(nil, "localOnly"), nil, lock.NewMemoryStore(), broker.NopBroker{}, nil, h.clk, nil)

	ctx := context.Background()
	if err := mgr.Push(ctx); err != nil {
		t.Fatalf("Push: %v", err)
	}

	otx, finish, err := h.openTx(ctx, false)
	if err != nil {
		t.Fatalf("openTx: %v", err)
	}
	defer func() { _ = finish(false) }()
	all, err := otx.AllMutations(ctx)
	if err != nil {
		t.Fatalf("AllMutations: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("mutations = %+v, want none left after a resolver-less purge", all)
	}
}

// TestManagerPushGivesUpAfterMaxAttemptsAndEmitsInverseCDC is the
// give-up-and-purge path: a resolver that always fails stops retrying once
// MaxAttempts is exhausted, the mutation row disappears, and the purge's
// inverse-GC CDC reaches onCDC.
func TestManagerPushGivesUpAfterMaxAttemptsAndEmitsInverseCDC(t *testing.T) {
	h := newHarness(t)
	h.recordMutation(t, "addTodo", func(w *testInsert) {
		w.Insert("todos", "k1", map[string]any{"title": "x"})
	})

	rejectErr := errors.New("rejected")
	resolver := syncmgr.FuncResolver{
		PushFn: func(ctx context.Context, localResult any) (syncmgr.PushResult, error) {
			return syncmgr.PushResult{}, rejectErr
		},
		ShouldRetryFn: syncmgr.MaxAttempts(1),
	}

	var cdcBatches [][]overlay.CDCEvent
	mgr := syncmgr.New("test", h.openTx, staticResolvers(resolver, "addTodo"), nil, lock.NewMemoryStore(), broker.NopBroker{},
		func(events []overlay.CDCEvent) { cdcBatches = append(cdcBatches, events) }, h.clk, nil)

	ctx := context.Background()
	if err := mgr.Push(ctx); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if len(cdcBatches) != 1 || len(cdcBatches[0]) != 1 {
		t.Fatalf("cdcBatches = %+v, want exactly one batch of one event", cdcBatches)
	}
	ev := cdcBatches[0][0]
	if ev.Op != overlay.OpDelete || ev.Key != "k1" {
		t.Fatalf("event = %+v, want inverse DELETE k1", ev)
	}

	otx, finish, err := h.openTx(ctx, false)
	if err != nil {
		t.Fatalf("openTx: %v", err)
	}
	defer func() { _ = finish(false) }()
	all, err := otx.AllMutations(ctx)
	if err != nil {
		t.Fatalf("AllMutations: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("mutations = %+v, want none left after giving up", all)
	}
}

// TestManagerPullAppliesClearAndGCsAckedMutation is the GC-of-acknowledged
// mutations invariant applied end to end through Pull: a mutation already
// pushed and now reported as processed by the remote is removed, and the
// cursor advances, in the same call that applies the authoritative change —
// no subscriber-visible flicker between "CLEAR applied" and "mutation gone".
func TestManagerPullAppliesClearAndGCsAckedMutation(t *testing.T) {
	h := newHarness(t)
	mut := h.recordMutation(t, "addTodo", func(w *testInsert) {
		w.Insert("todos", "k1", map[string]any{"title": "x"})
	})

	// Mark it already pushed and acked by a prior Push, as gcAcked expects.
	ctx := context.Background()
	otx, finish, err := h.openTx(ctx, true)
	if err != nil {
		t.Fatalf("openTx: %v", err)
	}
	loaded, err := otx.LoadMutation(ctx, mut.ID)
	if err != nil {
		t.Fatalf("LoadMutation: %v", err)
	}
	loaded.IsPushed = true
	sid := int64(9)
	loaded.ServerMutationID = &sid
	if err := otx.SaveMutation(ctx, loaded); err != nil {
		t.Fatalf("SaveMutation: %v", err)
	}
	if _, err := otx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := finish(true); err != nil {
		t.Fatalf("finish: %v", err)
	}

	puller := syncmgr.PullerFunc(func(ctx context.Context, cursor string, hasCursor bool) (syncmgr.PullResponse, error) {
		return syncmgr.PullResponse{
			Changes:                    map[string][]syncmgr.ChangeOp{"todos": {{Action: syncmgr.ActionClear}}},
			Cursor:                     "c9",
			HasCursor:                  true,
			LastProcessedMutationID:    9,
			HasLastProcessedMutationID: true,
		}, nil
	})

	var cdcBatches [][]overlay.CDCEvent
	mgr := syncmgr.New("test", h.openTx, staticResolvers(nil, ""), puller, lock.NewMemoryStore(), broker.NopBroker{},
		func(events []overlay.CDCEvent) { cdcBatches = append(cdcBatches, events) }, h.clk, nil)

	if err := mgr.Pull(ctx); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	readTx, readFinish, err := h.openTx(ctx, false)
	if err != nil {
		t.Fatalf("openTx: %v", err)
	}
	defer func() { _ = readFinish(false) }()

	docs, err := readTx.QueryAll(ctx, "todos")
	if err != nil {
		t.Fatalf("QueryAll: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("docs = %+v, want empty after CLEAR", docs)
	}
	cursorRow, err := readTx.GetMeta(ctx, "cursor")
	if err != nil {
		t.Fatalf("GetMeta(cursor): %v", err)
	}
	if cursorRow["value"] != "c9" {
		t.Fatalf("cursor = %+v, want c9", cursorRow)
	}
	all, err := readTx.AllMutations(ctx)
	if err != nil {
		t.Fatalf("AllMutations: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("mutations = %+v, want none left after GC", all)
	}
	if len(cdcBatches) == 0 {
		t.Fatal("expected at least one CDC batch from the pull")
	}
}
