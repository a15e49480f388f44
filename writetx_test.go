package driftdb

import (
	"context"
	"errors"
	"testing"

	"github.com/driftdb/driftdb/internal/clock"
	"github.com/driftdb/driftdb/kv"
	"github.com/driftdb/driftdb/kv/memory"
	"github.com/driftdb/driftdb/overlay"
)

func newOverlayTx(t *testing.T) *overlay.Tx {
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
	kvTx, err := store.Begin(ctx, true)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return overlay.New(kvTx, &clock.Monotonic{}, nil)
}

func newWriteTx(t *testing.T, otx *overlay.Tx) *WriteTx {
	t.Helper()
	m, err := otx.NewMutation(context.Background(), "test", nil)
	if err != nil {
		t.Fatalf("NewMutation: %v", err)
	}
	return &WriteTx{otx: otx, mutation: m}
}

func TestCollectionWriterInsert(t *testing.T) {
	ctx := context.Background()
	otx := newOverlayTx(t)
	wtx := newWriteTx(t, otx)

	if err := wtx.Collection("todos").Insert(ctx, "a", map[string]any{"title": "buy milk"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	doc, err := otx.QueryByKey(ctx, "todos", "a")
	if err != nil {
		t.Fatalf("QueryByKey: %v", err)
	}
	if doc["title"] != "buy milk" {
		t.Fatalf("doc = %+v", doc)
	}
	if len(wtx.mutation.Changes) != 1 {
		t.Fatalf("Changes = %+v, want 1 entry", wtx.mutation.Changes)
	}
	if _, ok := wtx.mutation.CollectionsAffected["todos"]; !ok {
		t.Fatalf("CollectionsAffected missing todos: %+v", wtx.mutation.CollectionsAffected)
	}
}

func TestCollectionWriterInsertRejectsExisting(t *testing.T) {
	ctx := context.Background()
	otx := newOverlayTx(t)
	wtx := newWriteTx(t, otx)

	if err := wtx.Collection("todos").Insert(ctx, "a", map[string]any{"title": "x"}); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	err := wtx.Collection("todos").Insert(ctx, "a", map[string]any{"title": "y"})
	var preErr *PreconditionError
	if !errors.As(err, &preErr) {
		t.Fatalf("err = %v, want *PreconditionError", err)
	}
}

func TestCollectionWriterUpdateRejectsMissing(t *testing.T) {
	ctx := context.Background()
	otx := newOverlayTx(t)
	wtx := newWriteTx(t, otx)

	err := wtx.Collection("todos").Update(ctx, "missing", map[string]any{"done": true})
	var preErr *PreconditionError
	if !errors.As(err, &preErr) {
		t.Fatalf("err = %v, want *PreconditionError", err)
	}
}

func TestCollectionWriterUpdateMergesDelta(t *testing.T) {
	ctx := context.Background()
	otx := newOverlayTx(t)
	wtx := newWriteTx(t, otx)

	w := wtx.Collection("todos")
	if err := w.Insert(ctx, "a", map[string]any{"title": "x", "done": false}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := w.Update(ctx, "a", map[string]any{"done": true}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	doc, err := otx.QueryByKey(ctx, "todos", "a")
	if err != nil {
		t.Fatalf("QueryByKey: %v", err)
	}
	if doc["title"] != "x" || doc["done"] != true {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestCollectionWriterDeleteRejectsMissing(t *testing.T) {
	ctx := context.Background()
	otx := newOverlayTx(t)
	wtx := newWriteTx(t, otx)

	err := wtx.Collection("todos").Delete(ctx, "missing")
	var preErr *PreconditionError
	if !errors.As(err, &preErr) {
		t.Fatalf("err = %v, want *PreconditionError", err)
	}
}

func TestCollectionWriterDeleteThenQueryNotFound(t *testing.T) {
	ctx := context.Background()
	otx := newOverlayTx(t)
	wtx := newWriteTx(t, otx)

	w := wtx.Collection("todos")
	if err := w.Insert(ctx, "a", map[string]any{"title": "x"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := w.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, err := otx.QueryByKey(ctx, "todos", "a")
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("err = %v, want kv.ErrNotFound", err)
	}
}

func TestCollectionWriterMultipleChangesAccumulate(t *testing.T) {
	ctx := context.Background()
	otx := newOverlayTx(t)
	wtx := newWriteTx(t, otx)

	w := wtx.Collection("todos")
	if err := w.Insert(ctx, "a", map[string]any{"title": "x"}); err != nil {
		t.Fatalf("Insert a: %v", err)
	}
	if err := w.Insert(ctx, "b", map[string]any{"title": "y"}); err != nil {
		t.Fatalf("Insert b: %v", err)
	}
	if err := w.Update(ctx, "a", map[string]any{"done": true}); err != nil {
		t.Fatalf("Update a: %v", err)
	}
	if len(wtx.mutation.Changes) != 3 {
		t.Fatalf("Changes = %d, want 3", len(wtx.mutation.Changes))
	}
}
