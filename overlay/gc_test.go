package overlay

import "testing"

func TestGCDeleteChangeRestoresInsertWhenNoLongerPending(t *testing.T) {
	change := PendingChange{Kind: ChangeDelete, CollectionName: "todos", Key: "a"}
	events := gcEventsForChange(change, map[string]any{"v": 1}, true, nil)
	if len(events) != 1 || events[0].Op != OpInsert || events[0].Value["v"] != 1 {
		t.Fatalf("expected a restoring insert, got %+v", events)
	}
}

func TestGCDeleteChangeSuppressedWhileStillPending(t *testing.T) {
	change := PendingChange{Kind: ChangeDelete, CollectionName: "todos", Key: "a"}
	stillPending := &PendingState{Kind: PendingUpdated}
	events := gcEventsForChange(change, map[string]any{"v": 1}, true, stillPending)
	if events != nil {
		t.Fatalf("expected no GC event while another mutation still shadows the key, got %+v", events)
	}
}

func TestGCInsertChangeEmitsDeleteWhenNeverLanded(t *testing.T) {
	change := PendingChange{Kind: ChangeInsert, CollectionName: "todos", Key: "a", Value: map[string]any{"v": 1}}
	events := gcEventsForChange(change, nil, false, nil)
	if len(events) != 1 || events[0].Op != OpDelete || events[0].Value["v"] != 1 {
		t.Fatalf("expected a compensating delete, got %+v", events)
	}
}

func TestGCInsertChangeNoopWhenRowExists(t *testing.T) {
	change := PendingChange{Kind: ChangeInsert, CollectionName: "todos", Key: "a"}
	events := gcEventsForChange(change, map[string]any{"v": 1}, true, nil)
	if events != nil {
		t.Fatalf("expected no GC event, the push landed the row, got %+v", events)
	}
}

func TestGCUpdateChangeRestoresShadowedFields(t *testing.T) {
	change := PendingChange{Kind: ChangeUpdate, CollectionName: "todos", Key: "a", Delta: map[string]any{"title": "local"}}
	events := gcEventsForChange(change, map[string]any{"title": "remote", "done": true}, true, nil)
	if len(events) != 1 || events[0].Op != OpUpdate {
		t.Fatalf("expected a restoring update, got %+v", events)
	}
	if events[0].Delta["title"] != "remote" {
		t.Fatalf("expected delta restoring the authoritative title, got %+v", events[0].Delta)
	}
}

func TestGCUpdateChangeNoopWhenRowGone(t *testing.T) {
	change := PendingChange{Kind: ChangeUpdate, CollectionName: "todos", Key: "a", Delta: map[string]any{"title": "local"}}
	events := gcEventsForChange(change, nil, false, nil)
	if events != nil {
		t.Fatalf("expected no GC event, got %+v", events)
	}
}
