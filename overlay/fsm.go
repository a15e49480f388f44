package overlay

import "sort"

// PendingKind tags which branch of the per-document overlay FSM a key is in.
type PendingKind string

const (
	PendingInserted          PendingKind = "inserted"
	PendingUpdated           PendingKind = "updated"
	PendingUpdatePostInsert  PendingKind = "update_post_insert"
	PendingDeleted           PendingKind = "deleted"
)

// PendingState is the folded, per-key result of replaying the pending
// mutation log: what the overlay currently believes is true about one
// document, independent of the authoritative base row.
type PendingState struct {
	Kind  PendingKind
	Value map[string]any // INSERTED/UPDATE_POST_INSERT: the full pending value. DELETED: the value at the time of deletion.
	Delta map[string]any // UPDATED/UPDATE_POST_INSERT: the cumulative delta applied since the base/insert.
}

// pendingMap is collection -> key -> state.
type pendingMap map[string]map[string]*PendingState

func (pm pendingMap) get(collection, key string) *PendingState {
	byKey, ok := pm[collection]
	if !ok {
		return nil
	}
	return byKey[key]
}

func (pm pendingMap) set(collection, key string, st *PendingState) {
	byKey, ok := pm[collection]
	if !ok {
		byKey = make(map[string]*PendingState)
		pm[collection] = byKey
	}
	byKey[key] = st
}

func (pm pendingMap) clear(collection, key string) {
	if byKey, ok := pm[collection]; ok {
		delete(byKey, key)
	}
}

// warnFunc receives a message for the "ignored (warn)" and "suppress" cells
// of the fold table, so the overlay transaction can route it through its
// logger without this file needing to know about logging.
type warnFunc func(msg string, collection, key string)

// fold replays a completed mutation's flattened, (mutationId, timestamp)
// sorted change list against an (initially empty, or pre-seeded) pending
// map, implementing the document overlay FSM exactly:
//
//	Prior \ Change   INSERT                 UPDATE                              DELETE
//	(none)           INSERTED{value}        UPDATED{delta,postValue}            DELETED{value}
//	INSERTED{v}      undefined (skip+warn)  UPDATE_POST_INSERT{delta,merge}     DELETED{v}
//	UPDATED{d,v}     undefined (skip+warn)  UPDATED{merge(d),merge(v)}          DELETED{v}
//	UPDATE_POST_INS  undefined (skip+warn)  UPDATE_POST_INSERT{merge(d),merge}  DELETED{v}
//	DELETED{v}       INSERTED{change.value} ignored (warn)                      ignored
func fold(pm pendingMap, changes []PendingChange, warn warnFunc) {
	for _, c := range changes {
		prior := pm.get(c.CollectionName, c.Key)
		switch c.Kind {
		case ChangeInsert:
			switch {
			case prior == nil:
				pm.set(c.CollectionName, c.Key, &PendingState{Kind: PendingInserted, Value: c.Value})
			case prior.Kind == PendingDeleted:
				pm.set(c.CollectionName, c.Key, &PendingState{Kind: PendingInserted, Value: c.Value})
			default:
				if warn != nil {
					warn("insert over an already-pending document", c.CollectionName, c.Key)
				}
			}
		case ChangeUpdate:
			switch {
			case prior == nil:
				pm.set(c.CollectionName, c.Key, &PendingState{Kind: PendingUpdated, Delta: c.Delta, Value: c.PostUpdateValue})
			case prior.Kind == PendingInserted:
				pm.set(c.CollectionName, c.Key, &PendingState{
					Kind:  PendingUpdatePostInsert,
					Delta: c.Delta,
					Value: merge(prior.Value, c.Delta),
				})
			case prior.Kind == PendingUpdated:
				pm.set(c.CollectionName, c.Key, &PendingState{
					Kind:  PendingUpdated,
					Delta: mergeDeltas(prior.Delta, c.Delta),
					Value: merge(prior.Value, c.Delta),
				})
			case prior.Kind == PendingUpdatePostInsert:
				pm.set(c.CollectionName, c.Key, &PendingState{
					Kind:  PendingUpdatePostInsert,
					Delta: mergeDeltas(prior.Delta, c.Delta),
					Value: merge(prior.Value, c.Delta),
				})
			case prior.Kind == PendingDeleted:
				if warn != nil {
					warn("update of a pending-deleted document ignored", c.CollectionName, c.Key)
				}
			}
		case ChangeDelete:
			switch {
			case prior == nil:
				pm.set(c.CollectionName, c.Key, &PendingState{Kind: PendingDeleted, Value: c.Value})
			case prior.Kind == PendingInserted || prior.Kind == PendingUpdated || prior.Kind == PendingUpdatePostInsert:
				pm.set(c.CollectionName, c.Key, &PendingState{Kind: PendingDeleted, Value: prior.Value})
			case prior.Kind == PendingDeleted:
				// ignored
			}
		}
	}
}

// flattenAndSort flattens every completed mutation's Changes into one slice
// ordered by (mutationId, timestamp), matching PendingChange.ID's own
// "<mutationId>-<ts>" ordering. Fold is deterministic under this sort: any
// permutation of changes equal under this key yields an identical map
// (deterministic regardless of input ordering).
func flattenAndSort(mutations []Mutation) []PendingChange {
	type keyed struct {
		mutationID int64
		change     PendingChange
	}
	var all []keyed
	for _, m := range mutations {
		if !m.IsCompleted {
			continue
		}
		for _, c := range m.Changes {
			all = append(all, keyed{mutationID: m.ID, change: c})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].mutationID != all[j].mutationID {
			return all[i].mutationID < all[j].mutationID
		}
		return all[i].change.Timestamp < all[j].change.Timestamp
	})
	out := make([]PendingChange, len(all))
	for i, k := range all {
		out[i] = k.change
	}
	return out
}

// buildPendingMap is the lazy, per-overlay-tx-instance builder: it flattens
// and sorts the changes of the given mutations (flattenAndSort skips
// incomplete ones) and folds them in order.
func buildPendingMap(mutations []Mutation, warn warnFunc) pendingMap {
	pm := make(pendingMap)
	fold(pm, flattenAndSort(mutations), warn)
	return pm
}
