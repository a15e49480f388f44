package overlay

// writeOp describes one write about to be applied through the overlay,
// carrying whatever raw/optimistic quantities its table cell needs.
type writeOp struct {
	Kind        Op // OpInsert, OpUpdate or OpDelete (never OpClear; Clear is handled separately)
	Optimistic  bool
	Value       map[string]any // INSERT: the value being inserted (auth.value or opt.value)
	Pre         map[string]any // UPDATE(auth): the base row's value before this write
	Delta       map[string]any // UPDATE: the delta being applied
	RawExisting map[string]any // DELETE: the raw existing value, when known (nil if none)
}

// deriveWrite computes the zero or more effective CDC events a write
// produces, given the pending state P at the key before this write. It is a
// literal transcription of the write-derivation table: the
// subscriber's current view is base⊕overlay, so every event must describe
// the transition from that view to the new view, not from the raw base.
func deriveWrite(collection, key string, op writeOp, prior *PendingState) []CDCEvent {
	switch op.Kind {
	case OpInsert:
		if op.Optimistic {
			return deriveInsertOptimistic(collection, key, op, prior)
		}
		return deriveInsertAuthoritative(collection, key, op, prior)
	case OpUpdate:
		if op.Optimistic {
			return deriveUpdateOptimistic(collection, key, op, prior)
		}
		return deriveUpdateAuthoritative(collection, key, op, prior)
	case OpDelete:
		if op.Optimistic {
			return deriveDeleteOptimistic(collection, key, op, prior)
		}
		return deriveDeleteAuthoritative(collection, key, op, prior)
	default:
		return nil
	}
}

func deriveInsertAuthoritative(collection, key string, op writeOp, prior *PendingState) []CDCEvent {
	if prior == nil {
		return []CDCEvent{{Op: OpInsert, CollectionName: collection, Key: key, Value: op.Value}}
	}
	switch prior.Kind {
	case PendingInserted, PendingUpdatePostInsert:
		return []CDCEvent{{
			Op:              OpUpdate,
			CollectionName:  collection,
			Key:             key,
			PreUpdateValue:  op.Value,
			Delta:           prior.Value,
			PostUpdateValue: merge(op.Value, prior.Value),
		}}
	case PendingUpdated:
		return []CDCEvent{{Op: OpInsert, CollectionName: collection, Key: key, Value: merge(op.Value, prior.Delta)}}
	case PendingDeleted:
		return nil // suppress
	default:
		return nil
	}
}

func deriveInsertOptimistic(collection, key string, op writeOp, prior *PendingState) []CDCEvent {
	if prior == nil {
		return []CDCEvent{{Op: OpInsert, CollectionName: collection, Key: key, Value: op.Value}}
	}
	if prior.Kind == PendingDeleted {
		// Forced insert over a pending delete: legal per the document
		// overlay FSM's forced-insert-over-deleted case.
		return []CDCEvent{{Op: OpInsert, CollectionName: collection, Key: key, Value: op.Value}}
	}
	// Insert over INSERTED/UPDATED/UPDATE_POST_INSERT is rejected by
	// WriteTransaction's precondition check before it ever reaches here.
	return nil
}

func deriveUpdateAuthoritative(collection, key string, op writeOp, prior *PendingState) []CDCEvent {
	post := merge(op.Pre, op.Delta)
	if prior == nil {
		return []CDCEvent{{Op: OpUpdate, CollectionName: collection, Key: key, PreUpdateValue: op.Pre, Delta: op.Delta, PostUpdateValue: post}}
	}
	switch prior.Kind {
	case PendingInserted, PendingUpdatePostInsert:
		return []CDCEvent{{Op: OpUpdate, CollectionName: collection, Key: key, PreUpdateValue: post, Delta: map[string]any{}, PostUpdateValue: post}}
	case PendingUpdated:
		delta := mergeDeltas(op.Delta, prior.Delta)
		return []CDCEvent{{Op: OpUpdate, CollectionName: collection, Key: key, PreUpdateValue: post, Delta: delta, PostUpdateValue: merge(post, delta)}}
	case PendingDeleted:
		return nil // suppress
	default:
		return nil
	}
}

func deriveUpdateOptimistic(collection, key string, op writeOp, prior *PendingState) []CDCEvent {
	if prior == nil {
		return []CDCEvent{{Op: OpUpdate, CollectionName: collection, Key: key, PreUpdateValue: op.Pre, Delta: op.Delta, PostUpdateValue: merge(op.Pre, op.Delta)}}
	}
	switch prior.Kind {
	case PendingInserted, PendingUpdatePostInsert:
		return []CDCEvent{{Op: OpUpdate, CollectionName: collection, Key: key, PreUpdateValue: prior.Value, Delta: op.Delta, PostUpdateValue: merge(prior.Value, op.Delta)}}
	case PendingUpdated:
		delta := mergeDeltas(prior.Delta, op.Delta)
		return []CDCEvent{{Op: OpUpdate, CollectionName: collection, Key: key, PreUpdateValue: prior.Value, Delta: delta, PostUpdateValue: merge(prior.Value, op.Delta)}}
	case PendingDeleted:
		return nil // suppress
	default:
		return nil
	}
}

func deriveDeleteAuthoritative(collection, key string, op writeOp, prior *PendingState) []CDCEvent {
	if prior == nil {
		return []CDCEvent{{Op: OpDelete, CollectionName: collection, Key: key, Value: op.RawExisting}}
	}
	switch prior.Kind {
	case PendingUpdated:
		return []CDCEvent{{Op: OpDelete, CollectionName: collection, Key: key, Value: prior.Value}}
	default:
		return nil // INSERTED, UPDATE_POST_INSERT, DELETED all suppress
	}
}

func deriveDeleteOptimistic(collection, key string, op writeOp, prior *PendingState) []CDCEvent {
	if prior == nil {
		return []CDCEvent{{Op: OpDelete, CollectionName: collection, Key: key, Value: op.RawExisting}}
	}
	return []CDCEvent{{Op: OpDelete, CollectionName: collection, Key: key, Value: prior.Value}}
}
