package overlay

// gcEventsForChange computes the inverting CDC for one recorded change: when a completed mutation row is
// deleted (the sync path does this once the server has acknowledged it),
// each of its recorded changes needs an inverting CDC event relative to the
// current authoritative store, so subscribers see a continuous transition
// from "optimistic view" to "authoritative view" even across a log purge.
//
//	change was DELETE, doc now exists authoritatively, no remaining pending state for the key -> INSERT(current value)
//	change was INSERT, authoritative store lacks the document                                  -> DELETE(change.value)
//	change was UPDATE, authoritative store has the document                                     -> UPDATE restoring the shadowed fields
//	otherwise                                                                                    -> nothing
func gcEventsForChange(change PendingChange, rawValue map[string]any, rawExists bool, stillPending *PendingState) []CDCEvent {
	switch change.Kind {
	case ChangeDelete:
		if rawExists && stillPending == nil {
			return []CDCEvent{{Op: OpInsert, CollectionName: change.CollectionName, Key: change.Key, Value: rawValue}}
		}
	case ChangeInsert:
		if !rawExists {
			return []CDCEvent{{Op: OpDelete, CollectionName: change.CollectionName, Key: change.Key, Value: change.Value}}
		}
	case ChangeUpdate:
		if rawExists {
			restored := make(map[string]any, len(change.Delta))
			for field := range change.Delta {
				if v, ok := rawValue[field]; ok {
					restored[field] = v
				}
			}
			return []CDCEvent{{
				Op:             OpUpdate,
				CollectionName: change.CollectionName,
				Key:            change.Key,
				Delta:          restored,
			}}
		}
	}
	return nil
}
