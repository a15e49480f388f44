// Package overlay implements the optimistic overlay engine and the CDC
// derivation it is inseparable from: the overlay both reads and writes the
// mutation log, so the mutation-row helpers and the CDC derivation tables
// live in this one package as pure functions, exactly as spec'd, to avoid a
// cyclic import between "the log" and "the thing that folds the log".
package overlay

// MutationsCollection and MetaCollection are the two reserved internal
// collections that always exist. They are never visible through public
// reactive collections — CDC events on them are filtered before reaching
// subscribers (see Tx.emit).
const (
	MutationsCollection = "__mutations"
	MetaCollection       = "__meta"
)

// ChangeKind tags a PendingChange's variant.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// PendingChange is one recorded effect of a user mutation. All variants
// carry ID, Timestamp, CollectionName and Key; the remaining fields are
// populated per Kind:
//   - ChangeInsert: Value
//   - ChangeUpdate: PreUpdateValue, PostUpdateValue, Delta
//   - ChangeDelete: Value
type PendingChange struct {
	ID              string
	Timestamp       int64
	CollectionName  string
	Key             string
	Kind            ChangeKind
	Value           map[string]any
	PreUpdateValue  map[string]any
	PostUpdateValue map[string]any
	Delta           map[string]any
}

// Mutation is one row of __mutations.
type Mutation struct {
	ID                  int64
	MutationName        string
	MutationArgs        map[string]any
	Changes             []PendingChange
	CollectionsAffected map[string]struct{}
	IsCompleted         bool
	IsPushed            bool
	RemotePushAttempts  int
	LocalResolverResult any
	ServerMutationID    *int64
}

// Touch records that a change touched collection, for CollectionsAffected.
func (m *Mutation) Touch(collection string) {
	if m.CollectionsAffected == nil {
		m.CollectionsAffected = make(map[string]struct{})
	}
	m.CollectionsAffected[collection] = struct{}{}
}

// toRow/fromRow marshal a Mutation to/from the map[string]any shape stored
// in __mutations. Kept deliberately simple (no reflection, no external
// codec) since the row shape is small and fixed.
func (m *Mutation) toRow() map[string]any {
	changes := make([]any, 0, len(m.Changes))
	for _, c := range m.Changes {
		changes = append(changes, changeToMap(c))
	}
	affected := make([]any, 0, len(m.CollectionsAffected))
	for name := range m.CollectionsAffected {
		affected = append(affected, name)
	}
	row := map[string]any{
		"mutationName":        m.MutationName,
		"mutationArgs":        m.MutationArgs,
		"changes":             changes,
		"collectionsAffected": affected,
		"isCompleted":         m.IsCompleted,
		"isPushed":            m.IsPushed,
		"remotePushAttempts":  m.RemotePushAttempts,
		"localResolverResult": m.LocalResolverResult,
	}
	if m.ServerMutationID != nil {
		row["serverMutationId"] = *m.ServerMutationID
	}
	return row
}

func changeToMap(c PendingChange) map[string]any {
	return map[string]any{
		"id":              c.ID,
		"timestamp":       c.Timestamp,
		"collectionName":  c.CollectionName,
		"key":             c.Key,
		"kind":            string(c.Kind),
		"value":           c.Value,
		"preUpdateValue":  c.PreUpdateValue,
		"postUpdateValue": c.PostUpdateValue,
		"delta":           c.Delta,
	}
}

func changeFromMap(v map[string]any) PendingChange {
	asMap := func(x any) map[string]any {
		if m, ok := x.(map[string]any); ok {
			return m
		}
		return nil
	}
	return PendingChange{
		ID:              asString(v["id"]),
		Timestamp:       asInt64(v["timestamp"]),
		CollectionName:  asString(v["collectionName"]),
		Key:             asString(v["key"]),
		Kind:            ChangeKind(asString(v["kind"])),
		Value:           asMap(v["value"]),
		PreUpdateValue:  asMap(v["preUpdateValue"]),
		PostUpdateValue: asMap(v["postUpdateValue"]),
		Delta:           asMap(v["delta"]),
	}
}

func mutationFromRow(id int64, row map[string]any) Mutation {
	m := Mutation{ID: id}
	m.MutationName = asString(row["mutationName"])
	if args, ok := row["mutationArgs"].(map[string]any); ok {
		m.MutationArgs = args
	}
	if rawChanges, ok := row["changes"].([]any); ok {
		for _, rc := range rawChanges {
			if cm, ok := rc.(map[string]any); ok {
				m.Changes = append(m.Changes, changeFromMap(cm))
			}
		}
	}
	if rawAffected, ok := row["collectionsAffected"].([]any); ok {
		for _, a := range rawAffected {
			m.Touch(asString(a))
		}
	}
	m.IsCompleted, _ = row["isCompleted"].(bool)
	m.IsPushed, _ = row["isPushed"].(bool)
	m.RemotePushAttempts = int(asInt64(row["remotePushAttempts"]))
	m.LocalResolverResult = row["localResolverResult"]
	if v, ok := row["serverMutationId"]; ok {
		n := asInt64(v)
		m.ServerMutationID = &n
	}
	return m
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
