// Package syncmgr drains the local mutation log to a remote, pulls
// authoritative changes back with a cursor, and garbage-collects
// acknowledged mutations while preserving overlay CDC semantics.
package syncmgr

import "context"

// Action tags one per-collection change inside a PullResponse.
type Action string

const (
	ActionClear   Action = "clear"
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// ChangeOp is one authoritative operation against one collection.
type ChangeOp struct {
	Action Action
	Key    string
	Value  map[string]any // CREATED/UPDATED only
}

// PullResponse is the puller contract's return shape: per-collection
// operations to apply authoritatively, an optional new cursor, and the
// highest server mutation id this response has processed (mutations with
// ServerMutationID at or below it, and already pushed, can be GC'd).
type PullResponse struct {
	Changes                map[string][]ChangeOp
	Cursor                 string
	HasCursor              bool
	LastProcessedMutationID int64
	HasLastProcessedMutationID bool
}

// Puller fetches authoritative changes since cursor.
type Puller interface {
	Pull(ctx context.Context, cursor string, hasCursor bool) (PullResponse, error)
}

// PullerFunc adapts a plain function to Puller.
type PullerFunc func(ctx context.Context, cursor string, hasCursor bool) (PullResponse, error)

func (f PullerFunc) Pull(ctx context.Context, cursor string, hasCursor bool) (PullResponse, error) {
	return f(ctx, cursor, hasCursor)
}

// PushResult is what a successful remote mutation call returns.
type PushResult struct {
	ServerMutationID int64
}

// ShouldRetry decides whether another push attempt should happen after a
// failed attempt. attempt is 1 on the first failure.
type ShouldRetry func(attempt int, err error) bool

// RemoteResolver is the per-mutator remote counterpart: it pushes a
// mutation's local result to the server and decides retry policy.
type RemoteResolver interface {
	// Push sends localResult to the remote and returns its assigned id.
	Push(ctx context.Context, localResult any) (PushResult, error)

	// ShouldRetry decides whether a failed attempt should be retried.
	// A nil ShouldRetry (the zero value of the field) always retries.
	ShouldRetry(attempt int, err error) bool

	// OnSuccess is called after a successful push, before the mutation row
	// is marked pushed.
	OnSuccess(result PushResult)
}
