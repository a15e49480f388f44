package driftdb

import "errors"

// ErrUnknownMutator is returned by mutate when no mutator is registered
// under the given name.
var ErrUnknownMutator = errors.New("driftdb: unknown mutator")

// ErrMutationNotFound reports a mutation row that no longer exists. No
// driftdb call returns it: WriteTx records into the in-memory Mutation it
// was handed and never looks a row up by id.
var ErrMutationNotFound = errors.New("driftdb: mutation not found")

// ErrLockTimeout reports an advisory lock that could not be acquired even
// after a force-remove. No driftdb call returns it; lock timeouts surface
// wrapped around lock.ErrTimeout.
var ErrLockTimeout = errors.New("driftdb: lock acquisition timed out")

// PreconditionError reports a WriteTransaction precondition failure:
// insert-on-existing, or update/delete-on-missing.
type PreconditionError struct {
	Collection string
	Key        string
	Reason     string
}

func (e *PreconditionError) Error() string {
	return "driftdb: precondition failed on " + e.Collection + "/" + e.Key + ": " + e.Reason
}
