package syncmgr

import "context"

// FuncResolver is a RemoteResolver built from plain functions, the common
// case where a mutator doesn't need bespoke retry/success behavior.
type FuncResolver struct {
	PushFn        func(ctx context.Context, localResult any) (PushResult, error)
	ShouldRetryFn ShouldRetry // nil means always retry
	OnSuccessFn   func(result PushResult)
}

func (r FuncResolver) Push(ctx context.Context, localResult any) (PushResult, error) {
	return r.PushFn(ctx, localResult)
}

func (r FuncResolver) ShouldRetry(attempt int, err error) bool {
	if r.ShouldRetryFn == nil {
		return true
	}
	return r.ShouldRetryFn(attempt, err)
}

func (r FuncResolver) OnSuccess(result PushResult) {
	if r.OnSuccessFn != nil {
		r.OnSuccessFn(result)
	}
}

// MaxAttempts returns a ShouldRetry that gives up after n failed attempts.
func MaxAttempts(n int) ShouldRetry {
	return func(attempt int, err error) bool { return attempt < n }
}
