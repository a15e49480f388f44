package syncmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftdb/driftdb/broker"
	"github.com/driftdb/driftdb/internal/clock"
	"github.com/driftdb/driftdb/kv"
	"github.com/driftdb/driftdb/lock"
	"github.com/driftdb/driftdb/overlay"
)

// pushLockTimeout is deliberately shorter than lock.DefaultTimeout: a push
// attempt that's still running after two minutes has almost certainly wedged
// (network partition, dead remote), and holding the generic 5-minute default
// here would let one stuck push starve every other writer far longer than
// the push loop itself ever needs.
const pushLockTimeout = 2 * time.Minute

// Resolvers looks up the RemoteResolver registered for a mutation's name,
// the push loop's only seam into mutator-specific remote logic.
type Resolvers interface {
	Resolver(mutationName string) (RemoteResolver, bool)
}

// ResolversFunc adapts a plain function to Resolvers.
type ResolversFunc func(mutationName string) (RemoteResolver, bool)

func (f ResolversFunc) Resolver(name string) (RemoteResolver, bool) { return f(name) }

// TxOpener opens one overlay transaction and returns a func that commits (or
// discards, on error) it — Manager never talks to kv.Store directly so it
// stays agnostic of how the caller wires up collections and clocks.
type TxOpener func(ctx context.Context, writable bool) (*overlay.Tx, func(commit bool) error, error)

// Manager drains the local mutation log to a remote, pulls authoritative
// changes back, and garbage-collects acknowledged mutations. One Manager
// serves one database.
type Manager struct {
	dbName    string
	openTx    TxOpener
	resolvers Resolvers
	puller    Puller
	lockCtl   *lock.Controller
	pokeBus   broker.PokeBroker
	onCDC     func([]overlay.CDCEvent)
	log       *slog.Logger
	clk       *clock.Monotonic
	id        string // this process's advisory-lock owner id

	pullMu      sync.Mutex
	pullInFlight chan struct{} // non-nil while a pull is running; closed on completion

	scheduleMu sync.Mutex
	ticker     *time.Ticker
	stop       chan struct{}
}

// New builds a Manager. lockStore backs both the push:<dbName> and
// pull:<dbName> advisory locks. onCDC is called with every CDC batch a push
// (GC) or pull produces, after the owning transaction commits.
func New(dbName string, openTx TxOpener, resolvers Resolvers, puller Puller, lockStore lock.Store, pokeBus broker.PokeBroker, onCDC func([]overlay.CDCEvent), clk *clock.Monotonic, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if pokeBus == nil {
		pokeBus = broker.NopBroker{}
	}
	if onCDC == nil {
		onCDC = func([]overlay.CDCEvent) {}
	}
	return &Manager{
		dbName:    dbName,
		openTx:    openTx,
		resolvers: resolvers,
		puller:    puller,
		lockCtl:   lock.NewController(lockStore, pushLockTimeout),
		pokeBus:   pokeBus,
		onCDC:     onCDC,
		log:       log,
		clk:       clk,
		id:        uuid.NewString(),
	}
}

// owner identifies this process as an advisory-lock holder. Generated once
// per Manager rather than per acquisition so a crash-and-restart gets a
// fresh id (stale ownership never looks self-held) while logs from one run
// can still be correlated.
func (m *Manager) owner() string {
	return m.id
}

// Push drains every unpushed mutation, oldest first, one at a time, under
// the push:<dbName> advisory lock. A mutator with no registered resolver has
// its changes written authoritatively to the store and its row purged,
// without ever attempting a remote call (it is a purely local mutation). A
// mutation whose resolver gives up retrying (per
// RemoteResolver.ShouldRetry) is also purged: the caller of Mutate already
// returned long ago, so the failure cannot be surfaced to them — it is
// logged and the mutation quietly drops out of the outbox.
func (m *Manager) Push(ctx context.Context) error {
	name := "push:" + m.dbName
	var events []overlay.CDCEvent
	err := m.lockCtl.Request(ctx, name, m.owner(), func(ctx context.Context) error {
		for {
			more, ev, err := m.pushOne(ctx)
			events = append(events, ev...)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
	})
	if len(events) > 0 {
		m.onCDC(events)
	}
	if err != nil {
		return err
	}
	// A push loop always ends by giving the remote a chance to hand back
	// anything it assigned during those pushes (the server mutation ids,
	// a new cursor baseline) before the next scheduled pull would anyway.
	go func() {
		if pullErr := m.Pull(context.WithoutCancel(ctx)); pullErr != nil {
			m.log.Warn("syncmgr: post-push pull failed", "error", pullErr)
		}
	}()
	return nil
}

// pushOne pushes (or purges) exactly one unpushed mutation. It reports
// whether the loop should continue (another unpushed mutation may remain)
// and whatever CDC the local-apply and purge paths produced (a successful
// push never emits CDC of its own).
func (m *Manager) pushOne(ctx context.Context) (bool, []overlay.CDCEvent, error) {
	otx, finish, err := m.openTx(ctx, true)
	if err != nil {
		return false, nil, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = finish(false)
		}
	}()

	target, resolver, hasResolver, err := m.nextUnpushed(ctx, otx)
	if err != nil {
		return false, nil, err
	}
	if target == nil {
		_, err := finishAndCollect(ctx, otx, finish)
		if err != nil {
			return false, nil, err
		}
		ok = true
		return false, nil, nil
	}

	if !hasResolver {
		m.log.Debug("syncmgr: applying and purging locally-only mutation", "id", target.ID, "name", target.MutationName)
		for _, c := range target.Changes {
			var err error
			switch c.Kind {
			case overlay.ChangeInsert:
				err = otx.ApplyAuthoritativeUpsert(ctx, c.CollectionName, c.Key, c.Value)
			case overlay.ChangeUpdate:
				err = otx.ApplyAuthoritativeUpsert(ctx, c.CollectionName, c.Key, c.PostUpdateValue)
			case overlay.ChangeDelete:
				err = otx.ApplyAuthoritativeDelete(ctx, c.CollectionName, c.Key)
			}
			if err != nil {
				return false, nil, err
			}
		}
		if err := otx.DeleteMutation(ctx, target.ID); err != nil {
			return false, nil, err
		}
		events, err := finishAndCollect(ctx, otx, finish)
		if err != nil {
			return false, nil, err
		}
		ok = true
		return true, events, nil
	}

	pushOK, pushErr := m.pushWithRetry(ctx, resolver, target)
	if !pushOK {
		m.log.Warn("syncmgr: giving up pushing mutation, purging", "id", target.ID, "name", target.MutationName, "error", pushErr)
		if err := otx.DeleteMutation(ctx, target.ID); err != nil {
			return false, nil, err
		}
		events, err := finishAndCollect(ctx, otx, finish)
		if err != nil {
			return false, nil, err
		}
		ok = true
		return true, events, nil
	}

	target.IsPushed = true
	if err := otx.SaveMutation(ctx, target); err != nil {
		return false, nil, err
	}
	events, err := finishAndCollect(ctx, otx, finish)
	if err != nil {
		return false, nil, err
	}
	ok = true
	return true, events, nil
}

func (m *Manager) nextUnpushed(ctx context.Context, otx *overlay.Tx) (*overlay.Mutation, RemoteResolver, bool, error) {
	all, err := otx.AllMutations(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	var best *overlay.Mutation
	for i := range all {
		mut := all[i]
		if !mut.IsCompleted || mut.IsPushed {
			continue
		}
		if best == nil || mut.ID < best.ID {
			m := mut
			best = &m
		}
	}
	if best == nil {
		return nil, nil, false, nil
	}
	resolver, ok := m.resolvers.Resolver(best.MutationName)
	return best, resolver, ok, nil
}

// pushWithRetry retries resolver.Push until it succeeds or ShouldRetry
// declines another attempt. It counts attempts on mut.RemotePushAttempts,
// starting from the stored count; that field reaches the mutation row only
// when a successful push saves the row, so a restart mid-retry starts again
// from the last saved count.
func (m *Manager) pushWithRetry(ctx context.Context, resolver RemoteResolver, mut *overlay.Mutation) (bool, error) {
	attempt := mut.RemotePushAttempts
	for {
		result, err := resolver.Push(ctx, mut.LocalResolverResult)
		if err == nil {
			resolver.OnSuccess(result)
			mut.ServerMutationID = &result.ServerMutationID
			return true, nil
		}
		attempt++
		mut.RemotePushAttempts = attempt
		if !resolver.ShouldRetry(attempt, err) {
			return false, err
		}
		sleepBackoff(ctx, attempt-1)
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
	}
}

// Pull fetches authoritative changes since the last cursor and applies them.
// Concurrent callers collapse onto a single in-flight pull (the singleton
// promise pattern): only the caller that actually starts the pull does the
// work, everyone else just waits for it to finish.
func (m *Manager) Pull(ctx context.Context) error {
	if m.puller == nil {
		return nil
	}
	m.pullMu.Lock()
	if ch := m.pullInFlight; ch != nil {
		m.pullMu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	m.pullInFlight = done
	m.pullMu.Unlock()

	err := m.doPull(ctx)

	m.pullMu.Lock()
	m.pullInFlight = nil
	m.pullMu.Unlock()
	close(done)
	return err
}

func (m *Manager) doPull(ctx context.Context) error {
	response, err := m.pullFromRemote(ctx)
	if err != nil {
		return err
	}

	name := "pull:" + m.dbName
	var events []overlay.CDCEvent
	err = m.lockCtl.Request(ctx, name, m.owner(), func(ctx context.Context) error {
		otx, finish, err := m.openTx(ctx, true)
		if err != nil {
			return err
		}
		ok := false
		defer func() {
			if !ok {
				_ = finish(false)
			}
		}()

		if err := m.gcAcked(ctx, otx, response); err != nil {
			return err
		}
		if err := ApplyPullResponse(ctx, otx, response); err != nil {
			return err
		}
		if response.HasCursor {
			if err := otx.SetMeta(ctx, "cursor", map[string]any{"value": response.Cursor}); err != nil {
				return err
			}
		}
		ev, err := finishAndCollect(ctx, otx, finish)
		if err != nil {
			return err
		}
		ok = true
		events = ev
		return nil
	})
	if err != nil {
		return err
	}
	if len(events) > 0 {
		m.onCDC(events)
	}
	m.pokeBus.Poke(m.dbName, uint64(m.clk.Next()))
	return nil
}

// pullFromRemote retries forever (no ShouldRetry cutoff — a pull with no
// progress to lose just keeps trying until ctx is canceled or the scheduled
// loop tries again).
func (m *Manager) pullFromRemote(ctx context.Context) (PullResponse, error) {
	cursor, hasCursor, err := m.readCursor(ctx)
	if err != nil {
		return PullResponse{}, err
	}
	attempt := 0
	for {
		resp, err := m.puller.Pull(ctx, cursor, hasCursor)
		if err == nil {
			return resp, nil
		}
		attempt++
		m.log.Debug("syncmgr: pull attempt failed, retrying", "attempt", attempt, "error", err)
		sleepBackoff(ctx, attempt-1)
		if ctx.Err() != nil {
			return PullResponse{}, ctx.Err()
		}
	}
}

func (m *Manager) readCursor(ctx context.Context) (string, bool, error) {
	otx, finish, err := m.openTx(ctx, false)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = finish(false) }()
	row, err := otx.GetMeta(ctx, "cursor")
	if err != nil {
		if err == kv.ErrNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	v, _ := row["value"].(string)
	return v, v != "", nil
}

// gcAcked deletes every pushed mutation the remote has now processed,
// letting the overlay's own GC derivation restore whatever those mutations
// were shadowing.
func (m *Manager) gcAcked(ctx context.Context, otx *overlay.Tx, response PullResponse) error {
	if !response.HasLastProcessedMutationID {
		return nil
	}
	all, err := otx.AllMutations(ctx)
	if err != nil {
		return err
	}
	for _, mut := range all {
		if mut.IsPushed && mut.ServerMutationID != nil && *mut.ServerMutationID <= response.LastProcessedMutationID {
			if err := otx.DeleteMutation(ctx, mut.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyChange applies a partial authoritative response outside the normal
// pull cycle — a sideband push from the remote (a websocket notification, a
// long-poll update) that doesn't need a cursor round-trip to apply.
func (m *Manager) ApplyChange(ctx context.Context, partial PullResponse) error {
	name := "pull:" + m.dbName
	var events []overlay.CDCEvent
	err := m.lockCtl.Request(ctx, name, m.owner(), func(ctx context.Context) error {
		otx, finish, err := m.openTx(ctx, true)
		if err != nil {
			return err
		}
		ok := false
		defer func() {
			if !ok {
				_ = finish(false)
			}
		}()
		if err := ApplyPullResponse(ctx, otx, partial); err != nil {
			return err
		}
		if partial.HasCursor {
			if err := otx.SetMeta(ctx, "cursor", map[string]any{"value": partial.Cursor}); err != nil {
				return err
			}
		}
		ev, err := finishAndCollect(ctx, otx, finish)
		if err != nil {
			return err
		}
		ok = true
		events = ev
		return nil
	})
	if err != nil {
		return err
	}
	if len(events) > 0 {
		m.onCDC(events)
	}
	m.pokeBus.Poke(m.dbName, uint64(m.clk.Next()))
	return nil
}

// ApplyPullResponse replays every per-collection ChangeOp in response
// authoritatively against otx. Exported so ApplyChange and the pull path
// share exactly one code path for turning a PullResponse into overlay calls.
func ApplyPullResponse(ctx context.Context, otx *overlay.Tx, response PullResponse) error {
	for collection, ops := range response.Changes {
		for _, op := range ops {
			var err error
			switch op.Action {
			case ActionClear:
				err = otx.ApplyAuthoritativeClear(ctx, collection)
			case ActionCreated, ActionUpdated:
				err = otx.ApplyAuthoritativeUpsert(ctx, collection, op.Key, op.Value)
			case ActionDeleted:
				err = otx.ApplyAuthoritativeDelete(ctx, collection, op.Key)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func finishAndCollect(ctx context.Context, otx *overlay.Tx, finish func(commit bool) error) ([]overlay.CDCEvent, error) {
	events, err := otx.Commit(ctx)
	if err != nil {
		return nil, err
	}
	if err := finish(true); err != nil {
		return nil, err
	}
	return events, nil
}

// StartScheduledPull runs Pull every interval until Stop is called. Safe to
// call at most once per Manager; a second call is a no-op.
func (m *Manager) StartScheduledPull(interval time.Duration) {
	if m.puller == nil || interval <= 0 {
		return
	}
	m.scheduleMu.Lock()
	defer m.scheduleMu.Unlock()
	if m.ticker != nil {
		return
	}
	m.ticker = time.NewTicker(interval)
	m.stop = make(chan struct{})
	ticker, stop := m.ticker, m.stop
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := m.Pull(context.Background()); err != nil {
					m.log.Warn("syncmgr: scheduled pull failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the scheduled pull loop, if running.
func (m *Manager) Stop() {
	m.scheduleMu.Lock()
	defer m.scheduleMu.Unlock()
	if m.ticker == nil {
		return
	}
	m.ticker.Stop()
	close(m.stop)
	m.ticker = nil
}
