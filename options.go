package driftdb

import (
	"log/slog"
	"time"

	"github.com/driftdb/driftdb/broker"
	"github.com/driftdb/driftdb/internal/clock"
	"github.com/driftdb/driftdb/kv"
	"github.com/driftdb/driftdb/kv/memory"
	"github.com/driftdb/driftdb/lock"
	"github.com/driftdb/driftdb/syncmgr"
)

// DefaultScheduledPullInterval matches the 30-second scheduled pull cadence.
const DefaultScheduledPullInterval = 30 * time.Second

// Option configures a Database, matching the functional-option pattern used
// throughout this codebase's subsystems.
type Option func(*Database)

// WithLogger sets the logger every subsystem derives its own
// component-scoped logger from. If nil (or never called), slog.Default is
// used.
func WithLogger(l *slog.Logger) Option {
	return func(d *Database) {
		if l != nil {
			d.log = l
		}
	}
}

// WithStore sets the KV engine. Defaults to a fresh kv/memory.Store.
func WithStore(store kv.Store) Option {
	return func(d *Database) {
		if store != nil {
			d.store = store
		}
	}
}

// WithLockStore sets the advisory-lock backend the push/pull loops use.
// Defaults to an in-process lock.MemoryStore.
func WithLockStore(store lock.Store) Option {
	return func(d *Database) {
		if store != nil {
			d.lockStore = store
		}
	}
}

// WithBroker sets the content-free poke bus the sync manager notifies after
// each pull or applied change. Defaults
// to broker.NopBroker{}.
func WithBroker(b broker.PokeBroker) Option {
	return func(d *Database) {
		if b != nil {
			d.broker = b
		}
	}
}

// WithPuller configures the remote pull transport; without one, Pull and
// the scheduled pull loop are no-ops.
func WithPuller(p syncmgr.Puller) Option {
	return func(d *Database) {
		d.puller = p
	}
}

// WithScheduledPullInterval overrides the 30s default scheduled pull
// cadence.
func WithScheduledPullInterval(interval time.Duration) Option {
	return func(d *Database) {
		if interval > 0 {
			d.pullInterval = interval
		}
	}
}

// WithCollections declares the user collections (and their secondary
// indexes) Initialize should ensure exist, beyond the two reserved ones.
func WithCollections(defs ...kv.CollectionDef) Option {
	return func(d *Database) {
		d.collectionDefs = append(d.collectionDefs, defs...)
	}
}

func defaultDatabase(name string) *Database {
	return &Database{
		name:         name,
		store:        memory.New(),
		lockStore:    lock.NewMemoryStore(),
		broker:       broker.NopBroker{},
		log:          slog.Default(),
		clk:          &clock.Monotonic{},
		pullInterval: DefaultScheduledPullInterval,
		mutators:     make(map[string]mutatorEntry),
	}
}
