// Package broker fans out "something changed" notifications. It is
// deliberately content-free: a Poke only says the cursor for a scope moved,
// never what changed. The sync manager pokes it after each pull and each
// applied change; subscribers decide for themselves whether to re-read.
package broker

import "sync"

// Poke is a change notification for one scope (a database/collection name)
// up to a given cursor.
type Poke struct {
	Scope  string
	Cursor uint64
}

// PokeBroker delivers Poke notifications. Poke must never block its caller
// for long; implementations that fan out to slow subscribers should do so
// asynchronously.
type PokeBroker interface {
	Poke(scope string, cursor uint64)
}

// NopBroker discards every poke. The zero value is ready to use.
type NopBroker struct{}

func (NopBroker) Poke(scope string, cursor uint64) {}

// FuncBroker adapts a plain function to PokeBroker.
type FuncBroker func(scope string, cursor uint64)

func (f FuncBroker) Poke(scope string, cursor uint64) { f(scope, cursor) }

// MultiBroker fans one poke out to every broker registered with it.
type MultiBroker struct {
	mu      sync.RWMutex
	brokers []PokeBroker
}

// NewMultiBroker builds a MultiBroker from an initial set of brokers.
func NewMultiBroker(brokers ...PokeBroker) *MultiBroker {
	return &MultiBroker{brokers: append([]PokeBroker(nil), brokers...)}
}

// Add registers another broker. Safe to call concurrently with Poke.
func (m *MultiBroker) Add(b PokeBroker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brokers = append(m.brokers, b)
}

func (m *MultiBroker) Poke(scope string, cursor uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.brokers {
		b.Poke(scope, cursor)
	}
}

// LocalBroker is a channel-backed broker for in-process subscribers. Sends are
// non-blocking: a subscriber that hasn't drained its channel simply misses
// an intermediate poke, since only the latest cursor ever matters.
type LocalBroker struct {
	mu   sync.Mutex
	subs map[chan Poke]struct{}
}

// NewLocalBroker returns a ready-to-use LocalBroker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[chan Poke]struct{})}
}

// Subscribe registers a new channel and returns it along with an unsubscribe
// function. The channel has a buffer of 1 so the latest poke is never lost
// behind a slow consumer; older un-drained pokes are simply dropped.
func (b *LocalBroker) Subscribe() (ch <-chan Poke, unsubscribe func()) {
	c := make(chan Poke, 1)
	b.mu.Lock()
	b.subs[c] = struct{}{}
	b.mu.Unlock()
	return c, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[c]; ok {
			delete(b.subs, c)
			close(c)
		}
	}
}

func (b *LocalBroker) Poke(scope string, cursor uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.subs {
		select {
		case c <- Poke{Scope: scope, Cursor: cursor}:
		default:
			// Drain the stale poke and replace it with the fresher one.
			select {
			case <-c:
			default:
			}
			c <- Poke{Scope: scope, Cursor: cursor}
		}
	}
}
