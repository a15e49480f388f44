package broker

import (
	"sync"
	"testing"
)

func TestNopBrokerDoesNotPanic(t *testing.T) {
	b := NopBroker{}
	b.Poke("scope", 1)
	b.Poke("scope", 2)
}

func TestNopBrokerImplementsInterface(t *testing.T) {
	var _ PokeBroker = NopBroker{}
}

func TestFuncBroker(t *testing.T) {
	var calls []Poke
	b := FuncBroker(func(scope string, cursor uint64) {
		calls = append(calls, Poke{Scope: scope, Cursor: cursor})
	})

	b.Poke("todos", 1)
	b.Poke("notes", 2)

	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Scope != "todos" || calls[0].Cursor != 1 {
		t.Errorf("unexpected first call: %+v", calls[0])
	}
	if calls[1].Scope != "notes" || calls[1].Cursor != 2 {
		t.Errorf("unexpected second call: %+v", calls[1])
	}
}

func TestFuncBrokerImplementsInterface(t *testing.T) {
	var _ PokeBroker = FuncBroker(func(scope string, cursor uint64) {})
}

func TestMultiBrokerFansOut(t *testing.T) {
	var calls1, calls2 []Poke
	b1 := FuncBroker(func(scope string, cursor uint64) { calls1 = append(calls1, Poke{scope, cursor}) })
	b2 := FuncBroker(func(scope string, cursor uint64) { calls2 = append(calls2, Poke{scope, cursor}) })

	mb := NewMultiBroker(b1, b2)
	mb.Poke("scope", 1)

	if len(calls1) != 1 || len(calls2) != 1 {
		t.Fatalf("expected both brokers poked once, got %d and %d", len(calls1), len(calls2))
	}
}

func TestMultiBrokerAdd(t *testing.T) {
	var calls []int
	mb := NewMultiBroker()
	mb.Add(FuncBroker(func(scope string, cursor uint64) { calls = append(calls, 1) }))
	mb.Add(FuncBroker(func(scope string, cursor uint64) { calls = append(calls, 2) }))

	mb.Poke("scope", 1)

	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
}

func TestMultiBrokerEmptyDoesNotPanic(t *testing.T) {
	mb := NewMultiBroker()
	mb.Poke("scope", 1)
}

func TestLocalBrokerDeliversToSubscriber(t *testing.T) {
	b := NewLocalBroker()
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Poke("todos", 7)

	select {
	case p := <-ch:
		if p.Scope != "todos" || p.Cursor != 7 {
			t.Fatalf("unexpected poke: %+v", p)
		}
	default:
		t.Fatal("expected a buffered poke")
	}
}

func TestLocalBrokerDropsStalePokeForSlowSubscriber(t *testing.T) {
	b := NewLocalBroker()
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Poke("todos", 1)
	b.Poke("todos", 2)

	p := <-ch
	if p.Cursor != 2 {
		t.Fatalf("expected only the latest cursor to survive, got %d", p.Cursor)
	}
}

func TestLocalBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewLocalBroker()
	ch, unsubscribe := b.Subscribe()
	unsubscribe()

	if _, ok := <-ch; ok {
		t.Fatal("expected the channel to be closed after unsubscribe")
	}
}

func TestLocalBrokerConcurrentSubscribers(t *testing.T) {
	b := NewLocalBroker()
	const n = 8
	var wg sync.WaitGroup
	chans := make([]<-chan Poke, n)
	unsubs := make([]func(), n)
	for i := 0; i < n; i++ {
		chans[i], unsubs[i] = b.Subscribe()
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	b.Poke("todos", 1)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(ch <-chan Poke) {
			defer wg.Done()
			<-ch
		}(chans[i])
	}
	wg.Wait()
}
