package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/fenwick-labs/swarmhub"
)

func TestPublishSubscribeOrdering(t *testing.T) {
	b := New[string]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, Filter[string]{})

	for i := 0; i < 5; i++ {
		if err := b.Publish(Envelope[string]{Type: "x", Timestamp: time.Now(), Payload: string(rune('a' + i))}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		select {
		case env := <-ch:
			want := string(rune('a' + i))
			if env.Payload != want {
				t.Fatalf("event %d = %q, want %q (FIFO ordering violated)", i, env.Payload, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestFilterByType(t *testing.T) {
	b := New[string]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, Filter[string]{Types: []string{"keep"}})

	b.Publish(Envelope[string]{Type: "drop", Payload: "no"})
	b.Publish(Envelope[string]{Type: "keep", Payload: "yes"})

	select {
	case env := <-ch:
		if env.Payload != "yes" {
			t.Fatalf("got %q, want only the filtered-in event", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case env, ok := <-ch:
		if ok {
			t.Fatalf("unexpected extra event %+v", env)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFilterByPredicate(t *testing.T) {
	b := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, Filter[int]{Predicate: func(p int) bool { return p > 10 }})

	b.Publish(Envelope[int]{Type: "t", Payload: 1})
	b.Publish(Envelope[int]{Type: "t", Payload: 20})

	select {
	case env := <-ch:
		if env.Payload != 20 {
			t.Fatalf("got %d, want 20", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for predicate-matched event")
	}
}

func TestCancelUnsubscribesAndClosesChannel(t *testing.T) {
	b := New[string]()
	ctx, cancel := context.WithCancel(context.Background())

	ch := b.Subscribe(ctx, Filter[string]{})
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if b.SubscriberCount() != 0 {
					t.Fatal("subscriber count should be zero after cancellation")
				}
				return
			}
		case <-deadline:
			t.Fatal("channel was never closed after context cancellation")
		}
	}
}

func TestPublishAfterDisposeFails(t *testing.T) {
	b := New[string]()
	b.Dispose()

	if err := b.Publish(Envelope[string]{Type: "t"}); err != swarmhub.ErrBusDisposed {
		t.Fatalf("Publish after Dispose = %v, want ErrBusDisposed", err)
	}
}

func TestDisposeClosesOutstandingSubscriptions(t *testing.T) {
	b := New[string]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, Filter[string]{})
	b.Dispose()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed by Dispose")
		}
	case <-time.After(time.Second):
		t.Fatal("channel was never closed by Dispose")
	}
}
