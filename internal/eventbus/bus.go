// Package eventbus implements the in-process typed fan-out bus shared by
// the Task, Agent, and Memory event families. Each subscriber gets an
// unbounded queue backed by github.com/Code-Hex/go-infinity-channel, so a
// slow consumer never stalls Publish for anyone else.
package eventbus

import (
	"context"
	"sync"
	"time"

	ichan "github.com/Code-Hex/go-infinity-channel"

	"github.com/fenwick-labs/swarmhub"
)

// Envelope is a timestamped event of type T flowing through one Bus.
type Envelope[T any] struct {
	Type      string
	Timestamp time.Time
	Payload   T
}

// Filter narrows a subscription to a set of event types plus an optional
// predicate over the payload. A nil/empty Types set matches every type.
type Filter[T any] struct {
	Types     []string
	Predicate func(T) bool
}

func (f Filter[T]) matches(env Envelope[T]) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == env.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Predicate != nil && !f.Predicate(env.Payload) {
		return false
	}
	return true
}

type subscription[T any] struct {
	filter Filter[T]
	queue  *ichan.Channel[Envelope[T]]
}

// Bus fans out Envelope[T] values to any number of filtered subscribers.
type Bus[T any] struct {
	mu       sync.RWMutex
	subs     map[uint64]*subscription[T]
	nextID   uint64
	disposed bool
}

// New creates an empty Bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uint64]*subscription[T])}
}

// Subscribe opens a live subscription scoped to ctx. The returned channel is
// closed when ctx is cancelled or the bus is disposed; that is the only
// legal unsubscribe signal.
func (b *Bus[T]) Subscribe(ctx context.Context, filter Filter[T]) <-chan Envelope[T] {
	queue := ichan.New[Envelope[T]]()

	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		queue.Close()
		return queue.Out()
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscription[T]{filter: filter, queue: queue}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		queue.Close()
	}()

	return queue.Out()
}

// Publish snapshots the current subscriber set and enqueues env to every
// subscription whose filter matches. It returns ErrBusDisposed once Dispose
// has run. Because subscriber queues are unbounded, the enqueue to each
// matching subscriber completes without waiting on that subscriber to drain.
func (b *Bus[T]) Publish(env Envelope[T]) error {
	b.mu.RLock()
	if b.disposed {
		b.mu.RUnlock()
		return swarmhub.ErrBusDisposed
	}
	matching := make([]*subscription[T], 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.matches(env) {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matching {
		sub.queue.In() <- env
	}
	return nil
}

// Dispose closes every outstanding subscriber queue and rejects further
// Publish calls. It is idempotent.
func (b *Bus[T]) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	b.disposed = true
	for id, sub := range b.subs {
		sub.queue.Close()
		delete(b.subs, id)
	}
}

// SubscriberCount reports the live subscription count, mostly for tests.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
