// Package memstore implements the MemoryStore component: namespaced
// key/value entries with access tracking and blocking creation/update
// waits. Grounded in the teacher's serve/memory_tools.go tool-registration
// shape, re-targeted from its free-text search store to the namespaced
// upsert-with-notification model this domain requires.
package memstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fenwick-labs/swarmhub"
	"github.com/fenwick-labs/swarmhub/internal/eventbus"
	"github.com/fenwick-labs/swarmhub/internal/store"
)

// Store is the MemoryStore component.
type Store struct {
	store store.Store
	clock swarmhub.Clock
	bus   *eventbus.Bus[swarmhub.MemoryEventPayload]
}

// New constructs a Store.
func New(st store.Store, clock swarmhub.Clock, bus *eventbus.Bus[swarmhub.MemoryEventPayload]) *Store {
	return &Store{store: st, clock: clock, bus: bus}
}

// Save upserts a memory entry by (namespace, key). It emits Created on
// insert, Updated on a value/metadata change, and nothing when the new
// value is byte-for-byte identical to the stored one.
func (s *Store) Save(ctx context.Context, namespace, key, value, typ, metadata string) error {
	if key == "" {
		return &swarmhub.ValidationError{Field: "key", Message: "required field is missing"}
	}
	if typ == "" {
		typ = "json"
	}

	now := s.clock.Now()
	entry := &swarmhub.MemoryEntry{
		ID:            uuid.NewString(),
		Namespace:     namespace,
		Key:           key,
		Value:         value,
		Type:          typ,
		Metadata:      metadata,
		Size:          len(value),
		IsCompressed:  len(value) >= swarmhub.MemoryCompressionThreshold,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}

	ws, err := s.store.OpenWriteScope(ctx)
	if err != nil {
		return err
	}
	created, changed, err := ws.UpsertMemoryEntry(ctx, entry)
	if err != nil {
		ws.Close()
		return err
	}
	if err := ws.Complete(ctx); err != nil {
		ws.Close()
		return err
	}
	ws.Close()

	if !changed {
		return nil
	}

	eventType := swarmhub.MemoryEventUpdated
	if created {
		eventType = swarmhub.MemoryEventCreated
	}
	s.bus.Publish(eventbus.Envelope[swarmhub.MemoryEventPayload]{
		Type:      string(eventType),
		Timestamp: now,
		Payload:   swarmhub.MemoryEventPayload{Namespace: namespace, Key: key, Value: value, Type: typ, Metadata: metadata},
	})
	return nil
}

// Read returns the entry and atomically records the access: accessedAt is
// set and accessCount is incremented by exactly one. No event is emitted.
func (s *Store) Read(ctx context.Context, namespace, key string) (*swarmhub.MemoryEntry, error) {
	ws, err := s.store.OpenWriteScope(ctx)
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	entry, err := ws.GetMemoryEntry(ctx, namespace, key)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if err := ws.UpdateMemoryAccess(ctx, namespace, key, now); err != nil {
		return nil, err
	}
	if err := ws.Complete(ctx); err != nil {
		return nil, err
	}

	entry.AccessedAt = &now
	entry.AccessCount++
	return entry, nil
}

// List returns every entry in namespace, ordered by createdAt ascending.
func (s *Store) List(ctx context.Context, namespace string) ([]*swarmhub.MemoryEntry, error) {
	rs, err := s.store.OpenReadScope(ctx)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	return rs.ListMemoryEntries(ctx, namespace)
}

// Delete removes an entry and emits Deleted if it existed. Deleting a
// missing key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	ws, err := s.store.OpenWriteScope(ctx)
	if err != nil {
		return err
	}
	existed, err := ws.DeleteMemoryEntry(ctx, namespace, key)
	if err != nil {
		ws.Close()
		return err
	}
	if err := ws.Complete(ctx); err != nil {
		ws.Close()
		return err
	}
	ws.Close()

	if existed {
		s.bus.Publish(eventbus.Envelope[swarmhub.MemoryEventPayload]{
			Type:      string(swarmhub.MemoryEventDeleted),
			Timestamp: s.clock.Now(),
			Payload:   swarmhub.MemoryEventPayload{Namespace: namespace, Key: key},
		})
	}
	return nil
}

func namespaceKeyFilter(namespace, key string) func(swarmhub.MemoryEventPayload) bool {
	return func(p swarmhub.MemoryEventPayload) bool {
		return p.Namespace == namespace && p.Key == key
	}
}

// WaitForCreation returns the entry immediately if it already exists;
// otherwise it blocks for a matching Created event, waitUpTo, or
// cancellation. The subscription is opened before the existence check to
// close the window between "not found" and a concurrent Save.
func (s *Store) WaitForCreation(ctx context.Context, namespace, key string, waitUpTo time.Duration) (*swarmhub.MemoryEntry, error) {
	return s.wait(ctx, namespace, key, waitUpTo, swarmhub.MemoryEventCreated, true)
}

// WaitForUpdate blocks for a matching Updated event, waitUpTo, or
// cancellation. It never fires on the entry's current value and ignores
// Created events.
func (s *Store) WaitForUpdate(ctx context.Context, namespace, key string, waitUpTo time.Duration) (*swarmhub.MemoryEntry, error) {
	return s.wait(ctx, namespace, key, waitUpTo, swarmhub.MemoryEventUpdated, false)
}

func (s *Store) wait(ctx context.Context, namespace, key string, waitUpTo time.Duration, eventType swarmhub.MemoryEventType, checkExisting bool) (*swarmhub.MemoryEntry, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := s.bus.Subscribe(subCtx, eventbus.Filter[swarmhub.MemoryEventPayload]{
		Types:     []string{string(eventType)},
		Predicate: namespaceKeyFilter(namespace, key),
	})

	if checkExisting {
		rs, err := s.store.OpenReadScope(ctx)
		if err != nil {
			return nil, err
		}
		entry, err := rs.GetMemoryEntry(ctx, namespace, key)
		rs.Close()
		if err != nil && !errors.Is(err, swarmhub.ErrMemoryNotFound) {
			return nil, err
		}
		if err == nil {
			return entry, nil
		}
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, swarmhub.ErrBusDisposed
		}
		return s.entryFromPayload(ctx, env.Payload)
	case <-time.After(waitUpTo):
		return nil, swarmhub.ErrTimeout
	case <-ctx.Done():
		return nil, swarmhub.ErrCancelled
	}
}

func (s *Store) entryFromPayload(ctx context.Context, p swarmhub.MemoryEventPayload) (*swarmhub.MemoryEntry, error) {
	rs, err := s.store.OpenReadScope(ctx)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	return rs.GetMemoryEntry(ctx, p.Namespace, p.Key)
}
