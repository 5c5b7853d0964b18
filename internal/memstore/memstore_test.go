package memstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fenwick-labs/swarmhub"
	"github.com/fenwick-labs/swarmhub/internal/eventbus"
	"github.com/fenwick-labs/swarmhub/internal/store"
)

func newTestStore(t *testing.T) (*Store, *swarmhub.FixedClock, *eventbus.Bus[swarmhub.MemoryEventPayload]) {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := swarmhub.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus := eventbus.New[swarmhub.MemoryEventPayload]()
	return New(st, clock, bus), clock, bus
}

func TestSaveThenReadIncrementsAccessCount(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "ns", "k1", "hello", "json", ""); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entry, err := s.Read(ctx, "ns", "k1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if entry.Value != "hello" || entry.AccessCount != 1 {
		t.Fatalf("entry = %+v, want value=hello accessCount=1", entry)
	}
	if entry.AccessedAt == nil {
		t.Fatal("AccessedAt not set after Read")
	}

	entry2, err := s.Read(ctx, "ns", "k1")
	if err != nil {
		t.Fatalf("second Read: %v", err)
	}
	if entry2.AccessCount != 2 {
		t.Fatalf("AccessCount after second read = %d, want 2", entry2.AccessCount)
	}
}

func TestSaveIsIdempotentOnIdenticalValue(t *testing.T) {
	s, _, bus := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "ns", "k1", "same", "json", "meta"); err != nil {
		t.Fatalf("first Save: %v", err)
	}

	sub := bus.Subscribe(ctx, eventbus.Filter[swarmhub.MemoryEventPayload]{})
	if err := s.Save(ctx, "ns", "k1", "same", "json", "meta"); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	select {
	case env := <-sub:
		t.Fatalf("unexpected event on an identical re-Save: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSaveSetsIsCompressedAtThreshold(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	small := "short value"
	if err := s.Save(ctx, "ns", "small", small, "", ""); err != nil {
		t.Fatalf("Save small: %v", err)
	}
	entry, err := s.Read(ctx, "ns", "small")
	if err != nil {
		t.Fatalf("Read small: %v", err)
	}
	if entry.IsCompressed {
		t.Fatal("small entry should not be marked compressed")
	}
	if entry.Type != "json" {
		t.Fatalf("Type = %q, want default json", entry.Type)
	}

	large := strings.Repeat("x", swarmhub.MemoryCompressionThreshold)
	if err := s.Save(ctx, "ns", "large", large, "text", ""); err != nil {
		t.Fatalf("Save large: %v", err)
	}
	entry, err = s.Read(ctx, "ns", "large")
	if err != nil {
		t.Fatalf("Read large: %v", err)
	}
	if !entry.IsCompressed {
		t.Fatal("entry at the threshold length should be marked compressed")
	}
}

func TestListOrdersByCreatedAt(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()

	s.Save(ctx, "ns", "first", "a", "", "")
	clock.Advance(time.Second)
	s.Save(ctx, "ns", "second", "b", "", "")

	entries, err := s.List(ctx, "ns")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].Key != "first" || entries[1].Key != "second" {
		t.Fatalf("List = %+v, want [first, second]", entries)
	}
}

func TestDeleteEmitsEventOnlyWhenEntryExisted(t *testing.T) {
	s, _, bus := newTestStore(t)
	ctx := context.Background()

	if err := s.Delete(ctx, "ns", "missing"); err != nil {
		t.Fatalf("Delete of a missing key should not error: %v", err)
	}

	s.Save(ctx, "ns", "present", "v", "", "")
	sub := bus.Subscribe(ctx, eventbus.Filter[swarmhub.MemoryEventPayload]{
		Types: []string{string(swarmhub.MemoryEventDeleted)},
	})
	if err := s.Delete(ctx, "ns", "present"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	select {
	case env := <-sub:
		if env.Payload.Key != "present" {
			t.Fatalf("Deleted event payload = %+v", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a Deleted event")
	}

	if _, err := s.Read(ctx, "ns", "present"); err == nil {
		t.Fatal("expected Read of a deleted key to fail")
	}
}

func TestWaitForCreationReturnsImmediatelyIfEntryExists(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	s.Save(ctx, "ns", "k1", "v1", "", "")

	entry, err := s.WaitForCreation(ctx, "ns", "k1", time.Second)
	if err != nil {
		t.Fatalf("WaitForCreation: %v", err)
	}
	if entry.Value != "v1" {
		t.Fatalf("entry = %+v, want v1", entry)
	}
}

func TestWaitForCreationWakesOnLaterSave(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	resultCh := make(chan *swarmhub.MemoryEntry, 1)
	errCh := make(chan error, 1)
	go func() {
		entry, err := s.WaitForCreation(ctx, "ns", "k1", 5*time.Second)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- entry
	}()

	time.Sleep(30 * time.Millisecond)
	if err := s.Save(ctx, "ns", "k1", "v1", "", ""); err != nil {
		t.Fatalf("Save: %v", err)
	}

	select {
	case entry := <-resultCh:
		if entry.Value != "v1" {
			t.Fatalf("entry = %+v, want v1", entry)
		}
	case err := <-errCh:
		t.Fatalf("WaitForCreation error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("WaitForCreation did not wake up on the later Save")
	}
}

func TestWaitForCreationTimesOut(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.WaitForCreation(ctx, "ns", "never", 50*time.Millisecond)
	if err != swarmhub.ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestWaitForUpdateIgnoresCreationAndCurrentValue(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "ns", "k1", "v1", "", ""); err != nil {
		t.Fatalf("Save: %v", err)
	}

	resultCh := make(chan *swarmhub.MemoryEntry, 1)
	errCh := make(chan error, 1)
	go func() {
		entry, err := s.WaitForUpdate(ctx, "ns", "k1", 2*time.Second)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- entry
	}()

	time.Sleep(30 * time.Millisecond)
	select {
	case entry := <-resultCh:
		t.Fatalf("WaitForUpdate fired without any update: %+v", entry)
	case err := <-errCh:
		t.Fatalf("WaitForUpdate errored early: %v", err)
	default:
	}

	if err := s.Save(ctx, "ns", "k1", "v2", "", ""); err != nil {
		t.Fatalf("Save update: %v", err)
	}

	select {
	case entry := <-resultCh:
		if entry.Value != "v2" {
			t.Fatalf("entry = %+v, want v2", entry)
		}
	case err := <-errCh:
		t.Fatalf("WaitForUpdate error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("WaitForUpdate did not wake up on the update")
	}
}

func TestWaitForUpdateCancellation(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := s.WaitForUpdate(ctx, "ns", "k1", 5*time.Second)
		errCh <- err
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != swarmhub.ErrCancelled {
			t.Fatalf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForUpdate did not return after cancellation")
	}
}
