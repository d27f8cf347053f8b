// Copyright 2025 James Ross
package inbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/eventrelay/internal/config"
	"github.com/flyingrobots/eventrelay/internal/durablestore"
	"github.com/flyingrobots/eventrelay/internal/faststore"
	"github.com/flyingrobots/eventrelay/internal/model"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, _ := newTestServiceWithRedis(t)
	return s
}

// newTestServiceWithRedis also returns the miniredis instance, whose key
// TTLs only advance through FastForward, not wall-clock time.
func newTestServiceWithRedis(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	dsn := fmt.Sprintf("sqlite3://file:%s?mode=memory&cache=shared", t.Name())
	store, err := durablestore.New(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("open durable store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Inbox{
		DefaultVisibilityTimeout: 2 * time.Second,
		MinVisibilityTimeout:     1 * time.Second,
		MaxVisibilityTimeout:     12 * time.Hour,
		HandleGrace:              60 * time.Second,
	}
	return New(store, faststore.New(rdb), cfg, zap.NewNop()), mr
}

func seedPendingEvent(t *testing.T, s *Service, id string) *model.Event {
	t.Helper()
	e := &model.Event{
		ID:        id,
		EventType: "user.created",
		Source:    "auth",
		Data:      []byte(`{"id":"u1"}`),
		Status:    model.EventPending,
		CreatedAt: time.Now().Add(-time.Minute),
	}
	if err := s.durable.CreateEvent(context.Background(), e); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	return e
}

// TestFetchHidesEventDuringVisibilityWindow: a
// second Fetch while the first handle's visibility window is open must
// not see the event; after the window lapses without an ack, the event
// is fetchable again with a fresh handle and a bumped delivery count.
func TestFetchHidesEventDuringVisibilityWindow(t *testing.T) {
	s, mr := newTestServiceWithRedis(t)
	ctx := context.Background()
	seedPendingEvent(t, s, "evt_01")

	first, err := s.Fetch(ctx, 1, 2*time.Second, nil, nil)
	if err != nil {
		t.Fatalf("first Fetch: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 event on first fetch, got %d", len(first))
	}
	firstHandle := first[0].ReceiptHandle
	if first[0].DeliveryCount != 1 {
		t.Errorf("expected delivery_count 1, got %d", first[0].DeliveryCount)
	}

	again, err := s.Fetch(ctx, 1, 2*time.Second, nil, nil)
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected event hidden during visibility window, got %d results", len(again))
	}

	time.Sleep(2100 * time.Millisecond)
	mr.FastForward(2100 * time.Millisecond)

	third, err := s.Fetch(ctx, 1, 2*time.Second, nil, nil)
	if err != nil {
		t.Fatalf("third Fetch: %v", err)
	}
	if len(third) != 1 {
		t.Fatalf("expected event visible again after timeout, got %d results", len(third))
	}
	if third[0].ReceiptHandle == firstHandle {
		t.Error("expected a fresh receipt handle on re-fetch")
	}
	if third[0].DeliveryCount != 2 {
		t.Errorf("expected delivery_count 2 after second fetch, got %d", third[0].DeliveryCount)
	}

	// The stale first handle must 404; the fresh one acks successfully.
	if err := s.Ack(ctx, firstHandle); err == nil {
		t.Error("expected stale handle ack to fail")
	}
	if err := s.Ack(ctx, third[0].ReceiptHandle); err != nil {
		t.Fatalf("Ack(fresh handle): %v", err)
	}

	event, err := s.durable.GetEvent(ctx, "evt_01")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if event.Status != model.EventDelivered {
		t.Errorf("expected event delivered after ack, got %s", event.Status)
	}
	if event.SuccessfulDeliveries != 1 {
		t.Errorf("expected successful_deliveries 1, got %d", event.SuccessfulDeliveries)
	}
}

func TestChangeVisibilityZeroMakesEventImmediatelyVisible(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedPendingEvent(t, s, "evt_02")

	fetched, err := s.Fetch(ctx, 1, 30*time.Second, nil, nil)
	if err != nil || len(fetched) != 1 {
		t.Fatalf("Fetch: %v, %d results", err, len(fetched))
	}
	handle := fetched[0].ReceiptHandle

	if _, err := s.ChangeVisibility(ctx, handle, 0); err != nil {
		t.Fatalf("ChangeVisibility(0): %v", err)
	}

	again, err := s.Fetch(ctx, 1, 30*time.Second, nil, nil)
	if err != nil {
		t.Fatalf("Fetch after visibility reset: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("expected event immediately visible again, got %d results", len(again))
	}

	if err := s.Ack(ctx, handle); err == nil {
		t.Error("expected the deleted handle to 404 on ack")
	}
}

func TestBatchAckCollapsesDuplicatesAndIsPerHandle(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedPendingEvent(t, s, "evt_03")
	seedPendingEvent(t, s, "evt_04")

	fetched, err := s.Fetch(ctx, 2, 30*time.Second, nil, nil)
	if err != nil || len(fetched) != 2 {
		t.Fatalf("Fetch: %v, %d results", err, len(fetched))
	}

	handles := []string{fetched[0].ReceiptHandle, fetched[0].ReceiptHandle, fetched[1].ReceiptHandle, "rcpt_bogus"}
	results := s.BatchAck(ctx, handles)
	if len(results) != 3 {
		t.Fatalf("expected 3 results after de-duplication, got %d", len(results))
	}
	successes := 0
	for _, r := range results {
		if r.Success {
			successes++
		}
	}
	if successes != 2 {
		t.Errorf("expected 2 successful acks, got %d", successes)
	}
}

func TestFetchFiltersByEventTypeAndSource(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedPendingEvent(t, s, "evt_05") // user.created / auth

	other := &model.Event{
		ID: "evt_06", EventType: "order.paid", Source: "billing",
		Data: []byte(`{}`), Status: model.EventPending, CreatedAt: time.Now().Add(-time.Second),
	}
	if err := s.durable.CreateEvent(ctx, other); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	matched, err := s.Fetch(ctx, 10, 30*time.Second, []string{"order.paid"}, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "evt_06" {
		t.Fatalf("expected only evt_06 to match event_type filter, got %+v", matched)
	}

	unmatched, err := s.Fetch(ctx, 10, 30*time.Second, nil, []string{"nonexistent-source"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(unmatched) != 0 {
		t.Fatalf("expected no events to match nonexistent source, got %d", len(unmatched))
	}
}

func TestFetchRejectsOutOfRangeVisibilityTimeout(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedPendingEvent(t, s, "evt_07")

	if _, err := s.Fetch(ctx, 1, 24*time.Hour, nil, nil); err != ErrInvalidVisibilityTimeout {
		t.Fatalf("Fetch with out-of-range timeout = %v, want ErrInvalidVisibilityTimeout", err)
	}
}
