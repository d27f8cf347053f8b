// Copyright 2025 James Ross
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/eventrelay/internal/config"
	"github.com/flyingrobots/eventrelay/internal/faststore"
)

type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *collector) snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *collector) waitFor(t *testing.T, timeout time.Duration, cond func([]Message) bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond(c.snapshot()) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for stream messages, have %+v", c.snapshot())
}

func newTestStream(t *testing.T, heartbeat time.Duration) (*Service, *faststore.Store) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	fast := faststore.New(rdb)

	return New(fast, config.Streaming{HeartbeatInterval: heartbeat}, zap.NewNop()), fast
}

func publish(t *testing.T, fast *faststore.Store, id, eventType, source string) {
	t.Helper()
	envelope, _ := json.Marshal(map[string]interface{}{
		"id":         id,
		"event_type": eventType,
		"source":     source,
		"data":       map[string]string{},
	})
	if err := fast.PublishEvent(context.Background(), envelope); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
}

func countByType(msgs []Message, mt MessageType) int {
	n := 0
	for _, m := range msgs {
		if m.Type == mt {
			n++
		}
	}
	return n
}

func TestStreamEmitsConnectedThenFilteredEvents(t *testing.T) {
	s, fast := newTestStream(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &collector{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Stream(ctx, Filter{EventTypes: []string{"user.*"}}, c.send)
	}()

	// The connected frame arrives before any event, echoing the filter.
	c.waitFor(t, 2*time.Second, func(msgs []Message) bool {
		return len(msgs) >= 1 && msgs[0].Type == MessageConnected
	})

	publish(t, fast, "evt_01", "user.created", "auth")
	publish(t, fast, "evt_02", "order.paid", "billing-service")
	publish(t, fast, "evt_03", "user.deleted", "auth")

	c.waitFor(t, 2*time.Second, func(msgs []Message) bool {
		return countByType(msgs, MessageEvent) >= 2
	})

	var ids []string
	for _, m := range c.snapshot() {
		if m.Type == MessageEvent {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) != 2 || ids[0] != "evt_01" || ids[1] != "evt_03" {
		t.Errorf("received event ids %v, want [evt_01 evt_03]", ids)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not return after cancellation")
	}
}

func TestStreamFiltersBySource(t *testing.T) {
	s, fast := newTestStream(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &collector{}
	go func() { _ = s.Stream(ctx, Filter{Sources: []string{"billing-service"}}, c.send) }()

	c.waitFor(t, 2*time.Second, func(msgs []Message) bool { return len(msgs) >= 1 })

	publish(t, fast, "evt_01", "user.created", "auth")
	publish(t, fast, "evt_02", "order.paid", "billing-service")

	c.waitFor(t, 2*time.Second, func(msgs []Message) bool {
		return countByType(msgs, MessageEvent) >= 1
	})
	for _, m := range c.snapshot() {
		if m.Type == MessageEvent && m.ID != "evt_02" {
			t.Errorf("unexpected event %s passed the source filter", m.ID)
		}
	}
}

func TestStreamHeartbeatsWhenIdle(t *testing.T) {
	s, _ := newTestStream(t, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &collector{}
	go func() { _ = s.Stream(ctx, Filter{}, c.send) }()

	c.waitFor(t, 2*time.Second, func(msgs []Message) bool {
		return countByType(msgs, MessageHeartbeat) >= 2
	})
}

func TestStreamMatchesSubscriptionIDFromTargets(t *testing.T) {
	s, fast := newTestStream(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &collector{}
	go func() { _ = s.Stream(ctx, Filter{SubscriptionID: "sub_42"}, c.send) }()
	c.waitFor(t, 2*time.Second, func(msgs []Message) bool { return len(msgs) >= 1 })

	withTarget, _ := json.Marshal(map[string]interface{}{
		"id": "evt_01", "event_type": "user.created", "source": "auth",
		"_target_subscriptions": []string{"sub_42"},
	})
	without, _ := json.Marshal(map[string]interface{}{
		"id": "evt_02", "event_type": "user.created", "source": "auth",
	})
	if err := fast.PublishEvent(ctx, withTarget); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	if err := fast.PublishEvent(ctx, without); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}

	c.waitFor(t, 2*time.Second, func(msgs []Message) bool {
		return countByType(msgs, MessageEvent) >= 1
	})
	for _, m := range c.snapshot() {
		if m.Type == MessageEvent && m.ID != "evt_01" {
			t.Errorf("event %s should not match subscription filter", m.ID)
		}
	}
}
