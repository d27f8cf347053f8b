// Copyright 2025 James Ross
package matcher

import (
	"testing"

	"github.com/flyingrobots/eventrelay/internal/model"
)

func TestMatchesEventType(t *testing.T) {
	cases := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"*", "order.created", true},
		{"*", "anything", true},
		{"order.created", "order.created", true},
		{"order.created", "order.updated", false},
		{"order.*", "order.created", true},
		{"order.*", "order.updated", true},
		{"order.*", "shipment.created", false},
		{"order.*", "order", false},
		{"shipment.*", "order.created", false},
	}
	for _, c := range cases {
		if got := MatchesEventType(c.pattern, c.eventType); got != c.want {
			t.Errorf("MatchesEventType(%q, %q) = %v, want %v", c.pattern, c.eventType, got, c.want)
		}
	}
}

func TestMatchesEventSource(t *testing.T) {
	patterns := []string{"checkout-service", "billing-service"}
	if !MatchesEventSource(patterns, "checkout-service") {
		t.Error("expected checkout-service to match")
	}
	if MatchesEventSource(patterns, "shipping-service") {
		t.Error("expected shipping-service not to match")
	}
	if MatchesEventSource(nil, "anything") {
		t.Error("expected no patterns to match nothing")
	}
}

func newSub() *model.Subscription {
	return &model.Subscription{
		ID:        "sub_1",
		Status:    model.SubscriptionActive,
		IsHealthy: true,
	}
}

func newEvent() *model.Event {
	return &model.Event{
		ID:        "evt_1",
		EventType: "order.created",
		Source:    "checkout-service",
	}
}

func TestAcceptsBaseCase(t *testing.T) {
	if !Accepts(newSub(), newEvent()) {
		t.Error("expected bare active/healthy subscription with no filters to accept")
	}
}

func TestAcceptsRejectsInactive(t *testing.T) {
	s := newSub()
	s.Status = model.SubscriptionPaused
	if Accepts(s, newEvent()) {
		t.Error("expected paused subscription to reject")
	}
}

func TestAcceptsRejectsUnhealthy(t *testing.T) {
	s := newSub()
	s.IsHealthy = false
	if Accepts(s, newEvent()) {
		t.Error("expected unhealthy subscription to reject")
	}
}

func TestAcceptsEventTypeFilter(t *testing.T) {
	s := newSub()
	s.EventTypes = []string{"shipment.*"}
	if Accepts(s, newEvent()) {
		t.Error("expected non-matching event type filter to reject")
	}
	s.EventTypes = []string{"order.*"}
	if !Accepts(s, newEvent()) {
		t.Error("expected matching event type filter to accept")
	}
}

func TestAcceptsEventSourceFilter(t *testing.T) {
	s := newSub()
	s.EventSources = []string{"billing-service"}
	if Accepts(s, newEvent()) {
		t.Error("expected non-matching source filter to reject")
	}
	s.EventSources = []string{"checkout-service"}
	if !Accepts(s, newEvent()) {
		t.Error("expected matching source filter to accept")
	}
}

func TestMatch(t *testing.T) {
	match := newSub()
	match.ID = "sub_match"

	noMatch := newSub()
	noMatch.ID = "sub_no_match"
	noMatch.EventTypes = []string{"shipment.*"}

	inactive := newSub()
	inactive.ID = "sub_inactive"
	inactive.Status = model.SubscriptionDisabled

	out := Match([]*model.Subscription{match, noMatch, inactive}, newEvent())
	if len(out) != 1 || out[0].ID != "sub_match" {
		t.Fatalf("expected only sub_match to survive, got %v", out)
	}
}
