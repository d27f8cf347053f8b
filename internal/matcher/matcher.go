// Copyright 2025 James Ross
// Package matcher selects the subscriptions an event fans out to.
package matcher

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/flyingrobots/eventrelay/internal/model"
)

// MatchesEventType reports whether pattern accepts eventType: literal
// equality, "*" (match everything), or "prefix.*" meaning
// prefix + "." + any suffix. Patterns are translated to doublestar glob
// syntax (a file-glob matcher repurposed for
// dotted event-type tokens) so "prefix.*" behaves the same as a literal
// prefix match, not a recursive glob across dot segments.
func MatchesEventType(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		ok, _ := doublestar.Match(prefix+"*", eventType)
		if ok {
			return true
		}
		return strings.HasPrefix(eventType, prefix)
	}
	ok, _ := doublestar.Match(pattern, eventType)
	return ok
}

// MatchesEventSource reports literal membership of source in patterns.
func MatchesEventSource(patterns []string, source string) bool {
	for _, p := range patterns {
		if p == source {
			return true
		}
	}
	return false
}

// Accepts reports whether subscription s should receive event e, per
// active, healthy, not deleted, and both filters accept.
func Accepts(s *model.Subscription, e *model.Event) bool {
	if !s.IsActive() || !s.IsHealthy {
		return false
	}
	if s.EventTypes != nil {
		matched := false
		for _, p := range s.EventTypes {
			if MatchesEventType(p, e.EventType) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if s.EventSources != nil {
		if !MatchesEventSource(s.EventSources, e.Source) {
			return false
		}
	}
	return true
}

// Match returns the subset of candidates that accept e. Callers supply
// candidates already filtered to active+healthy+not-deleted by the
// durable store query; Match re-checks
// the condition defensively and applies the filter grammar.
func Match(candidates []*model.Subscription, e *model.Event) []*model.Subscription {
	out := make([]*model.Subscription, 0, len(candidates))
	for _, s := range candidates {
		if Accepts(s, e) {
			out = append(out, s)
		}
	}
	return out
}
