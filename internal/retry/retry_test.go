// Copyright 2025 James Ross
package retry

import (
	"testing"
	"time"

	"github.com/flyingrobots/eventrelay/internal/model"
)

func TestDelayFixed(t *testing.T) {
	policy := model.RetryPolicy{Strategy: model.RetryFixed, RetryDelaySeconds: 30}
	for attempt := 1; attempt <= 3; attempt++ {
		if got := Delay(attempt, policy); got != 30*time.Second {
			t.Errorf("attempt %d: Delay() = %v, want 30s", attempt, got)
		}
	}
}

func TestDelayLinear(t *testing.T) {
	policy := model.RetryPolicy{Strategy: model.RetryLinear, RetryDelaySeconds: 10}
	cases := map[int]time.Duration{1: 10 * time.Second, 2: 20 * time.Second, 3: 30 * time.Second}
	for attempt, want := range cases {
		if got := Delay(attempt, policy); got != want {
			t.Errorf("attempt %d: Delay() = %v, want %v", attempt, got, want)
		}
	}
}

func TestDelayExponential(t *testing.T) {
	policy := model.RetryPolicy{Strategy: model.RetryExponential, RetryDelaySeconds: 5}
	cases := map[int]time.Duration{1: 5 * time.Second, 2: 10 * time.Second, 3: 20 * time.Second, 4: 40 * time.Second}
	for attempt, want := range cases {
		if got := Delay(attempt, policy); got != want {
			t.Errorf("attempt %d: Delay() = %v, want %v", attempt, got, want)
		}
	}
}

func TestDelayRespectsMax(t *testing.T) {
	policy := model.RetryPolicy{
		Strategy:             model.RetryExponential,
		RetryDelaySeconds:    5,
		RetryMaxDelaySeconds: 15,
	}
	if got := Delay(4, policy); got != 15*time.Second {
		t.Errorf("Delay() = %v, want capped 15s", got)
	}
}

func TestDelayUnknownStrategyFallsBackToFixed(t *testing.T) {
	policy := model.RetryPolicy{Strategy: model.RetryStrategy("bogus"), RetryDelaySeconds: 7}
	if got := Delay(3, policy); got != 7*time.Second {
		t.Errorf("Delay() = %v, want fixed fallback 7s", got)
	}
}

func TestNextRetryAt(t *testing.T) {
	policy := model.RetryPolicy{Strategy: model.RetryFixed, RetryDelaySeconds: 30}
	now := time.Unix(1700000000, 0)
	want := now.Add(30 * time.Second)
	if got := NextRetryAt(now, 1, policy); !got.Equal(want) {
		t.Errorf("NextRetryAt() = %v, want %v", got, want)
	}
}

func TestShouldRetry(t *testing.T) {
	if !ShouldRetry(2, 5) {
		t.Error("expected retry permitted when attempts < max")
	}
	if ShouldRetry(5, 5) {
		t.Error("expected retry denied when attempts == max")
	}
	if ShouldRetry(6, 5) {
		t.Error("expected retry denied when attempts > max")
	}
}
