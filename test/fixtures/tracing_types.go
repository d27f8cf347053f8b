// Copyright 2025 James Ross
package fixtures

import (
	"time"

	"go.opentelemetry.io/otel/trace"
)

// MockSpanData represents expected span data for verification
type MockSpanData struct {
	Name       string
	Attributes map[string]interface{}
	Events     []MockEvent
	Status     MockSpanStatus
	Kind       trace.SpanKind
	Duration   time.Duration
}

// MockEvent represents an expected span event for verification
type MockEvent struct {
	Name       string
	Attributes map[string]interface{}
	Timestamp  time.Time
}

// MockSpanStatus represents an expected span status for verification
type MockSpanStatus struct {
	Code    int
	Message string
}
