// Copyright 2025 James Ross
package ingestion

import "context"

// Max batch bounds.
const (
	MaxBatchItems = 100
	MaxBatchBytes = 10 * 1024 * 1024
)

// BatchItemError is the per-item failure shape for batch admission.
type BatchItemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for BatchItemError.Code.
const (
	ErrCodeValidation      = "validation_error"
	ErrCodeDuplicateKey    = "duplicate_idempotency_key"
	ErrCodePayloadTooLarge = "payload_too_large"
	ErrCodeInternal        = "internal_error"
	ErrCodeSkipped         = "skipped"
)

// BatchResultItem is one line of a batch admission response.
type BatchResultItem struct {
	Index       int             `json:"index"`
	ReferenceID string          `json:"reference_id,omitempty"`
	Success     bool            `json:"success"`
	Event       *eventResult    `json:"event,omitempty"`
	Error       *BatchItemError `json:"error,omitempty"`
}

type eventResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// BatchRequest wraps one Request with a caller-chosen reference id.
type BatchRequest struct {
	ReferenceID string
	Request     Request
}

// AdmitBatch processes up to MaxBatchItems requests independently. If
// failFast is true, processing stops at the first failure and all
// remaining items are reported as skipped.
func (s *Service) AdmitBatch(ctx context.Context, items []BatchRequest, failFast bool) []BatchResultItem {
	results := make([]BatchResultItem, len(items))
	if len(items) > MaxBatchItems {
		items = items[:MaxBatchItems]
	}

	var totalBytes int64
	for _, it := range items {
		totalBytes += int64(len(it.Request.Data))
	}

	stopped := false
	for i, it := range items {
		if stopped {
			results[i] = BatchResultItem{Index: i, ReferenceID: it.ReferenceID, Success: false,
				Error: &BatchItemError{Code: ErrCodeSkipped, Message: "skipped after prior failure (fail_fast)"}}
			continue
		}
		if totalBytes > MaxBatchBytes {
			results[i] = BatchResultItem{Index: i, ReferenceID: it.ReferenceID, Success: false,
				Error: &BatchItemError{Code: ErrCodePayloadTooLarge, Message: "batch exceeds 10 MiB total"}}
			if failFast {
				stopped = true
			}
			continue
		}

		event, err := s.Admit(ctx, it.Request)
		if err != nil {
			code, msg := classifyBatchError(err)
			results[i] = BatchResultItem{Index: i, ReferenceID: it.ReferenceID, Success: false,
				Error: &BatchItemError{Code: code, Message: msg}}
			if failFast {
				stopped = true
			}
			continue
		}

		results[i] = BatchResultItem{Index: i, ReferenceID: it.ReferenceID, Success: true,
			Event: &eventResult{ID: event.ID, Status: string(event.Status)}}
	}

	return results
}

func classifyBatchError(err error) (string, string) {
	switch e := err.(type) {
	case *ErrValidation:
		return ErrCodeValidation, e.Reason
	case *ErrIdempotencyConflict:
		return ErrCodeDuplicateKey, e.Error()
	default:
		return ErrCodeInternal, err.Error()
	}
}
