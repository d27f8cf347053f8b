// Copyright 2025 James Ross
// Package faststore wraps Redis as the system's key/value + pub/sub +
// atomic-primitive layer: queues, idempotency cache, receipt handles,
// rate-limit counters, and the live event stream topic.
package faststore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue key layout.
const (
	KeyEventsQueue           = "queue:events"
	KeyEventsProcessing      = "queue:events:processing"
	KeyEventsDLQ             = "queue:events:dlq"
	KeyIdempotencyPrefix     = "idempotency:"
	KeyInboxReceiptPrefix    = "inbox:receipt:"
	KeyInboxVisiblePrefix    = "inbox:visible:"
	KeyCredentialCachePrefix = "api_key:"
	KeyRateLimitTokensPrefix = "rate_limit:tokens:"
	KeyRateLimitTSPrefix     = "rate_limit:ts:"
	TopicEventsStream        = "events:stream"
)

// ErrNotFound is returned when a key/entry does not exist.
var ErrNotFound = errors.New("faststore: not found")

// EventQueueItem is the JSON payload pushed onto queue:events.
type EventQueueItem struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DLQQueueItem is the JSON payload stored in queue:events:dlq.
type DLQQueueItem struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	Source        string    `json:"source"`
	CreatedAt     time.Time `json:"created_at"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	DLQEnteredAt  time.Time `json:"dlq_entered_at"`
	FailureReason string    `json:"failure_reason"`
	RetryCount    int       `json:"retry_count"`
}

// ReceiptEntry is the JSON payload stored at inbox:receipt:{handle}.
type ReceiptEntry struct {
	EventID  string    `json:"event_id"`
	Deadline time.Time `json:"deadline"`
}

// Store wraps a redis client with the domain's queue/cache operations.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// EnqueueEvent left-pushes an event envelope onto queue:events.
func (s *Store) EnqueueEvent(ctx context.Context, item EventQueueItem) error {
	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return s.rdb.LPush(ctx, KeyEventsQueue, b).Err()
}

// DequeueEvent right-pops the oldest queued event envelope, or
// ErrNotFound if the queue is empty. This is the opportunistic hint
// path; internal/processor's durable-store scan remains authoritative.
func (s *Store) DequeueEvent(ctx context.Context) (*EventQueueItem, error) {
	b, err := s.rdb.RPop(ctx, KeyEventsQueue).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var item EventQueueItem
	if err := json.Unmarshal(b, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// QueueLength returns the current depth of a list-backed queue.
func (s *Store) QueueLength(ctx context.Context, key string) (int64, error) {
	return s.rdb.LLen(ctx, key).Result()
}

// EnqueueDLQ left-pushes a dead-letter entry.
func (s *Store) EnqueueDLQ(ctx context.Context, item DLQQueueItem) error {
	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return s.rdb.LPush(ctx, KeyEventsDLQ, b).Err()
}

// ListDLQ returns all raw DLQ entries, newest-first (list head order).
func (s *Store) ListDLQ(ctx context.Context) ([][]byte, error) {
	vals, err := s.rdb.LRange(ctx, KeyEventsDLQ, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// RemoveDLQEntry atomically compare-and-deletes the exact serialized
// bytes of one DLQ entry; a concurrent race loser removes nothing.
func (s *Store) RemoveDLQEntry(ctx context.Context, raw []byte) (bool, error) {
	n, err := s.rdb.LRem(ctx, KeyEventsDLQ, 1, raw).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PurgeDLQ deletes the entire dead-letter list.
func (s *Store) PurgeDLQ(ctx context.Context) error {
	return s.rdb.Del(ctx, KeyEventsDLQ).Err()
}

// SetIdempotency records key -> eventID with the given TTL, only if
// key is not already set. Returns false if the key already existed.
func (s *Store) SetIdempotency(ctx context.Context, key, eventID string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, KeyIdempotencyPrefix+key, eventID, ttl).Result()
}

// GetIdempotency returns the event id mapped to key, or ErrNotFound.
func (s *Store) GetIdempotency(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, KeyIdempotencyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

// PutReceipt stores a receipt handle -> {event_id, deadline} mapping
// with TTL = remaining visibility + grace.
func (s *Store) PutReceipt(ctx context.Context, handle string, entry ReceiptEntry, ttl time.Duration) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, KeyInboxReceiptPrefix+handle, b, ttl).Err()
}

// GetReceipt returns the mapping for handle, or ErrNotFound if expired
// or unknown.
func (s *Store) GetReceipt(ctx context.Context, handle string) (*ReceiptEntry, error) {
	b, err := s.rdb.Get(ctx, KeyInboxReceiptPrefix+handle).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry ReceiptEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// DeleteReceipt removes a handle mapping (ack, or immediate re-visibility).
func (s *Store) DeleteReceipt(ctx context.Context, handle string) error {
	return s.rdb.Del(ctx, KeyInboxReceiptPrefix+handle).Err()
}

// HideEvent marks an event invisible to other Fetch callers until ttl
// elapses. Unlike the receipt handle
// itself, this key's TTL is the visibility window exactly, with no
// grace period, so the event becomes fetchable again the instant the
// timeout lapses even though the stale handle may still 404 on ack.
func (s *Store) HideEvent(ctx context.Context, eventID, handle string, ttl time.Duration) error {
	return s.rdb.Set(ctx, KeyInboxVisiblePrefix+eventID, handle, ttl).Err()
}

// IsEventHidden reports whether an event is currently under an active
// visibility timeout.
func (s *Store) IsEventHidden(ctx context.Context, eventID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, KeyInboxVisiblePrefix+eventID).Result()
	return n > 0, err
}

// UnhideEvent clears an event's visibility marker (ack, or
// change-visibility down to zero).
func (s *Store) UnhideEvent(ctx context.Context, eventID string) error {
	return s.rdb.Del(ctx, KeyInboxVisiblePrefix+eventID).Err()
}

// PublishEvent publishes the serialized event envelope on the live
// stream topic.
func (s *Store) PublishEvent(ctx context.Context, envelope []byte) error {
	return s.rdb.Publish(ctx, TopicEventsStream, envelope).Err()
}

// Subscribe returns a subscription to the live event stream topic.
func (s *Store) Subscribe(ctx context.Context) *redis.PubSub {
	return s.rdb.Subscribe(ctx, TopicEventsStream)
}

// CacheCredential stores the credential lookup result with a 5 min TTL,
// or the negative cache sentinel "invalid" with 60s TTL.
func (s *Store) CacheCredential(ctx context.Context, hash string, payload []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, KeyCredentialCachePrefix+hash, payload, ttl).Err()
}

func (s *Store) GetCachedCredential(ctx context.Context, hash string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, KeyCredentialCachePrefix+hash).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

// Raw exposes the underlying client for components (e.g. ratelimit)
// that need to run Lua scripts directly.
func (s *Store) Raw() *redis.Client { return s.rdb }
