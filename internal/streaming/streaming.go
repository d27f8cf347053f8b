// Copyright 2025 James Ross
// Package streaming implements the real-time SSE fan-out over the
// fast store's events:stream topic: one subscriber loop per
// connection, filtered relay with heartbeats.
package streaming

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/eventrelay/internal/config"
	"github.com/flyingrobots/eventrelay/internal/faststore"
	"github.com/flyingrobots/eventrelay/internal/matcher"
	"github.com/flyingrobots/eventrelay/internal/obs"
)

// MessageType tags the kind of message sent down one stream
// connection.
type MessageType string

const (
	MessageConnected MessageType = "connected"
	MessageHeartbeat MessageType = "heartbeat"
	MessageEvent     MessageType = "event"
)

// Message is one SSE frame.
type Message struct {
	Type     MessageType     `json:"type"`
	ID       string          `json:"id,omitempty"`
	Envelope json.RawMessage `json:"envelope,omitempty"`
	Filter   *Filter         `json:"filter,omitempty"`
}

// Filter narrows which events a connection receives.
type Filter struct {
	EventTypes     []string
	Sources        []string
	SubscriptionID string
}

type envelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Source    string          `json:"source"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Subs      []string        `json:"_target_subscriptions,omitempty"`
}

// Service multiplexes the fast store's events:stream topic to
// per-connection filtered subscribers.
type Service struct {
	fast *faststore.Store
	cfg  config.Streaming
	log  *zap.Logger
}

func New(fast *faststore.Store, cfg config.Streaming, log *zap.Logger) *Service {
	return &Service{fast: fast, cfg: cfg, log: log}
}

// Stream runs one subscriber loop for a single HTTP connection,
// emitting frames to send until ctx is cancelled (caller's disconnect
// detection) or the subscriber channel closes.
func (s *Service) Stream(ctx context.Context, filter Filter, send func(Message) error) error {
	sub := s.fast.Subscribe(ctx)
	defer sub.Close()

	if err := send(Message{Type: MessageConnected, Filter: &filter}); err != nil {
		return err
	}

	ch := sub.Channel()
	heartbeat := s.cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	timer := time.NewTimer(heartbeat)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(heartbeat)

			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				if s.log != nil {
					s.log.Warn("skipping malformed stream envelope", obs.Err(err))
				}
				continue
			}
			if !accepts(env, filter) {
				continue
			}
			if err := send(Message{Type: MessageEvent, ID: env.ID, Envelope: json.RawMessage(msg.Payload)}); err != nil {
				return err
			}
		case <-timer.C:
			if err := send(Message{Type: MessageHeartbeat}); err != nil {
				return err
			}
			timer.Reset(heartbeat)
		}
	}
}

func accepts(env envelope, f Filter) bool {
	if len(f.EventTypes) > 0 {
		matched := false
		for _, p := range f.EventTypes {
			if matcher.MatchesEventType(p, env.EventType) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(f.Sources) > 0 {
		if !matcher.MatchesEventSource(f.Sources, env.Source) {
			return false
		}
	}
	if f.SubscriptionID != "" {
		found := false
		for _, sid := range env.Subs {
			if sid == f.SubscriptionID {
				found = true
				break
			}
		}
		if !found {
			var meta struct {
				SubscriptionID string `json:"subscription_id"`
			}
			if len(env.Metadata) > 0 {
				_ = json.Unmarshal(env.Metadata, &meta)
			}
			found = meta.SubscriptionID == f.SubscriptionID
		}
		if !found {
			return false
		}
	}
	return true
}
