// Copyright 2025 James Ross
package durablestore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/eventrelay/internal/ids"
	"github.com/flyingrobots/eventrelay/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("sqlite3://file:%s?mode=memory&cache=shared", t.Name())
	store, err := New(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func newTestEvent(idempotencyKey *string) *model.Event {
	return &model.Event{
		ID:             ids.New(ids.PrefixEvent),
		EventType:      "order.created",
		Source:         "checkout-service",
		Data:           []byte(`{"order_id":"o_1"}`),
		Status:         model.EventPending,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now(),
	}
}

func TestCreateAndGetEvent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := newTestEvent(nil)
	if err := store.CreateEvent(ctx, e); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	got, err := store.GetEvent(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.EventType != e.EventType || got.Source != e.Source {
		t.Errorf("round-tripped event mismatch: %+v", got)
	}
	if got.Status != model.EventPending {
		t.Errorf("expected pending status, got %q", got.Status)
	}
}

func TestGetEventNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetEvent(context.Background(), "evt_missing"); err != ErrNotFound {
		t.Fatalf("GetEvent() = %v, want ErrNotFound", err)
	}
}

func TestCreateEventIdempotencyConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := "idem-1"

	if err := store.CreateEvent(ctx, newTestEvent(&key)); err != nil {
		t.Fatalf("first CreateEvent: %v", err)
	}
	if err := store.CreateEvent(ctx, newTestEvent(&key)); err != ErrConflict {
		t.Fatalf("second CreateEvent() = %v, want ErrConflict", err)
	}
}

func TestGetEventByIdempotencyKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := "idem-2"
	e := newTestEvent(&key)
	if err := store.CreateEvent(ctx, e); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	got, err := store.GetEventByIdempotencyKey(ctx, key)
	if err != nil {
		t.Fatalf("GetEventByIdempotencyKey: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("expected event %q, got %q", e.ID, got.ID)
	}
}

func TestListEventsPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		e := newTestEvent(nil)
		e.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := store.CreateEvent(ctx, e); err != nil {
			t.Fatalf("CreateEvent %d: %v", i, err)
		}
	}

	page1, cursor, err := store.ListEvents(ctx, EventFilter{}, 2, nil)
	if err != nil {
		t.Fatalf("ListEvents page1: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("expected 2 events in page1, got %d", len(page1))
	}
	if cursor == nil {
		t.Fatal("expected a cursor for further pagination")
	}

	page2, _, err := store.ListEvents(ctx, EventFilter{}, 10, cursor)
	if err != nil {
		t.Fatalf("ListEvents page2: %v", err)
	}
	if len(page2) != 3 {
		t.Fatalf("expected remaining 3 events in page2, got %d", len(page2))
	}
}

func TestUpdateEventStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	e := newTestEvent(nil)
	if err := store.CreateEvent(ctx, e); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	now := time.Now()
	if err := store.UpdateEventStatus(ctx, e.ID, model.EventDelivered, EventUpdateOpts{
		ProcessedAt:    &now,
		IncrSuccessful: true,
	}); err != nil {
		t.Fatalf("UpdateEventStatus: %v", err)
	}

	got, err := store.GetEvent(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.Status != model.EventDelivered {
		t.Errorf("expected delivered status, got %q", got.Status)
	}
	if got.SuccessfulDeliveries != 1 {
		t.Errorf("expected successful_deliveries=1, got %d", got.SuccessfulDeliveries)
	}
}

func newTestSubscription() *model.Subscription {
	now := time.Now()
	return &model.Subscription{
		ID:            ids.New(ids.PrefixSubscription),
		Name:          "billing webhook",
		TargetURL:     "https://example.com/hook",
		SigningSecret: "whsec_initial",
		Status:        model.SubscriptionActive,
		Retry: model.RetryPolicy{
			Strategy:             model.RetryExponential,
			MaxRetries:           5,
			RetryDelaySeconds:    10,
			RetryMaxDelaySeconds: 300,
		},
		TimeoutSeconds:   30,
		IsHealthy:        true,
		FailureThreshold: 3,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestCreateAndGetSubscription(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sub := newTestSubscription()

	if err := store.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	got, err := store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.Name != sub.Name || got.TargetURL != sub.TargetURL {
		t.Errorf("round-tripped subscription mismatch: %+v", got)
	}
	if !got.IsActive() {
		t.Error("expected freshly created subscription to be active")
	}
}

func TestUpdateSubscription(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sub := newTestSubscription()
	if err := store.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	newName := "renamed webhook"
	if err := store.UpdateSubscription(ctx, sub.ID, SubscriptionUpdate{Name: &newName}, time.Now()); err != nil {
		t.Fatalf("UpdateSubscription: %v", err)
	}
	got, err := store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.Name != newName {
		t.Errorf("expected updated name %q, got %q", newName, got.Name)
	}
}

func TestSoftDeleteSubscriptionExcludedFromActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sub := newTestSubscription()
	if err := store.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if err := store.SoftDeleteSubscription(ctx, sub.ID, time.Now()); err != nil {
		t.Fatalf("SoftDeleteSubscription: %v", err)
	}

	got, err := store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.IsActive() {
		t.Error("expected soft-deleted subscription to be inactive")
	}
	if got.DeletedAt == nil {
		t.Error("expected deleted_at to be set")
	}

	active, err := store.GetActiveSubscriptions(ctx)
	if err != nil {
		t.Fatalf("GetActiveSubscriptions: %v", err)
	}
	for _, s := range active {
		if s.ID == sub.ID {
			t.Fatal("expected soft-deleted subscription to be excluded from active candidates")
		}
	}
}

func TestRotateSecret(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sub := newTestSubscription()
	if err := store.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	graceUntil := time.Now().Add(time.Hour)
	if err := store.RotateSecret(ctx, sub.ID, "whsec_new", graceUntil, time.Now()); err != nil {
		t.Fatalf("RotateSecret: %v", err)
	}

	got, err := store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.SigningSecret != "whsec_new" {
		t.Errorf("expected new signing secret, got %q", got.SigningSecret)
	}
	if got.PreviousSigningSecret == nil || *got.PreviousSigningSecret != "whsec_initial" {
		t.Error("expected previous secret to carry the prior signing secret")
	}
}

func TestUpdateSubscriptionHealthDisablesAtThreshold(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sub := newTestSubscription()
	sub.FailureThreshold = 2
	if err := store.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	if err := store.UpdateSubscriptionHealth(ctx, nil, sub.ID, false, "timeout", time.Now()); err != nil {
		t.Fatalf("UpdateSubscriptionHealth (1st failure): %v", err)
	}
	got, err := store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.Status != model.SubscriptionActive {
		t.Errorf("expected still active after 1 failure, got %q", got.Status)
	}

	if err := store.UpdateSubscriptionHealth(ctx, nil, sub.ID, false, "timeout", time.Now()); err != nil {
		t.Fatalf("UpdateSubscriptionHealth (2nd failure): %v", err)
	}
	got, err = store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.Status != model.SubscriptionDisabled || got.IsHealthy {
		t.Errorf("expected subscription disabled+unhealthy at threshold, got status=%q healthy=%v", got.Status, got.IsHealthy)
	}

	// A success resets the streak and marks healthy again.
	if err := store.UpdateSubscriptionHealth(ctx, nil, sub.ID, true, "", time.Now()); err != nil {
		t.Fatalf("UpdateSubscriptionHealth (success): %v", err)
	}
	got, err = store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if !got.IsHealthy || got.ConsecutiveFailures != 0 {
		t.Errorf("expected healthy + reset streak after success, got healthy=%v failures=%d", got.IsHealthy, got.ConsecutiveFailures)
	}
}

func TestListSubscriptions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := store.CreateSubscription(ctx, newTestSubscription()); err != nil {
			t.Fatalf("CreateSubscription %d: %v", i, err)
		}
	}

	subs, err := store.ListSubscriptions(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 3 {
		t.Fatalf("expected 3 subscriptions, got %d", len(subs))
	}
}

func newTestCredential() *model.Credential {
	return &model.Credential{
		ID:       ids.New(ids.PrefixCredential),
		KeyHash:  "hash-of-raw-key",
		IsActive: true,
		Scopes:   map[model.CredentialScope]bool{model.ScopeEventsWrite: true},
	}
}

func TestCreateAndGetCredential(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cred := newTestCredential()

	if err := store.CreateCredential(ctx, cred); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}
	got, err := store.GetCredentialByHash(ctx, cred.KeyHash)
	if err != nil {
		t.Fatalf("GetCredentialByHash: %v", err)
	}
	if got.ID != cred.ID || !got.Scopes[model.ScopeEventsWrite] {
		t.Errorf("round-tripped credential mismatch: %+v", got)
	}
	if !got.Valid(time.Now()) {
		t.Error("expected freshly created credential to be valid")
	}
}

func TestRevokeCredential(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cred := newTestCredential()
	if err := store.CreateCredential(ctx, cred); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}

	if err := store.RevokeCredential(ctx, cred.ID, time.Now()); err != nil {
		t.Fatalf("RevokeCredential: %v", err)
	}
	got, err := store.GetCredentialByHash(ctx, cred.KeyHash)
	if err != nil {
		t.Fatalf("GetCredentialByHash: %v", err)
	}
	if got.Valid(time.Now()) {
		t.Error("expected revoked credential to be invalid")
	}
}
