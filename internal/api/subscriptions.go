// Copyright 2025 James Ross
// Subscription CRUD and secret rotation. All mutating routes require admin
// scope since subscriptions govern where every tenant's events fan out.
package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/flyingrobots/eventrelay/internal/durablestore"
	"github.com/flyingrobots/eventrelay/internal/ids"
	"github.com/flyingrobots/eventrelay/internal/model"
)

type subscriptionView struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	Description          string            `json:"description,omitempty"`
	TargetURL            string            `json:"target_url"`
	CustomHeaders        map[string]string `json:"custom_headers,omitempty"`
	EventTypes           []string          `json:"event_types,omitempty"`
	EventSources         []string          `json:"event_sources,omitempty"`
	Status               string            `json:"status"`
	RetryStrategy        string            `json:"retry_strategy"`
	MaxRetries           int               `json:"max_retries"`
	RetryDelaySeconds    int               `json:"retry_delay_seconds"`
	RetryMaxDelaySeconds int               `json:"retry_max_delay_seconds"`
	TimeoutSeconds       int               `json:"timeout_seconds"`
	IsHealthy            bool              `json:"is_healthy"`
	ConsecutiveFailures  int               `json:"consecutive_failures"`
	FailureThreshold     int               `json:"failure_threshold"`
	TotalDeliveries      int               `json:"total_deliveries"`
	SuccessfulDeliveries int               `json:"successful_deliveries"`
	FailedDeliveries     int               `json:"failed_deliveries"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

func subscriptionViewOf(s *model.Subscription) subscriptionView {
	return subscriptionView{
		ID: s.ID, Name: s.Name, Description: s.Description, TargetURL: s.TargetURL,
		CustomHeaders: s.CustomHeaders, EventTypes: s.EventTypes, EventSources: s.EventSources,
		Status: string(s.Status), RetryStrategy: string(s.Retry.Strategy), MaxRetries: s.Retry.MaxRetries,
		RetryDelaySeconds: s.Retry.RetryDelaySeconds, RetryMaxDelaySeconds: s.Retry.RetryMaxDelaySeconds,
		TimeoutSeconds: s.TimeoutSeconds, IsHealthy: s.IsHealthy, ConsecutiveFailures: s.ConsecutiveFailures,
		FailureThreshold: s.FailureThreshold, TotalDeliveries: s.TotalDeliveries,
		SuccessfulDeliveries: s.SuccessfulDeliveries, FailedDeliveries: s.FailedDeliveries,
		CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
	}
}

func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	identity := IdentityFromContext(r.Context())
	if identity == nil || !identity.HasScope(model.ScopeAdmin) {
		WriteProblem(w, r, ErrInsufficientPerm, "requires scope \"admin\"")
		return false
	}
	return true
}

func generateSecret() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

type createSubscriptionRequest struct {
	Name                 string            `json:"name"`
	Description          string            `json:"description,omitempty"`
	TargetURL            string            `json:"target_url"`
	CustomHeaders        map[string]string `json:"custom_headers,omitempty"`
	EventTypes           []string          `json:"event_types,omitempty"`
	EventSources         []string          `json:"event_sources,omitempty"`
	RetryStrategy        string            `json:"retry_strategy,omitempty"`
	MaxRetries           int               `json:"max_retries,omitempty"`
	RetryDelaySeconds    int               `json:"retry_delay_seconds,omitempty"`
	RetryMaxDelaySeconds int               `json:"retry_max_delay_seconds,omitempty"`
	TimeoutSeconds       int               `json:"timeout_seconds,omitempty"`
	FailureThreshold     int               `json:"failure_threshold,omitempty"`
}

func (h *handlers) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	var req createSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteProblem(w, r, ErrValidation, "malformed JSON body")
		return
	}
	if req.Name == "" || req.TargetURL == "" {
		WriteProblem(w, r, ErrValidation, "name and target_url are required",
			FieldError{Field: "name", Message: "required"}, FieldError{Field: "target_url", Message: "required"})
		return
	}
	for header := range req.CustomHeaders {
		if model.ForbiddenHeaders[header] {
			WriteProblem(w, r, ErrValidation, "custom_headers may not override a reserved header",
				FieldError{Field: "custom_headers." + header, Message: "reserved header"})
			return
		}
	}

	secret, err := generateSecret()
	if err != nil {
		WriteProblem(w, r, ErrInternal, "failed to generate signing secret")
		return
	}

	strategy := model.RetryStrategy(req.RetryStrategy)
	if strategy == "" {
		strategy = model.RetryExponential
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	retryDelay := req.RetryDelaySeconds
	if retryDelay <= 0 {
		retryDelay = 30
	}
	retryMaxDelay := req.RetryMaxDelaySeconds
	if retryMaxDelay <= 0 {
		retryMaxDelay = 3600
	}
	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}
	failureThreshold := req.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 10
	}

	now := time.Now()
	sub := &model.Subscription{
		ID: ids.New(ids.PrefixSubscription), Name: req.Name, Description: req.Description,
		TargetURL: req.TargetURL, SigningSecret: secret, CustomHeaders: req.CustomHeaders,
		EventTypes: req.EventTypes, EventSources: req.EventSources, Status: model.SubscriptionActive,
		Retry: model.RetryPolicy{
			Strategy: strategy, MaxRetries: maxRetries, RetryDelaySeconds: retryDelay,
			RetryMaxDelaySeconds: retryMaxDelay,
		},
		TimeoutSeconds: timeout, IsHealthy: true, FailureThreshold: failureThreshold,
		CreatedAt: now, UpdatedAt: now,
	}

	if err := h.deps.Durable.CreateSubscription(r.Context(), sub); err != nil {
		WriteProblem(w, r, ErrDatabase, "failed to create subscription")
		return
	}

	resp := map[string]interface{}{"subscription": subscriptionViewOf(sub), "signing_secret": secret}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *handlers) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	sub, err := h.deps.Durable.GetSubscription(r.Context(), pathVar(r, "id"))
	if err != nil {
		if errors.Is(err, durablestore.ErrNotFound) {
			WriteProblem(w, r, ErrNotFound, "subscription not found")
			return
		}
		WriteProblem(w, r, ErrDatabase, "failed to load subscription")
		return
	}
	writeJSON(w, http.StatusOK, subscriptionViewOf(sub))
}

func (h *handlers) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	subs, err := h.deps.Durable.ListSubscriptions(r.Context(), limit, offset)
	if err != nil {
		WriteProblem(w, r, ErrDatabase, "failed to list subscriptions")
		return
	}
	views := make([]subscriptionView, len(subs))
	for i, s := range subs {
		views[i] = subscriptionViewOf(s)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"subscriptions": views})
}

type updateSubscriptionRequest struct {
	Name                 *string           `json:"name,omitempty"`
	Description          *string           `json:"description,omitempty"`
	TargetURL            *string           `json:"target_url,omitempty"`
	CustomHeaders        map[string]string `json:"custom_headers,omitempty"`
	EventTypes           []string          `json:"event_types,omitempty"`
	EventSources         []string          `json:"event_sources,omitempty"`
	Status               *string           `json:"status,omitempty"`
	RetryStrategy        *string           `json:"retry_strategy,omitempty"`
	MaxRetries           *int              `json:"max_retries,omitempty"`
	RetryDelaySeconds    *int              `json:"retry_delay_seconds,omitempty"`
	RetryMaxDelaySeconds *int              `json:"retry_max_delay_seconds,omitempty"`
	TimeoutSeconds       *int              `json:"timeout_seconds,omitempty"`
	FailureThreshold     *int              `json:"failure_threshold,omitempty"`
}

func (h *handlers) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	id := pathVar(r, "id")
	var req updateSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteProblem(w, r, ErrValidation, "malformed JSON body")
		return
	}
	for header := range req.CustomHeaders {
		if model.ForbiddenHeaders[header] {
			WriteProblem(w, r, ErrValidation, "custom_headers may not override a reserved header",
				FieldError{Field: "custom_headers." + header, Message: "reserved header"})
			return
		}
	}

	u := durablestore.SubscriptionUpdate{
		Name: req.Name, Description: req.Description, TargetURL: req.TargetURL,
		CustomHeaders: req.CustomHeaders, EventTypes: req.EventTypes, EventSources: req.EventSources,
		MaxRetries: req.MaxRetries, RetryDelaySeconds: req.RetryDelaySeconds,
		RetryMaxDelaySeconds: req.RetryMaxDelaySeconds, TimeoutSeconds: req.TimeoutSeconds,
		FailureThreshold: req.FailureThreshold,
	}
	if req.Status != nil {
		s := model.SubscriptionStatus(*req.Status)
		u.Status = &s
	}
	if req.RetryStrategy != nil {
		s := model.RetryStrategy(*req.RetryStrategy)
		u.RetryStrategy = &s
	}

	if err := h.deps.Durable.UpdateSubscription(r.Context(), id, u, time.Now()); err != nil {
		WriteProblem(w, r, ErrDatabase, "failed to update subscription")
		return
	}
	sub, err := h.deps.Durable.GetSubscription(r.Context(), id)
	if err != nil {
		if errors.Is(err, durablestore.ErrNotFound) {
			WriteProblem(w, r, ErrNotFound, "subscription not found")
			return
		}
		WriteProblem(w, r, ErrDatabase, "failed to reload subscription")
		return
	}
	writeJSON(w, http.StatusOK, subscriptionViewOf(sub))
}

func (h *handlers) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	id := pathVar(r, "id")
	if err := h.deps.Durable.SoftDeleteSubscription(r.Context(), id, time.Now()); err != nil {
		WriteProblem(w, r, ErrDatabase, "failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	id := pathVar(r, "id")
	newSecret, err := generateSecret()
	if err != nil {
		WriteProblem(w, r, ErrInternal, "failed to generate signing secret")
		return
	}
	now := time.Now()
	graceUntil := now.Add(1 * time.Hour)
	if err := h.deps.Durable.RotateSecret(r.Context(), id, newSecret, graceUntil, now); err != nil {
		if errors.Is(err, durablestore.ErrNotFound) {
			WriteProblem(w, r, ErrNotFound, "subscription not found")
			return
		}
		WriteProblem(w, r, ErrDatabase, "failed to rotate secret")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"signing_secret":              newSecret,
		"previous_secret_valid_until": graceUntil,
	})
}
