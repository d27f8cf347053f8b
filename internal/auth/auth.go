// Copyright 2025 James Ross
// Package auth implements API key issuance and validation: key
// generation, hashing, and the validate(raw_key) -> {id, scopes,
// rate_limit} | nil lookup, backed by the durable store with a
// fast-store cache (and negative cache) in front of it.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flyingrobots/eventrelay/internal/durablestore"
	"github.com/flyingrobots/eventrelay/internal/faststore"
	"github.com/flyingrobots/eventrelay/internal/ids"
	"github.com/flyingrobots/eventrelay/internal/model"
)

// ErrInvalidKey is returned when a raw key fails validation for any
// reason; callers must not distinguish "unknown" from "revoked" from
// "expired" to avoid leaking credential state.
var ErrInvalidKey = errors.New("auth: invalid api key")

// negativeCacheValue is stored at api_key:{hash} when a hash is known
// not to resolve.
const negativeCacheValue = "invalid"

// GenerateKey returns a new raw API key shaped sk_{live|test}_{32
// url-safe chars}.
func GenerateKey(live bool) (string, error) {
	env := "test"
	if live {
		env = "live"
	}
	var buf [24]byte // 24 raw bytes -> 32 base64 url-safe chars (no padding)
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return fmt.Sprintf("sk_%s_%s", env, base64.RawURLEncoding.EncodeToString(buf[:])), nil
}

// Hash computes sha256(raw || server_secret) hex-encoded.
func Hash(raw, serverSecret string) string {
	sum := sha256.Sum256([]byte(raw + serverSecret))
	return hex.EncodeToString(sum[:])
}

// Equal compares two hashes in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Identity is what a successful validation resolves to: {id, scopes,
// rate_limit} capability used by the HTTP auth middleware.
type Identity struct {
	ID        string
	Scopes    map[model.CredentialScope]bool
	RateLimit *int
}

// HasScope reports whether the identity may perform an operation
// requiring scope; admin implies all scopes.
func (i *Identity) HasScope(scope model.CredentialScope) bool {
	if i.Scopes[model.ScopeAdmin] {
		return true
	}
	return i.Scopes[scope]
}

// cachedCredential is the JSON shape stored at api_key:{hash}.
type cachedCredential struct {
	ID        string   `json:"id"`
	Scopes    []string `json:"scopes"`
	RateLimit *int     `json:"rate_limit,omitempty"`
}

// Validator implements validate(raw_key) against the durable store,
// caching hits and misses in the fast store (5 min
// positive TTL, 60 s negative TTL).
type Validator struct {
	durable      *durablestore.Store
	fast         *faststore.Store
	serverSecret string
	cacheTTL     time.Duration
	negativeTTL  time.Duration
}

func NewValidator(durable *durablestore.Store, fast *faststore.Store, serverSecret string) *Validator {
	return &Validator{
		durable:      durable,
		fast:         fast,
		serverSecret: serverSecret,
		cacheTTL:     5 * time.Minute,
		negativeTTL:  60 * time.Second,
	}
}

// Validate resolves a raw Authorization credential to its Identity, or
// ErrInvalidKey if the key is missing, malformed, revoked, expired, or
// inactive.
func (v *Validator) Validate(ctx context.Context, raw string) (*Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "sk_") {
		return nil, ErrInvalidKey
	}
	hash := Hash(raw, v.serverSecret)

	if cached, err := v.fast.GetCachedCredential(ctx, hash); err == nil {
		if string(cached) == negativeCacheValue {
			return nil, ErrInvalidKey
		}
		var cc cachedCredential
		if err := json.Unmarshal(cached, &cc); err == nil {
			return identityFromCache(cc), nil
		}
	}

	cred, err := v.durable.GetCredentialByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, durablestore.ErrNotFound) {
			_ = v.fast.CacheCredential(ctx, hash, []byte(negativeCacheValue), v.negativeTTL)
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("auth: credential lookup: %w", err)
	}

	now := time.Now()
	if !cred.Valid(now) {
		_ = v.fast.CacheCredential(ctx, hash, []byte(negativeCacheValue), v.negativeTTL)
		return nil, ErrInvalidKey
	}

	cc := cachedCredential{ID: cred.ID, RateLimit: cred.RateLimit}
	for scope, granted := range cred.Scopes {
		if granted {
			cc.Scopes = append(cc.Scopes, string(scope))
		}
	}
	if payload, err := json.Marshal(cc); err == nil {
		_ = v.fast.CacheCredential(ctx, hash, payload, v.cacheTTL)
	}

	return identityFromCache(cc), nil
}

func identityFromCache(cc cachedCredential) *Identity {
	scopes := make(map[model.CredentialScope]bool, len(cc.Scopes))
	for _, s := range cc.Scopes {
		scopes[model.CredentialScope(s)] = true
	}
	return &Identity{ID: cc.ID, Scopes: scopes, RateLimit: cc.RateLimit}
}

// NewCredential builds a fresh Credential row plus its raw key; the
// caller persists the row via durablestore and returns the raw key to
// the caller exactly once (it is never recoverable afterward).
func NewCredential(live bool, scopes []model.CredentialScope, serverSecret string) (*model.Credential, string, error) {
	raw, err := GenerateKey(live)
	if err != nil {
		return nil, "", err
	}
	scopeSet := make(map[model.CredentialScope]bool, len(scopes))
	for _, s := range scopes {
		scopeSet[s] = true
	}
	cred := &model.Credential{
		ID:       ids.New(ids.PrefixCredential),
		KeyHash:  Hash(raw, serverSecret),
		IsActive: true,
		Scopes:   scopeSet,
	}
	return cred, raw, nil
}
