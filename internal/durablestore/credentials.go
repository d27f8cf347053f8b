// Copyright 2025 James Ross
package durablestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/flyingrobots/eventrelay/internal/model"
)

type credentialRow struct {
	ID        string         `db:"id"`
	KeyHash   string         `db:"key_hash"`
	Scopes    string         `db:"scopes"`
	IsActive  bool           `db:"is_active"`
	RevokedAt sql.NullInt64  `db:"revoked_at"`
	ExpiresAt sql.NullInt64  `db:"expires_at"`
	RateLimit sql.NullInt64  `db:"rate_limit"`
}

var credentialColumns = []string{"id", "key_hash", "scopes", "is_active", "revoked_at", "expires_at", "rate_limit"}

func (r *credentialRow) toModel() *model.Credential {
	c := &model.Credential{
		ID:       r.ID,
		KeyHash:  r.KeyHash,
		IsActive: r.IsActive,
		Scopes:   map[model.CredentialScope]bool{},
	}
	var scopeList []string
	if err := json.Unmarshal([]byte(r.Scopes), &scopeList); err == nil {
		for _, sc := range scopeList {
			c.Scopes[model.CredentialScope(sc)] = true
		}
	}
	if r.RevokedAt.Valid {
		t := time.Unix(0, r.RevokedAt.Int64)
		c.RevokedAt = &t
	}
	if r.ExpiresAt.Valid {
		t := time.Unix(0, r.ExpiresAt.Int64)
		c.ExpiresAt = &t
	}
	if r.RateLimit.Valid {
		v := int(r.RateLimit.Int64)
		c.RateLimit = &v
	}
	return c
}

// CreateCredential persists a new API key record. The caller is
// responsible for hashing the raw key before calling; only
// KeyHash is ever stored.
func (s *Store) CreateCredential(ctx context.Context, c *model.Credential) error {
	scopeList := make([]string, 0, len(c.Scopes))
	for scope, granted := range c.Scopes {
		if granted {
			scopeList = append(scopeList, string(scope))
		}
	}
	scopes, _ := json.Marshal(scopeList)

	var rateLimit interface{}
	if c.RateLimit != nil {
		rateLimit = *c.RateLimit
	}
	var expiresAt interface{}
	if c.ExpiresAt != nil {
		expiresAt = c.ExpiresAt.UnixNano()
	}

	b := sq.Insert("credentials").Columns(credentialColumns...).
		Values(c.ID, c.KeyHash, string(scopes), c.IsActive, nullableTime(c.RevokedAt), expiresAt, rateLimit)
	_, err := s.execBuilder(s.db, b)
	return err
}

// GetCredentialByHash looks up a credential by the hash of its raw key.
// Callers must hash with the same algorithm used at creation time and
// should not leak timing differences between found/not-found states
// any more than a normal lookup already does.
func (s *Store) GetCredentialByHash(ctx context.Context, keyHash string) (*model.Credential, error) {
	b := sq.Select(credentialColumns...).From("credentials").Where(sq.Eq{"key_hash": keyHash})
	var row credentialRow
	if err := s.getBuilder(s.db, &row, b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toModel(), nil
}

// RevokeCredential marks a credential inactive and stamps revoked_at.
func (s *Store) RevokeCredential(ctx context.Context, id string, now time.Time) error {
	b := sq.Update("credentials").Where(sq.Eq{"id": id}).
		Set("is_active", false).
		Set("revoked_at", now.UnixNano())
	_, err := s.execBuilder(s.db, b)
	return err
}
