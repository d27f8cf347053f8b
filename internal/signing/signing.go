// Copyright 2025 James Ross
// Package signing implements the webhook HMAC signature scheme:
// "v1="-prefixed HMAC-SHA256 over "<timestamp>.<body>", with
// constant-time verification and a rotation grace window.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Sign computes the "v1=<hex HMAC-SHA256>" signature over
// "{ts}.{body}" using secret.
func Sign(secret []byte, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against body, ts, and secret in constant
// time with respect to the comparison itself.
func Verify(secret []byte, ts int64, body []byte, signature string) bool {
	want := Sign(secret, ts, body)
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}

// VerifyWithGrace checks signature against the current secret and,
// within the rotation grace window, the previous secret too.
func VerifyWithGrace(secret []byte, previous []byte, graceUntil *time.Time, now time.Time, ts int64, body []byte, signature string) bool {
	if Verify(secret, ts, body, signature) {
		return true
	}
	if previous != nil && graceUntil != nil && now.Before(*graceUntil) {
		return Verify(previous, ts, body, signature)
	}
	return false
}

// WithinSkew reports whether ts is within the recommended ±300s window
// of now.
func WithinSkew(ts int64, now time.Time, tolerance time.Duration) bool {
	delta := now.Unix() - ts
	if delta < 0 {
		delta = -delta
	}
	return time.Duration(delta)*time.Second <= tolerance
}

// DefaultSkew is the recommended verification tolerance.
const DefaultSkew = 300 * time.Second

// Headers returns the signature headers for an outbound delivery
// attempt.
func Headers(subscriptionID, serviceVersion string, secret []byte, ts int64, body []byte) map[string]string {
	return map[string]string{
		"Content-Type":        "application/json",
		"User-Agent":          fmt.Sprintf("eventrelay/%s", serviceVersion),
		"X-Webhook-Signature": Sign(secret, ts, body),
		"X-Webhook-Timestamp": strconv.FormatInt(ts, 10),
		"X-Webhook-ID":        subscriptionID,
	}
}
