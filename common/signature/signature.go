// Package signature authenticates inbound events with a per-tenant
// HMAC-SHA256 over the timestamp and the raw body.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingSignature = errors.New("missing signature or timestamp")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleTimestamp   = errors.New("timestamp outside replay window")
)

// DefaultReplayWindow bounds clock skew in either direction.
const DefaultReplayWindow = 5 * time.Minute

// Verifier checks event signatures. It holds no tenant state; the secret is
// supplied per call.
type Verifier struct {
	window       time.Duration
	legacySecret []byte
	now          func() time.Time
}

type Option func(*Verifier)

// WithLegacySecret enables a global fallback secret for tenants that have
// not yet rotated to their own.
func WithLegacySecret(secret string) Option {
	return func(v *Verifier) {
		if secret != "" {
			v.legacySecret = []byte(secret)
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func NewVerifier(window time.Duration, opts ...Option) *Verifier {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	v := &Verifier{window: window, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Sign returns the hex HMAC-SHA256 of timestamp + "." + body.
func Sign(body []byte, timestamp string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against rawBody using secret, then the legacy
// secret when one is configured. timestamp is unix seconds.
func (v *Verifier) Verify(rawBody []byte, signature, timestamp string, secret []byte) error {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	timestamp = strings.TrimSpace(timestamp)
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window {
		return ErrStaleTimestamp
	}

	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return ErrInvalidSignature
	}

	if len(secret) > 0 && matches(got, rawBody, timestamp, secret) {
		return nil
	}
	if len(v.legacySecret) > 0 && matches(got, rawBody, timestamp, v.legacySecret) {
		return nil
	}
	return ErrInvalidSignature
}

func matches(got, body []byte, timestamp string, secret []byte) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
