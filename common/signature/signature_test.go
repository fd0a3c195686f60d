package signature

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestVerify(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"type":"tool.reserve_slot","agentIdentifier":"asst_1"}`)
	secret := []byte("tenant-a-secret")

	v := NewVerifier(5*time.Minute, WithClock(fixedClock(now)))

	tests := []struct {
		name      string
		body      []byte
		signature string
		timestamp string
		secret    []byte
		want      error
	}{
		{name: "valid", body: body, signature: Sign(body, ts, secret), timestamp: ts, secret: secret},
		{name: "prefixed", body: body, signature: "sha256=" + Sign(body, ts, secret), timestamp: ts, secret: secret},
		{name: "tampered body", body: []byte(string(body) + " "), signature: Sign(body, ts, secret), timestamp: ts, secret: secret, want: ErrInvalidSignature},
		{name: "wrong secret", body: body, signature: Sign(body, ts, []byte("other")), timestamp: ts, secret: secret, want: ErrInvalidSignature},
		{name: "not hex", body: body, signature: "zz", timestamp: ts, secret: secret, want: ErrInvalidSignature},
		{name: "missing signature", body: body, timestamp: ts, secret: secret, want: ErrMissingSignature},
		{name: "missing timestamp", body: body, signature: Sign(body, ts, secret), secret: secret, want: ErrMissingSignature},
		{name: "garbage timestamp", body: body, signature: Sign(body, "abc", secret), timestamp: "abc", secret: secret, want: ErrStaleTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.body, tt.signature, tt.timestamp, tt.secret)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestVerify_ReplayWindow(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	body := []byte(`{}`)
	secret := []byte("s")
	v := NewVerifier(5*time.Minute, WithClock(fixedClock(now)))

	for _, offset := range []time.Duration{-5 * time.Minute, 0, 5 * time.Minute} {
		ts := strconv.FormatInt(now.Add(offset).Unix(), 10)
		assert.NoError(t, v.Verify(body, Sign(body, ts, secret), ts, secret), "offset %s", offset)
	}
	for _, offset := range []time.Duration{-6 * time.Minute, 6 * time.Minute} {
		ts := strconv.FormatInt(now.Add(offset).Unix(), 10)
		assert.ErrorIs(t, v.Verify(body, Sign(body, ts, secret), ts, secret), ErrStaleTimestamp, "offset %s", offset)
	}
}

func TestVerify_CrossTenantIsolation(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"type":"tool.book_appointment","agentIdentifier":"asst_a"}`)
	secretA := []byte("tenant-a-secret")
	secretB := []byte("tenant-b-secret")
	v := NewVerifier(0, WithClock(fixedClock(now)))

	sig := Sign(body, ts, secretA)
	assert.NoError(t, v.Verify(body, sig, ts, secretA))
	assert.ErrorIs(t, v.Verify(body, sig, ts, secretB), ErrInvalidSignature)
}

func TestVerify_LegacyFallback(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{}`)
	legacy := "global-legacy"
	sig := Sign(body, ts, []byte(legacy))

	strict := NewVerifier(0, WithClock(fixedClock(now)))
	assert.ErrorIs(t, strict.Verify(body, sig, ts, []byte("tenant")), ErrInvalidSignature)

	lenient := NewVerifier(0, WithClock(fixedClock(now)), WithLegacySecret(legacy))
	assert.NoError(t, lenient.Verify(body, sig, ts, []byte("tenant")))
}
