// Package signature signs and verifies benchmark submissions with a shared
// HMAC key.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

const (
	// HeaderSignature carries the hex encoded HMAC digest.
	HeaderSignature = "Zeek-HMAC"

	// HeaderTimestamp carries the signing time in seconds since the epoch.
	HeaderTimestamp = "Zeek-HMAC-Timestamp"

	// DefaultWindow is how far a signature timestamp may be from the current
	// time, in either direction, before it is rejected.
	DefaultWindow = 15 * time.Minute
)

var (
	ErrMissingSignature = errors.New("HMAC header missing from request")
	ErrMissingTimestamp = errors.New("HMAC timestamp missing from request")
	ErrTimestampExpired = errors.New("HMAC timestamp is outside of the valid range")
	ErrMissingBuildHash = errors.New("Build hash argument required")
	ErrInvalidSignature = errors.New("HMAC validation failed")
)

// Message returns the signed payload for a request.
func Message(path string, ts int64, buildHash string) []byte {
	return []byte(fmt.Sprintf("%s-%d-%s\n", path, ts, buildHash))
}

// Sign computes the hex encoded HMAC-SHA256 of the request.
func Sign(key []byte, path string, ts int64, buildHash string) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(Message(path, ts, buildHash))

	return hex.EncodeToString(mac.Sum(nil))
}

// Verifier checks signed requests against a shared key.
type Verifier struct {
	key    []byte
	window time.Duration
	now    func() time.Time
}

// NewVerifier creates a Verifier. A zero window uses DefaultWindow.
func NewVerifier(key []byte, window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultWindow
	}

	return &Verifier{
		key:    key,
		window: window,
		now:    time.Now,
	}
}

// WithClock returns a copy of v that reads the current time from now.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	c := *v
	c.now = now

	return &c
}

// Verify checks the signature of a request. The checks run in a fixed
// order so each rejection has a single, stable reason.
func (v *Verifier) Verify(path, signature string, ts int64, buildHash string) error {
	if signature == "" {
		return ErrMissingSignature
	}

	if ts == 0 {
		return ErrMissingTimestamp
	}

	skew := v.now().UTC().Sub(time.Unix(ts, 0).UTC())
	if skew < 0 {
		skew = -skew
	}

	if skew > v.window {
		return ErrTimestampExpired
	}

	if buildHash == "" {
		return ErrMissingBuildHash
	}

	expected := Sign(v.key, path, ts, buildHash)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}

	return nil
}
