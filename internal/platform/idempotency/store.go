package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"slices"
	"time"
)

const (
	// DefaultTTL is how long a completed response stays replayable.
	DefaultTTL = 24 * time.Hour
	// DefaultLockTTL bounds how long an unfinished claim blocks retries of the same key, so a
	// request that died mid-flight does not wedge its key until DefaultTTL.
	DefaultLockTTL = 2 * time.Minute
)

// Outcome is the result of claiming a key.
type Outcome int

const (
	// OutcomeClaimed means the caller owns the key and should run the request.
	OutcomeClaimed Outcome = iota
	// OutcomeReplay means the entry holds a finished response to send back.
	OutcomeReplay
	// OutcomeInFlight means another request currently owns the key.
	OutcomeInFlight
)

// ErrFingerprintMismatch is returned when a live key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reused with a different request")

// Response is a captured HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Entry is the stored state of one key.
type Entry struct {
	Fingerprint string
	Done        bool
	Response    Response
	ExpiresAt   time.Time
}

// Store persists claims and finished responses. Keys arrive already scoped to the caller.
type Store interface {
	Claim(ctx context.Context, key, fingerprint string, now time.Time, lockTTL time.Duration) (Outcome, Entry, error)
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Abandon(ctx context.Context, key string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// decide applies the claim rules to the current entry, which is nil when the key is unknown.
func decide(current *Entry, fingerprint string, now time.Time) (Outcome, error) {
	switch {
	case current == nil || !now.Before(current.ExpiresAt):
		return OutcomeClaimed, nil
	case current.Fingerprint != fingerprint:
		return OutcomeClaimed, ErrFingerprintMismatch
	case current.Done:
		return OutcomeReplay, nil
	default:
		return OutcomeInFlight, nil
	}
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// storableHeader drops hop-by-hop, length and cookie headers before a response is persisted.
func storableHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		name = http.CanonicalHeaderKey(name)
		switch name {
		case "Connection", "Content-Length", "Date", "Keep-Alive", "Set-Cookie", "Trailer", "Transfer-Encoding", "Upgrade":
			continue
		}
		out[name] = slices.Clone(values)
	}
	return out
}
