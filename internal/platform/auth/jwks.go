package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrKeyNotFound = errors.New("auth: signing key not found")
	// ErrKeySetUnavailable wraps transport and decoding failures while fetching the key set.
	ErrKeySetUnavailable = errors.New("auth: signing keys unavailable")
)

const (
	defaultKeySetTTL     = 15 * time.Minute
	defaultKeySetTimeout = 5 * time.Second
	// Unknown key ids trigger a refetch at most this often.
	unknownKidRefetch = 30 * time.Second
)

// KeySet caches a remote JSON Web Key Set. Concurrent refreshes collapse into one request, and a
// known key keeps verifying while the endpoint is down.
type KeySet struct {
	url     string
	client  *http.Client
	logger  *zap.Logger
	now     func() time.Time
	ttl     time.Duration
	timeout time.Duration

	group singleflight.Group

	mu      sync.RWMutex
	keys    map[string]jose.JSONWebKey
	expires time.Time
	fetched time.Time
}

type KeySetOption func(*KeySet)

func WithKeySetHTTPClient(client *http.Client) KeySetOption {
	return func(s *KeySet) {
		if client != nil {
			s.client = client
		}
	}
}

func WithKeySetLogger(logger *zap.Logger) KeySetOption {
	return func(s *KeySet) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithKeySetTTL is used when the response carries no Cache-Control max-age.
func WithKeySetTTL(d time.Duration) KeySetOption {
	return func(s *KeySet) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func withKeySetClock(now func() time.Time) KeySetOption {
	return func(s *KeySet) { s.now = now }
}

func NewKeySet(url string, opts ...KeySetOption) *KeySet {
	s := &KeySet{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  zap.NewNop(),
		now:     time.Now,
		ttl:     defaultKeySetTTL,
		timeout: defaultKeySetTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Key returns the public key published under kid.
func (s *KeySet) Key(ctx context.Context, kid string) (any, error) {
	now := s.now()
	s.mu.RLock()
	jwk, found := s.keys[kid]
	fresh := now.Before(s.expires)
	recent := now.Sub(s.fetched) < unknownKidRefetch
	s.mu.RUnlock()

	switch {
	case found && fresh:
		return jwk.Key, nil
	case !found && fresh && recent:
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}

	if err := s.refresh(ctx); err != nil {
		if found {
			s.logger.Warn("jwks refresh failed, using cached key", zap.String("kid", kid), zap.Error(err))
			return jwk.Key, nil
		}
		return nil, err
	}

	s.mu.RLock()
	jwk, found = s.keys[kid]
	s.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	return jwk.Key, nil
}

func (s *KeySet) refresh(ctx context.Context) error {
	_, err, _ := s.group.Do(s.url, func() (any, error) {
		return nil, s.fetch(context.WithoutCancel(ctx))
	})
	return err
}

func (s *KeySet) fetch(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrKeySetUnavailable, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrKeySetUnavailable, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() && jwk.IsPublic() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: no usable keys", ErrKeySetUnavailable)
	}

	ttl := maxAge(resp.Header.Get("Cache-Control"), s.ttl)
	now := s.now()
	s.mu.Lock()
	s.keys = keys
	s.expires = now.Add(ttl)
	s.fetched = now
	s.mu.Unlock()

	s.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)), zap.Duration("ttl", ttl))
	return nil
}

func maxAge(cacheControl string, fallback time.Duration) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, _ := strings.Cut(strings.TrimSpace(directive), "=")
		if !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}
