package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCacheTTL     = 10 * time.Minute
	defaultFallbackPath = ".secrets.local"
	latestVersion       = "latest"
)

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (accessor, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type accessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves sm:// configuration values against Secret Manager. Values are cached for a bounded
// time so a rotated Stripe key is picked up without a restart. When Secret Manager is unreachable or
// refuses access, values come from a local KEY=VALUE file instead.
type Fetcher struct {
	client   accessor
	owned    bool
	logger   *zap.Logger
	project  string
	pins     map[string]string
	ttl      time.Duration
	now      func() time.Time
	fallback *fallbackFile

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]cached

	latency metric.Float64Histogram
}

type cached struct {
	value   string
	expires time.Time
}

type settings struct {
	logger       *zap.Logger
	project      string
	pins         map[string]string
	ttl          time.Duration
	fallbackPath string
	meter        metric.Meter
	client       accessor
	clientOpts   []option.ClientOption
	clock        func() time.Time
}

// Option customises Fetcher construction.
type Option func(*settings)

func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithDefaultProject sets the project used when a reference carries no project parameter.
func WithDefaultProject(projectID string) Option {
	return func(s *settings) { s.project = strings.TrimSpace(projectID) }
}

// WithVersionPins maps secret names (or sm:// references) to the version that should be read
// when the reference does not name one.
func WithVersionPins(pins map[string]string) Option {
	return func(s *settings) {
		for key, version := range pins {
			name := strings.TrimSpace(key)
			if ref, err := ParseReference(name); err == nil {
				name = ref.Key()
			}
			if version = strings.TrimSpace(version); name != "" && version != "" {
				s.pins[name] = version
			}
		}
	}
}

// WithCacheTTL bounds how long a resolved value is served from memory. Zero keeps values forever.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *settings) { s.ttl = ttl }
}

func WithFallbackFile(path string) Option {
	return func(s *settings) { s.fallbackPath = strings.TrimSpace(path) }
}

func WithMeter(m metric.Meter) Option {
	return func(s *settings) { s.meter = m }
}

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

func withAccessor(client accessor) Option {
	return func(s *settings) { s.client = client }
}

func withClock(clock func() time.Time) Option {
	return func(s *settings) { s.clock = clock }
}

// NewFetcher builds a Fetcher. A Secret Manager client that cannot be created leaves the fetcher in
// fallback-only mode rather than failing startup, which keeps local development working.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	s := settings{
		logger:       zap.NewNop(),
		pins:         map[string]string{},
		ttl:          defaultCacheTTL,
		fallbackPath: defaultFallbackPath,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.meter == nil {
		s.meter = otel.Meter("github.com/megamarket/api/internal/platform/secrets")
	}

	latency, err := s.meter.Float64Histogram("secrets.resolve.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret resolution by source"),
	)
	if err != nil {
		s.logger.Warn("secrets: latency metric unavailable", zap.Error(err))
	}

	f := &Fetcher{
		logger:   s.logger,
		project:  s.project,
		pins:     s.pins,
		ttl:      s.ttl,
		now:      s.clock,
		fallback: &fallbackFile{path: s.fallbackPath},
		cache:    make(map[string]cached),
		latency:  latency,
	}

	if s.client != nil {
		f.client = s.client
		return f, nil
	}
	client, err := newSecretManagerClient(ctx, s.clientOpts...)
	if err != nil {
		s.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
		return f, nil
	}
	f.client = client
	f.owned = true
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.owned && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value behind raw. Concurrent misses for the same secret share one remote call.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	start := time.Now()
	ref, err := ParseReference(raw)
	if err != nil {
		return "", err
	}
	version := f.version(ref)
	key := ref.Key() + "#" + version

	if value, ok := f.cached(key); ok {
		f.observe(ctx, start, "cache")
		return value, nil
	}

	result, err, _ := f.group.Do(key, func() (any, error) {
		value, source, err := f.load(ctx, ref, version)
		if err != nil {
			return nil, err
		}
		f.store(key, value)
		f.observe(ctx, start, source)
		return value, nil
	})
	if err != nil {
		f.observe(ctx, start, "error")
		return "", err
	}
	return result.(string), nil
}

func (f *Fetcher) load(ctx context.Context, ref Reference, version string) (string, string, error) {
	project := ref.Project
	if project == "" {
		project = f.project
	}
	if f.client != nil && project != "" {
		resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
			Name: ref.resource(project, version),
		})
		switch {
		case err == nil && resp.GetPayload() != nil:
			return string(resp.GetPayload().GetData()), "remote", nil
		case err == nil:
			return "", "", fmt.Errorf("secrets: empty payload for %s", ref.Key())
		case !fallbackAllowed(err):
			return "", "", fmt.Errorf("secrets: fetch %s: %w", ref.Key(), err)
		default:
			f.logger.Debug("secrets: remote fetch failed, trying fallback", zap.String("secret", ref.Key()), zap.Error(err))
		}
	}

	value, ok, err := f.fallback.lookup(ref)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", fmt.Errorf("secrets: %s not found in fallback file", ref.Key())
	}
	return value, "fallback", nil
}

func (f *Fetcher) version(ref Reference) string {
	if ref.Version != "" {
		return ref.Version
	}
	if pin, ok := f.pins[ref.Key()]; ok {
		return pin
	}
	return latestVersion
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[key]
	if !ok {
		return "", false
	}
	if !entry.expires.IsZero() && !f.now().Before(entry.expires) {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(key, value string) {
	entry := cached{value: value}
	if f.ttl > 0 {
		entry.expires = f.now().Add(f.ttl)
	}
	f.mu.Lock()
	f.cache[key] = entry
	f.mu.Unlock()
}

func (f *Fetcher) observe(ctx context.Context, start time.Time, source string) {
	if f.latency == nil {
		return
	}
	f.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("source", source)))
}

// NotFound is never masked by the fallback file: a missing secret is a configuration error.
func fallbackAllowed(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

// fallbackFile holds KEY=VALUE lines where KEY is a secret reference or bare secret name. Versions are
// ignored: the local file carries one value per secret.
type fallbackFile struct {
	path   string
	once   sync.Once
	values map[string]string
	err    error
}

func (ff *fallbackFile) lookup(ref Reference) (string, bool, error) {
	ff.once.Do(ff.load)
	if ff.err != nil {
		return "", false, ff.err
	}
	value, ok := ff.values[ref.Key()]
	return value, ok, nil
}

func (ff *fallbackFile) load() {
	ff.values = map[string]string{}
	if ff.path == "" {
		return
	}
	file, err := os.Open(ff.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		ff.err = fmt.Errorf("secrets: open fallback file: %w", err)
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		if ref, err := ParseReference(key); err == nil {
			key = ref.Key()
		}
		ff.values[key] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		ff.err = fmt.Errorf("secrets: read fallback file: %w", err)
	}
}
