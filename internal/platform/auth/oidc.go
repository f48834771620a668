package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/megamarket/api/internal/platform/httpx"
)

const reasonOK = "ok"

// VerificationOutcome describes one service token check.
type VerificationOutcome struct {
	Reason  string
	Source  string
	Elapsed time.Duration
}

func (o VerificationOutcome) OK() bool { return o.Reason == reasonOK }

// VerificationHook observes every service token check, for metrics.
type VerificationHook func(ctx context.Context, outcome VerificationOutcome)

// ServiceTokenVerifier guards internal routes called by Cloud Scheduler or IAP with Google-signed
// OIDC tokens.
type ServiceTokenVerifier struct {
	keys     *KeySet
	audience string
	issuers  []string
	logger   *zap.Logger
	hook     VerificationHook
	now      func() time.Time
}

type ServiceTokenOption func(*ServiceTokenVerifier)

func WithServiceTokenLogger(logger *zap.Logger) ServiceTokenOption {
	return func(v *ServiceTokenVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func WithVerificationHook(hook VerificationHook) ServiceTokenOption {
	return func(v *ServiceTokenVerifier) { v.hook = hook }
}

func withServiceTokenClock(now func() time.Time) ServiceTokenOption {
	return func(v *ServiceTokenVerifier) { v.now = now }
}

// NewServiceTokenVerifier accepts tokens for audience from any of issuers. An empty audience
// rejects every request.
func NewServiceTokenVerifier(keys *KeySet, audience string, issuers []string, opts ...ServiceTokenOption) *ServiceTokenVerifier {
	v := &ServiceTokenVerifier{
		keys:     keys,
		audience: strings.TrimSpace(audience),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			v.issuers = append(v.issuers, issuer)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

type serviceClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type tokenError struct {
	reason      string
	unavailable bool
	err         error
}

func (e *tokenError) Error() string {
	if e.err != nil {
		return e.reason + ": " + e.err.Error()
	}
	return e.reason
}

func (e *tokenError) Unwrap() error { return e.err }

// Verify checks the signature, expiry, issuer and audience of raw.
func (v *ServiceTokenVerifier) Verify(ctx context.Context, raw string) (*ServiceIdentity, error) {
	if v.audience == "" {
		return nil, &tokenError{reason: "audience_not_configured", unavailable: true}
	}
	if v.keys == nil {
		return nil, &tokenError{reason: "keys_not_configured", unavailable: true}
	}

	claims := &serviceClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token has no kid header")
		}
		return v.keys.Key(ctx, kid)
	})
	switch {
	case errors.Is(err, ErrKeySetUnavailable):
		return nil, &tokenError{reason: "jwks_unavailable", unavailable: true, err: err}
	case err != nil:
		return nil, &tokenError{reason: "token_invalid", err: err}
	}

	if len(v.issuers) > 0 && !slices.Contains(v.issuers, claims.Issuer) {
		return nil, &tokenError{reason: "issuer_mismatch"}
	}
	if !claims.VerifyAudience(v.audience, true) {
		return nil, &tokenError{reason: "audience_mismatch"}
	}
	return &ServiceIdentity{
		Subject:  claims.Subject,
		Email:    claims.Email,
		Issuer:   claims.Issuer,
		Audience: v.audience,
	}, nil
}

// Middleware reads the token from the Authorization bearer or, behind IAP, the
// X-Goog-Iap-Jwt-Assertion header.
func (v *ServiceTokenVerifier) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			raw, source := serviceToken(r)
			var (
				identity *ServiceIdentity
				err      error
			)
			if raw == "" {
				err = &tokenError{reason: "token_missing"}
			} else {
				identity, err = v.Verify(ctx, raw)
			}

			outcome := VerificationOutcome{Reason: reasonOK, Source: source}
			var failed *tokenError
			if errors.As(err, &failed) {
				outcome.Reason = failed.reason
			}
			outcome.Elapsed = v.now().Sub(start)
			if v.hook != nil {
				v.hook(ctx, outcome)
			}

			if failed != nil {
				v.logger.Warn("service token rejected", zap.String("reason", failed.reason), zap.String("source", source), zap.Error(failed.err))
				status, code := http.StatusUnauthorized, "invalid_token"
				if failed.unavailable {
					status, code = http.StatusServiceUnavailable, "verification_unavailable"
				}
				httpx.WriteError(ctx, w, httpx.NewError(code, "service token rejected: "+failed.reason, status))
				return
			}
			identity.Source = source
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func serviceToken(r *http.Request) (token, source string) {
	if bearer, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return bearer, "authorization"
	}
	if assertion := strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion")); assertion != "" {
		return assertion, "iap"
	}
	return "", ""
}
