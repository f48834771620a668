package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/megamarket/api/internal/platform/httpx"
)

const (
	defaultRoleClaim     = "role"
	defaultVerifyTimeout = 5 * time.Second
)

// ErrTokenExpired lets verifiers other than the Admin SDK report expiry.
var ErrTokenExpired = errors.New("auth: firebase id token expired")

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns the bearer token on a request into an *Identity.
type Authenticator struct {
	verifier       TokenVerifier
	roleClaim      string
	defaultRole    string
	allowAnonymous bool
	timeout        time.Duration
}

// Option configures an Authenticator.
type Option func(*Authenticator)

func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithDefaultRole sets the role given to tokens without a role claim.
func WithDefaultRole(role string) Option {
	return func(a *Authenticator) {
		if roles := normaliseRoles([]string{role}); len(roles) == 1 {
			a.defaultRole = roles[0]
		}
	}
}

// WithAnonymousShoppers accepts Firebase anonymous sign-ins so guests can keep a cart.
func WithAnonymousShoppers(allow bool) Option {
	return func(a *Authenticator) { a.allowAnonymous = allow }
}

func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:    verifier,
		roleClaim:   defaultRoleClaim,
		defaultRole: RoleShopper,
		timeout:     defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// rejection is an authentication failure rendered with the API error envelope.
type rejection struct {
	status  int
	code    string
	message string
}

// RequireFirebaseAuth rejects requests without a valid ID token. When roles are given the
// identity must hold at least one of them.
func (a *Authenticator) RequireFirebaseAuth(roles ...string) func(http.Handler) http.Handler {
	required := normaliseRoles(roles)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, rejected := a.authenticate(r)
			if rejected == nil && len(required) > 0 && !identity.HasAnyRole(required...) {
				rejected = &rejection{http.StatusForbidden, "insufficient_role", "identity does not have a required role"}
			}
			if rejected != nil {
				httpx.WriteError(r.Context(), w, httpx.NewError(rejected.code, rejected.message, rejected.status))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func (a *Authenticator) authenticate(r *http.Request) (*Identity, *rejection) {
	raw, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, &rejection{http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid"}
	}
	if a == nil || a.verifier == nil {
		return nil, &rejection{http.StatusServiceUnavailable, "verification_unavailable", "token verification unavailable"}
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	token, err := a.verifier.VerifyIDToken(ctx, raw)
	if err != nil {
		return nil, verificationRejection(err)
	}
	if token == nil || strings.TrimSpace(token.UID) == "" {
		return nil, &rejection{http.StatusUnauthorized, "invalid_token", "firebase id token has no subject"}
	}

	identity := &Identity{
		UID:      token.UID,
		Provider: token.Firebase.SignInProvider,
		Roles:    claimRoles(token.Claims[a.roleClaim]),
		token:    token,
	}
	if email, ok := token.Claims["email"].(string); ok {
		identity.Email = strings.TrimSpace(email)
	}
	identity.EmailVerified, _ = token.Claims["email_verified"].(bool)
	if identity.Anonymous() && !a.allowAnonymous {
		return nil, &rejection{http.StatusUnauthorized, "anonymous_not_allowed", "sign in to continue"}
	}
	if len(identity.Roles) == 0 {
		identity.Roles = []string{a.defaultRole}
	}
	return identity, nil
}

func verificationRejection(err error) *rejection {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &rejection{http.StatusServiceUnavailable, "verification_unavailable", "token verification timed out"}
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		return &rejection{http.StatusUnauthorized, "token_expired", "firebase id token expired"}
	case firebaseauth.IsIDTokenRevoked(err):
		return &rejection{http.StatusUnauthorized, "token_revoked", "firebase id token revoked"}
	default:
		return &rejection{http.StatusUnauthorized, "invalid_token", "firebase id token invalid"}
	}
}

// claimRoles accepts "admin", ["staff","admin"] or {"staff": true}.
func claimRoles(raw any) []string {
	var names []string
	switch v := raw.(type) {
	case string:
		names = []string{v}
	case []string:
		names = v
	case []any:
		for _, item := range v {
			if name, ok := item.(string); ok {
				names = append(names, name)
			}
		}
	case map[string]any:
		for name, granted := range v {
			if ok, _ := granted.(bool); ok {
				names = append(names, name)
			}
		}
		slices.Sort(names)
	}
	return normaliseRoles(names)
}

func normaliseRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role != "" && !slices.Contains(out, role) {
			out = append(out, role)
		}
	}
	return out
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
