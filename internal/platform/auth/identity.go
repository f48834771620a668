package auth

import (
	"context"
	"slices"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Roles read from the "role" custom claim. Tokens without the claim act as RoleShopper.
const (
	RoleShopper = "shopper"
	RoleStaff   = "staff"
	RoleAdmin   = "admin"
)

const anonymousProvider = "anonymous"

// Identity is the shopper behind a verified Firebase ID token.
type Identity struct {
	UID           string
	Email         string
	EmailVerified bool
	Roles         []string
	Provider      string

	token *firebaseauth.Token
}

// Token returns the decoded Firebase token, or nil for identities built by hand.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// Anonymous reports a Firebase anonymous sign-in (guest checkout).
func (i *Identity) Anonymous() bool {
	return i != nil && i.Provider == anonymousProvider
}

// HasAnyRole compares case-insensitively.
func (i *Identity) HasAnyRole(roles ...string) bool {
	if i == nil {
		return false
	}
	return slices.ContainsFunc(roles, func(want string) bool {
		want = strings.TrimSpace(want)
		return want != "" && slices.ContainsFunc(i.Roles, func(have string) bool {
			return strings.EqualFold(have, want)
		})
	})
}

type identityKey struct{}

// WithIdentity stores the shopper identity on ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity stored by RequireFirebaseAuth.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	return identity, ok && identity != nil
}

// ServiceIdentity is the workload that called an internal route with a Google-signed token.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
	Source   string
}

type serviceIdentityKey struct{}

func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityKey{}, identity)
}

func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}
