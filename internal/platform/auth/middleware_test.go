package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func serve(t *testing.T, authn *Authenticator, header string, roles ...string) (*httptest.ResponseRecorder, *Identity) {
	t.Helper()
	var seen *Identity
	handler := authn.RequireFirebaseAuth(roles...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/cart", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, seen
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	code, _ := body["error"].(string)
	return code
}

func TestRequireFirebaseAuthBuildsIdentity(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{
		UID:      "uid-123",
		Firebase: firebaseauth.FirebaseInfo{SignInProvider: "password"},
		Claims: map[string]any{
			"role":           []any{"Staff", "admin", "staff"},
			"email":          " shopper@example.com ",
			"email_verified": true,
		},
	}}

	rr, identity := serve(t, NewAuthenticator(verifier), "bearer token-value", RoleStaff)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if verifier.received != "token-value" {
		t.Fatalf("verifier received %q", verifier.received)
	}
	if identity.UID != "uid-123" || identity.Email != "shopper@example.com" || !identity.EmailVerified {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if !reflect.DeepEqual(identity.Roles, []string{"staff", "admin"}) {
		t.Fatalf("unexpected roles %v", identity.Roles)
	}
	if identity.Anonymous() || identity.Token() == nil {
		t.Fatalf("unexpected identity state %+v", identity)
	}
}

func TestRequireFirebaseAuthRejections(t *testing.T) {
	cases := []struct {
		name     string
		verifier *stubTokenVerifier
		header   string
		roles    []string
		status   int
		code     string
	}{
		{"missing header", &stubTokenVerifier{}, "", nil, http.StatusUnauthorized, "unauthenticated"},
		{"wrong scheme", &stubTokenVerifier{}, "Basic abc", nil, http.StatusUnauthorized, "unauthenticated"},
		{"expired", &stubTokenVerifier{err: ErrTokenExpired}, "Bearer t", nil, http.StatusUnauthorized, "token_expired"},
		{"invalid", &stubTokenVerifier{err: errors.New("bad signature")}, "Bearer t", nil, http.StatusUnauthorized, "invalid_token"},
		{"timeout", &stubTokenVerifier{err: context.DeadlineExceeded}, "Bearer t", nil, http.StatusServiceUnavailable, "verification_unavailable"},
		{"no subject", &stubTokenVerifier{token: &firebaseauth.Token{}}, "Bearer t", nil, http.StatusUnauthorized, "invalid_token"},
		{
			"insufficient role",
			&stubTokenVerifier{token: &firebaseauth.Token{UID: "uid-1", Claims: map[string]any{"role": "shopper"}}},
			"Bearer t", []string{RoleAdmin}, http.StatusForbidden, "insufficient_role",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr, identity := serve(t, NewAuthenticator(tc.verifier), tc.header, tc.roles...)
			if rr.Code != tc.status || identity != nil {
				t.Fatalf("expected %d without identity, got %d", tc.status, rr.Code)
			}
			if code := errorCode(t, rr); code != tc.code {
				t.Fatalf("expected error %q, got %q", tc.code, code)
			}
		})
	}
}

func TestRequireFirebaseAuthAnonymousShoppers(t *testing.T) {
	token := &firebaseauth.Token{
		UID:      "guest-1",
		Firebase: firebaseauth.FirebaseInfo{SignInProvider: "anonymous"},
		Claims:   map[string]any{},
	}
	cases := []struct {
		name  string
		allow bool
		want  int
	}{
		{"rejected by default", false, http.StatusUnauthorized},
		{"allowed when enabled", true, http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			authn := NewAuthenticator(&stubTokenVerifier{token: token}, WithAnonymousShoppers(tc.allow))
			rr, identity := serve(t, authn, "Bearer guest")
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
			if tc.allow && !identity.Anonymous() {
				t.Fatalf("expected anonymous identity, got %+v", identity)
			}
		})
	}
}

func TestRequireFirebaseAuthDefaultRole(t *testing.T) {
	token := &firebaseauth.Token{UID: "uid-456", Claims: map[string]any{}}

	_, identity := serve(t, NewAuthenticator(&stubTokenVerifier{token: token}), "Bearer t")
	if !reflect.DeepEqual(identity.Roles, []string{RoleShopper}) {
		t.Fatalf("expected default role, got %v", identity.Roles)
	}

	_, identity = serve(t, NewAuthenticator(&stubTokenVerifier{token: token}, WithDefaultRole(" Staff ")), "Bearer t", RoleStaff)
	if identity == nil || !identity.HasAnyRole(RoleStaff) {
		t.Fatalf("expected overridden default role, got %+v", identity)
	}
}

func TestClaimRoles(t *testing.T) {
	cases := []struct {
		raw  any
		want []string
	}{
		{nil, []string{}},
		{" Admin ", []string{"admin"}},
		{[]string{"staff", "STAFF", ""}, []string{"staff"}},
		{[]any{"staff", 42, "admin"}, []string{"staff", "admin"}},
		{map[string]any{"staff": true, "admin": true, "owner": false}, []string{"admin", "staff"}},
	}
	for _, tc := range cases {
		if got := claimRoles(tc.raw); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("claimRoles(%v) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}
