package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
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

func serveWithAuth(t *testing.T, authn *Authenticator, header string, roles ...string) (*httptest.ResponseRecorder, *Identity) {
	t.Helper()
	var seen *Identity
	handler := authn.RequireAuth(roles...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, seen
}

func TestRequireAuthDefaultsToDonor(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{UID: "uid-1", Claims: map[string]any{"email": " donor@example.org "}}}

	rr, identity := serveWithAuth(t, NewAuthenticator(verifier), "Bearer tok-1")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if verifier.received != "tok-1" {
		t.Fatalf("expected token to be forwarded, got %q", verifier.received)
	}
	if identity == nil || !identity.HasRole(RoleDonor) || identity.IsStaff() {
		t.Fatalf("expected donor identity, got %#v", identity)
	}
	if identity.Email != "donor@example.org" || identity.ActorID() != "donor:uid-1" {
		t.Fatalf("unexpected identity %#v (%s)", identity, identity.ActorID())
	}
}

func TestRequireAuthStaffRoles(t *testing.T) {
	cases := map[string]any{
		"string": "Staff",
		"list":   []any{"donor", "staff"},
		"map":    map[string]any{"staff": true, "donor": false},
	}
	for name, claim := range cases {
		t.Run(name, func(t *testing.T) {
			verifier := &stubTokenVerifier{token: &firebaseauth.Token{UID: "uid-9", Claims: map[string]any{"role": claim}}}
			rr, identity := serveWithAuth(t, NewAuthenticator(verifier), "Bearer tok", RoleStaff)
			if rr.Code != http.StatusNoContent {
				t.Fatalf("expected 204, got %d", rr.Code)
			}
			if identity.ActorID() != "staff:uid-9" {
				t.Fatalf("unexpected actor %q", identity.ActorID())
			}
		})
	}
}

func TestRequireAuthRejects(t *testing.T) {
	donor := &stubTokenVerifier{token: &firebaseauth.Token{UID: "uid-1", Claims: map[string]any{}}}

	rr, _ := serveWithAuth(t, NewAuthenticator(donor), "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without header, got %d", rr.Code)
	}

	rr, _ = serveWithAuth(t, NewAuthenticator(donor), "Basic abc")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for non-bearer scheme, got %d", rr.Code)
	}

	rr, _ = serveWithAuth(t, NewAuthenticator(donor), "Bearer tok", RoleStaff)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for donor on staff route, got %d", rr.Code)
	}

	failing := &stubTokenVerifier{err: errors.New("bad signature")}
	rr, _ = serveWithAuth(t, NewAuthenticator(failing), "Bearer tok")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "invalid_token" {
		t.Fatalf("unexpected error code %v", body["error"])
	}
}
