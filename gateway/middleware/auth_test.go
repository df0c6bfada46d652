package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const authTestSecret = "lendingd-test-secret"

func signTestJWT(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func testClaims(scope string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":   "mm1subject",
		"iss":   "mm-auth",
		"aud":   "lendingd",
		"scope": scope,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Minute).Unix(),
	}
}

func newTestAuthenticator() *Authenticator {
	return NewAuthenticator(AuthConfig{
		Enabled:    true,
		HMACSecret: authTestSecret,
		Issuer:     "mm-auth",
		Audience:   "lendingd",
		AdminScope: "lending:admin",
	}, nil)
}

func TestAuthenticatorValidatesTokens(t *testing.T) {
	auth := newTestAuthenticator()
	handler := auth.Middleware("lending:write")(okHandler())

	expired := testClaims("lending:write")
	expired["exp"] = time.Now().Add(-10 * time.Minute).Unix()
	wrongIssuer := testClaims("lending:write")
	wrongIssuer["iss"] = "someone-else"
	wrongAudience := testClaims("lending:write")
	wrongAudience["aud"] = []string{"other-service"}
	noSubject := testClaims("lending:write")
	delete(noSubject, "sub")
	noExpiry := testClaims("lending:write")
	delete(noExpiry, "exp")

	cases := map[string]struct {
		header string
		want   int
	}{
		"missing":        {"", http.StatusUnauthorized},
		"not bearer":     {"Basic " + signTestJWT(t, authTestSecret, testClaims("lending:write")), http.StatusUnauthorized},
		"wrong secret":   {"Bearer " + signTestJWT(t, "other-secret", testClaims("lending:write")), http.StatusUnauthorized},
		"expired":        {"Bearer " + signTestJWT(t, authTestSecret, expired), http.StatusUnauthorized},
		"no expiry":      {"Bearer " + signTestJWT(t, authTestSecret, noExpiry), http.StatusUnauthorized},
		"wrong issuer":   {"Bearer " + signTestJWT(t, authTestSecret, wrongIssuer), http.StatusUnauthorized},
		"wrong audience": {"Bearer " + signTestJWT(t, authTestSecret, wrongAudience), http.StatusUnauthorized},
		"no subject":     {"Bearer " + signTestJWT(t, authTestSecret, noSubject), http.StatusUnauthorized},
		"missing scope":  {"Bearer " + signTestJWT(t, authTestSecret, testClaims("lending:read")), http.StatusForbidden},
		"valid":          {"Bearer " + signTestJWT(t, authTestSecret, testClaims("lending:read lending:write")), http.StatusOK},
		"lowercase":      {"bearer " + signTestJWT(t, authTestSecret, testClaims("lending:write")), http.StatusOK},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/repay", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			if res.Code != tc.want {
				t.Fatalf("got %d want %d: %s", res.Code, tc.want, res.Body.String())
			}
		})
	}
}

func TestAuthenticatorRejectsNoneAlgorithm(t *testing.T) {
	auth := newTestAuthenticator()
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, testClaims("lending:write")).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/supply", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	auth.Middleware()(okHandler()).ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned token accepted: %d", res.Code)
	}
}

func TestAuthenticatorAttachesPrincipal(t *testing.T) {
	auth := newTestAuthenticator()
	var got Principal
	var ok bool
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = PrincipalFrom(r.Context())
	}))

	claims := testClaims("")
	claims["scope"] = []string{"lending:write", "lending:admin"}
	req := httptest.NewRequest(http.MethodPost, "/liquidate", nil)
	req.Header.Set("Authorization", "Bearer "+signTestJWT(t, authTestSecret, claims))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if !ok {
		t.Fatalf("principal missing from context")
	}
	if got.Subject != "mm1subject" || !got.Admin || len(got.Scopes) != 2 {
		t.Fatalf("unexpected principal %+v", got)
	}
}

func TestAuthenticatorDisabledAdmitsAll(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	var attached bool
	handler := auth.Middleware("lending:write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, attached = PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/repay", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("disabled authenticator rejected request: %d", res.Code)
	}
	if attached {
		t.Fatalf("disabled authenticator attached a principal")
	}
}
