package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const defaultClockSkew = 2 * time.Minute

// AuthConfig configures HMAC-signed JWT bearer authentication. Tokens name
// the account they act for in the sub claim.
type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	// ScopeClaim holds a space separated string or a list. Defaults to "scope".
	ScopeClaim string
	// AdminScope lets a token act for any account, e.g. a liquidation keeper
	// or the operator's tooling. Empty disables the override.
	AdminScope string
	ClockSkew  time.Duration
}

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	Subject string
	Scopes  []string
	// Admin is set when the token carries the configured admin scope.
	Admin bool
}

type principalKey struct{}

// PrincipalFrom returns the caller authenticated for this request. ok is
// false when authentication is disabled.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator validates bearer tokens on the routes it wraps.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator builds an authenticator. A disabled config admits every
// request without attaching a principal.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.ScopeClaim) == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = defaultClockSkew
	}
	return &Authenticator{
		cfg:    cfg,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
		logger: logger,
	}
}

// Enabled reports whether requests are checked.
func (a *Authenticator) Enabled() bool {
	return a != nil && a.cfg.Enabled
}

// Middleware rejects requests without a valid token (401) or without every
// required scope (403). Admitted requests carry a Principal.
func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			token := extractBearer(r.Header.Get("Authorization"))
			if token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			principal, err := a.authenticate(token)
			if err != nil {
				a.logger.Warn("gateway auth rejected token",
					slog.String("path", r.URL.Path),
					slog.String("request_id", RequestIDFrom(r.Context())),
					slog.String("reason", err.Error()))
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if !hasScopes(principal.Scopes, requiredScopes) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) authenticate(raw string) (Principal, error) {
	if len(a.secret) == 0 {
		return Principal{}, errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, err
	}
	if !token.Valid {
		return Principal{}, errors.New("token invalid")
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return Principal{}, err
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	scopes := extractScopes(claims, a.cfg.ScopeClaim)
	return Principal{
		Subject: subject,
		Scopes:  scopes,
		Admin:   a.cfg.AdminScope != "" && hasScopes(scopes, []string{a.cfg.AdminScope}),
	}, nil
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	switch v := claims[scopeClaim].(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScopes(scopes []string, required []string) bool {
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	for _, req := range required {
		if req == "" {
			continue
		}
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
