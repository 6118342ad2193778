package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fkhayef/questarena/pkg/response"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// UserIDKey is the context key for the authenticated participant ID
	UserIDKey ContextKey = "user_id"
)

// Token errors
var (
	ErrTokenMissing = errors.New("token is required")
	ErrTokenInvalid = errors.New("invalid or expired token")
	ErrSubjectEmpty = errors.New("token subject is required")
)

// Authenticator validates HS256 bearer tokens and puts the subject claim into the context
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// NewAuthenticator creates an authenticator for tokens signed with secret
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// Middleware rejects requests without a valid bearer token
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			response.Unauthorized(w, "Authorization header required")
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(w, "Invalid authorization header format")
			return
		}

		participantID, err := a.Validate(parts[1])
		if err != nil {
			response.Unauthorized(w, err.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), participantID)))
	})
}

// Validate verifies the token signature and expiry and returns its subject
func (a *Authenticator) Validate(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrTokenMissing
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", ErrTokenInvalid
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", ErrSubjectEmpty
	}
	return subject, nil
}

// Issue signs a token for a participant. Used by tests and local tooling.
func (a *Authenticator) Issue(participantID string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   participantID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// TestUserMiddleware allows setting the participant via X-Test-User-ID header (DEV ONLY)
// This makes it easy to test as different participants without real auth
func TestUserMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		participantID := strings.TrimSpace(r.Header.Get("X-Test-User-ID"))
		if participantID == "" {
			response.Unauthorized(w, "X-Test-User-ID header required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), participantID)))
	})
}

// WithUserID returns a context carrying the participant ID
func WithUserID(ctx context.Context, participantID string) context.Context {
	return context.WithValue(ctx, UserIDKey, participantID)
}

// GetUserID extracts the participant ID from the request context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok && userID != ""
}
