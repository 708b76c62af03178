package middlewares

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/runstr/exitfee-saga/internal/pkg/interceptors/constants"
)

// RoleAdmin is the value of the "role" claim that unlocks the admin routes.
const RoleAdmin = "admin"

type roleKey struct{}

// UserID returns the authenticated subject, or "" outside Authenticate.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(constants.ContextKeyUserID).(string)
	return id
}

func Role(ctx context.Context) string {
	role, _ := ctx.Value(roleKey{}).(string)
	return role
}

// WithIdentity is what Authenticate stores for a verified token. Tests use it
// to call handlers without signing tokens.
func WithIdentity(ctx context.Context, userID, role string) context.Context {
	ctx = context.WithValue(ctx, constants.ContextKeyUserID, userID)
	return context.WithValue(ctx, roleKey{}, role)
}

// Authenticate verifies an HS256 bearer token signed with secret and stores
// its sub and role claims in the request context.
func Authenticate(secret []byte) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(*jwt.Token) (interface{}, error) { return secret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenString == "" {
				unauthorized(w, "missing bearer token")
				return
			}

			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(tokenString, claims, keyFunc); err != nil {
				slog.WarnContext(r.Context(), "rejected token", "error", err)
				unauthorized(w, "invalid token")
				return
			}

			sub, err := claims.GetSubject()
			if err != nil || sub == "" {
				unauthorized(w, "token has no subject")
				return
			}
			role, _ := claims["role"].(string)

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), sub, role)))
		})
	}
}

// RequireAdmin rejects callers whose token lacks the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if Role(r.Context()) != RoleAdmin {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "forbidden", "message": "admin role required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="exitfee"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": msg})
}

// SignToken issues an HS256 token for sub valid for ttl. The operator CLI and
// tests use it.
func SignToken(secret []byte, sub, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if role != "" {
		claims["role"] = role
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}
