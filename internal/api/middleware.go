/**
 * @description
 * Authentication middleware for server-to-server calls.
 */
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// CallerContextKey holds the authenticated caller: "api-key" or the JWT subject.
const CallerContextKey = contextKey("caller")

// InternalAuthMiddleware accepts either the shared X-Internal-API-Key or an
// HS256 bearer token signed with jwtSecret. With neither configured the
// routes are open.
func InternalAuthMiddleware(requiredKey, jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" && jwtSecret == "" {
				next.ServeHTTP(w, r)
				return
			}

			if provided := r.Header.Get("X-Internal-API-Key"); requiredKey != "" && provided != "" {
				if subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) == 1 {
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), CallerContextKey, "api-key")))
					return
				}
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if jwtSecret == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			authHeader := r.Header.Get("Authorization")
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if authHeader == "" || tokenString == authHeader {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			subject, err := verifyServiceToken(tokenString, jwtSecret)
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), CallerContextKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func verifyServiceToken(tokenString, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if subject == "" {
		subject = "service"
	}
	return subject, nil
}

// CallerFromContext returns the authenticated caller of an internal route.
func CallerFromContext(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(CallerContextKey).(string)
	return caller, ok
}
