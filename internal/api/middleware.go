package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type TokenClaims struct {
	UserID    string `json:"uid"`
	Email     string `json:"email"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

type ctxUserKey struct{}

// userID returns the authenticated caller set by the identity middleware.
func userID(r *http.Request) string {
	uid, _ := r.Context().Value(ctxUserKey{}).(string)
	return uid
}

func withUser(r *http.Request, uid string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxUserKey{}, uid))
}

// identityMiddleware authenticates the caller. With a secret it verifies
// HS256 access tokens from the Authorization header, or from the
// access_token query parameter since browsers cannot set headers on
// websocket upgrades. Without a secret the X-User-Id header set by the
// gateway is trusted.
func identityMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				uid := strings.TrimSpace(r.Header.Get("X-User-Id"))
				if uid == "" {
					writeError(w, http.StatusUnauthorized, "unauthorized", "missing user context")
					return
				}
				next.ServeHTTP(w, withUser(r, uid))
				return
			}

			raw, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing Authorization header")
				return
			}

			claims := &TokenClaims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid || claims.TokenType != "access" || claims.UserID == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}

			r.Header.Set("X-User-Id", claims.UserID)
			next.ServeHTTP(w, withUser(r, claims.UserID))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return tok, true
	}
	return "", false
}
