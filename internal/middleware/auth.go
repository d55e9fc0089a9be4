// Package middleware содержит HTTP middleware реестра доноров.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/mmeshcher/donor-registry/internal/session"
)

type contextKey string

const usernameKey contextKey = "username"

const bearerPrefix = "Bearer "

// TokenParser проверяет токен сессии.
type TokenParser interface {
	Parse(token string) (*session.Claims, error)
}

// AuthMiddleware выполняет проверку токена сессии из заголовка Authorization.
type AuthMiddleware struct {
	tokens TokenParser
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware.
func NewAuthMiddleware(tokens TokenParser) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// Middleware проверяет токен и добавляет имя пользователя в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		claims, err := a.tokens.Parse(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), usernameKey, claims.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUsernameFromContext извлекает имя пользователя из контекста запроса.
func GetUsernameFromContext(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(usernameKey).(string)
	return username, ok && username != ""
}
