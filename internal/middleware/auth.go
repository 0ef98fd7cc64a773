package middleware

import (
	"net/http"
	"strings"

	"github.com/autobotela-sys/zap-trading/internal/models"
	"github.com/autobotela-sys/zap-trading/internal/utils"
)

// TokenParser validates a bearer token and returns its claims
type TokenParser func(token string) (*models.Claims, error)

// AuthMiddleware checks for a valid JWT token and adds the user id to the context
func AuthMiddleware(parse TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorizationHeader := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(authorizationHeader, "Bearer ")
			if !ok || tokenString == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := parse(tokenString)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := utils.SetUserIDToContext(r.Context(), claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
