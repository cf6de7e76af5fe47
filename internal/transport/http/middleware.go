package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/classping/notify/internal/core/domain"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const actorContextKey = ContextKey("actor")

// ActorFromContext returns the authenticated actor placed by AuthMiddleware.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(domain.Actor)
	return actor, ok
}

// AuthMiddleware validates the bearer token issued by the school account
// system and places the resulting actor in the request context. Tokens are
// HS256 with the shared access secret; claims carry the user id in "sub",
// the display name in "unm" and the role in "rol".
func AuthMiddleware(accessSecret string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.WarnContext(r.Context(), "Authorization header missing")
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				logger.WarnContext(r.Context(), "Invalid Authorization header format")
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			actor, err := actorFromToken(parts[1], accessSecret)
			if err != nil {
				logger.WarnContext(r.Context(), "Token validation failed", "error", err)
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), actorContextKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func actorFromToken(tokenString, secret string) (domain.Actor, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Actor{}, errors.New("unexpected claims type")
	}
	sub, _ := claims["sub"].(string)
	name, _ := claims["unm"].(string)
	role, _ := claims["rol"].(string)

	id, err := uuid.Parse(sub)
	if err != nil {
		return domain.Actor{}, errors.New("subject is not a user id")
	}
	switch domain.Role(role) {
	case domain.RoleTeacher, domain.RoleAdmin, domain.RoleSystem:
	default:
		return domain.Actor{}, errors.New("unknown role claim")
	}
	return domain.Actor{ID: id, Role: domain.Role(role), Name: name}, nil
}
