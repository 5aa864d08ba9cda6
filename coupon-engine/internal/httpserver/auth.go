package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type principalKey struct{}

// Principal is the authenticated caller.
type Principal struct {
	UserID int64
	Admin  bool
}

func principalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// authenticate accepts an HS256 bearer token whose sub claim is the numeric user id. Without a
// secret it trusts X-User-ID and X-User-Role, which is only meant for local development.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			p   Principal
			err error
		)
		if s.jwtSecret == "" {
			p, err = principalFromHeaders(r)
		} else {
			p, err = s.principalFromToken(r)
		}
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := principalFrom(r.Context()); !ok || !p.Admin {
			respondError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principalFromHeaders(r *http.Request) (Principal, error) {
	raw := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if raw == "" {
		return Principal{}, errors.New("authentication required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return Principal{}, errors.New("invalid X-User-ID")
	}
	return Principal{UserID: id, Admin: strings.EqualFold(r.Header.Get("X-User-Role"), "admin")}, nil
}

func (s *Server) principalFromToken(r *http.Request) (Principal, error) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return Principal{}, errors.New("bearer token required")
	}
	tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Principal{}, fmt.Errorf("token parse error: %w", err)
	}
	if !token.Valid {
		return Principal{}, errors.New("invalid token")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Principal{}, errors.New("token missing sub")
	}
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || id <= 0 {
		return Principal{}, errors.New("token sub is not a user id")
	}
	return Principal{UserID: id, Admin: hasRole(claims, "admin")}, nil
}

func hasRole(claims jwt.MapClaims, role string) bool {
	switch v := claims["roles"].(type) {
	case []interface{}:
		for _, r := range v {
			if s, ok := r.(string); ok && s == role {
				return true
			}
		}
	case string:
		for _, r := range strings.Fields(v) {
			if r == role {
				return true
			}
		}
	}
	return false
}
