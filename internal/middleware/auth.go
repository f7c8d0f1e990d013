// Package middleware provides HTTP middleware for the relay API
package middleware

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/auth"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/errors"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/httputil"
	"github.com/Carbon-Twelve-C12/quantera-sub007/pkg/logger"
)

// Claims represents JWT claims. The subject is the principal id.
type Claims struct {
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware verifies RS256 bearer tokens and stores the resolved
// principal on the request context. Requests without a token continue
// anonymously; the services decide what anonymous callers may do.
type AuthMiddleware struct {
	publicKey *rsa.PublicKey
	allow     *auth.Allowlist
	logger    *logger.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates a new authentication middleware. A nil key
// rejects every presented token.
func NewAuthMiddleware(publicKey *rsa.PublicKey, allow *auth.Allowlist, log *logger.Logger, skipPaths []string) *AuthMiddleware {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}
	return &AuthMiddleware{
		publicKey: publicKey,
		allow:     allow,
		logger:    log,
		skipPaths: skip,
	}
}

// LoadPublicKey reads a PEM encoded RSA public key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key: %w", err)
	}
	return key, nil
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			m.respondError(w, r, errors.Unauthorized("Invalid Authorization header format"))
			return
		}

		claims, err := m.validateToken(parts[1])
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		roles := claims.Roles
		if claims.Role != "" {
			roles = append(roles, claims.Role)
		}
		principal := m.allow.Resolve(claims.Subject, roles...)

		ctx := auth.WithPrincipal(r.Context(), principal)
		ctx = logger.WithUserID(ctx, principal.ID)

		m.logger.WithContext(ctx).WithField("roles", principal.Roles()).Debug("authentication successful")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	if m.publicKey == nil {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "token verification is not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.publicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return nil, errors.InvalidToken(err)
	}
	if !token.Valid {
		return nil, errors.InvalidToken(nil)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "invalid claims type")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "missing subject")
	}
	return claims, nil
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
	}).Warn("authentication failed")
	httputil.WriteError(w, r, err)
}
