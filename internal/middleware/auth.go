// Package middleware contains HTTP middleware for the billing API.
//
// Middleware functions follow the standard Go pattern of wrapping http.Handler.
// They are designed to be composed using a middleware stack approach.
package middleware

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/DukeRupert/academy-billing/internal/auth"
	"github.com/DukeRupert/academy-billing/internal/handler"
	"github.com/DukeRupert/academy-billing/internal/repository"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// =============================================================================
// Auth Middleware
// =============================================================================

// ManagerLookup resolves a token subject to the academy they manage.
type ManagerLookup interface {
	GetManagerByUser(ctx context.Context, userID uuid.UUID) (repository.Manager, error)
}

// AuthMiddleware verifies bearer tokens issued by the academy platform.
//
// Tokens are HS256 JWTs. The subject is the manager's user id, and the
// academy is whichever one that user manages.
type AuthMiddleware struct {
	secret   []byte
	managers ManagerLookup
	logger   *slog.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware instance.
func NewAuthMiddleware(secret string, managers ManagerLookup, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		secret:   []byte(secret),
		managers: managers,
		logger:   logger,
	}
}

// errNoManager means the subject is valid but manages no academy.
var errNoManager = errors.New("user does not manage an academy")

// RequireAcademy rejects requests without a valid bearer token with 401 and
// otherwise stores the auth.Principal in the request context.
func (m *AuthMiddleware) RequireAcademy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := m.authenticate(r)
		if err != nil {
			m.logger.Info("authentication failed",
				"path", r.URL.Path,
				"ip", getClientIP(r),
				"error", err,
			)
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.SetPrincipal(r.Context(), p)))
	})
}

// authenticate extracts the Bearer token, validates it, and loads the manager.
func (m *AuthMiddleware) authenticate(r *http.Request) (*auth.Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, jwt.ErrTokenMalformed
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, jwt.ErrTokenMalformed
	}

	token, err := jwt.Parse(strings.TrimSpace(parts[1]), func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}

	sub, err := token.Claims.GetSubject()
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return nil, jwt.ErrTokenMalformed
	}

	manager, err := m.managers.GetManagerByUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNoManager
		}
		return nil, fmt.Errorf("load manager: %w", err)
	}

	return &auth.Principal{
		UserID:    manager.UserID,
		AcademyID: manager.AcademyID,
		Email:     manager.Email,
	}, nil
}
