package middleware

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DukeRupert/academy-billing/internal/auth"
	"github.com/DukeRupert/academy-billing/internal/repository"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

// =============================================================================
// Mock ManagerLookup
// =============================================================================

type mockManagers struct {
	managers map[uuid.UUID]repository.Manager
	err      error
}

func (m *mockManagers) GetManagerByUser(_ context.Context, userID uuid.UUID) (repository.Manager, error) {
	if m.err != nil {
		return repository.Manager{}, m.err
	}
	manager, ok := m.managers[userID]
	if !ok {
		return repository.Manager{}, sql.ErrNoRows
	}
	return manager, nil
}

func signToken(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestRequireAcademy(t *testing.T) {
	userID := uuid.New()
	academyID := uuid.New()
	managers := &mockManagers{managers: map[uuid.UUID]repository.Manager{
		userID: {UserID: userID, AcademyID: academyID, Email: "owner@academy.test"},
	}}

	valid := jwt.RegisteredClaims{
		Subject:   userID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{
			name:       "valid token",
			header:     "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, valid),
			wantStatus: http.StatusOK,
		},
		{
			name:       "lowercase scheme",
			header:     "bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, valid),
			wantStatus: http.StatusOK,
		},
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", wantStatus: http.StatusUnauthorized},
		{
			name:       "wrong secret",
			header:     "Bearer " + signToken(t, jwt.SigningMethodHS256, "other", valid),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "other hmac algorithm",
			header:     "Bearer " + signToken(t, jwt.SigningMethodHS512, testSecret, valid),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "expired",
			header: "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{
				Subject:   userID.String(),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "subject is not a uuid",
			header:     "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{Subject: "admin"}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "user manages no academy",
			header:     "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{Subject: uuid.NewString()}),
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := NewAuthMiddleware(testSecret, managers, slog.New(slog.NewTextHandler(io.Discard, nil)))

			var got *auth.Principal
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = auth.GetPrincipal(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/api/subscription/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			mw.RequireAcademy(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus != http.StatusOK {
				assert.Nil(t, got, "handler must not run")
				assert.Contains(t, rec.Body.String(), "unauthorized")
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, academyID, got.AcademyID)
			assert.Equal(t, userID, got.UserID)
		})
	}
}

func TestRequireAcademy_LookupFailure(t *testing.T) {
	mw := NewAuthMiddleware(testSecret, &mockManagers{err: io.ErrUnexpectedEOF}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := httptest.NewRequest(http.MethodGet, "/api/subscription/status", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{Subject: uuid.NewString()}))
	rec := httptest.NewRecorder()

	mw.RequireAcademy(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler called")
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
