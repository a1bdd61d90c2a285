// Package auth provides authentication context helpers.
//
// This package is designed to be imported by both middleware and handler
// packages without causing import cycles.
package auth

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// principalContextKey stores the authenticated principal in context.
	principalContextKey contextKey = "principal"
)

// Principal is the authenticated manager and the academy they act for.
type Principal struct {
	UserID    uuid.UUID
	AcademyID uuid.UUID
	Email     string
}

// GetPrincipal retrieves the authenticated principal from the context.
//
// Returns nil if the request did not pass through authentication.
func GetPrincipal(ctx context.Context) *Principal {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	if !ok {
		return nil
	}
	return p
}

// AcademyID returns the academy of the authenticated principal.
//
// Usage:
//
//	academyID, ok := auth.AcademyID(r.Context())
//	if !ok {
//	    // Handle unauthenticated request
//	}
func AcademyID(ctx context.Context) (uuid.UUID, bool) {
	p := GetPrincipal(ctx)
	if p == nil {
		return uuid.Nil, false
	}
	return p.AcademyID, true
}

// AcademyFromRequest is AcademyID for a request.
func AcademyFromRequest(r *http.Request) (uuid.UUID, bool) {
	return AcademyID(r.Context())
}

// SetPrincipal stores a principal in the context.
//
// This is typically called by authentication middleware after validating
// a bearer token.
func SetPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}
