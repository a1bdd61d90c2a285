package auth

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestPrincipalContext(t *testing.T) {
	_, ok := AcademyID(context.Background())
	assert.False(t, ok)
	assert.Nil(t, GetPrincipal(context.Background()))

	p := &Principal{UserID: uuid.New(), AcademyID: uuid.New()}
	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(SetPrincipal(req.Context(), p))

	got, ok := AcademyFromRequest(req)
	assert.True(t, ok)
	assert.Equal(t, p.AcademyID, got)
	assert.Same(t, p, GetPrincipal(req.Context()))
}
