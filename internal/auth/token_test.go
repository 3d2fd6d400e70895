package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRole_AtLeast(t *testing.T) {
	assert.True(t, RoleAdmin.AtLeast(RoleManager))
	assert.True(t, RoleManager.AtLeast(RoleWarehouseStaff))
	assert.True(t, RoleWarehouseStaff.AtLeast(RoleWarehouseStaff))
	assert.False(t, RoleViewer.AtLeast(RoleWarehouseStaff))
	assert.False(t, Role("root").AtLeast(RoleViewer))
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Manager ")
	require.NoError(t, err)
	assert.Equal(t, RoleManager, r)

	_, err = ParseRole("superuser")
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestIssuer_RoundTrip(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)
	token, err := iss.Issue("u-1", RoleWarehouseStaff)
	require.NoError(t, err)

	claims, err := iss.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID())
	assert.Equal(t, RoleWarehouseStaff, claims.Role)
}

func TestIssuer_Rejects(t *testing.T) {
	iss := NewIssuer("secret", time.Minute)
	token, err := iss.Issue("u-1", RoleViewer)
	require.NoError(t, err)

	_, err = NewIssuer("other", time.Minute).Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "wrong secret")

	iss.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = iss.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "expired")

	_, err = iss.Parse("")
	assert.ErrorIs(t, err, ErrMissingToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{Subject: "x"}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = NewIssuer("secret", time.Minute).Parse(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken, "alg none")

	_, err = iss.Issue("u-1", "root")
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/push?token=q", nil)
	assert.Equal(t, "q", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", TokenFromRequest(r), "header wins over query")

	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, TokenFromRequest(r))

	c := httptest.NewRequest("GET", "/", nil)
	c.Header.Set("Cookie", CookieName+"=c")
	assert.Equal(t, "c", TokenFromRequest(c))
}

func TestContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	c := &Claims{Role: RoleAdmin}
	assert.Same(t, c, FromContext(WithClaims(context.Background(), c)))
}
