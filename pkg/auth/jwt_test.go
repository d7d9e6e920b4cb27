package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestIssueAndParse(t *testing.T) {
	v, err := NewVerifier(testSecret, "bus-assigning")
	require.NoError(t, err)

	tok, err := Issue(testSecret, "bus-assigning", "driver-7", RoleDriver, time.Hour, time.Now())
	require.NoError(t, err)

	p, err := v.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "driver-7", p.DriverID)
	assert.Equal(t, RoleDriver, p.Role)
	assert.False(t, p.IsAdmin())
}

func TestParse_Rejects(t *testing.T) {
	v, err := NewVerifier(testSecret, "bus-assigning")
	require.NoError(t, err)

	expired, err := Issue(testSecret, "bus-assigning", "d1", RoleDriver, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	wrongSecret, err := Issue("other", "bus-assigning", "d1", RoleDriver, time.Hour, time.Now())
	require.NoError(t, err)
	wrongIssuer, err := Issue(testSecret, "someone-else", "d1", RoleDriver, time.Hour, time.Now())
	require.NoError(t, err)
	badRole, err := Issue(testSecret, "bus-assigning", "d1", "superuser", time.Hour, time.Now())
	require.NoError(t, err)
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "d1", "role": "admin"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"wrong secret", wrongSecret},
		{"wrong issuer", wrongIssuer},
		{"unknown role", badRole},
		{"none algorithm", noneAlg},
		{"garbage", "not-a-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Parse(tt.token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidToken))
		})
	}
}

func TestFromRequest(t *testing.T) {
	v, err := NewVerifier(testSecret, "")
	require.NoError(t, err)
	tok, err := Issue(testSecret, "", "admin-1", RoleAdmin, time.Hour, time.Now())
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/admin/calls", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	p, err := v.FromRequest(r, false)
	require.NoError(t, err)
	assert.True(t, p.IsAdmin())

	r = httptest.NewRequest("GET", "/events?access_token="+tok, nil)
	_, err = v.FromRequest(r, false)
	assert.ErrorIs(t, err, ErrMissingToken)
	p, err = v.FromRequest(r, true)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", p.DriverID)

	r = httptest.NewRequest("GET", "/driver/calls", nil)
	r.Header.Set("Authorization", "Token "+tok)
	_, err = v.FromRequest(r, false)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPrincipalContext(t *testing.T) {
	ctx := WithPrincipal(context.Background(), &Principal{DriverID: "d1", Role: RoleDriver})
	p, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "d1", p.DriverID)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}

func TestNewVerifier_EmptySecret(t *testing.T) {
	_, err := NewVerifier("", "")
	assert.Error(t, err)
}
