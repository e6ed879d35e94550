package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestRankTokenRoundTrip(t *testing.T) {
	token, err := IssueRankToken(secret, "job-7", 2, 4, time.Hour)
	require.NoError(t, err)

	claims, err := Verify(secret, token)
	require.NoError(t, err)
	assert.Equal(t, 2, claims.Rank)
	assert.Equal(t, 4, claims.WorldSize)
	assert.Equal(t, "job-7", claims.JobID)
	assert.Equal(t, RoleRank, claims.Role)
	assert.Equal(t, Issuer, claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestTokensHaveDistinctIDs(t *testing.T) {
	a, err := IssueOperatorToken(secret, "ops", 0)
	require.NoError(t, err)
	b, err := IssueOperatorToken(secret, "ops", 0)
	require.NoError(t, err)

	ca, err := Verify(secret, a)
	require.NoError(t, err)
	cb, err := Verify(secret, b)
	require.NoError(t, err)
	assert.NotEqual(t, ca.ID, cb.ID)
	assert.Equal(t, RoleOperator, ca.Role)
	assert.Equal(t, "ops", ca.Subject)
}

func TestVerifyRejects(t *testing.T) {
	good, err := IssueRankToken(secret, "job", 0, 1, time.Hour)
	require.NoError(t, err)

	expired, err := IssueRankToken(secret, "job", 0, 1, -time.Minute)
	require.NoError(t, err)

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"},
	})
	foreignToken, err := foreign.SignedString([]byte(secret))
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret string
		token  string
	}{
		{"wrong secret", "other", good},
		{"garbage", secret, "not.a.token"},
		{"expired", secret, expired},
		{"foreign issuer", secret, foreignToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(tt.secret, tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestIssueRequiresSecret(t *testing.T) {
	_, err := IssueRankToken("", "job", 0, 1, time.Hour)
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	tok, err := BearerToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	for _, h := range []string{"", "Basic abc", "Bearer", "Bearer "} {
		_, err := BearerToken(h)
		assert.Error(t, err, h)
	}
}

func TestTokenCredentials(t *testing.T) {
	creds := TokenCredentials{Token: "xyz", Secure: true}
	md, err := creds.GetRequestMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer xyz", md["authorization"])
	assert.True(t, creds.RequireTransportSecurity())
}
