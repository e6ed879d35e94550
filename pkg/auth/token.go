// Package auth issues and verifies the HS256 tokens ranks present to the
// coordinator and operators present to the status API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// Issuer is stamped into every token
	Issuer = "kmedoids"

	RoleRank     = "rank"
	RoleOperator = "operator"
)

var (
	// ErrInvalidToken is returned for tokens that fail signature or claim checks
	ErrInvalidToken = errors.New("invalid token")
)

// Claims represents JWT claims
type Claims struct {
	Rank      int    `json:"rank"`
	WorldSize int    `json:"world_size"`
	JobID     string `json:"job_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// IssueRankToken creates a token binding a rank to a job
func IssueRankToken(secret, jobID string, rank, worldSize int, ttl time.Duration) (string, error) {
	return issue(secret, &Claims{
		Rank:      rank,
		WorldSize: worldSize,
		JobID:     jobID,
		Role:      RoleRank,
	}, ttl)
}

// IssueOperatorToken creates a token for the status API
func IssueOperatorToken(secret, subject string, ttl time.Duration) (string, error) {
	claims := &Claims{Rank: -1, Role: RoleOperator}
	claims.Subject = subject
	return issue(secret, claims, ttl)
}

func issue(secret string, claims *Claims, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("empty signing secret")
	}

	now := time.Now()
	claims.Issuer = Issuer
	claims.ID = uuid.NewString()
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Verify parses tokenString and checks its signature and standard claims
func Verify(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(Issuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

// TokenCredentials attaches a bearer token to every gRPC call. It satisfies
// credentials.PerRPCCredentials.
type TokenCredentials struct {
	Token string
	// Secure requires a TLS transport when true
	Secure bool
}

func (c TokenCredentials) GetRequestMetadata(_ context.Context, _ ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + c.Token}, nil
}

func (c TokenCredentials) RequireTransportSecurity() bool {
	return c.Secure
}
