package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in advisor tokens.
const (
	RoleAdvisor    = "advisor"
	RoleSupervisor = "supervisor"
	// RoleChannel is held by the channel adapter that pushes inbound
	// messages and receipts over HTTP.
	RoleChannel = "channel"
)

// AdvisorClaims identifies the advisor behind a request. Subject is the
// advisor id used for ownership checks.
type AdvisorClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenService verifies advisor tokens issued by the platform's auth
// service. Issue exists for tooling and tests.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
	now       func() time.Time
}

func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	return &TokenService{
		secret:    []byte(secret),
		expiresIn: expiresIn,
		now:       time.Now,
	}
}

// Issue signs a token for advisorID with the default TTL.
func (t *TokenService) Issue(advisorID, role string) (string, error) {
	return t.IssueWithTTL(advisorID, role, t.expiresIn)
}

func (t *TokenService) IssueWithTTL(advisorID, role string, ttl time.Duration) (string, error) {
	if advisorID == "" {
		return "", errors.New("advisor id is required")
	}
	if role == "" {
		role = RoleAdvisor
	}
	now := t.now()
	claims := AdvisorClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   advisorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Parse validates a token and returns its claims.
func (t *TokenService) Parse(tokenStr string) (*AdvisorClaims, error) {
	claims := &AdvisorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", jwt.ErrTokenInvalidClaims)
	}
	if claims.Role == "" {
		claims.Role = RoleAdvisor
	}
	return claims, nil
}
