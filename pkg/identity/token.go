package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role scopes what a bearer token may do at the API.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleOperator Role = "operator"
)

const tokenIssuer = "openibank"

// Claims is the JWT payload for API callers. Subject is the agent id.
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// TokenManager issues and validates HS256 bearer tokens.
type TokenManager struct {
	secret []byte
	clock  func() time.Time
}

func NewTokenManager(secret []byte) (*TokenManager, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	return &TokenManager{secret: secret, clock: time.Now}, nil
}

// WithClock overrides the time source used for issuance and validation.
func (tm *TokenManager) WithClock(clock func() time.Time) *TokenManager {
	tm.clock = clock
	return tm
}

// Issue creates a signed token for subject with the given role.
func (tm *TokenManager) Issue(subject string, role Role, ttl time.Duration) (string, error) {
	now := tm.clock().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses a token and checks signature, issuer and expiry.
func (tm *TokenManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		return tm.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(tm.clock),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if claims.Role != RoleAgent && claims.Role != RoleOperator {
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}
	return claims, nil
}
