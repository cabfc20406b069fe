package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relaywave/gateway/errors"
)

// maxTokenAge enforces the one-hour maximum age named in the auth design,
// independent of whatever exp claim the issuer set.
const maxTokenAge = 1 * time.Hour

// gatewayClaims extends the registered claims with the identity fields the
// gateway requires.
type gatewayClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
}

// JWTManager verifies bearer tokens issued by an external authority using a
// shared symmetric secret. It does not issue tokens: token issuance is out
// of scope for the gateway.
type JWTManager struct {
	secret []byte
}

// NewJWTManager constructs a manager from the configured secret.
func NewJWTManager(secret string) *JWTManager {
	return &JWTManager{secret: []byte(secret)}
}

// ValidateToken parses tokenString, requiring HS256, a decodable issued-at
// no older than one hour, and non-empty id/email claims.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &gatewayClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.Newf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "auth: invalid token")
	}

	claims, ok := token.Claims.(*gatewayClaims)
	if !ok || !token.Valid {
		return nil, errors.New("auth: invalid token claims")
	}

	if claims.UserID == "" || claims.Email == "" {
		return nil, errors.New("auth: token missing id or email claim")
	}

	if claims.IssuedAt == nil {
		return nil, errors.New("auth: token missing issued-at claim")
	}
	if time.Since(claims.IssuedAt.Time) > maxTokenAge {
		return nil, errors.New("auth: token exceeds maximum age")
	}

	return &Claims{UserID: claims.UserID, Email: claims.Email, Name: claims.Name}, nil
}

// RemainingLifetime returns how long tokenString has left before its exp
// claim (or maxTokenAge from issued-at if exp is absent), used to size the
// TTL on a blacklist entry. A zero duration means the caller should fall
// back to a supplied default.
func (m *JWTManager) RemainingLifetime(tokenString string) time.Duration {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, &gatewayClaims{})
	if err != nil {
		return 0
	}
	claims, ok := token.Claims.(*gatewayClaims)
	if !ok {
		return 0
	}
	if claims.ExpiresAt != nil {
		if d := time.Until(claims.ExpiresAt.Time); d > 0 {
			return d
		}
		return 0
	}
	if claims.IssuedAt != nil {
		if d := maxTokenAge - time.Since(claims.IssuedAt.Time); d > 0 {
			return d
		}
	}
	return 0
}
