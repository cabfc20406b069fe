package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jwtRegisteredClaimsNow() jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
}

func signToken(t *testing.T, secret []byte, claims gatewayClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(secret)
	require.NoError(t, err)
	return s
}

func TestValidateTokenAccepted(t *testing.T) {
	secret := []byte("top-secret")
	m := NewJWTManager(string(secret))

	now := time.Now()
	tok := signToken(t, secret, gatewayClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		UserID: "u1",
		Email:  "alice@x.com",
	})

	claims, err := m.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice@x.com", claims.Email)
}

func TestValidateTokenRejectsMissingClaims(t *testing.T) {
	secret := []byte("top-secret")
	m := NewJWTManager(string(secret))

	now := time.Now()
	tok := signToken(t, secret, gatewayClaims{
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now)},
	})

	_, err := m.ValidateToken(tok)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpiredAge(t *testing.T) {
	secret := []byte("top-secret")
	m := NewJWTManager(string(secret))

	old := time.Now().Add(-2 * time.Hour)
	tok := signToken(t, secret, gatewayClaims{
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(old)},
		UserID:           "u1",
		Email:            "alice@x.com",
	})

	_, err := m.ValidateToken(tok)
	assert.Error(t, err)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	m := NewJWTManager("right-secret")

	now := time.Now()
	tok := signToken(t, []byte("wrong-secret"), gatewayClaims{
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now)},
		UserID:           "u1",
		Email:            "alice@x.com",
	})

	_, err := m.ValidateToken(tok)
	assert.Error(t, err)
}

func TestValidateTokenRejectsWrongAlgorithm(t *testing.T) {
	m := NewJWTManager("secret")

	tok := jwt.NewWithClaims(jwt.SigningMethodNone, gatewayClaims{
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(time.Now())},
		UserID:           "u1",
		Email:            "alice@x.com",
	})
	signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.ValidateToken(signed)
	assert.Error(t, err)
}

func TestValidateTokenRejectsOtherHMACVariants(t *testing.T) {
	secret := []byte("top-secret")
	m := NewJWTManager(string(secret))

	for _, method := range []*jwt.SigningMethodHMAC{jwt.SigningMethodHS384, jwt.SigningMethodHS512} {
		tok := jwt.NewWithClaims(method, gatewayClaims{
			RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(time.Now())},
			UserID:           "u1",
			Email:            "alice@x.com",
		})
		signed, err := tok.SignedString(secret)
		require.NoError(t, err)

		_, err = m.ValidateToken(signed)
		assert.Errorf(t, err, "%s should be rejected, only HS256 is accepted", method.Name)
	}
}
