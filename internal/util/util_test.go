package util

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signHS256(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func publicPEM(t *testing.T, pub any) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func validClaims() Claims {
	return Claims{
		Email:     "ops@example.com",
		SessionID: "sess_1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user_1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestTokenVerifierHMAC(t *testing.T) {
	const secret = "test-secret"
	v, err := NewTokenVerifier(secret)
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		claims, err := v.Verify(signHS256(t, secret, validClaims()))
		require.NoError(t, err)
		assert.Equal(t, "user_1", claims.Subject)
		assert.Equal(t, "sess_1", claims.SessionID)
		assert.Equal(t, "ops@example.com", claims.Email)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := v.Verify(signHS256(t, "other", validClaims()))
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		expired := validClaims()
		expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, err := v.Verify(signHS256(t, secret, expired))
		assert.Error(t, err)
	})

	t.Run("missing expiry", func(t *testing.T) {
		noExp := validClaims()
		noExp.ExpiresAt = nil
		_, err := v.Verify(signHS256(t, secret, noExp))
		assert.Error(t, err)
	})

	t.Run("missing subject", func(t *testing.T) {
		noSub := validClaims()
		noSub.Subject = ""
		_, err := v.Verify(signHS256(t, secret, noSub))
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.Verify("not-a-token")
		assert.Error(t, err)
	})
}

func TestTokenVerifierRSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v, err := NewTokenVerifier(publicPEM(t, &key.PublicKey))
	require.NoError(t, err)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims()).SignedString(key)
	require.NoError(t, err)
	claims, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user_1", claims.Subject)

	// An HMAC token must not be accepted by a public-key verifier.
	_, err = v.Verify(signHS256(t, "secret", validClaims()))
	assert.Error(t, err)
}

func TestTokenVerifierECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v, err := NewTokenVerifier(publicPEM(t, &key.PublicKey))
	require.NoError(t, err)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodES256, validClaims()).SignedString(key)
	require.NoError(t, err)
	_, err = v.Verify(tok)
	assert.NoError(t, err)
}

func TestNewTokenVerifierRejectsBadKeys(t *testing.T) {
	_, err := NewTokenVerifier("  ")
	assert.Error(t, err)

	_, err = NewTokenVerifier("-----BEGIN PUBLIC KEY-----\nbm90IGEga2V5\n-----END PUBLIC KEY-----\n")
	assert.Error(t, err)
}
