package util

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by identity-provider session tokens.
type Claims struct {
	Email     string `json:"email,omitempty"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

var (
	hmacMethods  = []string{"HS256", "HS384", "HS512"}
	rsaMethods   = []string{"RS256", "RS384", "RS512"}
	ecdsaMethods = []string{"ES256", "ES384", "ES512"}
)

// TokenVerifier validates session tokens against a single key parsed at construction.
type TokenVerifier struct {
	key     any
	methods []string
}

// NewTokenVerifier reads keyMaterial as a PEM-encoded RSA or ECDSA public key when it
// holds a PEM block, and as an HMAC secret otherwise.
func NewTokenVerifier(keyMaterial string) (*TokenVerifier, error) {
	if strings.TrimSpace(keyMaterial) == "" {
		return nil, errors.New("token verification key is empty")
	}

	block, _ := pem.Decode([]byte(keyMaterial))
	if block == nil {
		return &TokenVerifier{key: []byte(keyMaterial), methods: hmacMethods}, nil
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return &TokenVerifier{key: k, methods: rsaMethods}, nil
	case *ecdsa.PublicKey:
		return &TokenVerifier{key: k, methods: ecdsaMethods}, nil
	default:
		return nil, fmt.Errorf("unsupported public key type %T", pub)
	}
}

// Verify checks the signature and expiry of tokenString and returns its claims. Tokens
// signed with an algorithm family other than the key's are rejected.
func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return v.key, nil },
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}
