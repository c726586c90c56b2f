package sinkauth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Signer produces the signature segment of a JWT assertion.
// Algorithm is the JWS "alg" header value matching the signature.
type Signer interface {
	Algorithm() string
	Sign(ctx context.Context, data []byte) ([]byte, error)
}

// KeyIdentifier is implemented by signers that expose a key id for the
// JWT "kid" header.
type KeyIdentifier interface {
	KeyID() string
}

// RSASigner signs with RSASSA-PKCS1-v1_5 over SHA-256 (RS256).
type RSASigner struct {
	key   *rsa.PrivateKey
	keyID string
}

// NewRSASigner wraps an already parsed private key.
func NewRSASigner(key *rsa.PrivateKey, keyID string) (*RSASigner, error) {
	if key == nil {
		return nil, errors.New("sinkauth: nil RSA private key")
	}
	return &RSASigner{key: key, keyID: keyID}, nil
}

// NewRSASignerFromPEM parses a PKCS#1 or PKCS#8 PEM private key.
func NewRSASignerFromPEM(pemBytes []byte, keyID string) (*RSASigner, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("sinkauth: parsing private key: %w", err)
	}
	return NewRSASigner(key, keyID)
}

func (s *RSASigner) Algorithm() string { return jwt.SigningMethodRS256.Alg() }

func (s *RSASigner) KeyID() string { return s.keyID }

// Sign hashes data with SHA-256 and signs the digest.
func (s *RSASigner) Sign(_ context.Context, data []byte) ([]byte, error) {
	sig, err := jwt.SigningMethodRS256.Sign(string(data), s.key)
	if err != nil {
		return nil, fmt.Errorf("sinkauth: signing assertion: %w", err)
	}
	return sig, nil
}
