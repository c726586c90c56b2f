// Package clientauth verifies the bearer tokens presented by ingest clients
// and turns them into a trusted model.VerifiedClientContext.
package clientauth

import (
	"errors"
	"strings"
	"time"

	"log-ingest-gateway/internal/model"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeReplay gates POST /replay.
const ScopeReplay = "log:replay"

// TokenVerificationError is returned for every missing, malformed, or
// rejected bearer token. Reason is safe to show to the client.
type TokenVerificationError struct {
	Reason string
	Err    error
}

func (e *TokenVerificationError) Error() string { return e.Reason }
func (e *TokenVerificationError) Unwrap() error { return e.Err }

// Verifier validates an Authorization header value.
type Verifier interface {
	Verify(authorization string) (model.VerifiedClientContext, error)
}

// claims carried by client tokens. scope may be a space separated string
// (OAuth style) or a JSON array.
type clientClaims struct {
	RoomID string `json:"room_id,omitempty"`
	Scope  any    `json:"scope,omitempty"`
	Scopes any    `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// HMACVerifier checks HS256 tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewHMACVerifier returns a verifier for tokens signed with secret.
// An empty issuer disables the iss check.
func NewHMACVerifier(secret, issuer string) (*HMACVerifier, error) {
	if secret == "" {
		return nil, errors.New("clientauth: token secret is required")
	}
	return &HMACVerifier{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second}, nil
}

// Verify implements Verifier.
func (v *HMACVerifier) Verify(authorization string) (model.VerifiedClientContext, error) {
	raw, err := BearerToken(authorization)
	if err != nil {
		return model.VerifiedClientContext{}, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims clientClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return model.VerifiedClientContext{}, &TokenVerificationError{Reason: "Invalid bearer token", Err: err}
	}
	if !token.Valid {
		return model.VerifiedClientContext{}, &TokenVerificationError{Reason: "Invalid bearer token"}
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return model.VerifiedClientContext{}, &TokenVerificationError{Reason: "Bearer token has no subject"}
	}

	return model.VerifiedClientContext{
		ClientID: sub,
		RoomID:   strings.TrimSpace(claims.RoomID),
		Scopes:   mergeScopes(claims.Scope, claims.Scopes),
	}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(authorization string) (string, error) {
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return "", &TokenVerificationError{Reason: "Missing Authorization header"}
	}
	scheme, token, ok := strings.Cut(authorization, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", &TokenVerificationError{Reason: "Authorization header must use the Bearer scheme"}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", &TokenVerificationError{Reason: "Empty bearer token"}
	}
	return token, nil
}

// IssueHMAC signs a client token. Used by tests and operator tooling.
func IssueHMAC(secret string, clientID, roomID string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := clientClaims{
		RoomID: roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if len(scopes) > 0 {
		claims.Scope = strings.Join(scopes, " ")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func mergeScopes(values ...any) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	for _, v := range values {
		switch tv := v.(type) {
		case string:
			for _, s := range strings.Fields(tv) {
				add(s)
			}
		case []any:
			for _, item := range tv {
				if s, ok := item.(string); ok {
					add(s)
				}
			}
		}
	}
	return out
}
