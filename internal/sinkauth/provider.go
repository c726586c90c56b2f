// Package sinkauth obtains OAuth access tokens for the logging sink by
// exchanging a self-signed JWT assertion (RFC 7523 jwt-bearer grant).
package sinkauth

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"log-ingest-gateway/internal/metrics"

	json "github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	// GrantTypeJWTBearer is the OAuth grant used for the exchange.
	GrantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// DefaultScope grants write access to Cloud Logging.
	DefaultScope = "https://www.googleapis.com/auth/logging.write"

	defaultAssertionLifetime = time.Hour
	defaultSkew              = 60 * time.Second
	defaultExpiresIn         = 3600
	exchangeTimeout          = 30 * time.Second

	cacheKey = "access_token"
)

// TokenSource hands out bearer tokens for the sink.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// UpstreamAuthError reports a failed token exchange. It is never retried
// inside the provider.
type UpstreamAuthError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamAuthError) Error() string {
	switch {
	case e.Err != nil:
		return "token exchange failed: " + e.Err.Error()
	case e.Body != "":
		return fmt.Sprintf("token exchange returned HTTP %d: %s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("token exchange returned HTTP %d", e.StatusCode)
	}
}

func (e *UpstreamAuthError) Unwrap() error { return e.Err }

// Config for a Provider.
type Config struct {
	Email      string        // service account email, JWT iss
	Scope      string        // OAuth scope requested
	TokenURI   string        // token endpoint, JWT aud
	Lifetime   time.Duration // assertion lifetime (exp - iat)
	Skew       time.Duration // refresh this long before expiry
	HTTPClient *http.Client
	Now        func() time.Time
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Provider
// ------------------------------------------------------------
// Exchanges a signed assertion for an access token and caches it until it
// is within Skew of expiry. One Provider is built per credential and shared
// by every request; concurrent refreshes are collapsed into one exchange.
//
// The cache is owned here and nowhere else. Invalidate drops it.
type Provider struct {
	cfg     Config
	signer  Signer
	client  *http.Client
	now     func() time.Time
	cache   *gocache.Cache
	group   singleflight.Group
	metrics *metrics.Metrics
}

// NewProvider builds a Provider. Zero values in cfg get defaults.
func NewProvider(cfg Config, signer Signer, m *metrics.Metrics) (*Provider, error) {
	if signer == nil {
		return nil, fmt.Errorf("sinkauth: signer is required")
	}
	if cfg.Email == "" {
		return nil, fmt.Errorf("sinkauth: service account email is required")
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	if cfg.TokenURI == "" {
		cfg.TokenURI = DefaultTokenURI
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = defaultAssertionLifetime
	}
	if cfg.Skew <= 0 {
		cfg.Skew = defaultSkew
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Provider{
		cfg:     cfg,
		signer:  signer,
		client:  client,
		now:     now,
		cache:   gocache.New(gocache.NoExpiration, 0),
		metrics: m,
	}, nil
}

// NewProviderFromCredentials wires a Provider to a service account key.
func NewProviderFromCredentials(creds *Credentials, cfg Config, m *metrics.Metrics) (*Provider, error) {
	signer, err := creds.Signer()
	if err != nil {
		return nil, err
	}
	cfg.Email = creds.ClientEmail
	if cfg.TokenURI == "" {
		cfg.TokenURI = creds.TokenURI
	}
	return NewProvider(cfg, signer, m)
}

// Token returns the cached access token or performs a full refresh.
//
// The refresh is shared by every caller waiting on it and runs detached
// from any single caller's context, bounded by exchangeTimeout. A caller
// whose own context ends stops waiting without failing the others.
func (p *Provider) Token(ctx context.Context) (string, error) {
	if tok, ok := p.cached(); ok {
		return tok, nil
	}

	ch := p.group.DoChan(cacheKey, func() (any, error) {
		// another caller may have refreshed while we waited
		if tok, ok := p.cached(); ok {
			return tok, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exchangeTimeout)
		defer cancel()
		return p.refresh(rctx)
	})

	select {
	case <-ctx.Done():
		return "", &UpstreamAuthError{Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate forgets the cached token; the next Token call refreshes.
func (p *Provider) Invalidate() {
	p.cache.Delete(cacheKey)
}

func (p *Provider) cached() (string, bool) {
	item, found := p.cache.Get(cacheKey)
	if !found {
		return "", false
	}
	entry := item.(cachedToken)
	if !entry.expiresAt.Add(-p.cfg.Skew).After(p.now()) {
		return "", false
	}
	return entry.token, true
}

func (p *Provider) refresh(ctx context.Context) (string, error) {
	now := p.now()

	assertion, err := p.Assertion(ctx, now)
	if err != nil {
		p.metrics.IncTokenRefresh("sign_error")
		return "", err
	}

	token, expiresIn, err := p.exchange(ctx, assertion)
	if err != nil {
		p.metrics.IncTokenRefresh("error")
		log.Warn().Err(err).Str("token_uri", p.cfg.TokenURI).Msg("sink token exchange failed")
		return "", err
	}
	p.metrics.IncTokenRefresh("ok")

	expiresAt := now.Add(time.Duration(expiresIn) * time.Second)
	if ttl := expiresAt.Add(-p.cfg.Skew).Sub(now); ttl > 0 {
		p.cache.Set(cacheKey, cachedToken{token: token, expiresAt: expiresAt}, ttl)
	}

	log.Debug().Time("expires_at", expiresAt).Msg("sink access token refreshed")
	return token, nil
}

type assertionHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid,omitempty"`
}

type assertionClaims struct {
	Iss   string `json:"iss"`
	Scope string `json:"scope"`
	Aud   string `json:"aud"`
	Iat   int64  `json:"iat"`
	Exp   int64  `json:"exp"`
}

// Assertion builds and signs the JWT presented to the token endpoint:
// base64url(header) "." base64url(claims) "." base64url(signature).
func (p *Provider) Assertion(ctx context.Context, now time.Time) (string, error) {
	header := assertionHeader{Alg: p.signer.Algorithm(), Typ: "JWT"}
	if ki, ok := p.signer.(KeyIdentifier); ok {
		header.Kid = ki.KeyID()
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("sinkauth: encoding header: %w", err)
	}

	claimsJSON, err := json.Marshal(assertionClaims{
		Iss:   p.cfg.Email,
		Scope: p.cfg.Scope,
		Aud:   p.cfg.TokenURI,
		Iat:   now.Unix(),
		Exp:   now.Add(p.cfg.Lifetime).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("sinkauth: encoding claims: %w", err)
	}

	signingInput := b64(headerJSON) + "." + b64(claimsJSON)
	sig, err := p.signer.Sign(ctx, []byte(signingInput))
	if err != nil {
		return "", err
	}
	return signingInput + "." + b64(sig), nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (p *Provider) exchange(ctx context.Context, assertion string) (string, int64, error) {
	form := url.Values{}
	form.Set("grant_type", GrantTypeJWTBearer)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, &UpstreamAuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", 0, &UpstreamAuthError{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, &UpstreamAuthError{StatusCode: resp.StatusCode, Body: snippet(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, &UpstreamAuthError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return "", 0, &UpstreamAuthError{StatusCode: resp.StatusCode, Body: "empty access_token"}
	}
	if tr.ExpiresIn <= 0 {
		tr.ExpiresIn = defaultExpiresIn
	}
	return tr.AccessToken, tr.ExpiresIn, nil
}

// StaticToken is a TokenSource for sinks that accept a fixed token,
// such as local emulators.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

func b64(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func snippet(body []byte) string {
	const max = 512
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		s = s[:max]
	}
	return s
}
