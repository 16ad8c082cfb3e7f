// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/tausestack/tausestack/lib/clock"
	"github.com/tausestack/tausestack/lib/tenant"
)

// Scopes a federation token can carry.
const (
	ScopeRead  = "memory:read"
	ScopeWrite = "memory:write"
)

// AnySubject is the subject of a token not tied to one agent.
const AnySubject = "*"

const (
	// DefaultTokenTTL is the lifetime of minted tokens. Each request
	// mints its own token, so this only needs to cover one round trip
	// plus clock skew.
	DefaultTokenTTL = 5 * time.Minute

	// MaxTokenLifetime bounds exp-iat on tokens this node accepts.
	MaxTokenLifetime = time.Hour

	// DefaultLeeway is the clock skew tolerated on exp, nbf, and iat.
	DefaultLeeway = 30 * time.Second
)

// Signing algorithms. Tokens with any other alg header are rejected
// before key lookup.
const (
	AlgorithmEdDSA = "EdDSA"
	AlgorithmHS256 = "HS256"
)

// Algorithms lists what this node verifies, in preference order.
var Algorithms = []string{AlgorithmEdDSA, AlgorithmHS256}

// Verification failures. The verifier wraps these with detail;
// compare with errors.Is.
var (
	ErrInvalidToken     = errors.New("federation: invalid token")
	ErrUntrustedIssuer  = errors.New("federation: issuer is not trusted")
	ErrWrongAudience    = errors.New("federation: token audience does not match this node")
	ErrTokenExpired     = errors.New("federation: token has expired")
	ErrTokenNotYetValid = errors.New("federation: token is not valid yet")
	ErrTokenRevoked     = errors.New("federation: token has been revoked")
	ErrNoSigningKey     = errors.New("federation: no signing key for this audience")
)

// Claims is the payload of a federation token.
type Claims struct {
	jwt.RegisteredClaims
	Tenant tenant.ID `json:"tenant"`
	Scopes []string  `json:"scopes"`
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// SignerConfig configures a [Signer].
type SignerConfig struct {
	// SelfURL is this node's public URL, used as the token issuer.
	SelfURL string

	// Key signs EdDSA tokens. Optional when every peer has a shared
	// secret.
	Key ed25519.PrivateKey

	// SharedSecrets maps a peer URL to an HMAC secret. Tokens for
	// those peers are signed HS256 instead of EdDSA.
	SharedSecrets map[string][]byte

	// TTL defaults to DefaultTokenTTL.
	TTL time.Duration

	Clock clock.Clock
}

// Signer mints tokens for requests to peers.
type Signer struct {
	selfURL string
	key     ed25519.PrivateKey
	secrets map[string][]byte
	ttl     time.Duration
	clock   clock.Clock
}

// NewSigner validates cfg and returns a Signer.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	selfURL, err := NormalizeURL(cfg.SelfURL)
	if err != nil {
		return nil, fmt.Errorf("federation: self URL: %w", err)
	}
	if cfg.Key != nil && len(cfg.Key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("federation: signing key has %d bytes, want %d", len(cfg.Key), ed25519.PrivateKeySize)
	}
	secrets := make(map[string][]byte, len(cfg.SharedSecrets))
	for peer, secret := range cfg.SharedSecrets {
		normalized, err := NormalizeURL(peer)
		if err != nil {
			return nil, err
		}
		if len(secret) < 32 {
			return nil, fmt.Errorf("federation: shared secret for %s is shorter than 32 bytes", normalized)
		}
		secrets[normalized] = secret
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if ttl > MaxTokenLifetime {
		return nil, fmt.Errorf("federation: token TTL %s exceeds %s", ttl, MaxTokenLifetime)
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	return &Signer{selfURL: selfURL, key: cfg.Key, secrets: secrets, ttl: ttl, clock: c}, nil
}

// SelfURL returns the normalized issuer URL.
func (s *Signer) SelfURL() string { return s.selfURL }

// PublicKey returns the EdDSA verification key, or nil when the node
// only signs with shared secrets.
func (s *Signer) PublicKey() ed25519.PublicKey {
	if s.key == nil {
		return nil
	}
	return s.key.Public().(ed25519.PublicKey)
}

// Mint signs a token addressed to audience. An empty subject becomes
// [AnySubject]. The returned claims carry the token id and expiry for
// later revocation.
func (s *Signer) Mint(audience string, tenantID tenant.ID, subject string, scopes []string) (string, *Claims, error) {
	audience, err := NormalizeURL(audience)
	if err != nil {
		return "", nil, err
	}
	if err := tenant.Validate(tenantID); err != nil {
		return "", nil, err
	}
	if len(scopes) == 0 {
		return "", nil, errors.New("federation: at least one scope is required")
	}
	for _, scope := range scopes {
		if scope != ScopeRead && scope != ScopeWrite {
			return "", nil, fmt.Errorf("federation: unknown scope %q", scope)
		}
	}
	if subject == "" {
		subject = AnySubject
	}

	var (
		method jwt.SigningMethod
		key    any
	)
	if secret, ok := s.secrets[audience]; ok {
		method, key = jwt.SigningMethodHS256, secret
	} else if s.key != nil {
		method, key = jwt.SigningMethodEdDSA, s.key
	} else {
		return "", nil, fmt.Errorf("%w: %s", ErrNoSigningKey, audience)
	}

	now := s.clock.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.selfURL,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Tenant: tenantID,
		Scopes: slices.Clone(scopes),
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		return "", nil, fmt.Errorf("federation: signing token: %w", err)
	}
	return signed, claims, nil
}

// VerifierConfig configures a [Verifier].
type VerifierConfig struct {
	// SelfURL must appear in a token's audience.
	SelfURL string

	Allow       *AllowList
	Keys        KeyResolver
	Revocations *Revocations

	// Leeway defaults to DefaultLeeway.
	Leeway time.Duration

	Clock clock.Clock
}

// Verifier checks tokens presented by peers.
type Verifier struct {
	selfURL     string
	allow       *AllowList
	keys        KeyResolver
	revocations *Revocations
	leeway      time.Duration
	clock       clock.Clock
	parser      *jwt.Parser
}

// NewVerifier validates cfg and returns a Verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	selfURL, err := NormalizeURL(cfg.SelfURL)
	if err != nil {
		return nil, fmt.Errorf("federation: self URL: %w", err)
	}
	if cfg.Keys == nil {
		return nil, errors.New("federation: verifier needs a key resolver")
	}
	revocations := cfg.Revocations
	if revocations == nil {
		revocations = NewRevocations()
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	return &Verifier{
		selfURL:     selfURL,
		allow:       cfg.Allow,
		keys:        cfg.Keys,
		revocations: revocations,
		leeway:      leeway,
		clock:       c,
		// Registered claims are checked below against the injected
		// clock, so the library's wall-clock validation is disabled.
		parser: jwt.NewParser(
			jwt.WithValidMethods(Algorithms),
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

// Revocations returns the set consulted by Verify.
func (v *Verifier) Revocations() *Revocations { return v.revocations }

// Revoke rejects tokenID from issuer until the token can no longer
// pass Verify: expiresAt plus the verifier's leeway.
func (v *Verifier) Revoke(issuer, tokenID string, expiresAt time.Time) {
	v.revocations.Revoke(issuer, tokenID, expiresAt.Add(v.leeway))
}

// SelfURL returns the normalized audience this verifier expects.
func (v *Verifier) SelfURL() string { return v.selfURL }

// Verify checks signature, issuer, audience, lifetime, revocation,
// and tenant. The returned claims carry the normalized issuer.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	var keyErr error
	_, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		key, err := v.verificationKey(ctx, token.Method.Alg(), claims.Issuer)
		keyErr = err
		return key, err
	})
	if keyErr != nil {
		return nil, keyErr
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	// verificationKey succeeded, so the issuer normalizes.
	claims.Issuer, _ = NormalizeURL(claims.Issuer)

	if err := v.checkLifetime(claims); err != nil {
		return nil, err
	}
	if !v.audienceMatches(claims.Audience) {
		return nil, fmt.Errorf("%w: %v", ErrWrongAudience, []string(claims.Audience))
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}
	if v.revocations.IsRevoked(claims.Issuer, claims.ID) {
		return nil, fmt.Errorf("%w: %s", ErrTokenRevoked, claims.ID)
	}
	if err := tenant.Validate(claims.Tenant); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func (v *Verifier) verificationKey(ctx context.Context, algorithm, issuer string) (any, error) {
	normalized, err := NormalizeURL(issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUntrustedIssuer, issuer)
	}
	if !v.allow.Allows(normalized) {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedIssuer, normalized)
	}
	peerKey, err := v.keys.PeerKey(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: no key for %s: %v", ErrUntrustedIssuer, normalized, err)
	}
	switch algorithm {
	case AlgorithmEdDSA:
		if peerKey.PublicKey == nil {
			return nil, fmt.Errorf("%w: %s has no public key", ErrInvalidToken, normalized)
		}
		return peerKey.PublicKey, nil
	case AlgorithmHS256:
		if len(peerKey.SharedSecret) == 0 {
			return nil, fmt.Errorf("%w: %s has no shared secret", ErrInvalidToken, normalized)
		}
		return peerKey.SharedSecret, nil
	default:
		return nil, fmt.Errorf("%w: unexpected algorithm %s", ErrInvalidToken, algorithm)
	}
}

func (v *Verifier) checkLifetime(claims *Claims) error {
	now := v.clock.Now()
	if claims.ExpiresAt == nil {
		return fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}
	expires := claims.ExpiresAt.Time
	if now.After(expires.Add(v.leeway)) {
		return fmt.Errorf("%w: expired at %s", ErrTokenExpired, expires.UTC().Format(time.RFC3339))
	}
	if claims.NotBefore != nil && now.Add(v.leeway).Before(claims.NotBefore.Time) {
		return fmt.Errorf("%w: not before %s", ErrTokenNotYetValid, claims.NotBefore.UTC().Format(time.RFC3339))
	}
	issued := now
	if claims.IssuedAt != nil {
		issued = claims.IssuedAt.Time
		if now.Add(v.leeway).Before(issued) {
			return fmt.Errorf("%w: issued in the future", ErrTokenNotYetValid)
		}
	}
	if expires.Sub(issued) > MaxTokenLifetime {
		return fmt.Errorf("%w: lifetime exceeds %s", ErrInvalidToken, MaxTokenLifetime)
	}
	return nil
}

func (v *Verifier) audienceMatches(audience jwt.ClaimStrings) bool {
	for _, candidate := range audience {
		if normalized, err := NormalizeURL(candidate); err == nil && normalized == v.selfURL {
			return true
		}
	}
	return false
}
