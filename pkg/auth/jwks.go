package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

const (
	// jwksCacheMax bounds the number of cached keys.
	jwksCacheMax = 50

	// jwksCacheTTL is how long a fetched key stays valid.
	jwksCacheTTL = 600 * time.Second
)

// jwk is one JSON Web Key as served by the authorization server.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`

	// RSA
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// EC
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type cachedKey struct {
	key       crypto.PublicKey
	fetchedAt time.Time
}

// jwksCache lazily fetches the JWKS document and caches parsed public keys
// by kid, bounded at jwksCacheMax entries with a jwksCacheTTL freshness
// window.
type jwksCache struct {
	url    string
	client *http.Client
	clock  func() time.Time

	mu   sync.Mutex
	keys map[string]cachedKey
}

func newJWKSCache(url string, client *http.Client) *jwksCache {
	return &jwksCache{
		url:    url,
		client: client,
		clock:  time.Now,
		keys:   make(map[string]cachedKey),
	}
}

// Key returns the public key for a kid, fetching the JWKS document on a miss
// or a stale entry.
func (c *jwksCache) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	now := c.clock()

	c.mu.Lock()
	if entry, ok := c.keys[kid]; ok && now.Sub(entry.fetchedAt) < jwksCacheTTL {
		c.mu.Unlock()
		return entry.key, nil
	}
	c.mu.Unlock()

	doc, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, raw := range doc.Keys {
		if raw.Use != "" && raw.Use != "sig" {
			continue
		}
		key, err := raw.publicKey()
		if err != nil {
			// Skip keys this server cannot use (unsupported kty/crv).
			continue
		}
		c.storeLocked(raw.Kid, cachedKey{key: key, fetchedAt: now})
	}

	entry, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("jwks: no key with kid %q", kid)
	}
	return entry.key, nil
}

// storeLocked inserts an entry, evicting the stalest key past the bound.
func (c *jwksCache) storeLocked(kid string, entry cachedKey) {
	if _, exists := c.keys[kid]; !exists && len(c.keys) >= jwksCacheMax {
		oldestKid := ""
		var oldest time.Time
		for k, e := range c.keys {
			if oldestKid == "" || e.fetchedAt.Before(oldest) {
				oldestKid, oldest = k, e.fetchedAt
			}
		}
		delete(c.keys, oldestKid)
	}
	c.keys[kid] = entry
}

func (c *jwksCache) fetch(ctx context.Context) (*jwksDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	return &doc, nil
}

// publicKey converts a JWK to a crypto.PublicKey. Only RSA (for RS256) and
// P-256 EC (for ES256) are accepted.
func (k *jwk) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, fmt.Errorf("jwk %q: bad modulus: %w", k.Kid, err)
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, fmt.Errorf("jwk %q: bad exponent: %w", k.Kid, err)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}, nil
	case "EC":
		if k.Crv != "P-256" {
			return nil, fmt.Errorf("jwk %q: unsupported curve %q", k.Kid, k.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("jwk %q: bad x: %w", k.Kid, err)
		}
		y, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			return nil, fmt.Errorf("jwk %q: bad y: %w", k.Kid, err)
		}
		return &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(x),
			Y:     new(big.Int).SetBytes(y),
		}, nil
	default:
		return nil, fmt.Errorf("jwk %q: unsupported kty %q", k.Kid, k.Kty)
	}
}
