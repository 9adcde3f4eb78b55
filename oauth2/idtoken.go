package oauth2

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

var errUnknownKey = errors.New("no signing key with that id")

// idTokenClaims are the claims read from an OpenID Connect ID token
type idTokenClaims struct {
	jwt.RegisteredClaims
	Nonce         string `json:"nonce"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// keySet caches a provider's JWKS.  An unknown key id triggers a refetch, and
// concurrent refetches are coalesced so a burst of logins after a key
// rotation hits the provider once.
type keySet struct {
	url    string
	client *http.Client

	// refetches more frequent than this reuse the cached keys
	minRefresh time.Duration

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	group     singleflight.Group
}

func newKeySet(url string, client *http.Client) *keySet {
	return &keySet{url: url, client: client, minRefresh: 30 * time.Second}
}

func (s *keySet) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	k, ok := s.keys[kid]
	fresh := time.Since(s.fetchedAt) < s.minRefresh
	s.mu.RUnlock()
	if ok {
		return k, nil
	}
	if fresh {
		return nil, fmt.Errorf("%w: %q", errUnknownKey, kid)
	}

	_, err, _ := s.group.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if k, ok := s.keys[kid]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("%w: %q", errUnknownKey, kid)
}

func (s *keySet) refresh(ctx context.Context) error {
	var doc struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := getJSON(ctx, s.client, s.url, "", &doc); err != nil {
		return err
	}
	keys := map[string]*rsa.PublicKey{}
	for _, jwk := range doc.Keys {
		if jwk.Kty != "RSA" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		k, err := parseRSAKey(jwk)
		if err != nil {
			return fmt.Errorf("bad key %q in %s: %w", jwk.Kid, s.url, err)
		}
		keys[jwk.Kid] = k
	}
	s.mu.Lock()
	s.keys = keys
	s.fetchedAt = time.Now()
	s.mu.Unlock()
	return nil
}

func parseRSAKey(jwk jsonWebKey) (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, err
	}
	e, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, err
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("unsupported exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// verifyIDToken checks the signature, issuer, audience and expiry of raw.
// The nonce is left to the caller so it can report a distinct error.
func verifyIDToken(ctx context.Context, keys *keySet, raw, issuer, audience string, now func() time.Time) (*idTokenClaims, error) {
	claims := &idTokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			return keys.key(ctx, kid)
		},
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(time.Minute),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("id token has no subject")
	}
	return claims, nil
}
