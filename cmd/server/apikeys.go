package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matt-riley/rolloutz/internal/middleware"
)

const maxVerifiedTokens = 4096

var (
	errValidatorNil       = errors.New("api key validator is nil")
	errInvalidTokenFormat = errors.New("invalid token format")
	errInvalidToken       = errors.New("invalid token")
)

type apiKeyHashLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, error)
}

type verifiedToken struct {
	keyID   string
	expires time.Time
}

// apiKeyTokenValidator checks "id.secret" bearer tokens against the stored
// bcrypt hash. Successful checks are remembered for ttl under the token's
// SHA-256 digest, so a revoked key stays usable for at most ttl. A zero ttl
// disables the cache.
type apiKeyTokenValidator struct {
	lookup apiKeyHashLookup
	ttl    time.Duration
	now    func() time.Time

	mu       sync.Mutex
	verified map[[sha256.Size]byte]verifiedToken
}

func newAPIKeyTokenValidator(lookup apiKeyHashLookup, ttl time.Duration) *apiKeyTokenValidator {
	return &apiKeyTokenValidator{
		lookup:   lookup,
		ttl:      ttl,
		now:      time.Now,
		verified: make(map[[sha256.Size]byte]verifiedToken),
	}
}

// ValidateToken returns the key id for a valid token.
func (v *apiKeyTokenValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	if v == nil || v.lookup == nil {
		return "", errValidatorNil
	}

	keyID, rawSecret, ok := middleware.SplitAPIKey(token)
	if !ok {
		return "", errInvalidTokenFormat
	}

	digest := sha256.Sum256([]byte(token))
	if id, ok := v.cached(digest); ok {
		return id, nil
	}

	keyHash, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("lookup key hash: %w", err)
	}
	if !middleware.APIKeyMatchesHash(keyHash, rawSecret) {
		return "", errInvalidToken
	}

	v.remember(digest, keyID)
	return keyID, nil
}

func (v *apiKeyTokenValidator) cached(digest [sha256.Size]byte) (string, bool) {
	if v.ttl <= 0 {
		return "", false
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.verified[digest]
	if !ok {
		return "", false
	}
	if !v.now().Before(entry.expires) {
		delete(v.verified, digest)
		return "", false
	}
	return entry.keyID, true
}

func (v *apiKeyTokenValidator) remember(digest [sha256.Size]byte, keyID string) {
	if v.ttl <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	if len(v.verified) >= maxVerifiedTokens {
		for d, entry := range v.verified {
			if !now.Before(entry.expires) {
				delete(v.verified, d)
			}
		}
		if len(v.verified) >= maxVerifiedTokens {
			clear(v.verified)
		}
	}
	v.verified[digest] = verifiedToken{keyID: keyID, expires: now.Add(v.ttl)}
}
