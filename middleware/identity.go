package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"examprep-server/apiclient"
	"examprep-server/models"
)

// DefaultIdentityTTL is how long an API-confirmed identity is reused.
const DefaultIdentityTTL = 5 * time.Minute

const maxCachedIdentities = 4096

// UserLookup resolves a token to its user, as GET /auth/me does.
type UserLookup interface {
	Me(ctx context.Context, token string) (*models.User, error)
}

type identity struct {
	owner string
	admin bool
}

// confirm asks the API who holds an unverified token. A rejected token is an
// error; an unreachable API leaves the caller identified by the token digest alone.
func confirm(ctx context.Context, users UserLookup, cache *identityCache, tokenString string, log *logrus.Entry) (identity, error) {
	fallback := identity{owner: digestOwner(tokenString)}
	if users == nil {
		return fallback, nil
	}
	key := fallback.owner
	if id, ok := cache.get(key); ok {
		return id, nil
	}
	user, err := users.Me(ctx, tokenString)
	if err != nil {
		if apiclient.IsStatus(err, http.StatusUnauthorized) || apiclient.IsStatus(err, http.StatusForbidden) {
			return identity{}, err
		}
		log.WithError(err).Warn("identity check unavailable, using token digest")
		return fallback, nil
	}
	id := identity{owner: tokenOwner(tokenString, string(user.ID)), admin: user.IsAdmin}
	cache.put(key, id)
	return id, nil
}

type cachedIdentity struct {
	identity
	expires time.Time
}

type identityCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cachedIdentity
}

func newIdentityCache(ttl time.Duration) *identityCache {
	return &identityCache{ttl: ttl, now: time.Now, entries: make(map[string]cachedIdentity)}
}

func (c *identityCache) get(key string) (identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return identity{}, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return identity{}, false
	}
	return e.identity, true
}

func (c *identityCache) put(key string, id identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.entries) >= maxCachedIdentities {
		for k, e := range c.entries {
			if !now.Before(e.expires) {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= maxCachedIdentities {
			c.entries = make(map[string]cachedIdentity)
		}
	}
	c.entries[key] = cachedIdentity{identity: id, expires: now.Add(c.ttl)}
}
