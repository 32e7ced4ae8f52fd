package core

import (
	"context"
	"sync"
	"time"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context key
const (
	contextKeyCredentials contextKey = "_credentials_"
)

// Claims are the decoded claims of a verified token
type Claims map[string]interface{}

/*Credentials is a context object which stores the verified claims of a request,
keyed by the name of the auth scheme that verified them.

Credentials are added to a request context with

  ctx = creds.ContextWithCredentials(ctx)

and retrieved with

  creds := CredentialsFromContext(ctx)

Field expressions and functions read them to derive injected fields.
*/
type Credentials map[string]Claims

// Scheme returns the claims verified by the named scheme
func (c Credentials) Scheme(name string) (Claims, bool) {
	if c == nil {
		return nil, false
	}
	claims, ok := c[name]
	return claims, ok
}

// ContextWithCredentials returns a new context with these credentials added to it
func (c Credentials) ContextWithCredentials(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyCredentials, c)
}

// CredentialsFromContext retrieves credentials from the context
func CredentialsFromContext(ctx context.Context) Credentials {
	c, ok := ctx.Value(contextKeyCredentials).(Credentials)
	if ok {
		return c
	}
	return nil
}

type cachedClaims struct {
	claims  Claims
	expires time.Time
}

// CredentialCache is an in-memory cache for verified tokens. It lets the
// authorization gate skip signature verification for tokens it has already seen.
// Entries are keyed by secret and token, so a rotated secret never matches old entries.
// The cache holds at most MaxEntries entries. Expired entries are swept when it is full.
type CredentialCache struct {
	mutex      sync.RWMutex
	cache      map[string]cachedClaims
	now        func() time.Time
	MaxEntries int
}

// DefaultCredentialCacheSize is the default capacity of a CredentialCache
const DefaultCredentialCacheSize = 10000

// NewCredentialCache creates a new credential cache
func NewCredentialCache() *CredentialCache {
	return &CredentialCache{
		cache:      make(map[string]cachedClaims),
		now:        time.Now,
		MaxEntries: DefaultCredentialCacheSize,
	}
}

// Read returns the claims for a token if they are cached and not yet expired.
// This function is go-route safe
func (c *CredentialCache) Read(secret, token string) (Claims, bool) {
	if c == nil {
		return nil, false
	}
	key := secret + "\x00" + token
	c.mutex.RLock()
	entry, ok := c.cache[key]
	c.mutex.RUnlock()
	if !ok {
		return nil, false
	}
	if !entry.expires.IsZero() && !c.now().Before(entry.expires) {
		c.mutex.Lock()
		delete(c.cache, key)
		c.mutex.Unlock()
		return nil, false
	}
	return entry.claims, true
}

// Write stores verified claims in the cache. A zero expiry means the entry
// never expires.
// This function is go-route safe
func (c *CredentialCache) Write(secret, token string, claims Claims, expires time.Time) {
	if c == nil {
		return
	}
	key := secret + "\x00" + token
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.cache[key]; !ok && c.MaxEntries > 0 && len(c.cache) >= c.MaxEntries {
		c.sweep()
	}
	c.cache[key] = cachedClaims{claims: claims, expires: expires}
}

// sweep drops expired entries. If that does not free a slot, arbitrary entries
// are dropped until the cache is below capacity. Must be called with the lock held.
func (c *CredentialCache) sweep() {
	now := c.now()
	for key, entry := range c.cache {
		if !entry.expires.IsZero() && !now.Before(entry.expires) {
			delete(c.cache, key)
		}
	}
	for key := range c.cache {
		if len(c.cache) < c.MaxEntries {
			break
		}
		delete(c.cache, key)
	}
}

// Len returns the number of cached entries
func (c *CredentialCache) Len() int {
	if c == nil {
		return 0
	}
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.cache)
}
