package export

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/godeps/qrshare/pkg/imagestore"
)

// Grant is a short-lived read permission on a persisted image.
type Grant struct {
	Token     string            `json:"token"`
	Handle    imagestore.Handle `json:"handle"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Grants issues and resolves read grants. Expired grants vanish on their own.
type Grants struct {
	ttl   time.Duration
	cache *cache.Cache
	now   func() time.Time
}

// NewGrants returns a grant table whose entries live for ttl.
func NewGrants(ttl time.Duration) *Grants {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Grants{
		ttl:   ttl,
		cache: cache.New(ttl, ttl/2+time.Second),
		now:   time.Now,
	}
}

// Issue mints a grant for h.
func (g *Grants) Issue(h imagestore.Handle) Grant {
	grant := Grant{
		Token:     uuid.NewString(),
		Handle:    h,
		ExpiresAt: g.now().Add(g.ttl).UTC(),
	}
	g.cache.Set(grant.Token, grant, g.ttl)
	return grant
}

// Resolve returns the handle for a live grant token.
func (g *Grants) Resolve(token string) (imagestore.Handle, bool) {
	v, ok := g.cache.Get(strings.TrimSpace(token))
	if !ok {
		return imagestore.Handle{}, false
	}
	return v.(Grant).Handle, true
}

// Revoke drops a grant before it expires.
func (g *Grants) Revoke(token string) {
	g.cache.Delete(token)
}

// Len returns the number of grants still cached.
func (g *Grants) Len() int { return g.cache.ItemCount() }
