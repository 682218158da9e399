package directory

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const usernameCacheCapacity = 10_000

// usernameCache maps user ids to usernames. Entries expire a fixed time after they were written.
type usernameCache struct {
	cache *ttlcache.Cache[string, string]
}

func newUsernameCache(ttl time.Duration) *usernameCache {
	return &usernameCache{
		cache: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](ttl),
			ttlcache.WithCapacity[string, string](usernameCacheCapacity),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
}

func (c *usernameCache) get(id string) (string, bool) {
	item := c.cache.Get(id)
	if item == nil {
		return "", false
	}
	return item.Value(), true
}

func (c *usernameCache) set(id, username string) {
	c.cache.Set(id, username, ttlcache.DefaultTTL)
}

func (c *usernameCache) delete(id string) {
	c.cache.Delete(id)
}
