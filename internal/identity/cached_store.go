package identity

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheTTL = 5 * time.Minute

// CachedStore wraps a Store with a redis cache-aside layer. Negative
// results are not cached: a missing user may appear at any time and the
// report path tolerates the extra lookups.
type CachedStore struct {
	store Store
	cache *redis.Client
}

func NewCachedStore(store Store, cache *redis.Client) *CachedStore {
	return &CachedStore{store: store, cache: cache}
}

func (s *CachedStore) GetUser(ctx context.Context, userID string) (*User, error) {
	redisKey := fmt.Sprintf("identity:%s", userID)

	var u User
	err := s.cache.Get(ctx, redisKey).Scan(&u)
	if err == nil {
		return &u, nil
	} else if err != redis.Nil {
		log.Printf("identity: redis error: %v", err)
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	_ = s.cache.Set(ctx, redisKey, user, cacheTTL).Err()
	return user, nil
}
