package wallet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

// ErrCacheMiss is returned when a wallet has no cached balance.
var ErrCacheMiss = errors.New("wallet: cache miss")

// CachedBalance is the read-optimized balance pair served from Redis.
type CachedBalance struct {
	Available decimal.Decimal
	Held      decimal.Decimal
	Version   int64
}

// Cache is a Redis read-through cache of wallet balances. The store remains
// authoritative; every successful mutation rewrites the cached value.
type Cache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewCache creates a balance cache with the given TTL.
func NewCache(client redis.Cmdable, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func cacheKey(walletID string) string {
	return "wallet:balance:" + walletID
}

// Put stores a wallet's balance pair.
func (c *Cache) Put(ctx context.Context, w *Wallet) error {
	value := fmt.Sprintf("%s|%s|%d", w.Available.String(), w.Held.String(), w.Version)
	return c.client.Set(ctx, cacheKey(w.ID), value, c.ttl).Err()
}

// Get returns the cached balance pair or ErrCacheMiss.
func (c *Cache) Get(ctx context.Context, walletID string) (*CachedBalance, error) {
	value, err := c.client.Get(ctx, cacheKey(walletID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	parts := strings.Split(value, "|")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed cache entry for wallet %s", walletID)
	}
	available, err := decimal.NewFromString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("malformed cached available balance: %w", err)
	}
	held, err := decimal.NewFromString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed cached held balance: %w", err)
	}
	version, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed cached version: %w", err)
	}
	return &CachedBalance{Available: available, Held: held, Version: version}, nil
}

// Invalidate drops a wallet's cached balance.
func (c *Cache) Invalidate(ctx context.Context, walletID string) error {
	return c.client.Del(ctx, cacheKey(walletID)).Err()
}
