// Package feedcache кэширует страницу ленты объявлений в Redis по схеме
// cache-then-refresh: чтение идёт из кэша, промах наполняет его из БД,
// любая запись объявлений сбрасывает кэш.
package feedcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"

	"github.com/ndorokhov/pointmarket/internal/model"
)

const feedKey = "pointmarket:feed:active"

// Cache хранит сериализованную страницу ленты в Redis.
type Cache struct {
	rdb *rd.Client
	ttl time.Duration
}

// New создаёт кэш ленты с указанным TTL.
func New(rdb *rd.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

// Get возвращает закэшированную ленту. found=false означает промах.
func (c *Cache) Get(ctx context.Context) ([]model.Listing, bool, error) {
	raw, err := c.rdb.Get(ctx, feedKey).Bytes()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get feed: %w", err)
	}

	var listings []model.Listing
	if err := json.Unmarshal(raw, &listings); err != nil {
		// Повреждённое значение выбрасывается, лента перечитается из БД.
		_ = c.rdb.Del(ctx, feedKey).Err()
		return nil, false, nil
	}

	return listings, true, nil
}

// Put записывает свежую страницу ленты с TTL.
func (c *Cache) Put(ctx context.Context, listings []model.Listing) error {
	raw, err := json.Marshal(listings)
	if err != nil {
		return fmt.Errorf("marshal feed: %w", err)
	}
	if err := c.rdb.Set(ctx, feedKey, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("put feed: %w", err)
	}
	return nil
}

// Invalidate сбрасывает кэш после изменения объявлений.
func (c *Cache) Invalidate(ctx context.Context) error {
	if err := c.rdb.Del(ctx, feedKey).Err(); err != nil {
		return fmt.Errorf("invalidate feed: %w", err)
	}
	return nil
}
