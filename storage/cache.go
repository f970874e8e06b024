package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Cache wraps a Store with Redis-backed caching for reads. Writes pass
// through and evict everything cached for the touched collection; redis
// failures degrade to the backing store without failing the request.
type Cache struct {
	base  Store
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Store wrapper using the provided Redis client
// and TTL.
func NewCache(base Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) GetByID(ctx context.Context, collection, id string) (Document, error) {
	key := docCacheKey(collection, id)
	if data, ok := c.load(ctx, key); ok {
		return Document{ID: id, Data: data}, nil
	}
	doc, err := c.base.GetByID(ctx, collection, id)
	if err != nil {
		return Document{}, err
	}
	c.store(ctx, collection, key, doc.Data)
	return doc, nil
}

func (c *Cache) Query(ctx context.Context, collection string, filters []Filter, orderBy string, limit int) ([]Document, error) {
	key := queryCacheKey(collection, filters, orderBy, limit)
	if data, ok := c.load(ctx, key); ok {
		if docs, err := decodeDocuments(data); err == nil {
			return docs, nil
		}
		_ = c.redis.Del(ctx, key).Err()
	}
	docs, err := c.base.Query(ctx, collection, filters, orderBy, limit)
	if err != nil {
		return nil, err
	}
	if data, err := encodeDocuments(docs); err == nil {
		c.store(ctx, collection, key, data)
	}
	return docs, nil
}

func (c *Cache) Insert(ctx context.Context, collection string, data []byte) (string, error) {
	id, err := c.base.Insert(ctx, collection, data)
	if err != nil {
		return "", err
	}
	c.evict(ctx, collection)
	return id, nil
}

func (c *Cache) Update(ctx context.Context, collection, id string, data []byte) error {
	if err := c.base.Update(ctx, collection, id, data); err != nil {
		return err
	}
	c.evict(ctx, collection)
	return nil
}

func (c *Cache) Delete(ctx context.Context, collection, id string) error {
	if err := c.base.Delete(ctx, collection, id); err != nil {
		return err
	}
	c.evict(ctx, collection)
	return nil
}

func (c *Cache) AtomicBatch(ctx context.Context, ops []BatchOp) error {
	if err := c.base.AtomicBatch(ctx, ops); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for _, op := range ops {
		if _, ok := seen[op.Collection]; ok {
			continue
		}
		seen[op.Collection] = struct{}{}
		c.evict(ctx, op.Collection)
	}
	return nil
}

func (c *Cache) ServerNow() time.Time { return c.base.ServerNow() }

func (c *Cache) load(ctx context.Context, key string) ([]byte, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	return data, true
}

func (c *Cache) store(ctx context.Context, collection, key string, data []byte) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
	// Track the key so a collection write can evict it.
	_ = c.redis.SAdd(ctx, keyRegistry(collection), key).Err()
	_ = c.redis.Expire(ctx, keyRegistry(collection), c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, collection string) {
	if c.redis == nil {
		return
	}
	registry := keyRegistry(collection)
	keys, err := c.redis.SMembers(ctx, registry).Result()
	if err != nil {
		return
	}
	keys = append(keys, registry)
	_, _ = c.redis.Del(ctx, keys...).Result()
}

func docCacheKey(collection, id string) string {
	return "doc:" + collection + ":" + id
}

func queryCacheKey(collection string, filters []Filter, orderBy string, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "query:%s:%s:%d", collection, orderBy, limit)
	for _, f := range filters {
		fmt.Fprintf(&b, ":%s %s %v", f.Field, f.Op, f.Value)
	}
	return b.String()
}

func keyRegistry(collection string) string {
	return "cachekeys:" + collection
}

type cachedDocument struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

func encodeDocuments(docs []Document) ([]byte, error) {
	out := make([]cachedDocument, len(docs))
	for i, d := range docs {
		out[i] = cachedDocument{ID: d.ID, Data: string(d.Data)}
	}
	return sonic.Marshal(out)
}

func decodeDocuments(data []byte) ([]Document, error) {
	var cached []cachedDocument
	if err := sonic.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	docs := make([]Document, len(cached))
	for i, c := range cached {
		docs[i] = Document{ID: c.ID, Data: []byte(c.Data)}
	}
	return docs, nil
}
