package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

// Cache wraps a repository with Redis-backed caching of the list queries.
// Single-task lookups always go to the wrapped store.
type Cache struct {
	base  domain.TaskRepository
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching repository using the provided Redis client and TTL.
func NewCache(base domain.TaskRepository, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base repository is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) GetAll(ctx context.Context) ([]domain.Task, error) {
	key := allTasksCacheKey()
	if tasks, ok := c.load(ctx, key); ok {
		return tasks, nil
	}
	gen, genOK := c.generation(ctx)
	tasks, err := c.base.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if genOK {
		c.store(ctx, key, gen, tasks)
	}
	return tasks, nil
}

func (c *Cache) GetByState(ctx context.Context, state domain.State) ([]domain.Task, error) {
	key := stateCacheKey(state)
	if tasks, ok := c.load(ctx, key); ok {
		return tasks, nil
	}
	gen, genOK := c.generation(ctx)
	tasks, err := c.base.GetByState(ctx, state)
	if err != nil {
		return nil, err
	}
	if genOK {
		c.store(ctx, key, gen, tasks)
	}
	return tasks, nil
}

func (c *Cache) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	return c.base.GetByID(ctx, id)
}

func (c *Cache) Add(ctx context.Context, task domain.Task) (domain.Task, error) {
	added, err := c.base.Add(ctx, task)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx)
	return added, nil
}

func (c *Cache) Update(ctx context.Context, task domain.Task) (domain.Task, error) {
	updated, err := c.base.Update(ctx, task)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx)
	return updated, nil
}

func (c *Cache) Delete(ctx context.Context, id string) error {
	if err := c.base.Delete(ctx, id); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

// Ping forwards to the wrapped store when it can be pinged.
func (c *Cache) Ping(ctx context.Context) error {
	if p, ok := c.base.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *Cache) load(ctx context.Context, key string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, true
}

// generation reports the write counter bumped by every eviction.
func (c *Cache) generation(ctx context.Context) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, generationCacheKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	if err != nil {
		return 0, false
	}
	return gen, true
}

// store caches tasks only while the generation still matches the one read
// before the backing store was queried. A write that committed in between
// leaves the key empty instead of holding a list older than that write.
func (c *Cache) store(ctx context.Context, key string, gen int64, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	genKey := generationCacheKey()
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return errStaleGeneration
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, c.ttl)
			return nil
		})
		return err
	}, genKey)
}

func (c *Cache) evict(ctx context.Context) {
	if c.redis == nil {
		return
	}
	// Bump first so that an in-flight store sees the change before the keys go.
	_ = c.redis.Incr(ctx, generationCacheKey()).Err()
	keys := []string{allTasksCacheKey()}
	for _, s := range domain.States() {
		keys = append(keys, stateCacheKey(s))
	}
	_, _ = c.redis.Del(ctx, keys...).Result()
}

var errStaleGeneration = errors.New("cache generation changed")

func generationCacheKey() string {
	return "tasks:gen"
}

func allTasksCacheKey() string {
	return "tasks:all"
}

func stateCacheKey(state domain.State) string {
	return "tasks:state:" + string(state)
}
