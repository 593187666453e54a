package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

// Cache wraps a Store with Redis-backed caching of per-owner task snapshots.
// Every successful mutation evicts the owner's snapshot and bumps the owner's
// generation; a snapshot read before a mutation is never written back after it.
type Cache struct {
	base  Store
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Store wrapper using the provided Redis client and TTL.
func NewCache(base Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) List(ctx context.Context, owner string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasksFromCache(ctx, owner); ok {
		return tasks, nil
	}

	gen, ok := c.generation(ctx, owner)
	tasks, err := c.base.List(ctx, owner)
	if err != nil {
		return nil, err
	}

	if ok {
		c.storeTasks(ctx, owner, gen, tasks)
	}
	return tasks, nil
}

func (c *Cache) FindByID(ctx context.Context, id string) (domain.Task, error) {
	return c.base.FindByID(ctx, id)
}

func (c *Cache) Create(ctx context.Context, task domain.Task) (domain.Task, error) {
	created, err := c.base.Create(ctx, task)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, created.Owner)
	return created, nil
}

func (c *Cache) UpdateByID(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	updated, err := c.base.UpdateByID(ctx, id, patch)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, updated.Owner)
	return updated, nil
}

func (c *Cache) DeleteByID(ctx context.Context, id string) (domain.Task, error) {
	deleted, err := c.base.DeleteByID(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, deleted.Owner)
	return deleted, nil
}

func (c *Cache) loadTasksFromCache(ctx context.Context, owner string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(owner)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(owner)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(owner)).Err()
		return nil, false
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, true
}

// generation returns the owner's current generation. An absent key reads as
// "". ok is false when the snapshot must not be cached at all.
func (c *Cache) generation(ctx context.Context, owner string) (gen string, ok bool) {
	if c.redis == nil || c.ttl == 0 {
		return "", false
	}
	gen, err := c.redis.Get(ctx, generationKey(owner)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", false
	}
	return gen, true
}

// storeTasks writes the snapshot only if no mutation bumped the generation
// since gen was read.
func (c *Cache) storeTasks(ctx context.Context, owner, gen string, tasks []domain.Task) {
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	genKey := generationKey(owner)
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStaleSnapshot
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, tasksCacheKey(owner), data, c.ttl)
			return nil
		})
		return err
	}, genKey)
}

var errStaleSnapshot = errors.New("snapshot superseded by a mutation")

func (c *Cache) evict(ctx context.Context, owner string) {
	if c.redis == nil || owner == "" {
		return
	}
	_, _ = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(owner))
		pipe.Del(ctx, tasksCacheKey(owner))
		return nil
	})
}

func tasksCacheKey(owner string) string {
	return "tasks:" + owner
}

func generationKey(owner string) string {
	return "tasks-gen:" + owner
}
