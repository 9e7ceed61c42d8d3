package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

// Cache wraps a task store with a Redis cache of per-project task listings.
// Column reads stay uncached since moves need their versions.
//
// Every write bumps a per-project generation. A listing read from the store
// is only cached while the generation is still the one seen before the read,
// so a write that lands during a miss cannot leave its stale listing behind.
type Cache struct {
	domain.TaskStore
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base domain.TaskStore, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{TaskStore: base, redis: client, ttl: ttl}
}

func (c *Cache) ListProjectTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasks(ctx, projectID); ok {
		return tasks, nil
	}
	gen, genOK := c.generation(ctx, projectID)
	tasks, err := c.TaskStore.ListProjectTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if genOK {
		c.storeTasks(ctx, projectID, gen, tasks)
	}
	return tasks, nil
}

func (c *Cache) InsertTask(ctx context.Context, t domain.Task) error {
	if err := c.TaskStore.InsertTask(ctx, t); err != nil {
		return err
	}
	c.evict(ctx, t.ProjectID)
	return nil
}

func (c *Cache) UpdateTask(ctx context.Context, t domain.Task) error {
	if err := c.TaskStore.UpdateTask(ctx, t); err != nil {
		return err
	}
	c.evict(ctx, t.ProjectID)
	return nil
}

func (c *Cache) CommitBatch(ctx context.Context, b domain.Batch) error {
	if err := c.TaskStore.CommitBatch(ctx, b); err != nil {
		return err
	}
	c.evict(ctx, b.ProjectID)
	return nil
}

func (c *Cache) loadTasks(ctx context.Context, projectID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(projectID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(projectID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(projectID)).Err()
		return nil, false
	}
	return tasks, true
}

var errStaleListing = errors.New("listing outdated by a write")

// generation returns the write generation of a project, "" before its first
// write.
func (c *Cache) generation(ctx context.Context, projectID string) (string, bool) {
	if c.redis == nil || c.ttl == 0 {
		return "", false
	}
	gen, err := c.redis.Get(ctx, tasksGenKey(projectID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", false
	}
	return gen, true
}

func (c *Cache) storeTasks(ctx context.Context, projectID, gen string, tasks []domain.Task) {
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	genKey := tasksGenKey(projectID)
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStaleListing
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, tasksCacheKey(projectID), data, c.ttl)
			return nil
		})
		return err
	}, genKey)
}

func (c *Cache) evict(ctx context.Context, projectID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, tasksGenKey(projectID))
		pipe.Del(ctx, tasksCacheKey(projectID))
		return nil
	})
}

func tasksCacheKey(projectID string) string {
	return "tasks:" + projectID
}

func tasksGenKey(projectID string) string {
	return "tasksgen:" + projectID
}
