package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/beatgen/api/internal/model"
)

const maxTxRetries = 10

// RedisStore keeps each job as JSON under job:<id> with a TTL.
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

func NewRedisStore(redisClient *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{redis: redisClient, ttl: ttl, now: time.Now}
}

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}

func (s *RedisStore) Create(ctx context.Context, job *model.ExportJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ok, err := s.redis.SetNX(ctx, jobKey(job.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.ExportJob, error) {
	return getJob(ctx, s.redis, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJob(ctx context.Context, c getter, id string) (*model.ExportJob, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var job model.ExportJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// Update runs an optimistic WATCH/MULTI transaction and retries on conflict.
func (s *RedisStore) Update(ctx context.Context, id string, u model.JobUpdate) (*model.ExportJob, bool, error) {
	key := jobKey(id)

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var (
			job     *model.ExportJob
			applied bool
		)
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			current, err := getJob(ctx, tx, id)
			if err != nil {
				return err
			}
			job = current
			applied = job.Apply(u, s.now())
			if !applied {
				return nil
			}

			data, err := json.Marshal(job)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, s.ttl)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return job, applied, nil
	}
	return nil, false, fmt.Errorf("update job %s: too much contention", id)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// Close is a no-op; the redis client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}
