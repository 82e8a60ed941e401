package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Prefix   string
}

// NewRedisClient creates a Redis client and verifies connectivity.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return client, nil
}

// RedisStore implements Store on Redis. Each job is one JSON value; Update
// uses an optimistic WATCH transaction so concurrent mutations of the same
// job retry instead of overwriting each other.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// updateRetries bounds the optimistic transaction loop in Update.
const updateRetries = 8

// NewRedisStore creates a Redis-backed job store.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "pe:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) jobKey(id string) string {
	return s.prefix + "job:" + id
}

// Create persists a new job record.
func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	stored := job.Clone()
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.jobKey(job.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

// Get returns a snapshot of the job.
func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// Update applies mutate inside a WATCH transaction. On contention the
// transaction fails and the whole read-mutate-write cycle reruns against
// the fresh state, so page_results written by other workers are preserved.
func (s *RedisStore) Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error) {
	key := s.jobKey(id)

	for i := 0; i < updateRetries; i++ {
		var updated *Job

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("redis get: %w", err)
			}

			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				return fmt.Errorf("unmarshal job: %w", err)
			}

			if err := mutate(&job); err != nil {
				return err
			}
			job.UpdatedAt = time.Now().UTC()

			out, err := json.Marshal(&job)
			if err != nil {
				return fmt.Errorf("marshal job: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, out, 0)
				return nil
			})
			if err == nil {
				updated = &job
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}

	return nil, fmt.Errorf("update job %s: too much contention", id)
}

// RedisQueue implements Queue on Redis. Pending ids live in a list, a
// dequeue atomically moves the id to a processing list, and lease expiry
// times live in a sorted set. A reclaim loop requeues ids whose lease
// lapsed, which yields at-least-once delivery across worker crashes.
type RedisQueue struct {
	client *redis.Client

	pendingKey    string
	processingKey string
	leaseKey      string

	lease time.Duration
	block time.Duration

	stop      chan struct{}
	closeOnce sync.Once
}

// NewRedisQueue creates a Redis-backed work queue and starts its reclaim
// loop.
func NewRedisQueue(client *redis.Client, prefix string, lease, block, reclaimInterval time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "pe:"
	}
	q := &RedisQueue{
		client:        client,
		pendingKey:    prefix + "queue:pending",
		processingKey: prefix + "queue:processing",
		leaseKey:      prefix + "queue:leases",
		lease:         lease,
		block:         block,
		stop:          make(chan struct{}),
	}
	go q.reclaimLoop(reclaimInterval)
	return q
}

// Enqueue appends the id to the pending list.
func (q *RedisQueue) Enqueue(ctx context.Context, id string) error {
	if err := q.client.RPush(ctx, q.pendingKey, id).Err(); err != nil {
		return fmt.Errorf("redis rpush: %w", err)
	}
	return nil
}

// Dequeue moves the oldest pending id to the processing list and writes its
// lease expiry.
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	id, err := q.client.BLMove(ctx, q.pendingKey, q.processingKey, "LEFT", "RIGHT", q.block).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrQueueEmpty
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("redis blmove: %w", err)
	}

	if err := q.writeLease(ctx, id); err != nil {
		// Without a lease record the id would strand in the processing
		// list until the reclaim loop adopts it, so put it back instead.
		q.client.LRem(ctx, q.processingKey, 1, id)
		q.client.RPush(ctx, q.pendingKey, id)
		return "", err
	}
	return id, nil
}

// Ack removes the id from the processing list and drops its lease.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	if err := q.client.LRem(ctx, q.processingKey, 1, id).Err(); err != nil {
		return fmt.Errorf("redis lrem: %w", err)
	}
	if err := q.client.ZRem(ctx, q.leaseKey, id).Err(); err != nil {
		return fmt.Errorf("redis zrem: %w", err)
	}
	return nil
}

// Extend refreshes the lease expiry for an id that still holds one.
func (q *RedisQueue) Extend(ctx context.Context, id string) error {
	changed, err := q.client.ZAddArgs(ctx, q.leaseKey, redis.ZAddArgs{
		XX:      true,
		Ch:      true,
		Members: []redis.Z{{Score: q.expiryScore(), Member: id}},
	}).Result()
	if err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}
	if changed == 0 {
		return ErrLeaseExpired
	}
	return nil
}

// Close stops the reclaim loop. The Redis client is shared and stays open.
func (q *RedisQueue) Close() {
	q.closeOnce.Do(func() { close(q.stop) })
}

func (q *RedisQueue) writeLease(ctx context.Context, id string) error {
	err := q.client.ZAdd(ctx, q.leaseKey, redis.Z{Score: q.expiryScore(), Member: id}).Err()
	if err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}
	return nil
}

func (q *RedisQueue) expiryScore() float64 {
	return float64(time.Now().Add(q.lease).UnixMilli())
}

func (q *RedisQueue) reclaimLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			q.reclaim(ctx)
			cancel()
		case <-q.stop:
			return
		}
	}
}

// reclaim requeues every id whose lease expired. Ids sitting in the
// processing list without any lease record, left by a crash between the
// move and the lease write, are adopted with a fresh lease so they expire
// and requeue through the normal path.
func (q *RedisQueue) reclaim(ctx context.Context) {
	orphans, err := q.client.LRange(ctx, q.processingKey, 0, -1).Result()
	if err == nil {
		for _, id := range orphans {
			q.client.ZAddNX(ctx, q.leaseKey, redis.Z{Score: q.expiryScore(), Member: id})
		}
	}

	max := strconv.FormatInt(time.Now().UnixMilli(), 10)
	expired, err := q.client.ZRangeByScore(ctx, q.leaseKey, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return
	}

	for _, id := range expired {
		// LRem is the single-winner guard when several reclaim loops race.
		removed, err := q.client.LRem(ctx, q.processingKey, 1, id).Result()
		if err != nil {
			continue
		}
		q.client.ZRem(ctx, q.leaseKey, id)
		if removed > 0 {
			q.client.RPush(ctx, q.pendingKey, id)
		}
	}
}
