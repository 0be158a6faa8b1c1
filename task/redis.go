package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "maestro:task:"

// RedisStore keeps task state as JSON blobs in Redis with a native TTL on
// each key. It is the backend of choice when the daemon's blackboard should
// survive restarts without a local disk.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore connects to Redis at addr (host:port) and verifies the
// connection with a ping.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w: %v", addr, ErrStoreUnavailable, err)
	}
	return &RedisStore{rdb: rdb, ttl: DefaultTTL}, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error { return s.rdb.Close() }

func taskKey(id string) string { return keyPrefix + id }

// Create persists a new task in StatusPending.
func (s *RedisStore) Create(ctx context.Context, objective string, opts CreateOptions) (*Task, error) {
	t := newTask(objective, opts)
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	if err := s.write(ctx, t, ttl); err != nil {
		return nil, err
	}
	return t, nil
}

// Get retrieves a task by ID. A missing or expired key is ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, id string) (*Task, error) {
	raw, err := s.rdb.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get task", err)
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, storeErr("decode task", err)
	}
	return &t, nil
}

// Update overwrites the stored task and renews its TTL.
func (s *RedisStore) Update(ctx context.Context, t *Task) error {
	if _, err := s.Get(ctx, t.ID); err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()
	return s.write(ctx, t, s.ttl)
}

// AppendMessage adds one message to the task conversation log.
func (s *RedisStore) AppendMessage(ctx context.Context, id string, m Message) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	t.Messages = append(t.Messages, m)
	return s.Update(ctx, t)
}

// List scans all live task keys and returns matching summaries.
func (s *RedisStore) List(ctx context.Context, filter Filter) ([]Summary, error) {
	var out []Summary
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, storeErr("list tasks", err)
		}
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t.Summarize())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, storeErr("scan tasks", err)
	}
	return out, nil
}

// Delete removes a task.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := s.rdb.Del(ctx, taskKey(id)).Result()
	if err != nil {
		return storeErr("delete task", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// ExpireAfter sets the task key's remaining lifetime to d.
func (s *RedisStore) ExpireAfter(ctx context.Context, id string, d time.Duration) error {
	ok, err := s.rdb.Expire(ctx, taskKey(id), d).Result()
	if err != nil {
		return storeErr("expire task", err)
	}
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// Stats aggregates counts across all live tasks.
func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByStatus: make(map[Status]int)}
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, storeErr("task stats", err)
		}
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			continue
		}
		st.Total++
		st.ByStatus[t.Status]++
		if len(t.Errors) > 0 {
			st.WithErrors++
		}
	}
	if err := iter.Err(); err != nil {
		return nil, storeErr("task stats", err)
	}
	return st, nil
}

// CleanupCompleted deletes terminal tasks untouched for longer than
// olderThan and returns the removed IDs.
func (s *RedisStore) CleanupCompleted(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var removed []string
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return removed, storeErr("cleanup tasks", err)
		}
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			continue
		}
		if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
			if err := s.rdb.Del(ctx, iter.Val()).Err(); err != nil {
				return removed, storeErr("cleanup tasks", err)
			}
			removed = append(removed, t.ID)
		}
	}
	if err := iter.Err(); err != nil {
		return removed, storeErr("cleanup tasks", err)
	}
	return removed, nil
}

func (s *RedisStore) write(ctx context.Context, t *Task, ttl time.Duration) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return storeErr("encode task", err)
	}
	if err := s.rdb.Set(ctx, taskKey(t.ID), raw, ttl).Err(); err != nil {
		return storeErr("write task", err)
	}
	return nil
}
