// Package redisq provides a Redis-backed fleet.RetryQueue, so that failed
// approvals survive restarts of the SQLite host and can be drained by any
// instance.
//
// Layout:
//
//	<prefix>rec:<id>  JSON-encoded fleet.RetryRecord
//	<prefix>due       sorted set of pending ids, scored by next attempt (unix ms)
//	<prefix>all       sorted set of every id, scored by creation (unix ms)
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/fleet-engine/fleet"
)

const defaultPrefix = "fleet:retry:"

// Queue implements fleet.RetryQueue using Redis
type Queue struct {
	client *redis.Client
	prefix string
}

// New connects to redisURL and checks the connection.
func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client), nil
}

// NewWithClient creates a queue from an existing Redis client
func NewWithClient(client *redis.Client) *Queue {
	return &Queue{
		client: client,
		prefix: defaultPrefix,
	}
}

func (q *Queue) recordKey(id string) string { return q.prefix + "rec:" + id }
func (q *Queue) dueKey() string            { return q.prefix + "due" }
func (q *Queue) allKey() string            { return q.prefix + "all" }

// Enqueue stores a new record and indexes it.
func (q *Queue) Enqueue(ctx context.Context, r fleet.RetryRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal retry record: %w", err)
	}

	ok, err := q.client.SetNX(ctx, q.recordKey(r.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("enqueue retry: %w", err)
	}
	if !ok {
		return fmt.Errorf("retry %s already exists", r.ID)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, q.allKey(), redis.Z{Score: score(r.CreatedAt), Member: r.ID})
		if r.Status == fleet.RetryPending {
			pipe.ZAdd(ctx, q.dueKey(), redis.Z{Score: score(r.NextAttemptAt), Member: r.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("index retry: %w", err)
	}
	return nil
}

// Due returns pending records whose next attempt is at or before now.
func (q *Queue) Due(ctx context.Context, now time.Time, limit int) ([]fleet.RetryRecord, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatFloat(score(now), 'f', -1, 64)}
	if limit > 0 {
		by.Count = int64(limit)
	}

	ids, err := q.client.ZRangeByScore(ctx, q.dueKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("load due retries: %w", err)
	}

	records, err := q.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	return filter(records, fleet.RetryPending), nil
}

// UpdateRetry overwrites an existing record. Records leaving pending are
// dropped from the due index.
func (q *Queue) UpdateRetry(ctx context.Context, r fleet.RetryRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal retry record: %w", err)
	}

	ok, err := q.client.SetXX(ctx, q.recordKey(r.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("update retry: %w", err)
	}
	if !ok {
		return fmt.Errorf("retry %s not found", r.ID)
	}

	if r.Status == fleet.RetryPending {
		err = q.client.ZAdd(ctx, q.dueKey(), redis.Z{Score: score(r.NextAttemptAt), Member: r.ID}).Err()
	} else {
		err = q.client.ZRem(ctx, q.dueKey(), r.ID).Err()
	}
	if err != nil {
		return fmt.Errorf("index retry: %w", err)
	}
	return nil
}

// ListRetries returns records in creation order, filtered by status
// unless status is empty.
func (q *Queue) ListRetries(ctx context.Context, status fleet.RetryStatus) ([]fleet.RetryRecord, error) {
	ids, err := q.client.ZRange(ctx, q.allKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list retries: %w", err)
	}

	records, err := q.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return records, nil
	}
	return filter(records, status), nil
}

func (q *Queue) load(ctx context.Context, ids []string) ([]fleet.RetryRecord, error) {
	records := []fleet.RetryRecord{}
	if len(ids) == 0 {
		return records, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.recordKey(id)
	}
	values, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load retries: %w", err)
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// index entry without a record
			continue
		}
		var r fleet.RetryRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("unmarshal retry %s: %w", ids[i], err)
		}
		records = append(records, r)
	}
	return records, nil
}

// Close closes the Redis connection
func (q *Queue) Close() error {
	return q.client.Close()
}

// Ping checks if Redis is reachable
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func filter(records []fleet.RetryRecord, status fleet.RetryStatus) []fleet.RetryRecord {
	out := records[:0]
	for _, r := range records {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}
