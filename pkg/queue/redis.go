// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package queue

import (
	"context"
	"encoding/json"
	"fmt"

	backend "github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the list holding job history.
const DefaultRedisKey = "axi:jobs:history"

// RedisHistory keeps terminal jobs in a capped Redis list, newest at the
// head, so history survives restarts and is shared between instances.
type RedisHistory struct {
	client *backend.Client
	key    string
	limit  int
}

// RedisOption configures a RedisHistory.
type RedisOption func(*RedisHistory)

// WithKey sets the list key.
func WithKey(key string) RedisOption {
	return func(h *RedisHistory) {
		if key != "" {
			h.key = key
		}
	}
}

// WithLimit sets how many jobs are retained.
func WithLimit(n int) RedisOption {
	return func(h *RedisHistory) {
		if n > 0 {
			h.limit = n
		}
	}
}

// NewRedisHistory connects to the server at address.
func NewRedisHistory(address, password string, db int, opts ...RedisOption) *RedisHistory {
	client := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisHistoryFromClient(client, opts...)
}

// NewRedisHistoryFromClient uses an existing client.
func NewRedisHistoryFromClient(client *backend.Client, opts ...RedisOption) *RedisHistory {
	h := &RedisHistory{
		client: client,
		key:    DefaultRedisKey,
		limit:  DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Ping checks the connection.
func (h *RedisHistory) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

// Close releases the client.
func (h *RedisHistory) Close() error {
	return h.client.Close()
}

func (h *RedisHistory) Add(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	pipe := h.client.TxPipeline()
	pipe.LPush(ctx, h.key, data)
	pipe.LTrim(ctx, h.key, 0, int64(h.limit-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save job to redis: %w", err)
	}
	return nil
}

func (h *RedisHistory) Get(ctx context.Context, id string) (Job, error) {
	jobs, err := h.List(ctx, 0)
	if err != nil {
		return Job{}, err
	}
	for _, j := range jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return Job{}, jobNotFound(id)
}

func (h *RedisHistory) List(ctx context.Context, limit int) ([]Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	vals, err := h.client.LRange(ctx, h.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job history from redis: %w", err)
	}
	out := make([]Job, 0, len(vals))
	for _, v := range vals {
		var j Job
		if err := json.Unmarshal([]byte(v), &j); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		out = append(out, j)
	}
	return out, nil
}
