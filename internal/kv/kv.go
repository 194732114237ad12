// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kv provides the Redis adapter backing the execution queue and hot
// execution metadata.
//
// The queue is a plain Redis list consumed with BLPOP, which is atomic
// across concurrent consumers and therefore the linearization point of the
// whole engine: each queued execution id is handed to exactly one worker.
// Because BLPOP monopolizes its connection, consumers use Duplicate to open
// a dedicated connection for blocking pops and keep metadata traffic on the
// shared one.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options contains Redis connection settings.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store is a Redis-backed key-value and queue adapter.
type Store struct {
	client *redis.Client
	opts   Options
}

// New creates a Store from the given options. No connection is made until
// the first command; call Ping to verify reachability.
func New(opts Options) *Store {
	return &Store{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		opts: opts,
	}
}

// Duplicate returns an independent connection sharing this store's
// configuration. Used for blocking list pops and per-execution step
// traffic, which must not contend with metadata updates.
func (s *Store) Duplicate() *Store {
	return New(s.opts)
}

// Ping verifies the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// HashSet writes the given fields into the hash at key, last writer wins
// per field.
func (s *Store) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	if err := s.client.HSet(ctx, key, args).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

// HashGetAll returns every field of the hash at key. A missing key yields
// an empty map, not an error.
func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return fields, nil
}

// HashField returns a single hash field. The second return is false when
// the key or field is absent.
func (s *Store) HashField(ctx context.Context, key, field string) (string, bool, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hget %s %s: %w", key, field, err)
	}
	return val, true, nil
}

// HashDelete removes fields from the hash at key.
func (s *Store) HashDelete(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("hdel %s: %w", key, err)
	}
	return nil
}

// ListPushRight appends value to the FIFO list.
func (s *Store) ListPushRight(ctx context.Context, list, value string) error {
	if err := s.client.RPush(ctx, list, value).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", list, err)
	}
	return nil
}

// ListPopLeftBlocking pops the head of the list, blocking up to timeout.
// The second return is false on timeout. The pop is atomic across
// concurrent callers: each value is delivered to exactly one of them.
func (s *Store) ListPopLeftBlocking(ctx context.Context, list string, timeout time.Duration) (string, bool, error) {
	res, err := s.client.BLPop(ctx, timeout, list).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("blpop %s: %w", list, err)
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return "", false, fmt.Errorf("blpop %s: unexpected reply length %d", list, len(res))
	}
	return res[1], true, nil
}

// ListLength returns the number of entries in the list.
func (s *Store) ListLength(ctx context.Context, list string) (int64, error) {
	n, err := s.client.LLen(ctx, list).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", list, err)
	}
	return n, nil
}

// SetIfAbsentTTL atomically sets key to value with the given TTL if the key
// does not exist. Returns true if the key was set. This is the leader
// election primitive.
func (s *Store) SetIfAbsentTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// ExtendTTL resets the key's TTL.
func (s *Store) ExtendTTL(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// RemainingTTL returns the key's remaining lifetime. Absent keys and keys
// without an expiry report zero.
func (s *Store) RemainingTTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ttl %s: %w", key, err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Delete removes the key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}
