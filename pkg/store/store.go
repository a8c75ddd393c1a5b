/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package store wraps the Redis client behind typed operations with
// classified failures. Every other component coordinates exclusively through
// this package; no in-process state is shared between workers.
package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/asynctaskflow/taskflow/pkg/operator/options"
)

const (
	connMaxIdleTime = 5 * time.Minute
	poolTimeout     = 4 * time.Second
	dialTimeout     = 5 * time.Second
	readTimeout     = 3 * time.Second
	writeTimeout    = 3 * time.Second
	maxRetries      = 3
	minRetryBackoff = 8 * time.Millisecond
	maxRetryBackoff = 512 * time.Millisecond
	// blockingSlack keeps the socket read deadline comfortably beyond the
	// server-side BLPOP timeout so idle pops are not misread as failures.
	blockingSlack = 2 * time.Second
)

// Client carries two connection pools: a shared pool for regular commands
// and a dedicated pool sized to the dispatcher count for blocking pops, so
// BLPOP never starves pipeline traffic.
type Client struct {
	rdb      *redis.Client
	blocking *redis.Client
}

// NewClient connects both pools and verifies connectivity with a ping.
func NewClient(ctx context.Context) (*Client, error) {
	opts := options.FromContext(ctx)

	base, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, wrapErr("parse-url", err)
	}
	base.PoolSize = opts.RedisPoolSize
	base.MinIdleConns = opts.RedisMinIdleConns
	base.ConnMaxIdleTime = connMaxIdleTime
	base.PoolTimeout = poolTimeout
	base.DialTimeout = dialTimeout
	base.ReadTimeout = readTimeout
	base.WriteTimeout = writeTimeout
	base.MaxRetries = maxRetries
	base.MinRetryBackoff = minRetryBackoff
	base.MaxRetryBackoff = maxRetryBackoff
	base.ContextTimeoutEnabled = true

	blockingOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, wrapErr("parse-url", err)
	}
	*blockingOpts = *base
	blockingOpts.PoolSize = opts.WorkerCount
	blockingOpts.MinIdleConns = 0
	blockingOpts.ReadTimeout = opts.BlockingTimeout + blockingSlack

	client := &Client{
		rdb:      redis.NewClient(base),
		blocking: redis.NewClient(blockingOpts),
	}
	if err := client.Healthy(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Healthy pings both pools.
func (c *Client) Healthy(ctx context.Context) error {
	return multierr.Combine(
		wrapErr("ping", c.rdb.Ping(ctx).Err()),
		wrapErr("ping-blocking", c.blocking.Ping(ctx).Err()),
	)
}

func (c *Client) Close() error {
	return multierr.Combine(c.rdb.Close(), c.blocking.Close())
}

// --- hashes ---

func (c *Client) HSetAll(ctx context.Context, key string, fields map[string]any) error {
	return wrapErr("hset", c.rdb.HSet(ctx, key, fields).Err())
}

// HGetAll returns an empty map for a missing key, mirroring Redis semantics;
// absence checks belong to the caller.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapErr("hgetall", err)
	}
	return res, nil
}

func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	res, err := c.rdb.HGet(ctx, key, field).Result()
	if err != nil {
		return "", wrapErr("hget", err)
	}
	return res, nil
}

func (c *Client) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	res, err := c.rdb.HIncrBy(ctx, key, field, incr).Result()
	if err != nil {
		return 0, wrapErr("hincrby", err)
	}
	return res, nil
}

// --- lists ---

func (c *Client) LPush(ctx context.Context, key string, values ...any) error {
	return wrapErr("lpush", c.rdb.LPush(ctx, key, values...).Err())
}

func (c *Client) RPush(ctx context.Context, key string, values ...any) error {
	return wrapErr("rpush", c.rdb.RPush(ctx, key, values...).Err())
}

func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	res, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrapErr("lrange", err)
	}
	return res, nil
}

func (c *Client) LRem(ctx context.Context, key string, count int64, value any) (int64, error) {
	res, err := c.rdb.LRem(ctx, key, count, value).Result()
	if err != nil {
		return 0, wrapErr("lrem", err)
	}
	return res, nil
}

func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	res, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, wrapErr("llen", err)
	}
	return res, nil
}

func (c *Client) LTrim(ctx context.Context, key string, start, stop int64) error {
	return wrapErr("ltrim", c.rdb.LTrim(ctx, key, start, stop).Err())
}

// BLPop blocks on the given keys in priority order through the dedicated
// blocking pool. A served element returns (queue, value); an expired timeout
// returns zero values with a nil error, which is the idle tick.
func (c *Client) BLPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	res, err := c.blocking.BLPop(ctx, timeout, keys...).Result()
	if err != nil {
		if wrapped := wrapErr("blpop", err); !IsNotFound(wrapped) {
			return "", "", wrapped
		}
		return "", "", nil
	}
	return res[0], res[1], nil
}

// --- sorted sets ---

func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrapErr("zadd", c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (c *Client) ZRangeByScore(ctx context.Context, key string, min, max string, count int64) ([]string, error) {
	res, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max, Count: count}).Result()
	if err != nil {
		return nil, wrapErr("zrangebyscore", err)
	}
	return res, nil
}

func (c *Client) ZRem(ctx context.Context, key string, members ...any) error {
	return wrapErr("zrem", c.rdb.ZRem(ctx, key, members...).Err())
}

func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	res, err := c.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, wrapErr("zcard", err)
	}
	return res, nil
}

func (c *Client) ZScore(ctx context.Context, key, member string) (float64, error) {
	res, err := c.rdb.ZScore(ctx, key, member).Result()
	if err != nil {
		return 0, wrapErr("zscore", err)
	}
	return res, nil
}

// --- strings, keys ---

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	res, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", wrapErr("get", err)
	}
	return res, nil
}

// SetNXTTL acquires key if absent. Returns false without error when another
// holder won.
func (c *Client) SetNXTTL(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrapErr("setnx", err)
	}
	return ok, nil
}

func (c *Client) SetEXTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	return wrapErr("setex", c.rdb.Set(ctx, key, value, ttl).Err())
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	return wrapErr("del", c.rdb.Del(ctx, keys...).Err())
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapErr("expire", c.rdb.Expire(ctx, key, ttl).Err())
}

func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	res, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, wrapErr("ttl", err)
	}
	return res, nil
}

// Scan walks the keyspace for keys matching pattern. Cursor iteration keeps
// each round-trip bounded; the result is assembled client-side.
func (c *Client) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		page, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, wrapErr("scan", err)
		}
		keys = append(keys, page...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// --- scripting, pub-sub, transactions ---

// RunScript executes a server-side script (EVALSHA with EVAL fallback).
// Scripts are the atomicity primitive for multi-key mutations.
func (c *Client) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	res, err := script.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return nil, wrapErr("eval", err)
	}
	return res, nil
}

func (c *Client) Publish(ctx context.Context, channel string, payload any) error {
	return wrapErr("publish", c.rdb.Publish(ctx, channel, payload).Err())
}

// Subscribe opens a dedicated pub-sub connection. The caller owns closing it.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

// TxPipelined queues the writes issued in fn and commits them atomically
// (MULTI/EXEC). This is the transaction primitive behind create, transition
// and the other composite mutations.
func (c *Client) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	_, err := c.rdb.TxPipelined(ctx, fn)
	return wrapErr("tx-pipeline", err)
}

// Pipelined batches reads without transactional guarantees.
func (c *Client) Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	_, err := c.rdb.Pipelined(ctx, fn)
	return wrapErr("pipeline", err)
}

func (c *Client) Time(ctx context.Context) (time.Time, error) {
	res, err := c.rdb.Time(ctx).Result()
	if err != nil {
		return time.Time{}, wrapErr("time", err)
	}
	return res, nil
}
