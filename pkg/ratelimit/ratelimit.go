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

// Package ratelimit implements the distributed token bucket that paces
// provider calls across the worker fleet. Refill and consume run in one
// server-side script, so the bucket can never over-grant no matter how many
// workers race on it.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/asynctaskflow/taskflow/pkg/metrics"
	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
	"github.com/asynctaskflow/taskflow/pkg/store"
)

const bucketTTL = 3600 // seconds; an idle bucket re-initializes from config

// acquireScript loads, refills, and (when possible) decrements the bucket in
// one atomic step. A zero-capacity bucket initializes full from the config
// hash. Times are passed in (fractional epoch seconds) so the script stays
// deterministic under replication.
var acquireScript = redis.NewScript(`
local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill', 'capacity', 'refill_rate')
local tokens = tonumber(bucket[1]) or 0
local last_refill = tonumber(bucket[2]) or 0
local capacity = tonumber(bucket[3]) or 0
local refill_rate = tonumber(bucket[4]) or 0
local now = tonumber(ARGV[1])
local requested = tonumber(ARGV[2])

if capacity == 0 then
    local config = redis.call('HMGET', KEYS[2], 'requests', 'interval_seconds')
    local requests = tonumber(config[1]) or tonumber(ARGV[3])
    local interval = tonumber(config[2]) or tonumber(ARGV[4])
    capacity = requests
    refill_rate = requests / interval
    tokens = capacity
    last_refill = now
end

if now > last_refill then
    tokens = math.min(capacity, tokens + (now - last_refill) * refill_rate)
end
last_refill = now

if tokens >= requested then
    tokens = tokens - requested
    redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_refill', last_refill, 'capacity', capacity, 'refill_rate', refill_rate)
    redis.call('EXPIRE', KEYS[1], ARGV[5])
    return {1, tostring(tokens), tostring(capacity), tostring(refill_rate), '0'}
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_refill', last_refill, 'capacity', capacity, 'refill_rate', refill_rate)
redis.call('EXPIRE', KEYS[1], ARGV[5])
local wait = (requested - tokens) / refill_rate
return {0, tostring(tokens), tostring(capacity), tostring(refill_rate), tostring(wait)}
`)

// Status is one observation of the shared bucket.
type Status struct {
	Granted    bool    `json:"granted"`
	Tokens     float64 `json:"tokens"`
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
	WaitSecs   float64 `json:"wait_seconds,omitempty"`
}

// Limiter is the worker-side handle on the shared bucket.
type Limiter struct {
	store           *store.Client
	clk             clock.Clock
	defaultRequests int
	defaultInterval time.Duration
}

func New(client *store.Client, clk clock.Clock, defaultRequests int, defaultInterval time.Duration) *Limiter {
	return &Limiter{store: client, clk: clk, defaultRequests: defaultRequests, defaultInterval: defaultInterval}
}

// Acquire blocks until n tokens are granted or the timeout budget expires.
// Denials sleep for the script-advertised wait, clipped to the remaining
// budget, so workers wake exactly when tokens should exist.
func (l *Limiter) Acquire(ctx context.Context, n int, timeout time.Duration) (bool, error) {
	deadline := l.clk.Now().Add(timeout)
	start := l.clk.Now()
	for {
		status, err := l.step(ctx, n)
		if err != nil {
			return false, err
		}
		if status.Granted {
			metrics.RateLimitWait.Observe(l.clk.Since(start).Seconds())
			return true, nil
		}
		remaining := deadline.Sub(l.clk.Now())
		if remaining <= 0 {
			return false, nil
		}
		wait := time.Duration(status.WaitSecs * float64(time.Second))
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		if wait > remaining {
			wait = remaining
		}
		logging.FromContext(ctx).Debugf("rate limited, waiting %s for %d token(s)", wait.Round(time.Millisecond), n)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-l.clk.After(wait):
		}
	}
}

// step runs one refill-and-consume attempt.
func (l *Limiter) step(ctx context.Context, n int) (Status, error) {
	now := float64(l.clk.Now().UnixNano()) / 1e9
	res, err := l.store.RunScript(ctx, acquireScript,
		[]string{store.RateLimitBucketKey, store.RateLimitConfigKey},
		strconv.FormatFloat(now, 'f', 6, 64),
		strconv.Itoa(n),
		strconv.Itoa(l.defaultRequests),
		strconv.FormatFloat(l.defaultInterval.Seconds(), 'f', 3, 64),
		strconv.Itoa(bucketTTL),
	)
	if err != nil {
		return Status{}, fmt.Errorf("acquiring tokens, %w", err)
	}
	reply, ok := res.([]any)
	if !ok || len(reply) != 5 {
		return Status{}, fmt.Errorf("acquiring tokens, unexpected script reply %T", res)
	}
	return Status{
		Granted:    fmt.Sprint(reply[0]) == "1",
		Tokens:     parseFloat(reply[1]),
		Capacity:   parseFloat(reply[2]),
		RefillRate: parseFloat(reply[3]),
		WaitSecs:   parseFloat(reply[4]),
	}, nil
}

// Status peeks at the bucket without consuming.
func (l *Limiter) Status(ctx context.Context) (Status, error) {
	fields, err := l.store.HGetAll(ctx, store.RateLimitBucketKey)
	if err != nil {
		return Status{}, fmt.Errorf("reading bucket, %w", err)
	}
	return Status{
		Tokens:     parseFloatString(fields["tokens"]),
		Capacity:   parseFloatString(fields["capacity"]),
		RefillRate: parseFloatString(fields["refill_rate"]),
	}, nil
}

// EnsureConfig writes the default limits when no config has been published
// yet. Bootstrap calls this once; a monitor-published config wins.
func (l *Limiter) EnsureConfig(ctx context.Context) error {
	fields, err := l.store.HGetAll(ctx, store.RateLimitConfigKey)
	if err != nil {
		return fmt.Errorf("reading rate limit config, %w", err)
	}
	if len(fields) > 0 {
		return nil
	}
	return l.writeConfig(ctx, l.defaultRequests, l.defaultInterval)
}

// ResetConfig publishes new limits and drops the bucket so the next acquire
// re-initializes from them. In-flight acquisitions keep their granted tokens.
func (l *Limiter) ResetConfig(ctx context.Context, requests int, interval time.Duration) error {
	if err := l.writeConfig(ctx, requests, interval); err != nil {
		return err
	}
	if err := l.store.Del(ctx, store.RateLimitBucketKey); err != nil {
		return fmt.Errorf("resetting bucket, %w", err)
	}
	return nil
}

func (l *Limiter) writeConfig(ctx context.Context, requests int, interval time.Duration) error {
	err := l.store.HSetAll(ctx, store.RateLimitConfigKey, map[string]any{
		"requests":         strconv.Itoa(requests),
		"interval_seconds": strconv.FormatFloat(interval.Seconds(), 'f', 3, 64),
	})
	if err != nil {
		return fmt.Errorf("writing rate limit config, %w", err)
	}
	return nil
}

func parseFloat(v any) float64 {
	return parseFloatString(fmt.Sprint(v))
}

func parseFloatString(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
