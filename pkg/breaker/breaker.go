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

// Package breaker implements the cross-process circuit breaker. State lives
// in the shared provider hash so every worker sees the same failure count;
// counter updates run server-side so concurrent increments are never lost.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/asynctaskflow/taskflow/pkg/metrics"
	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
	"github.com/asynctaskflow/taskflow/pkg/store"
)

// ErrOpen rejects a call while the breaker is open. The executor maps it to
// a transient service_unavailable failure so the task backs off and retries.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker position as read from the shared hash.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	fieldFailures = "consecutive_failures"
	fieldOpen     = "circuit_open"
	fieldOpenedAt = "circuit_opened_at"
)

// recordFailureScript increments the shared failure counter and opens the
// breaker once the threshold is met. A failure while already open (a lost
// half-open probe) re-stamps the open time, restarting the reset timer.
var recordFailureScript = redis.NewScript(`
local failures = redis.call('HINCRBY', KEYS[1], 'consecutive_failures', 1)
local open = redis.call('HGET', KEYS[1], 'circuit_open')
if failures >= tonumber(ARGV[1]) or open == '1' then
    redis.call('HSET', KEYS[1], 'circuit_open', '1', 'circuit_opened_at', ARGV[2])
    return {failures, 1}
end
return {failures, 0}
`)

// recordSuccessScript closes the breaker and zeroes the counter.
var recordSuccessScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'consecutive_failures', '0', 'circuit_open', '0', 'circuit_opened_at', '')
return 1
`)

// Breaker gates provider calls on shared failure state.
type Breaker struct {
	store            *store.Client
	clk              clock.Clock
	failureThreshold int64
	resetTimeout     time.Duration
}

func New(client *store.Client, clk clock.Clock, failureThreshold int64, resetTimeout time.Duration) *Breaker {
	return &Breaker{store: client, clk: clk, failureThreshold: failureThreshold, resetTimeout: resetTimeout}
}

// Allow reports whether a provider call may proceed. Closed always passes.
// Open passes a single-probe style half-open attempt once the reset timeout
// has elapsed since the breaker opened; before that, calls are rejected.
func (b *Breaker) Allow(ctx context.Context) (bool, error) {
	state, err := b.State(ctx)
	if err != nil {
		return false, err
	}
	return state != StateOpen, nil
}

// State reads the breaker position from the shared hash.
func (b *Breaker) State(ctx context.Context) (State, error) {
	fields, err := b.store.HGetAll(ctx, store.ProviderStateKey)
	if err != nil {
		return "", fmt.Errorf("reading breaker state, %w", err)
	}
	if fields[fieldOpen] != "1" {
		return StateClosed, nil
	}
	openedAt, err := strconv.ParseInt(fields[fieldOpenedAt], 10, 64)
	if err != nil {
		// An open flag without a readable timestamp permits the probe rather
		// than wedging every worker.
		return StateHalfOpen, nil
	}
	if b.clk.Now().Unix()-openedAt >= int64(b.resetTimeout.Seconds()) {
		return StateHalfOpen, nil
	}
	return StateOpen, nil
}

// Failures reads the shared consecutive failure count.
func (b *Breaker) Failures(ctx context.Context) (int64, error) {
	raw, err := b.store.HGet(ctx, store.ProviderStateKey, fieldFailures)
	if store.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading breaker failures, %w", err)
	}
	count, parseErr := strconv.ParseInt(raw, 10, 64)
	if parseErr != nil {
		return 0, nil
	}
	return count, nil
}

// RecordSuccess closes the breaker and resets the failure counter.
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	if _, err := b.store.RunScript(ctx, recordSuccessScript, []string{store.ProviderStateKey}); err != nil {
		return fmt.Errorf("recording breaker success, %w", err)
	}
	return nil
}

// RecordFailure bumps the shared counter atomically, opening the breaker at
// the threshold.
func (b *Breaker) RecordFailure(ctx context.Context) error {
	res, err := b.store.RunScript(ctx, recordFailureScript,
		[]string{store.ProviderStateKey},
		strconv.FormatInt(b.failureThreshold, 10),
		strconv.FormatInt(b.clk.Now().Unix(), 10),
	)
	if err != nil {
		return fmt.Errorf("recording breaker failure, %w", err)
	}
	if reply, ok := res.([]any); ok && len(reply) == 2 && fmt.Sprint(reply[1]) == "1" {
		metrics.BreakerTransitions.WithLabelValues(string(StateOpen)).Inc()
		logging.FromContext(ctx).Errorf("circuit breaker opened after %v consecutive failures", reply[0])
	}
	return nil
}

// ForceOpen opens the breaker regardless of the counter. Control plane only.
func (b *Breaker) ForceOpen(ctx context.Context) error {
	err := b.store.HSetAll(ctx, store.ProviderStateKey, map[string]any{
		fieldOpen:     "1",
		fieldOpenedAt: strconv.FormatInt(b.clk.Now().Unix(), 10),
	})
	if err != nil {
		return fmt.Errorf("forcing breaker open, %w", err)
	}
	metrics.BreakerTransitions.WithLabelValues(string(StateOpen)).Inc()
	return nil
}

// ForceClose closes the breaker and clears the counter. Control plane only.
func (b *Breaker) ForceClose(ctx context.Context) error {
	if err := b.RecordSuccess(ctx); err != nil {
		return fmt.Errorf("forcing breaker closed, %w", err)
	}
	metrics.BreakerTransitions.WithLabelValues(string(StateClosed)).Inc()
	return nil
}

// Guard wraps one provider call: rejected immediately with ErrOpen while the
// breaker is open, otherwise the call outcome feeds the shared counter. The
// call's own error is returned untouched so classification sees the original.
func (b *Breaker) Guard(ctx context.Context, fn func(ctx context.Context) error) error {
	allowed, err := b.Allow(ctx)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrOpen
	}
	if callErr := fn(ctx); callErr != nil {
		if recordErr := b.RecordFailure(ctx); recordErr != nil {
			logging.FromContext(ctx).Errorf("recording breaker failure, %v", recordErr)
		}
		return callErr
	}
	if recordErr := b.RecordSuccess(ctx); recordErr != nil {
		logging.FromContext(ctx).Errorf("recording breaker success, %v", recordErr)
	}
	return nil
}
