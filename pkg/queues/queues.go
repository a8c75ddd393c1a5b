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

// Package queues owns the four task queues: the primary and retry lists fed
// to dispatchers, the scheduled sorted set of future retries, and the
// dead-letter list. All mutations that pair a queue write with a record
// write ride the caller's transaction through the Pipe helpers.
package queues

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"github.com/asynctaskflow/taskflow/pkg/store"
)

// Depths is the queue depth snapshot carried on every published event.
type Depths struct {
	Primary   int64 `json:"primary"`
	Retry     int64 `json:"retry"`
	Scheduled int64 `json:"scheduled"`
	DLQ       int64 `json:"dlq"`
}

// AdaptiveRetryRatio maps the retry queue depth to the share of pops that
// try the retry queue first. Deep backlogs shift capacity toward primary
// work so fresh tasks are not starved by a retry storm.
func AdaptiveRetryRatio(retryDepth, warning, critical int64) float64 {
	switch {
	case retryDepth >= critical:
		return 0.1
	case retryDepth >= warning:
		return 0.2
	default:
		return 0.3
	}
}

// promoteScript claims due entries and moves them to the retry queue in one
// atomic step. The ZREM return value is the claim: when two promoters race,
// only the winner pushes, so an id is never enqueued twice. The record flip
// to pending rides the same script so queue and record cannot disagree.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], 0, ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = {}
for _, id in ipairs(due) do
    if redis.call('ZREM', KEYS[1], id) == 1 then
        redis.call('LPUSH', KEYS[2], id)
        local key = ARGV[3] .. id
        if redis.call('EXISTS', key) == 1 then
            local entries = {}
            local history = redis.call('HGET', key, 'state_history')
            if history and history ~= '' then
                entries = cjson.decode(history)
            end
            entries[#entries + 1] = {timestamp = ARGV[4], state = ARGV[5]}
            redis.call('HSET', key, 'state', ARGV[5], 'updated_at', ARGV[4], 'state_history', cjson.encode(entries))
        end
        moved[#moved + 1] = id
    end
end
return moved
`)

// Router is the queue-naming façade over the store.
type Router struct {
	store *store.Client
}

func NewRouter(client *store.Client) *Router {
	return &Router{store: client}
}

// Admit pushes new work onto the primary queue.
func (r *Router) Admit(ctx context.Context, id string) error {
	return r.store.LPush(ctx, store.QueuePrimary, id)
}

// AdmitRetry pushes re-admitted work onto the retry queue.
func (r *Router) AdmitRetry(ctx context.Context, id string) error {
	return r.store.LPush(ctx, store.QueueRetry, id)
}

// DequeueBlocking pops from the given queues in priority order. A timeout is
// not an error; it returns zero values so the dispatcher can tick.
func (r *Router) DequeueBlocking(ctx context.Context, timeout time.Duration, queueNames ...string) (string, string, error) {
	return r.store.BLPop(ctx, timeout, queueNames...)
}

// Schedule records a future retry, scored by its due time.
func (r *Router) Schedule(ctx context.Context, id string, due time.Time) error {
	return r.store.ZAdd(ctx, store.QueueScheduled, float64(due.Unix()), id)
}

// PromoteDue atomically moves up to max due entries from the scheduled set
// to the retry queue, flipping their records to pending. Returns the moved
// ids; callers publish the corresponding events.
func (r *Router) PromoteDue(ctx context.Context, now time.Time, max int64, pendingState string) ([]string, error) {
	res, err := r.store.RunScript(ctx, promoteScript,
		[]string{store.QueueScheduled, store.QueueRetry},
		strconv.FormatInt(now.Unix(), 10),
		strconv.FormatInt(max, 10),
		store.TaskKeyPrefix,
		now.UTC().Format(time.RFC3339Nano),
		pendingState,
	)
	if err != nil {
		return nil, fmt.Errorf("promoting due tasks, %w", err)
	}
	raw, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("promoting due tasks, unexpected script reply %T", res)
	}
	return lo.Map(raw, func(v any, _ int) string { return fmt.Sprint(v) }), nil
}

// SendToDLQ pushes a terminally failed id onto the dead-letter list.
func (r *Router) SendToDLQ(ctx context.Context, id string) error {
	return r.store.LPush(ctx, store.QueueDLQ, id)
}

// Depths reads all four queue depths in one pipeline.
func (r *Router) Depths(ctx context.Context) (Depths, error) {
	var primary, retry, scheduled, dlq *redis.IntCmd
	err := r.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		primary = pipe.LLen(ctx, store.QueuePrimary)
		retry = pipe.LLen(ctx, store.QueueRetry)
		scheduled = pipe.ZCard(ctx, store.QueueScheduled)
		dlq = pipe.LLen(ctx, store.QueueDLQ)
		return nil
	})
	if err != nil {
		return Depths{}, fmt.Errorf("reading queue depths, %w", err)
	}
	return Depths{
		Primary:   primary.Val(),
		Retry:     retry.Val(),
		Scheduled: scheduled.Val(),
		DLQ:       dlq.Val(),
	}, nil
}

// Sample returns up to limit ids from the head of the named queue.
func (r *Router) Sample(ctx context.Context, queueName string, limit int64) ([]string, error) {
	switch queueName {
	case store.QueuePrimary, store.QueueRetry, store.QueueDLQ:
		return r.store.LRange(ctx, queueName, 0, limit-1)
	case store.QueueScheduled:
		return r.store.ZRangeByScore(ctx, queueName, "-inf", "+inf", limit)
	default:
		return nil, fmt.Errorf("unknown queue %q", queueName)
	}
}

// Members returns every id currently present in the named queue. The orphan
// sweeper uses this to build the union of enqueued ids.
func (r *Router) Members(ctx context.Context, queueName string) ([]string, error) {
	switch queueName {
	case store.QueuePrimary, store.QueueRetry, store.QueueDLQ:
		return r.store.LRange(ctx, queueName, 0, -1)
	case store.QueueScheduled:
		return r.store.ZRangeByScore(ctx, queueName, "-inf", "+inf", 0)
	default:
		return nil, fmt.Errorf("unknown queue %q", queueName)
	}
}

// Names lists the four queues in a stable order.
func Names() []string {
	return []string{store.QueuePrimary, store.QueueRetry, store.QueueScheduled, store.QueueDLQ}
}

// Pipe helpers queue a single queue mutation on an open transaction so
// record and queue commit together.

func PipeAdmit(ctx context.Context, pipe redis.Pipeliner, id string) {
	pipe.LPush(ctx, store.QueuePrimary, id)
}

func PipeAdmitRetry(ctx context.Context, pipe redis.Pipeliner, id string) {
	pipe.LPush(ctx, store.QueueRetry, id)
}

func PipeSchedule(ctx context.Context, pipe redis.Pipeliner, id string, due time.Time) {
	pipe.ZAdd(ctx, store.QueueScheduled, redis.Z{Score: float64(due.Unix()), Member: id})
}

func PipeSendToDLQ(ctx context.Context, pipe redis.Pipeliner, id string) {
	pipe.LPush(ctx, store.QueueDLQ, id)
}

// PipeRemoveEverywhere purges an id from every queue. LREM and ZREM are
// no-ops for absent members, so this is idempotent.
func PipeRemoveEverywhere(ctx context.Context, pipe redis.Pipeliner, id string) {
	pipe.LRem(ctx, store.QueuePrimary, 0, id)
	pipe.LRem(ctx, store.QueueRetry, 0, id)
	pipe.LRem(ctx, store.QueueDLQ, 0, id)
	pipe.ZRem(ctx, store.QueueScheduled, id)
}
