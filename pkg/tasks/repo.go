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

package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/asynctaskflow/taskflow/pkg/events"
	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
	"github.com/asynctaskflow/taskflow/pkg/queues"
	"github.com/asynctaskflow/taskflow/pkg/store"
)

// ErrTaskNotFound reports a task id with no record.
var ErrTaskNotFound = errors.New("task not found")

// IllegalTransitionError reports a rejected state change: either the record
// moved since the caller read it, or the edge is not in the lifecycle graph.
type IllegalTransitionError struct {
	ID      string
	Current State
	From    State
	To      State
}

func (e *IllegalTransitionError) Error() string {
	if e.Current != e.From {
		return fmt.Sprintf("task %s is %s, not %s", e.ID, e.Current, e.From)
	}
	return fmt.Sprintf("task %s cannot move %s -> %s", e.ID, e.From, e.To)
}

func IsIllegalTransition(err error) bool {
	illegalErr := &IllegalTransitionError{}
	return errors.As(err, &illegalErr)
}

// Patch carries the optional field updates a transition applies. A non-nil
// ErrorEntry is appended to the error history; histories are never rewritten.
type Patch struct {
	LastError  *string
	ErrorKind  *string
	RetryAfter *time.Time
	RetryCount *int
	Result     *string
	WorkerID   *string
	ErrorEntry *ErrorEntry
}

// CreateOption adjusts a task record before it is written.
type CreateOption func(*Task)

// WithMaxRetries overrides the configured retry cap for one task.
func WithMaxRetries(maxRetries int) CreateOption {
	return func(t *Task) {
		t.MaxRetries = maxRetries
	}
}

// Repo is the only mutation path for task records.
type Repo interface {
	Create(ctx context.Context, kind Kind, content string, metadata map[string]string, opts ...CreateOption) (*Task, error)
	Fetch(ctx context.Context, id string) (*Task, error)
	FetchDLQ(ctx context.Context, id string) (*Task, error)
	Transition(ctx context.Context, id string, from, to State, patch Patch) (*Task, error)
	Retry(ctx context.Context, id string, resetCount bool) (*Task, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, state State, limit int) ([]*Task, error)
	CountByState(ctx context.Context) (map[string]int64, error)
}

type DefaultRepo struct {
	store      *store.Client
	bus        events.Bus
	clk        clock.Clock
	maxRetries int
}

func NewDefaultRepo(client *store.Client, bus events.Bus, clk clock.Clock, maxRetries int) *DefaultRepo {
	return &DefaultRepo{store: client, bus: bus, clk: clk, maxRetries: maxRetries}
}

// Create writes the record and enqueues it on primary in one transaction,
// so a task can never exist runnable-but-unqueued through this path.
func (r *DefaultRepo) Create(ctx context.Context, kind Kind, content string, metadata map[string]string, opts ...CreateOption) (*Task, error) {
	now := r.clk.Now().UTC()
	task := &Task{
		ID:           uuid.NewString(),
		Kind:         kind,
		Content:      content,
		Metadata:     metadata,
		State:        StatePending,
		MaxRetries:   r.maxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
		ErrorHistory: []ErrorEntry{},
		StateHistory: []StateEntry{{Timestamp: formatTime(now), State: StatePending}},
	}
	for _, opt := range opts {
		opt(task)
	}
	hash, err := task.MarshalHash()
	if err != nil {
		return nil, fmt.Errorf("marshaling task, %w", err)
	}
	if err := r.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, store.TaskKey(task.ID), hash)
		queues.PipeAdmit(ctx, pipe, task.ID)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("creating task, %w", err)
	}
	r.bus.PublishTaskCreated(ctx, task.ID)
	return task, nil
}

func (r *DefaultRepo) Fetch(ctx context.Context, id string) (*Task, error) {
	return r.fetchKey(ctx, store.TaskKey(id), id)
}

// FetchDLQ reads the dead-letter copy kept when a task was dead-lettered.
func (r *DefaultRepo) FetchDLQ(ctx context.Context, id string) (*Task, error) {
	return r.fetchKey(ctx, store.DLQTaskKey(id), id)
}

func (r *DefaultRepo) fetchKey(ctx context.Context, key, id string) (*Task, error) {
	fields, err := r.store.HGetAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetching task %s, %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("task %s, %w", id, ErrTaskNotFound)
	}
	task, err := taskFromHash(fields)
	if err != nil {
		return nil, fmt.Errorf("decoding task %s, %w", id, err)
	}
	return task, nil
}

// Transition applies a legality-checked state change. The check is
// optimistic: the record is read, verified against from, and rewritten in a
// transaction together with its queue side effects. Queue membership for the
// new state commits atomically with the record so the two never disagree.
func (r *DefaultRepo) Transition(ctx context.Context, id string, from, to State, patch Patch) (*Task, error) {
	task, err := r.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.State != from {
		return nil, &IllegalTransitionError{ID: id, Current: task.State, From: from, To: to}
	}
	if !CanTransition(from, to) {
		return nil, &IllegalTransitionError{ID: id, Current: task.State, From: from, To: to}
	}
	now := r.clk.Now().UTC()
	task.apply(patch)
	task.State = to
	task.UpdatedAt = now
	switch to {
	case StateActive:
		task.StartedAt = now
	case StateCompleted:
		task.CompletedAt = now
	case StateFailed:
		task.FailedAt = now
	case StateDLQ:
		task.DLQAt = now
	}
	task.StateHistory = append(task.StateHistory, StateEntry{Timestamp: formatTime(now), State: to})
	if patch.ErrorEntry != nil {
		entry := *patch.ErrorEntry
		if entry.Timestamp == "" {
			entry.Timestamp = formatTime(now)
		}
		task.ErrorHistory = append(task.ErrorHistory, entry)
	}
	hash, err := task.MarshalHash()
	if err != nil {
		return nil, fmt.Errorf("marshaling task %s, %w", id, err)
	}
	if err := r.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, store.TaskKey(id), hash)
		switch {
		case to == StateScheduled:
			due := task.RetryAfter
			if due.IsZero() {
				due = now
			}
			queues.PipeSchedule(ctx, pipe, id, due)
		case to == StateDLQ:
			queues.PipeSendToDLQ(ctx, pipe, id)
			pipe.HSet(ctx, store.DLQTaskKey(id), hash)
		case to == StatePending && (from == StateFailed || from == StateDLQ):
			queues.PipeAdmitRetry(ctx, pipe, id)
			if from == StateDLQ {
				pipe.LRem(ctx, store.QueueDLQ, 0, id)
				pipe.Del(ctx, store.DLQTaskKey(id))
			}
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("transitioning task %s to %s, %w", id, to, err)
	}
	r.bus.PublishTaskStateChanged(ctx, id, string(from), string(to))
	return task, nil
}

// Retry re-admits a failed or dead-lettered task onto the retry queue,
// clearing its failure summary. Operator-facing.
func (r *DefaultRepo) Retry(ctx context.Context, id string, resetCount bool) (*Task, error) {
	task, err := r.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.State != StateFailed && task.State != StateDLQ {
		return nil, &IllegalTransitionError{ID: id, Current: task.State, From: task.State, To: StatePending}
	}
	patch := Patch{
		LastError:  lo.ToPtr(""),
		ErrorKind:  lo.ToPtr(""),
		RetryAfter: lo.ToPtr(time.Time{}),
	}
	if resetCount {
		patch.RetryCount = lo.ToPtr(0)
	}
	return r.Transition(ctx, id, task.State, StatePending, patch)
}

// Delete purges the record, its dead-letter copy, and every queue entry.
// All removals are no-ops when absent, so deleting twice succeeds.
func (r *DefaultRepo) Delete(ctx context.Context, id string) error {
	if err := r.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, store.TaskKey(id), store.DLQTaskKey(id))
		queues.PipeRemoveEverywhere(ctx, pipe, id)
		return nil
	}); err != nil {
		return fmt.Errorf("deleting task %s, %w", id, err)
	}
	return nil
}

// List scans task records, optionally filtered by state, newest first.
// limit <= 0 returns everything.
func (r *DefaultRepo) List(ctx context.Context, state State, limit int) ([]*Task, error) {
	keys, err := r.store.Scan(ctx, store.TaskKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scanning tasks, %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	if err := r.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, key)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("reading tasks, %w", err)
	}
	var out []*Task
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		task, err := taskFromHash(fields)
		if err != nil {
			logging.FromContext(ctx).Debugf("skipping undecodable task record, %v", err)
			continue
		}
		if state != "" && task.State != state {
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByState tallies records per lifecycle state, including zeroes, for
// the periodic queue snapshot.
func (r *DefaultRepo) CountByState(ctx context.Context) (map[string]int64, error) {
	counts := lo.SliceToMap(States(), func(s State) (string, int64) { return string(s), 0 })
	keys, err := r.store.Scan(ctx, store.TaskKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scanning tasks, %w", err)
	}
	if len(keys) == 0 {
		return counts, nil
	}
	cmds := make([]*redis.StringCmd, len(keys))
	if err := r.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGet(ctx, key, fieldState)
		}
		return nil
	}); err != nil && !store.IsNotFound(err) {
		return nil, fmt.Errorf("reading task states, %w", err)
	}
	for _, cmd := range cmds {
		if cmd.Err() != nil {
			continue
		}
		counts[cmd.Val()]++
	}
	return counts, nil
}

func (t *Task) apply(patch Patch) {
	if patch.LastError != nil {
		t.LastError = *patch.LastError
	}
	if patch.ErrorKind != nil {
		t.ErrorKind = *patch.ErrorKind
	}
	if patch.RetryAfter != nil {
		t.RetryAfter = *patch.RetryAfter
	}
	if patch.RetryCount != nil {
		t.RetryCount = *patch.RetryCount
	}
	if patch.Result != nil {
		t.Result = *patch.Result
	}
	if patch.WorkerID != nil {
		t.WorkerID = *patch.WorkerID
	}
}

var _ Repo = (*DefaultRepo)(nil)
