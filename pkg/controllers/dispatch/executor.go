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

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/asynctaskflow/taskflow/pkg/backoff"
	"github.com/asynctaskflow/taskflow/pkg/breaker"
	taskerrors "github.com/asynctaskflow/taskflow/pkg/errors"
	"github.com/asynctaskflow/taskflow/pkg/handlers"
	"github.com/asynctaskflow/taskflow/pkg/metrics"
	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
	"github.com/asynctaskflow/taskflow/pkg/operator/options"
	"github.com/asynctaskflow/taskflow/pkg/providers/openrouter"
	"github.com/asynctaskflow/taskflow/pkg/providers/state"
	"github.com/asynctaskflow/taskflow/pkg/ratelimit"
	"github.com/asynctaskflow/taskflow/pkg/tasks"
)

// HandlerFactory builds the kind dispatch table around a provider client.
// The executor calls it with the gated client so every handler call is paced
// and breaker-guarded.
type HandlerFactory func(client openrouter.Client) *handlers.Registry

// Executor carries one task from pop to outcome.
type Executor struct {
	repo     tasks.Repo
	reporter *state.Reporter
	breaker  *breaker.Breaker
	limiter  *ratelimit.Limiter
	backoff  *backoff.Backoff
	client   openrouter.Client
	factory  HandlerFactory
	clk      clock.Clock
}

func NewExecutor(repo tasks.Repo, reporter *state.Reporter, brk *breaker.Breaker, limiter *ratelimit.Limiter, bo *backoff.Backoff, client openrouter.Client, factory HandlerFactory, clk clock.Clock) *Executor {
	return &Executor{
		repo:     repo,
		reporter: reporter,
		breaker:  brk,
		limiter:  limiter,
		backoff:  bo,
		client:   client,
		factory:  factory,
		clk:      clk,
	}
}

// Execute runs one popped task id to its outcome. It never returns an error:
// every failure lands on the task record or, at worst, in the log, because
// the dispatch loop must keep serving regardless.
func (e *Executor) Execute(ctx context.Context, workerID, id string) {
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("task-id", id))
	logger := logging.FromContext(ctx)
	start := e.clk.Now()
	defer func() {
		metrics.DispatchDuration.Observe(e.clk.Since(start).Seconds())
		if r := recover(); r != nil {
			logger.Errorf("panic executing task, %v", r)
			e.transition(ctx, id, tasks.StateActive, tasks.StateFailed, tasks.Patch{
				LastError: lo.ToPtr(fmt.Sprintf("panic: %v", r)),
				ErrorKind: lo.ToPtr(string(taskerrors.KindTransient)),
			})
		}
	}()

	task, err := e.fetch(ctx, id)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			logger.Errorf("dropping task with no record")
			return
		}
		logger.Errorf("loading task, %v", err)
		return
	}

	if task.RetryCount >= task.MaxRetries {
		logger.With("retry-count", task.RetryCount).Infof("retries exhausted, dead-lettering")
		e.transition(ctx, id, tasks.StatePending, tasks.StateDLQ, tasks.Patch{
			LastError: lo.ToPtr(taskerrors.ReasonMaxRetriesExceeded),
			ErrorEntry: &tasks.ErrorEntry{
				Error:           taskerrors.ReasonMaxRetriesExceeded,
				Kind:            task.ErrorKind,
				RetryCount:      task.RetryCount,
				StateTransition: "pending->dlq",
			},
		})
		metrics.TasksProcessed.WithLabelValues(string(task.Kind), "dlq").Inc()
		return
	}

	if e.shouldSkip(ctx, task) {
		return
	}

	if _, err := e.repo.Transition(ctx, id, tasks.StatePending, tasks.StateActive, tasks.Patch{WorkerID: &workerID}); err != nil {
		// Another worker or an operator moved the task between pop and here.
		logger.Errorf("claiming task, %v", err)
		return
	}
	task.WorkerID = workerID

	result, handleErr := e.run(ctx, workerID, task)
	if handleErr == nil {
		e.transition(ctx, id, tasks.StateActive, tasks.StateCompleted, tasks.Patch{Result: &result})
		metrics.TasksProcessed.WithLabelValues(string(task.Kind), "completed").Inc()
		logger.With("duration", e.clk.Since(start).Round(time.Millisecond)).Infof("task completed")
		return
	}
	e.fail(ctx, task, taskerrors.Classify(0, handleErr.Error(), handleErr))
}

// run resolves the handler and invokes it through the gated client.
func (e *Executor) run(ctx context.Context, workerID string, task *tasks.Task) (string, error) {
	opts := options.FromContext(ctx)
	gated := newGatedClient(e.client, e.limiter, e.breaker, e.reporter, workerID, opts.AcquireTimeout)
	handler, err := e.factory(gated).ForKind(task.Kind)
	if err != nil {
		return "", err
	}
	return handler.Handle(ctx, task)
}

// shouldSkip parks the task when the breaker is open or the provider
// snapshot says the call would be rejected. No attempt is consumed; the task
// waits out the backoff. A half-open breaker does not skip, so the probe
// call that can close it gets through.
func (e *Executor) shouldSkip(ctx context.Context, task *tasks.Task) bool {
	sub := taskerrors.SubRateLimited
	brkState, err := e.breaker.State(ctx)
	if err != nil {
		logging.FromContext(ctx).Errorf("consulting breaker state, %v", err)
		return false
	}
	if brkState == breaker.StateOpen {
		sub = taskerrors.SubServiceUnavailable
	} else {
		skip, err := e.reporter.ShouldSkipAPICall(ctx)
		if err != nil {
			logging.FromContext(ctx).Errorf("consulting provider state, %v", err)
			return false
		}
		if !skip {
			return false
		}
	}
	due := e.backoff.NextAttempt(e.clk, task.RetryCount, sub)
	logging.FromContext(ctx).With("retry-after", due).Infof("provider unavailable, rescheduling without an attempt")
	e.transition(ctx, task.ID, tasks.StatePending, tasks.StateScheduled, tasks.Patch{RetryAfter: &due})
	metrics.TasksProcessed.WithLabelValues(string(task.Kind), "skipped").Inc()
	return true
}

// fail applies the classified outcome policy: permanent and dependency
// failures dead-letter, transient failures schedule a retry with backoff.
func (e *Executor) fail(ctx context.Context, task *tasks.Task, taskErr *taskerrors.TaskError) {
	logger := logging.FromContext(ctx).With("error-kind", string(taskErr.Kind), "error-sub", string(taskErr.Sub))
	switch taskErr.Kind {
	case taskerrors.KindPermanent, taskerrors.KindDependency:
		logger.Errorf("task failed terminally, %v", taskErr)
		e.transition(ctx, task.ID, tasks.StateActive, tasks.StateDLQ, tasks.Patch{
			LastError: lo.ToPtr(taskErr.Message),
			ErrorKind: lo.ToPtr(string(taskErr.Kind)),
			ErrorEntry: &tasks.ErrorEntry{
				Error:           taskErr.Error(),
				Kind:            string(taskErr.Kind),
				RetryCount:      task.RetryCount,
				StateTransition: "active->dlq",
			},
		})
		metrics.TasksProcessed.WithLabelValues(string(task.Kind), "dlq").Inc()
	default:
		due := e.backoff.NextAttempt(e.clk, task.RetryCount, taskErr.Sub)
		logger.With("retry-after", due).Errorf("task failed, scheduling retry, %v", taskErr)
		e.transition(ctx, task.ID, tasks.StateActive, tasks.StateScheduled, tasks.Patch{
			LastError:  lo.ToPtr(taskErr.Message),
			ErrorKind:  lo.ToPtr(string(taskErr.Kind)),
			RetryCount: lo.ToPtr(task.RetryCount + 1),
			RetryAfter: &due,
			ErrorEntry: &tasks.ErrorEntry{
				Error:           taskErr.Error(),
				Kind:            string(taskErr.Kind),
				RetryCount:      task.RetryCount,
				StateTransition: "active->scheduled",
			},
		})
		metrics.TaskRetries.Inc()
		metrics.TasksProcessed.WithLabelValues(string(task.Kind), "scheduled").Inc()
	}
}

// fetch loads the record with a short internal retry so one store blip does
// not orphan a popped id.
func (e *Executor) fetch(ctx context.Context, id string) (*tasks.Task, error) {
	var task *tasks.Task
	err := retry.Do(func() error {
		var fetchErr error
		task, fetchErr = e.repo.Fetch(ctx, id)
		if errors.Is(fetchErr, tasks.ErrTaskNotFound) {
			return retry.Unrecoverable(fetchErr)
		}
		return fetchErr
	}, retry.Context(ctx), retry.Attempts(3), retry.Delay(50*time.Millisecond), retry.LastErrorOnly(true))
	return task, err
}

// transition applies a state change with the same short retry policy. A
// persistent failure is logged and left for the orphan sweeper or an
// operator; the record is never force-corrected.
func (e *Executor) transition(ctx context.Context, id string, from, to tasks.State, patch tasks.Patch) {
	err := retry.Do(func() error {
		_, transitionErr := e.repo.Transition(ctx, id, from, to, patch)
		if tasks.IsIllegalTransition(transitionErr) {
			return retry.Unrecoverable(transitionErr)
		}
		return transitionErr
	}, retry.Context(ctx), retry.Attempts(3), retry.Delay(50*time.Millisecond), retry.LastErrorOnly(true))
	if err != nil {
		logging.FromContext(ctx).Errorf("transitioning task %s to %s, %v", id, to, err)
	}
}
