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

// Package orphans recovers tasks whose record says pending but which sit in
// no queue. The create path is atomic, so orphans only appear through manual
// surgery or a crash mid-operation; the sweeper re-admits them without
// touching any task that is queued somewhere.
package orphans

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
	"github.com/asynctaskflow/taskflow/pkg/operator/options"
	"github.com/asynctaskflow/taskflow/pkg/queues"
	"github.com/asynctaskflow/taskflow/pkg/store"
	"github.com/asynctaskflow/taskflow/pkg/tasks"
)

// Result summarizes one sweep.
type Result struct {
	Found    int      `json:"found"`
	Requeued int      `json:"requeued"`
	Errors   []string `json:"errors"`
}

type Sweeper struct {
	store  *store.Client
	router *queues.Router
	repo   tasks.Repo
	clk    clock.Clock
}

func NewSweeper(client *store.Client, router *queues.Router, repo tasks.Repo, clk clock.Clock) *Sweeper {
	return &Sweeper{store: client, router: router, repo: repo, clk: clk}
}

// Sweep re-admits every pending task that is absent from all four queues.
// The queue union is read before the records, so a task enqueued mid-sweep
// is at worst seen in neither snapshot and skipped until the next run.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	result := Result{Errors: []string{}}
	enqueued := map[string]struct{}{}
	for _, queueName := range queues.Names() {
		members, err := s.router.Members(ctx, queueName)
		if err != nil {
			return result, fmt.Errorf("listing %s, %w", queueName, err)
		}
		for _, id := range members {
			enqueued[id] = struct{}{}
		}
	}

	pending, err := s.repo.List(ctx, tasks.StatePending, 0)
	if err != nil {
		return result, fmt.Errorf("listing pending tasks, %w", err)
	}
	orphaned := lo.Filter(pending, func(task *tasks.Task, _ int) bool {
		_, queued := enqueued[task.ID]
		return !queued
	})
	result.Found = len(orphaned)

	now := s.clk.Now().UTC()
	for _, task := range orphaned {
		if err := s.requeue(ctx, task.ID, now); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", task.ID, err))
			continue
		}
		logging.FromContext(ctx).With("task-id", task.ID).Infof("re-admitted orphaned task")
		result.Requeued++
	}
	return result, nil
}

// requeue pushes the orphan back onto primary and touches updated_at in one
// transaction. The state is already pending, so no transition is recorded.
func (s *Sweeper) requeue(ctx context.Context, id string, now time.Time) error {
	return s.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		queues.PipeAdmit(ctx, pipe, id)
		pipe.HSet(ctx, store.TaskKey(id), "updated_at", now.Format(time.RFC3339Nano))
		return nil
	})
}

// Controller runs periodic sweeps when an interval is configured; with no
// interval, sweeps stay operator-triggered through the API.
type Controller struct {
	sweeper *Sweeper
	clk     clock.Clock
}

func NewController(sweeper *Sweeper, clk clock.Clock) *Controller {
	return &Controller{sweeper: sweeper, clk: clk}
}

func (c *Controller) Start(ctx context.Context) error {
	interval := options.FromContext(ctx).OrphanSweepInterval
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := c.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			result, err := c.sweeper.Sweep(ctx)
			if err != nil {
				logging.FromContext(ctx).Errorf("sweeping orphans, %v", err)
				continue
			}
			if result.Found > 0 {
				logging.FromContext(ctx).With("found", result.Found, "requeued", result.Requeued).Infof("orphan sweep finished")
			}
		}
	}
}
