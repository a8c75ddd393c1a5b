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

// Package controllers assembles the long-running loops a worker process
// hosts and runs them under one lifecycle.
package controllers

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/asynctaskflow/taskflow/pkg/controllers/controlplane"
	"github.com/asynctaskflow/taskflow/pkg/controllers/credits"
	"github.com/asynctaskflow/taskflow/pkg/controllers/dispatch"
	"github.com/asynctaskflow/taskflow/pkg/controllers/orphans"
	"github.com/asynctaskflow/taskflow/pkg/controllers/promotion"
	"github.com/asynctaskflow/taskflow/pkg/controllers/snapshot"
	"github.com/asynctaskflow/taskflow/pkg/operator"
	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
	"github.com/asynctaskflow/taskflow/pkg/operator/options"
)

// Controller is one long-running loop. Start blocks until the context ends.
type Controller interface {
	Start(ctx context.Context) error
}

// NewWorkerControllers builds the loops one worker process runs: N
// dispatchers (each with its own identity and blocking connection), the
// promoter, the control-plane listener, the snapshot emitter, the credits
// poller, and the optional periodic orphan sweep. Concurrent promoters and
// emitters across processes are tolerated; their writes commute.
func NewWorkerControllers(ctx context.Context, op *operator.Operator) []Controller {
	opts := options.FromContext(ctx)
	executor := dispatch.NewExecutor(op.Repo, op.Reporter, op.Breaker, op.Limiter, op.Backoff, op.Provider, op.HandlerFactory(), op.Clock)

	var cs []Controller
	var pollerID string
	for i := 0; i < opts.WorkerCount; i++ {
		workerID := dispatch.NewWorkerID()
		if i == 0 {
			pollerID = workerID
		}
		// Each dispatcher identity answers control-plane broadcasts itself,
		// so a health command reaches every heartbeat holder.
		cs = append(cs,
			dispatch.NewController(workerID, op.Store, op.Router, executor, op.Clock),
			controlplane.NewListener(workerID, op.Store, op.Breaker, op.Clock),
		)
	}
	cs = append(cs,
		promotion.NewController(op.Router, op.Bus, op.Clock),
		snapshot.NewController(op.Router, op.Repo, op.Bus, op.Clock),
		credits.NewController(pollerID, op.Provider, op.Reporter, op.Clock),
		orphans.NewController(op.Sweeper, op.Clock),
	)
	return cs
}

// Start runs every controller until the context is cancelled or one fails.
func Start(ctx context.Context, cs ...Controller) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, c := range cs {
		group.Go(func() error {
			return c.Start(ctx)
		})
	}
	logging.FromContext(ctx).With("count", len(cs)).Debugf("controllers started")
	return group.Wait()
}
