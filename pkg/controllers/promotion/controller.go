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

// Package promotion moves due entries from the scheduled set back to the
// retry queue. The move and the record flip run in one server-side script,
// so concurrent promoters on different workers never double-enqueue an id.
package promotion

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	"github.com/asynctaskflow/taskflow/pkg/events"
	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
	"github.com/asynctaskflow/taskflow/pkg/queues"
	"github.com/asynctaskflow/taskflow/pkg/tasks"
)

const (
	tickInterval = time.Second
	// batchLimit bounds one promotion pass so a due burst cannot stall the
	// ticker.
	batchLimit = 100
)

type Controller struct {
	router *queues.Router
	bus    events.Bus
	clk    clock.Clock
}

func NewController(router *queues.Router, bus events.Bus, clk clock.Clock) *Controller {
	return &Controller{router: router, bus: bus, clk: clk}
}

// Start ticks every second until the context ends.
func (c *Controller) Start(ctx context.Context) error {
	ticker := c.clk.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if _, err := c.Promote(ctx); err != nil {
				logging.FromContext(ctx).Errorf("promoting scheduled tasks, %v", err)
			}
		}
	}
}

// Promote runs one pass: every entry whose due time has passed moves to the
// retry queue and flips to pending. Returns the moved ids.
func (c *Controller) Promote(ctx context.Context) ([]string, error) {
	moved, err := c.router.PromoteDue(ctx, c.clk.Now(), batchLimit, string(tasks.StatePending))
	if err != nil {
		return nil, err
	}
	if len(moved) == 0 {
		return nil, nil
	}
	logging.FromContext(ctx).With("count", len(moved)).Debugf("promoted due tasks")
	for _, id := range moved {
		c.bus.PublishTaskStateChanged(ctx, id, string(tasks.StateScheduled), string(tasks.StatePending))
	}
	return moved, nil
}
