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

// Package snapshot periodically publishes the queue_snapshot event that lets
// reconnecting observers catch up. Snapshots are published only when the
// observed shape changes, with a forced resync so a subscriber that missed
// the last change still converges.
package snapshot

import (
	"context"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"k8s.io/utils/clock"

	"github.com/asynctaskflow/taskflow/pkg/events"
	"github.com/asynctaskflow/taskflow/pkg/metrics"
	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
	"github.com/asynctaskflow/taskflow/pkg/operator/options"
	"github.com/asynctaskflow/taskflow/pkg/queues"
	"github.com/asynctaskflow/taskflow/pkg/tasks"
)

const (
	tickInterval   = 5 * time.Second
	resyncInterval = time.Minute
)

type Controller struct {
	router *queues.Router
	repo   tasks.Repo
	bus    events.Bus
	clk    clock.Clock

	lastHash uint64
	lastSent time.Time
}

func NewController(router *queues.Router, repo tasks.Repo, bus events.Bus, clk clock.Clock) *Controller {
	return &Controller{router: router, repo: repo, bus: bus, clk: clk}
}

func (c *Controller) Start(ctx context.Context) error {
	ticker := c.clk.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if err := c.emit(ctx, false); err != nil {
				logging.FromContext(ctx).Errorf("emitting queue snapshot, %v", err)
			}
		}
	}
}

// Emit publishes one snapshot unconditionally; the API uses it on demand.
func (c *Controller) Emit(ctx context.Context) error {
	return c.emit(ctx, true)
}

func (c *Controller) emit(ctx context.Context, force bool) error {
	opts := options.FromContext(ctx)
	depths, err := c.router.Depths(ctx)
	if err != nil {
		return err
	}
	stateCounts, err := c.repo.CountByState(ctx)
	if err != nil {
		return err
	}
	metrics.QueueDepth.WithLabelValues("primary").Set(float64(depths.Primary))
	metrics.QueueDepth.WithLabelValues("retry").Set(float64(depths.Retry))
	metrics.QueueDepth.WithLabelValues("scheduled").Set(float64(depths.Scheduled))
	metrics.QueueDepth.WithLabelValues("dlq").Set(float64(depths.DLQ))

	hash, err := hashstructure.Hash(struct {
		Depths queues.Depths
		States map[string]int64
	}{depths, stateCounts}, hashstructure.FormatV2, nil)
	if err != nil {
		return err
	}
	now := c.clk.Now()
	if !force && hash == c.lastHash && now.Sub(c.lastSent) < resyncInterval {
		return nil
	}
	ratio := queues.AdaptiveRetryRatio(depths.Retry, opts.RetryDepthWarning, opts.RetryDepthCritical)
	c.bus.PublishQueueSnapshot(ctx, stateCounts, ratio)
	c.lastHash = hash
	c.lastSent = now
	return nil
}
