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

// Package dispatch runs the per-worker loop: blocking-pop with adaptive
// primary/retry weighting, heartbeat upkeep, and the executor that carries
// one task from active to its outcome.
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
	"github.com/asynctaskflow/taskflow/pkg/operator/options"
	"github.com/asynctaskflow/taskflow/pkg/queues"
	"github.com/asynctaskflow/taskflow/pkg/store"
)

const storeErrorPause = 2 * time.Second

// Controller is one dispatcher: a single logically sequential loop bound to
// one worker identity and one blocking connection.
type Controller struct {
	workerID string
	store    *store.Client
	router   *queues.Router
	executor *Executor
	clk      clock.Clock

	mu            sync.Mutex
	rng           *rand.Rand
	lastHeartbeat time.Time
}

// NewWorkerID builds the worker identity: host, PID, and a random suffix so
// two dispatchers in one process stay distinguishable.
func NewWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
}

func NewController(workerID string, client *store.Client, router *queues.Router, executor *Executor, clk clock.Clock) *Controller {
	return &Controller{
		workerID: workerID,
		store:    client,
		router:   router,
		executor: executor,
		clk:      clk,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Controller) WorkerID() string {
	return c.workerID
}

// Start runs the dispatch loop until the context is cancelled. Store
// failures pause the loop briefly rather than crashing the worker; the task
// state in Redis is never force-corrected from here.
func (c *Controller) Start(ctx context.Context) error {
	opts := options.FromContext(ctx)
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("worker-id", c.workerID))
	logger := logging.FromContext(ctx)
	logger.Infof("dispatcher started")
	defer c.deleteHeartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Infof("dispatcher stopped")
			return nil
		default:
		}
		if err := c.heartbeatIfDue(ctx, opts); err != nil {
			logger.Errorf("writing heartbeat, %v", err)
		}
		queueName, id, err := c.pop(ctx, opts)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Errorf("popping task, pausing dispatcher, %v", err)
			c.pause(ctx, storeErrorPause)
			continue
		}
		if id == "" {
			// Timeout tick; the loop re-checks cancellation and heartbeat.
			continue
		}
		logger.With("task-id", id, "queue", queueName).Debugf("dispatching task")
		c.executor.Execute(ctx, c.workerID, id)
		if err := c.heartbeat(ctx, opts); err != nil {
			logger.Errorf("refreshing heartbeat, %v", err)
		}
	}
}

// pop blocks on both runnable queues with the adaptive priority order. Reads
// of the retry depth ride a short internal retry so one connection blip does
// not stall dispatch.
func (c *Controller) pop(ctx context.Context, opts *options.Options) (string, string, error) {
	var retryDepth int64
	err := retry.Do(func() error {
		depths, err := c.router.Depths(ctx)
		if err != nil {
			return err
		}
		retryDepth = depths.Retry
		return nil
	}, retry.Context(ctx), retry.Attempts(3), retry.Delay(50*time.Millisecond), retry.LastErrorOnly(true))
	if err != nil {
		return "", "", err
	}
	ratio := queues.AdaptiveRetryRatio(retryDepth, opts.RetryDepthWarning, opts.RetryDepthCritical)
	order := []string{store.QueuePrimary, store.QueueRetry}
	if c.draw() <= ratio {
		order = []string{store.QueueRetry, store.QueuePrimary}
	}
	return c.router.DequeueBlocking(ctx, opts.BlockingTimeout, order...)
}

func (c *Controller) draw() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64()
}

func (c *Controller) heartbeatIfDue(ctx context.Context, opts *options.Options) error {
	c.mu.Lock()
	due := c.lastHeartbeat.IsZero() || c.clk.Since(c.lastHeartbeat) >= opts.HeartbeatInterval
	c.mu.Unlock()
	if !due {
		return nil
	}
	return c.heartbeat(ctx, opts)
}

// heartbeat writes the liveness key: value is the epoch second of the write,
// TTL bounds how long a dead worker stays visible.
func (c *Controller) heartbeat(ctx context.Context, opts *options.Options) error {
	now := c.clk.Now()
	if err := c.store.SetEXTTL(ctx, store.HeartbeatKey(c.workerID), strconv.FormatInt(now.Unix(), 10), opts.HeartbeatTTL); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastHeartbeat = now
	c.mu.Unlock()
	return nil
}

func (c *Controller) deleteHeartbeat(ctx context.Context) {
	// The surrounding context is usually cancelled by now; detach so the
	// final cleanup write still lands.
	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.store.Del(cleanup, store.HeartbeatKey(c.workerID)); err != nil {
		logging.FromContext(ctx).Debugf("deleting heartbeat, %v", err)
	}
}

func (c *Controller) pause(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-c.clk.After(d):
	}
}
