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

// The worker binary hosts the dispatcher fleet member: N dispatch loops,
// the promoter, the control-plane listener, the snapshot emitter, and the
// credits poller, plus a prometheus endpoint.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/asynctaskflow/taskflow/pkg/controllers"
	"github.com/asynctaskflow/taskflow/pkg/metrics"
	"github.com/asynctaskflow/taskflow/pkg/operator"
	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
	"github.com/asynctaskflow/taskflow/pkg/operator/options"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := options.New().MustParse()
	ctx = options.ToContext(ctx, opts)
	logger := logging.NewLogger(opts.LogLevel, "worker")
	defer func() { _ = logger.Sync() }()
	ctx = logging.WithLogger(ctx, logger)

	ctx, op, err := operator.NewOperator(ctx)
	if err != nil {
		logger.Fatalf("constructing operator, %v", err)
	}
	defer op.Store.Close()

	metricsServer := metrics.Server(opts.MetricsPort)
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return controllers.Start(ctx, controllers.NewWorkerControllers(ctx, op)...)
	})
	group.Go(func() error {
		// Prompt hot reload; returns once the context ends.
		return op.Prompts.Watch(ctx)
	})
	group.Go(func() error {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		// Dispatchers drain through context cancellation; the metrics server
		// shuts down after them so scrapes cover the drain.
		return metricsServer.Shutdown(context.WithoutCancel(ctx))
	})

	logger.With("worker-count", opts.WorkerCount, "metrics-port", opts.MetricsPort).Infof("worker started")
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("worker exited, %v", err)
	}
	logger.Infof("worker shut down cleanly")
}
