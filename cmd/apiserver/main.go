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

// The apiserver binary serves the admission and observation API: task CRUD,
// queue inspection, maintenance actions, the SSE event stream, and a
// prometheus endpoint.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asynctaskflow/taskflow/pkg/api"
	"github.com/asynctaskflow/taskflow/pkg/metrics"
	"github.com/asynctaskflow/taskflow/pkg/operator"
	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
	"github.com/asynctaskflow/taskflow/pkg/operator/options"
)

const shutdownGrace = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := options.New().MustParse()
	ctx = options.ToContext(ctx, opts)
	logger := logging.NewLogger(opts.LogLevel, "apiserver")
	defer func() { _ = logger.Sync() }()
	ctx = logging.WithLogger(ctx, logger)

	ctx, op, err := operator.NewOperator(ctx)
	if err != nil {
		logger.Fatalf("constructing operator, %v", err)
	}
	defer op.Store.Close()

	server := api.NewServer(op).HTTPServer(ctx)
	metricsServer := metrics.Server(opts.MetricsPort)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return op.Prompts.Watch(ctx)
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		return errors.Join(server.Shutdown(shutdownCtx), metricsServer.Shutdown(shutdownCtx))
	})

	logger.With("http-port", opts.HTTPPort, "metrics-port", opts.MetricsPort).Infof("apiserver started")
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("apiserver exited, %v", err)
	}
	logger.Infof("apiserver shut down cleanly")
}
