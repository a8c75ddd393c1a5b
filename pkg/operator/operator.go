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

// Package operator bootstraps a process: options into context, logger,
// store, and every shared component, constructed once and injected
// explicitly. No package holds mutable globals.
package operator

import (
	"context"

	"k8s.io/utils/clock"

	"github.com/asynctaskflow/taskflow/pkg/backoff"
	"github.com/asynctaskflow/taskflow/pkg/breaker"
	"github.com/asynctaskflow/taskflow/pkg/controllers/controlplane"
	"github.com/asynctaskflow/taskflow/pkg/controllers/orphans"
	"github.com/asynctaskflow/taskflow/pkg/events"
	"github.com/asynctaskflow/taskflow/pkg/handlers"
	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
	"github.com/asynctaskflow/taskflow/pkg/operator/options"
	"github.com/asynctaskflow/taskflow/pkg/prompts"
	"github.com/asynctaskflow/taskflow/pkg/providers/openrouter"
	"github.com/asynctaskflow/taskflow/pkg/providers/state"
	"github.com/asynctaskflow/taskflow/pkg/queues"
	"github.com/asynctaskflow/taskflow/pkg/ratelimit"
	"github.com/asynctaskflow/taskflow/pkg/store"
	"github.com/asynctaskflow/taskflow/pkg/tasks"
)

// Operator carries every shared component a binary wires together.
type Operator struct {
	Clock    clock.Clock
	Store    *store.Client
	Router   *queues.Router
	Bus      events.Bus
	Repo     tasks.Repo
	Backoff  *backoff.Backoff
	Breaker  *breaker.Breaker
	Limiter  *ratelimit.Limiter
	Reporter *state.Reporter
	Prompts  *prompts.Store
	Provider openrouter.Client
	Sweeper  *orphans.Sweeper
	Caller   *controlplane.Caller
}

// NewOperator builds the component graph for one process. The context must
// already carry the parsed options and the process logger.
func NewOperator(ctx context.Context) (context.Context, *Operator, error) {
	opts := options.FromContext(ctx)
	clk := clock.RealClock{}

	client, err := store.NewClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	router := queues.NewRouter(client)
	bus := events.NewBus(client, router, clk)
	repo := tasks.NewDefaultRepo(client, bus, clk, opts.MaxRetries)

	limiter := ratelimit.New(client, clk, opts.RateLimitRequests, opts.RateLimitInterval)
	if err := limiter.EnsureConfig(ctx); err != nil {
		return nil, nil, err
	}

	promptStore, err := prompts.NewStore(opts.PromptsFile)
	if err != nil {
		return nil, nil, err
	}

	op := &Operator{
		Clock:    clk,
		Store:    client,
		Router:   router,
		Bus:      bus,
		Repo:     repo,
		Backoff:  backoff.New(),
		Breaker:  breaker.New(client, clk, opts.BreakerFailureThreshold, opts.BreakerResetTimeout),
		Limiter:  limiter,
		Reporter: state.NewReporter(client, clk),
		Prompts:  promptStore,
		Provider: openrouter.NewDefaultClient(opts.OpenRouterBaseURL, opts.OpenRouterAPIKey, opts.OpenRouterModel, opts.OpenRouterTimeout),
		Caller:   controlplane.NewCaller(client, clk),
	}
	op.Sweeper = orphans.NewSweeper(client, router, repo, clk)
	logging.FromContext(ctx).With("redis-url", opts.RedisURL).Debugf("operator constructed")
	return ctx, op, nil
}

// HandlerFactory returns the builder the executor uses to assemble the kind
// dispatch table around its gated provider client.
func (o *Operator) HandlerFactory() func(client openrouter.Client) *handlers.Registry {
	return func(client openrouter.Client) *handlers.Registry {
		return handlers.NewRegistry(
			handlers.NewSummarize(client, o.Prompts),
			handlers.NewPDFExtract(client, o.Prompts),
		)
	}
}
