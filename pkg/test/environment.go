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

// Package test provides the shared suite environment: a miniredis-backed
// store, a fake clock, and the component graph under test, reset between
// specs.
package test

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/alicebob/miniredis/v2"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/asynctaskflow/taskflow/pkg/backoff"
	"github.com/asynctaskflow/taskflow/pkg/breaker"
	"github.com/asynctaskflow/taskflow/pkg/controllers/controlplane"
	"github.com/asynctaskflow/taskflow/pkg/controllers/orphans"
	"github.com/asynctaskflow/taskflow/pkg/events"
	"github.com/asynctaskflow/taskflow/pkg/operator/options"
	"github.com/asynctaskflow/taskflow/pkg/providers/state"
	"github.com/asynctaskflow/taskflow/pkg/queues"
	"github.com/asynctaskflow/taskflow/pkg/ratelimit"
	"github.com/asynctaskflow/taskflow/pkg/store"
	"github.com/asynctaskflow/taskflow/pkg/tasks"
)

// Environment is the component graph wired against an in-process Redis.
type Environment struct {
	Ctx       context.Context
	Options   *options.Options
	Miniredis *miniredis.Miniredis
	Clock     *clocktesting.FakeClock
	Store     *store.Client
	Router    *queues.Router
	Bus       events.Bus
	Repo      tasks.Repo
	Backoff   *backoff.Backoff
	Breaker   *breaker.Breaker
	Limiter   *ratelimit.Limiter
	Reporter  *state.Reporter
	Sweeper   *orphans.Sweeper
	Caller    *controlplane.Caller
}

// NewEnvironment starts a miniredis and builds the graph on top of it. The
// option mutators run before any component is constructed.
func NewEnvironment(customize ...func(*options.Options)) (*Environment, error) {
	mr, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("starting miniredis, %w", err)
	}
	opts := options.New()
	opts.RedisURL = fmt.Sprintf("redis://%s/0", mr.Addr())
	for _, fn := range customize {
		fn(opts)
	}
	ctx := options.ToContext(context.Background(), opts)

	client, err := store.NewClient(ctx)
	if err != nil {
		mr.Close()
		return nil, fmt.Errorf("connecting store, %w", err)
	}
	clk := clocktesting.NewFakeClock(time.Now())
	router := queues.NewRouter(client)
	bus := events.NewBus(client, router, clk)
	repo := tasks.NewDefaultRepo(client, bus, clk, opts.MaxRetries)
	env := &Environment{
		Ctx:       ctx,
		Options:   opts,
		Miniredis: mr,
		Clock:     clk,
		Store:     client,
		Router:    router,
		Bus:       bus,
		Repo:      repo,
		Backoff:   backoff.NewFromSource(rand.NewSource(1)),
		Breaker:   breaker.New(client, clk, opts.BreakerFailureThreshold, opts.BreakerResetTimeout),
		Limiter:   ratelimit.New(client, clk, opts.RateLimitRequests, opts.RateLimitInterval),
		Reporter:  state.NewReporter(client, clk),
		Caller:    controlplane.NewCaller(client, clk),
	}
	env.Sweeper = orphans.NewSweeper(client, router, repo, clk)
	return env, nil
}

// Reset flushes every key so specs start from an empty substrate. The
// reporter is rebuilt to drop its in-process snapshot cache.
func (env *Environment) Reset() {
	env.Miniredis.FlushAll()
	env.Reporter = state.NewReporter(env.Store, env.Clock)
}

// Stop tears the environment down.
func (env *Environment) Stop() {
	_ = env.Store.Close()
	env.Miniredis.Close()
}
