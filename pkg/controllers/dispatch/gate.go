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
	"time"

	"github.com/asynctaskflow/taskflow/pkg/breaker"
	taskerrors "github.com/asynctaskflow/taskflow/pkg/errors"
	"github.com/asynctaskflow/taskflow/pkg/metrics"
	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
	"github.com/asynctaskflow/taskflow/pkg/providers/openrouter"
	"github.com/asynctaskflow/taskflow/pkg/providers/state"
	"github.com/asynctaskflow/taskflow/pkg/ratelimit"
)

// gatedClient threads every provider call through the shared token bucket
// and circuit breaker, and reports each outcome to the provider snapshot.
// Handlers hold this instead of the raw client, so multi-call handlers (one
// call per PDF page) are paced per call, not per task.
type gatedClient struct {
	inner          openrouter.Client
	limiter        *ratelimit.Limiter
	breaker        *breaker.Breaker
	reporter       *state.Reporter
	workerID       string
	acquireTimeout time.Duration
}

func newGatedClient(inner openrouter.Client, limiter *ratelimit.Limiter, brk *breaker.Breaker, reporter *state.Reporter, workerID string, acquireTimeout time.Duration) *gatedClient {
	return &gatedClient{
		inner:          inner,
		limiter:        limiter,
		breaker:        brk,
		reporter:       reporter,
		workerID:       workerID,
		acquireTimeout: acquireTimeout,
	}
}

func (g *gatedClient) ChatCompletion(ctx context.Context, messages []openrouter.Message) (string, error) {
	granted, err := g.limiter.Acquire(ctx, 1, g.acquireTimeout)
	if err != nil {
		return "", err
	}
	if !granted {
		// Bucket acquire timed out; retried like a provider-side rate limit.
		return "", taskerrors.NewTransient(taskerrors.SubRateLimited, "rate limit token not acquired within %s", g.acquireTimeout)
	}
	var result string
	callErr := g.breaker.Guard(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = g.inner.ChatCompletion(ctx, messages)
		return innerErr
	})
	if callErr == nil {
		metrics.ProviderCalls.WithLabelValues("success").Inc()
		if reportErr := g.reporter.ReportSuccess(ctx, g.workerID); reportErr != nil {
			logging.FromContext(ctx).Errorf("reporting provider success, %v", reportErr)
		}
		return result, nil
	}
	if errors.Is(callErr, breaker.ErrOpen) {
		// No call happened; nothing to report against the provider.
		metrics.ProviderCalls.WithLabelValues("rejected").Inc()
		return "", taskerrors.NewTransient(taskerrors.SubServiceUnavailable, "circuit breaker is open")
	}
	taskErr := taskerrors.Classify(0, callErr.Error(), callErr)
	metrics.ProviderCalls.WithLabelValues("failure").Inc()
	if reportErr := g.reporter.ReportError(ctx, g.workerID, taskErr); reportErr != nil {
		logging.FromContext(ctx).Errorf("reporting provider error, %v", reportErr)
	}
	return "", taskErr
}

func (g *gatedClient) Credits(ctx context.Context) (openrouter.Credits, error) {
	return g.inner.Credits(ctx)
}
