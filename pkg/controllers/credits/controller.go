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

// Package credits polls the provider's account balance and writes it into
// the shared snapshot. It is the dedicated poller behind the snapshot's
// balance and usage fields; workers only ever write call outcomes.
package credits

import (
	"context"

	"k8s.io/utils/clock"

	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
	"github.com/asynctaskflow/taskflow/pkg/operator/options"
	"github.com/asynctaskflow/taskflow/pkg/providers/openrouter"
	"github.com/asynctaskflow/taskflow/pkg/providers/state"
)

type Controller struct {
	workerID string
	client   openrouter.Client
	reporter *state.Reporter
	clk      clock.Clock
}

func NewController(workerID string, client openrouter.Client, reporter *state.Reporter, clk clock.Clock) *Controller {
	return &Controller{workerID: workerID, client: client, reporter: reporter, clk: clk}
}

// Start polls on the configured interval; a zero interval disables polling.
func (c *Controller) Start(ctx context.Context) error {
	interval := options.FromContext(ctx).CreditsPollInterval
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
			c.poll(ctx)
		}
	}
}

func (c *Controller) poll(ctx context.Context) {
	credits, err := c.client.Credits(ctx)
	if err != nil {
		logging.FromContext(ctx).Errorf("polling provider credits, %v", err)
		return
	}
	// The provider reports lifetime totals only, so usage_month carries the
	// same figure; the dashboard derives deltas.
	if err := c.reporter.SetBalance(ctx, c.workerID, credits.Balance(), credits.TotalUsage, credits.TotalUsage); err != nil {
		logging.FromContext(ctx).Errorf("recording provider credits, %v", err)
		return
	}
	logging.FromContext(ctx).With("balance", credits.Balance()).Debugf("recorded provider credits")
}
