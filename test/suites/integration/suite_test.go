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

// Package integration drives whole task lifecycles through the real
// component graph: repository, queues, executor, promoter, breaker, and
// sweeper against one shared Redis, with only the provider faked.
package integration_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/asynctaskflow/taskflow/pkg/breaker"
	"github.com/asynctaskflow/taskflow/pkg/controllers/dispatch"
	"github.com/asynctaskflow/taskflow/pkg/controllers/promotion"
	taskerrors "github.com/asynctaskflow/taskflow/pkg/errors"
	"github.com/asynctaskflow/taskflow/pkg/fake"
	"github.com/asynctaskflow/taskflow/pkg/handlers"
	"github.com/asynctaskflow/taskflow/pkg/operator/options"
	"github.com/asynctaskflow/taskflow/pkg/prompts"
	"github.com/asynctaskflow/taskflow/pkg/providers/openrouter"
	"github.com/asynctaskflow/taskflow/pkg/store"
	"github.com/asynctaskflow/taskflow/pkg/tasks"
	"github.com/asynctaskflow/taskflow/pkg/test"
)

const popTimeout = 50 * time.Millisecond

var (
	ctx      context.Context
	env      *test.Environment
	client   *fake.ProviderClient
	executor *dispatch.Executor
	promoter *promotion.Controller
)

func TestIntegration(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Integration")
}

var _ = BeforeSuite(func() {
	var err error
	env, err = test.NewEnvironment(func(opts *options.Options) {
		opts.AcquireTimeout = 0
		opts.BlockingTimeout = popTimeout
	})
	Expect(err).ToNot(HaveOccurred())
	ctx = env.Ctx
})

var _ = AfterSuite(func() {
	env.Stop()
})

var _ = BeforeEach(func() {
	env.Reset()
	client = fake.NewProviderClient()
	promptStore, err := prompts.NewStore("")
	Expect(err).ToNot(HaveOccurred())
	factory := func(c openrouter.Client) *handlers.Registry {
		return handlers.NewRegistry(handlers.NewSummarize(c, promptStore), handlers.NewPDFExtract(c, promptStore))
	}
	executor = dispatch.NewExecutor(env.Repo, env.Reporter, env.Breaker, env.Limiter, env.Backoff, client, factory, env.Clock)
	promoter = promotion.NewController(env.Router, env.Bus, env.Clock)
})

// dispatchOnce pops the next id off the pending queues and executes it the
// way a worker goroutine would.
func dispatchOnce(workerID string) string {
	GinkgoHelper()
	_, id, err := env.Router.DequeueBlocking(ctx, popTimeout, store.QueuePrimary, store.QueueRetry)
	Expect(err).ToNot(HaveOccurred())
	Expect(id).ToNot(BeEmpty(), "expected a pending task to pop")
	executor.Execute(ctx, workerID, id)
	return id
}

func fetch(id string) *tasks.Task {
	GinkgoHelper()
	stored, err := env.Repo.Fetch(ctx, id)
	Expect(err).ToNot(HaveOccurred())
	return stored
}

var _ = Describe("Lifecycle", func() {
	It("runs a task from admission to completion", func() {
		task, err := env.Repo.Create(ctx, tasks.KindSummarize, "quarterly report text", nil,
			tasks.WithMaxRetries(3))
		Expect(err).ToNot(HaveOccurred())
		Expect(task.State).To(Equal(tasks.StatePending))

		popped := dispatchOnce("w-1")
		Expect(popped).To(Equal(task.ID))

		stored := fetch(task.ID)
		Expect(stored.State).To(Equal(tasks.StateCompleted))
		Expect(stored.Result).To(Equal("fake completion"))
		Expect(stored.WorkerID).To(Equal("w-1"))
		Expect(stored.StateHistory[len(stored.StateHistory)-1].State).To(Equal(tasks.StateCompleted))

		depths, err := env.Router.Depths(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(depths.Primary).To(BeZero())

		metrics, err := env.Reporter.Metrics(ctx, env.Clock.Now().UTC().Format("2006-01-02"))
		Expect(err).ToNot(HaveOccurred())
		Expect(metrics.SuccessfulCalls).To(Equal(int64(1)))
	})

	It("retries a transient failure through the scheduled queue", func() {
		client.EnqueueError(taskerrors.Classify(503, "service unavailable", nil))
		task, err := env.Repo.Create(ctx, tasks.KindSummarize, "text", nil)
		Expect(err).ToNot(HaveOccurred())

		dispatchOnce("w-1")
		stored := fetch(task.ID)
		Expect(stored.State).To(Equal(tasks.StateScheduled))
		Expect(stored.RetryCount).To(Equal(1))

		// Nothing is promoted before the backoff elapses.
		moved, err := promoter.Promote(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(moved).To(BeEmpty())

		// First service_unavailable delay is 5s plus jitter.
		env.Clock.Step(6 * time.Second)
		moved, err = promoter.Promote(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(moved).To(ConsistOf(task.ID))
		Expect(fetch(task.ID).State).To(Equal(tasks.StatePending))

		dispatchOnce("w-2")
		stored = fetch(task.ID)
		Expect(stored.State).To(Equal(tasks.StateCompleted))
		Expect(stored.RetryCount).To(Equal(1))
		Expect(stored.WorkerID).To(Equal("w-2"))
		Expect(stored.ErrorHistory).To(HaveLen(1))
	})

	It("exhausts retries into the dead-letter queue", func() {
		for i := 0; i < 3; i++ {
			client.EnqueueError(taskerrors.Classify(503, "service unavailable", nil))
		}
		task, err := env.Repo.Create(ctx, tasks.KindSummarize, "text", nil, tasks.WithMaxRetries(2))
		Expect(err).ToNot(HaveOccurred())

		for attempt := 0; attempt < 2; attempt++ {
			dispatchOnce("w-1")
			env.Clock.Step(env.Backoff.MaxDelay() + time.Second)
			_, err := promoter.Promote(ctx)
			Expect(err).ToNot(HaveOccurred())
		}
		// The cap is reached at pop: the third attempt dead-letters without
		// touching the provider.
		dispatchOnce("w-1")

		stored := fetch(task.ID)
		Expect(stored.State).To(Equal(tasks.StateDLQ))
		Expect(stored.LastError).To(Equal(taskerrors.ReasonMaxRetriesExceeded))
		Expect(client.CallCount()).To(Equal(2))

		dlq, err := env.Router.Members(ctx, store.QueueDLQ)
		Expect(err).ToNot(HaveOccurred())
		Expect(dlq).To(ConsistOf(task.ID))
	})

	It("replays a dead-lettered task after operator retry", func() {
		client.EnqueueError(taskerrors.Classify(400, "invalid request payload", nil))
		task, err := env.Repo.Create(ctx, tasks.KindSummarize, "text", nil)
		Expect(err).ToNot(HaveOccurred())

		dispatchOnce("w-1")
		Expect(fetch(task.ID).State).To(Equal(tasks.StateDLQ))

		replayed, err := env.Repo.Retry(ctx, task.ID, true)
		Expect(err).ToNot(HaveOccurred())
		Expect(replayed.State).To(Equal(tasks.StatePending))
		Expect(replayed.RetryCount).To(BeZero())

		dispatchOnce("w-1")
		stored := fetch(task.ID)
		Expect(stored.State).To(Equal(tasks.StateCompleted))
		Expect(stored.Result).To(Equal("fake completion"))

		dlq, err := env.Router.Members(ctx, store.QueueDLQ)
		Expect(err).ToNot(HaveOccurred())
		Expect(dlq).To(BeEmpty())
	})

	It("trips the breaker after consecutive failures and recovers through a probe", func() {
		threshold := int(env.Options.BreakerFailureThreshold)
		for i := 0; i < threshold; i++ {
			client.EnqueueError(taskerrors.Classify(503, "service unavailable", nil))
			task, err := env.Repo.Create(ctx, tasks.KindSummarize, "text", nil, tasks.WithMaxRetries(10))
			Expect(err).ToNot(HaveOccurred())
			dispatchOnce("w-1")
			Expect(fetch(task.ID).State).To(Equal(tasks.StateScheduled))
		}
		state, err := env.Breaker.State(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(state).To(Equal(breaker.StateOpen))

		// While open, work parks without a provider attempt.
		parked, err := env.Repo.Create(ctx, tasks.KindSummarize, "text", nil)
		Expect(err).ToNot(HaveOccurred())
		calls := client.CallCount()
		dispatchOnce("w-1")
		Expect(fetch(parked.ID).State).To(Equal(tasks.StateScheduled))
		Expect(client.CallCount()).To(Equal(calls))

		// After the reset timeout a half-open probe succeeds and closes it.
		env.Clock.Step(env.Options.BreakerResetTimeout + time.Second)
		probe, err := env.Repo.Create(ctx, tasks.KindSummarize, "text", nil)
		Expect(err).ToNot(HaveOccurred())
		dispatchOnce("w-1")
		Expect(fetch(probe.ID).State).To(Equal(tasks.StateCompleted))

		state, err = env.Breaker.State(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(state).To(Equal(breaker.StateClosed))
	})

	It("recovers a stranded pending task through the orphan sweeper", func() {
		task, err := env.Repo.Create(ctx, tasks.KindSummarize, "text", nil)
		Expect(err).ToNot(HaveOccurred())
		removed, err := env.Store.LRem(ctx, store.QueuePrimary, 0, task.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(removed).To(Equal(int64(1)))

		result, err := env.Sweeper.Sweep(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Requeued).To(Equal(1))

		dispatchOnce("w-1")
		Expect(fetch(task.ID).State).To(Equal(tasks.StateCompleted))
	})
})
