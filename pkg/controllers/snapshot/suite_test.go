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

package snapshot_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/asynctaskflow/taskflow/pkg/controllers/snapshot"
	"github.com/asynctaskflow/taskflow/pkg/events"
	"github.com/asynctaskflow/taskflow/pkg/tasks"
	"github.com/asynctaskflow/taskflow/pkg/test"
)

var (
	ctx context.Context
	env *test.Environment
)

func TestSnapshot(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Snapshot")
}

var _ = BeforeSuite(func() {
	var err error
	env, err = test.NewEnvironment()
	Expect(err).ToNot(HaveOccurred())
	ctx = env.Ctx
})

var _ = AfterSuite(func() {
	env.Stop()
})

var _ = BeforeEach(func() {
	env.Reset()
})

func receiveSnapshot(sub *events.Subscription) events.Event {
	GinkgoHelper()
	for {
		select {
		case event := <-sub.Events():
			if event.Type == events.TypeQueueSnapshot {
				return event
			}
		case <-time.After(time.Second):
			Fail("no queue_snapshot within a second")
		}
	}
}

var _ = Describe("Controller", func() {
	var (
		controller *snapshot.Controller
		sub        *events.Subscription
	)

	BeforeEach(func() {
		controller = snapshot.NewController(env.Router, env.Repo, env.Bus, env.Clock)
		sub = env.Bus.Subscribe(ctx)
		time.Sleep(50 * time.Millisecond)
	})

	AfterEach(func() {
		Expect(sub.Close()).To(Succeed())
	})

	It("emits a snapshot on demand with depths, counts, and ratio", func() {
		_, err := env.Repo.Create(ctx, tasks.KindSummarize, "text", nil)
		Expect(err).ToNot(HaveOccurred())

		Expect(controller.Emit(ctx)).To(Succeed())

		event := receiveSnapshot(sub)
		Expect(event.QueueDepths).ToNot(BeNil())
		Expect(event.QueueDepths.Primary).To(Equal(int64(1)))
		Expect(event.StateCounts).To(HaveKeyWithValue("pending", int64(1)))
		Expect(event.RetryRatio).To(Equal(0.3))
	})

	It("publishes from the ticker only when the shape changes", func() {
		loopCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)
			Expect(controller.Start(loopCtx)).To(Succeed())
		}()

		// First tick always publishes.
		Eventually(env.Clock.HasWaiters, time.Second).Should(BeTrue())
		env.Clock.Step(5 * time.Second)
		receiveSnapshot(sub)

		// No change: the next tick stays quiet.
		env.Clock.Step(5 * time.Second)
		Consistently(sub.Events(), 200*time.Millisecond).ShouldNot(Receive())

		// A queue change publishes again.
		_, err := env.Repo.Create(ctx, tasks.KindSummarize, "text", nil)
		Expect(err).ToNot(HaveOccurred())
		// Drain the task_created event from the create above.
		Eventually(sub.Events(), time.Second).Should(Receive())
		env.Clock.Step(5 * time.Second)
		event := receiveSnapshot(sub)
		Expect(event.QueueDepths.Primary).To(Equal(int64(1)))

		cancel()
		Eventually(done, time.Second).Should(BeClosed())
	})

	It("resyncs unchanged state after the resync interval", func() {
		loopCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)
			Expect(controller.Start(loopCtx)).To(Succeed())
		}()

		Eventually(env.Clock.HasWaiters, time.Second).Should(BeTrue())
		env.Clock.Step(5 * time.Second)
		receiveSnapshot(sub)

		// Thirteen unchanged ticks cross the one-minute resync boundary.
		for i := 0; i < 13; i++ {
			env.Clock.Step(5 * time.Second)
		}
		receiveSnapshot(sub)

		cancel()
		Eventually(done, time.Second).Should(BeClosed())
	})
})
