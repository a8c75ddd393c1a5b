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

package events_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/asynctaskflow/taskflow/pkg/events"
	"github.com/asynctaskflow/taskflow/pkg/test"
)

var (
	ctx context.Context
	env *test.Environment
)

func TestEvents(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Events")
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

// receive drains one event or fails the spec.
func receive(sub *events.Subscription) events.Event {
	GinkgoHelper()
	select {
	case event := <-sub.Events():
		return event
	case <-time.After(time.Second):
		Fail("no event within a second")
		return events.Event{}
	}
}

var _ = Describe("Bus", func() {
	var sub *events.Subscription

	BeforeEach(func() {
		sub = env.Bus.Subscribe(ctx)
		// The subscription is asynchronous; give the reader a beat to attach.
		time.Sleep(50 * time.Millisecond)
	})

	AfterEach(func() {
		Expect(sub.Close()).To(Succeed())
	})

	It("publishes task_created with queue depths", func() {
		Expect(env.Router.Admit(ctx, "task-1")).To(Succeed())
		env.Bus.PublishTaskCreated(ctx, "task-1")

		event := receive(sub)
		Expect(event.Type).To(Equal(events.TypeTaskCreated))
		Expect(event.ID).To(Equal("task-1"))
		Expect(event.TS).To(BeNumerically(">", 0))
		Expect(event.QueueDepths).ToNot(BeNil())
		Expect(event.QueueDepths.Primary).To(Equal(int64(1)))
	})

	It("publishes task_state_changed with both states", func() {
		env.Bus.PublishTaskStateChanged(ctx, "task-1", "pending", "active")
		event := receive(sub)
		Expect(event.Type).To(Equal(events.TypeTaskStateChanged))
		Expect(event.OldState).To(Equal("pending"))
		Expect(event.NewState).To(Equal("active"))
	})

	It("publishes queue_snapshot with state counts and retry ratio", func() {
		env.Bus.PublishQueueSnapshot(ctx, map[string]int64{"pending": 3, "active": 1}, 0.3)
		event := receive(sub)
		Expect(event.Type).To(Equal(events.TypeQueueSnapshot))
		Expect(event.StateCounts).To(HaveKeyWithValue("pending", int64(3)))
		Expect(event.RetryRatio).To(Equal(0.3))
	})

	It("fans one publish out to every subscriber", func() {
		second := env.Bus.Subscribe(ctx)
		defer second.Close()
		time.Sleep(50 * time.Millisecond)

		env.Bus.PublishTaskCreated(ctx, "task-1")
		Expect(receive(sub).ID).To(Equal("task-1"))
		Expect(receive(second).ID).To(Equal("task-1"))
	})

	It("closes the event stream when the subscription closes", func() {
		Expect(sub.Close()).To(Succeed())
		Eventually(sub.Events(), time.Second).Should(BeClosed())
		// Closing twice is harmless.
		sub = env.Bus.Subscribe(ctx)
		time.Sleep(50 * time.Millisecond)
	})

	It("preserves publish order for one subscriber", func() {
		for _, id := range []string{"a", "b", "c"} {
			env.Bus.PublishTaskCreated(ctx, id)
		}
		Expect(receive(sub).ID).To(Equal("a"))
		Expect(receive(sub).ID).To(Equal("b"))
		Expect(receive(sub).ID).To(Equal("c"))
	})
})
