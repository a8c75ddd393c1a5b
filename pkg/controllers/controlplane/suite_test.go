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

package controlplane_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/asynctaskflow/taskflow/pkg/breaker"
	"github.com/asynctaskflow/taskflow/pkg/controllers/controlplane"
	"github.com/asynctaskflow/taskflow/pkg/store"
	"github.com/asynctaskflow/taskflow/pkg/test"
)

const broadcastTimeout = 500 * time.Millisecond

var (
	ctx context.Context
	env *test.Environment
	// caller runs on the real clock; broadcast timeouts are wall time.
	caller *controlplane.Caller
)

func TestControlPlane(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ControlPlane")
}

var _ = BeforeSuite(func() {
	var err error
	env, err = test.NewEnvironment()
	Expect(err).ToNot(HaveOccurred())
	ctx = env.Ctx
	caller = controlplane.NewCaller(env.Store, clock.RealClock{})
})

var _ = AfterSuite(func() {
	env.Stop()
})

var _ = BeforeEach(func() {
	env.Reset()
})

// startListener runs a listener for workerID with a live heartbeat, returning
// its stop function.
func startListener(workerID string) func() {
	GinkgoHelper()
	Expect(env.Store.SetEXTTL(ctx, store.HeartbeatKey(workerID),
		strconv.FormatInt(env.Clock.Now().Unix(), 10), time.Minute)).To(Succeed())
	listener := controlplane.NewListener(workerID, env.Store, env.Breaker, env.Clock)
	listenerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer GinkgoRecover()
		defer close(done)
		Expect(listener.Start(listenerCtx)).To(Succeed())
	}()
	// Let the SUBSCRIBE land before anything is broadcast.
	time.Sleep(50 * time.Millisecond)
	return func() {
		cancel()
		Eventually(done, time.Second).Should(BeClosed())
	}
}

var _ = Describe("Broadcast", func() {
	It("collects a health reply from every live worker", func() {
		stopA := startListener("w-a")
		defer stopA()
		stopB := startListener("w-b")
		defer stopB()

		replies, err := caller.Broadcast(ctx, controlplane.CommandHealth, broadcastTimeout)
		Expect(err).ToNot(HaveOccurred())
		Expect(replies).To(HaveLen(2))
		Expect(lo.Map(replies, func(r controlplane.Reply, _ int) string { return r.WorkerID })).To(ConsistOf("w-a", "w-b"))
		for _, reply := range replies {
			Expect(reply.Status).To(Equal("ok"))
			Expect(reply.BreakerState).To(Equal(string(breaker.StateClosed)))
			Expect(reply.HeartbeatAge).To(BeNumerically(">=", 0))
		}
	})

	It("opens the breaker fleet-wide", func() {
		stop := startListener("w-a")
		defer stop()

		replies, err := caller.Broadcast(ctx, controlplane.CommandOpenBreaker, broadcastTimeout)
		Expect(err).ToNot(HaveOccurred())
		Expect(replies).To(HaveLen(1))
		Expect(replies[0].Status).To(Equal("ok"))
		Expect(replies[0].BreakerState).To(Equal(string(breaker.StateOpen)))

		state, err := env.Breaker.State(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(state).To(Equal(breaker.StateOpen))
	})

	It("closes the breaker fleet-wide", func() {
		stop := startListener("w-a")
		defer stop()
		Expect(env.Breaker.ForceOpen(ctx)).To(Succeed())

		replies, err := caller.Broadcast(ctx, controlplane.CommandCloseBreaker, broadcastTimeout)
		Expect(err).ToNot(HaveOccurred())
		Expect(replies[0].Status).To(Equal("ok"))

		state, err := env.Breaker.State(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(state).To(Equal(breaker.StateClosed))
	})

	It("reports a heartbeat-holding worker that never answers as unknown", func() {
		stop := startListener("w-live")
		defer stop()
		// A heartbeat with no listener behind it: crashed but not yet expired.
		Expect(env.Store.SetEXTTL(ctx, store.HeartbeatKey("w-silent"),
			strconv.FormatInt(env.Clock.Now().Unix(), 10), time.Minute)).To(Succeed())

		replies, err := caller.Broadcast(ctx, controlplane.CommandHealth, broadcastTimeout)
		Expect(err).ToNot(HaveOccurred())
		Expect(replies).To(HaveLen(2))
		byWorker := lo.SliceToMap(replies, func(r controlplane.Reply) (string, string) { return r.WorkerID, r.Status })
		Expect(byWorker).To(HaveKeyWithValue("w-live", "ok"))
		Expect(byWorker).To(HaveKeyWithValue("w-silent", "unknown"))
	})

	It("returns an error reply for an unknown command", func() {
		stop := startListener("w-a")
		defer stop()

		replies, err := caller.Broadcast(ctx, "self_destruct", broadcastTimeout)
		Expect(err).ToNot(HaveOccurred())
		Expect(replies).To(HaveLen(1))
		Expect(replies[0].Status).To(Equal("error"))
		Expect(replies[0].Error).To(ContainSubstring("unknown command"))
	})

	It("returns no replies when no workers are live", func() {
		replies, err := caller.Broadcast(ctx, controlplane.CommandHealth, 100*time.Millisecond)
		Expect(err).ToNot(HaveOccurred())
		Expect(replies).To(BeEmpty())
	})
})
