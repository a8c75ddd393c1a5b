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

package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/asynctaskflow/taskflow/pkg/operator/options"
	"github.com/asynctaskflow/taskflow/pkg/ratelimit"
	"github.com/asynctaskflow/taskflow/pkg/store"
	"github.com/asynctaskflow/taskflow/pkg/test"
)

var (
	ctx context.Context
	env *test.Environment
)

func TestRateLimit(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "RateLimit")
}

var _ = BeforeSuite(func() {
	var err error
	// A small bucket keeps exhaustion specs cheap: 5 tokens, 1 token/second.
	env, err = test.NewEnvironment(func(opts *options.Options) {
		opts.RateLimitRequests = 5
		opts.RateLimitInterval = 5 * time.Second
	})
	Expect(err).ToNot(HaveOccurred())
	ctx = env.Ctx
})

var _ = AfterSuite(func() {
	env.Stop()
})

var _ = BeforeEach(func() {
	env.Reset()
})

var _ = Describe("Limiter", func() {
	It("initializes a full bucket from the defaults on first use", func() {
		granted, err := env.Limiter.Acquire(ctx, 1, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(granted).To(BeTrue())

		status, err := env.Limiter.Status(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(status.Capacity).To(Equal(float64(5)))
		Expect(status.Tokens).To(BeNumerically("~", 4, 0.001))
		Expect(status.RefillRate).To(BeNumerically("~", 1, 0.001))
	})

	It("prefers a published config over the defaults", func() {
		Expect(env.Store.HSetAll(ctx, store.RateLimitConfigKey, map[string]any{
			"requests":         "2",
			"interval_seconds": "1.000",
		})).To(Succeed())
		granted, err := env.Limiter.Acquire(ctx, 1, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(granted).To(BeTrue())
		status, err := env.Limiter.Status(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(status.Capacity).To(Equal(float64(2)))
	})

	It("denies once the bucket is empty and the budget is zero", func() {
		for i := 0; i < 5; i++ {
			granted, err := env.Limiter.Acquire(ctx, 1, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(granted).To(BeTrue())
		}
		granted, err := env.Limiter.Acquire(ctx, 1, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(granted).To(BeFalse())
	})

	It("refills proportionally to elapsed time", func() {
		for i := 0; i < 5; i++ {
			granted, err := env.Limiter.Acquire(ctx, 1, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(granted).To(BeTrue())
		}
		env.Clock.Step(2 * time.Second)
		granted, err := env.Limiter.Acquire(ctx, 1, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(granted).To(BeTrue())
		status, err := env.Limiter.Status(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(status.Tokens).To(BeNumerically("~", 1, 0.01))
	})

	It("caps refill at capacity", func() {
		granted, err := env.Limiter.Acquire(ctx, 1, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(granted).To(BeTrue())
		env.Clock.Step(time.Hour)
		granted, err = env.Limiter.Acquire(ctx, 1, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(granted).To(BeTrue())
		status, err := env.Limiter.Status(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(status.Tokens).To(BeNumerically("~", 4, 0.01))
	})

	It("never over-grants under contention", func() {
		var granted atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer GinkgoRecover()
				ok, err := env.Limiter.Acquire(ctx, 1, 0)
				Expect(err).ToNot(HaveOccurred())
				if ok {
					granted.Add(1)
				}
			}()
		}
		wg.Wait()
		// The clock is frozen, so no refill can occur mid-flight.
		Expect(granted.Load()).To(Equal(int64(5)))
	})

	It("honors the context during a timed wait", func() {
		for i := 0; i < 5; i++ {
			_, err := env.Limiter.Acquire(ctx, 1, 0)
			Expect(err).ToNot(HaveOccurred())
		}
		waitCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)
			_, err := env.Limiter.Acquire(waitCtx, 1, time.Hour)
			Expect(err).To(MatchError(context.Canceled))
		}()
		// Cancel only once the acquirer is parked on its wait timer.
		Eventually(env.Clock.HasWaiters, time.Second).Should(BeTrue())
		cancel()
		Eventually(done, time.Second).Should(BeClosed())
	})

	Describe("EnsureConfig", func() {
		It("writes the defaults when no config exists", func() {
			Expect(env.Limiter.EnsureConfig(ctx)).To(Succeed())
			fields, err := env.Store.HGetAll(ctx, store.RateLimitConfigKey)
			Expect(err).ToNot(HaveOccurred())
			Expect(fields).To(HaveKeyWithValue("requests", "5"))
		})

		It("leaves an existing config untouched", func() {
			Expect(env.Store.HSetAll(ctx, store.RateLimitConfigKey, map[string]any{
				"requests":         "100",
				"interval_seconds": "10.000",
			})).To(Succeed())
			Expect(env.Limiter.EnsureConfig(ctx)).To(Succeed())
			fields, err := env.Store.HGetAll(ctx, store.RateLimitConfigKey)
			Expect(err).ToNot(HaveOccurred())
			Expect(fields).To(HaveKeyWithValue("requests", "100"))
		})
	})

	Describe("ResetConfig", func() {
		It("drops the bucket so new limits take effect", func() {
			granted, err := env.Limiter.Acquire(ctx, 1, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(granted).To(BeTrue())

			Expect(env.Limiter.ResetConfig(ctx, 1, time.Second)).To(Succeed())
			granted, err = env.Limiter.Acquire(ctx, 1, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(granted).To(BeTrue())
			status, err := env.Limiter.Status(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(status.Capacity).To(Equal(float64(1)))
			Expect(status.Tokens).To(BeNumerically("~", 0, 0.001))
		})
	})

	It("builds an independent limiter with its own defaults", func() {
		other := ratelimit.New(env.Store, env.Clock, 3, time.Second)
		granted, err := other.Acquire(ctx, 1, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(granted).To(BeTrue())
		status, err := other.Status(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(status.Capacity).To(Equal(float64(3)))
	})
})
