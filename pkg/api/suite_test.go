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

package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/asynctaskflow/taskflow/pkg/api"
	"github.com/asynctaskflow/taskflow/pkg/breaker"
	"github.com/asynctaskflow/taskflow/pkg/controllers/controlplane"
	"github.com/asynctaskflow/taskflow/pkg/fake"
	"github.com/asynctaskflow/taskflow/pkg/operator"
	"github.com/asynctaskflow/taskflow/pkg/prompts"
	"github.com/asynctaskflow/taskflow/pkg/store"
	"github.com/asynctaskflow/taskflow/pkg/tasks"
	"github.com/asynctaskflow/taskflow/pkg/test"
)

var (
	ctx    context.Context
	env    *test.Environment
	op     *operator.Operator
	server *httptest.Server
)

func TestAPI(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "API")
}

var _ = BeforeSuite(func() {
	var err error
	env, err = test.NewEnvironment()
	Expect(err).ToNot(HaveOccurred())
	ctx = env.Ctx

	promptStore, err := prompts.NewStore("")
	Expect(err).ToNot(HaveOccurred())
	op = &operator.Operator{
		Clock:    env.Clock,
		Store:    env.Store,
		Router:   env.Router,
		Bus:      env.Bus,
		Repo:     env.Repo,
		Backoff:  env.Backoff,
		Breaker:  env.Breaker,
		Limiter:  env.Limiter,
		Reporter: env.Reporter,
		Prompts:  promptStore,
		Provider: fake.NewProviderClient(),
		Sweeper:  env.Sweeper,
		Caller:   env.Caller,
	}
	server = httptest.NewServer(api.NewServer(op).Router(ctx))
})

var _ = AfterSuite(func() {
	server.Close()
	env.Stop()
})

var _ = BeforeEach(func() {
	env.Reset()
	// Reset rebuilds the reporter; the operator must follow it.
	op.Reporter = env.Reporter
})

// request runs one JSON round-trip against the test server.
func request(method, path string, body any) (*http.Response, map[string]any) {
	GinkgoHelper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		Expect(err).ToNot(HaveOccurred())
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, server.URL+path, reader)
	Expect(err).ToNot(HaveOccurred())
	resp, err := http.DefaultClient.Do(req)
	Expect(err).ToNot(HaveOccurred())
	defer resp.Body.Close()
	decoded := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		Expect(json.NewDecoder(resp.Body).Decode(&decoded)).To(Succeed())
	}
	return resp, decoded
}

func createTask(kind, content string) string {
	GinkgoHelper()
	resp, body := request(http.MethodPost, "/v1/tasks", map[string]any{"kind": kind, "content": content})
	Expect(resp.StatusCode).To(Equal(http.StatusCreated))
	return body["task_id"].(string)
}

var _ = Describe("Health", func() {
	It("reports healthz unconditionally", func() {
		resp, body := request(http.MethodGet, "/healthz", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body).To(HaveKeyWithValue("status", "ok"))
	})

	It("reports readyz when the store answers", func() {
		resp, body := request(http.MethodGet, "/readyz", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body).To(HaveKeyWithValue("status", "ready"))
	})
})

var _ = Describe("Tasks", func() {
	It("admits a task and enqueues it", func() {
		resp, body := request(http.MethodPost, "/v1/tasks", map[string]any{
			"kind":     "summarize",
			"content":  test.RandomContent(),
			"metadata": map[string]string{"source": test.RandomName()},
		})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		Expect(body["task_id"]).ToNot(BeEmpty())
		Expect(body).To(HaveKeyWithValue("state", "pending"))

		depths, err := env.Router.Depths(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(depths.Primary).To(Equal(int64(1)))
	})

	It("honors an explicit retry cap", func() {
		resp, body := request(http.MethodPost, "/v1/tasks", map[string]any{
			"kind": "summarize", "content": "text", "max_retries": 7,
		})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		Expect(body["max_retries"]).To(BeEquivalentTo(7))
	})

	DescribeTable("rejects invalid admissions",
		func(payload map[string]any, fragment string) {
			resp, body := request(http.MethodPost, "/v1/tasks", payload)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(body["error"]).To(ContainSubstring(fragment))
		},
		Entry("unknown kind", map[string]any{"kind": "translate", "content": "x"}, "unknown kind"),
		Entry("empty content", map[string]any{"kind": "summarize", "content": ""}, "content must not be empty"),
		Entry("negative retry cap", map[string]any{"kind": "summarize", "content": "x", "max_retries": -1}, "max_retries"),
		Entry("oversized text", map[string]any{"kind": "summarize", "content": strings.Repeat("a", (1<<20)+1)}, "exceeds"),
	)

	It("fetches a stored task", func() {
		id := createTask("summarize", "text")
		resp, body := request(http.MethodGet, "/v1/tasks/"+id, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body).To(HaveKeyWithValue("task_id", id))
	})

	It("falls back to the dead-letter copy of a purged task", func() {
		id := createTask("summarize", "text")
		_, err := env.Repo.Transition(ctx, id, tasks.StatePending, tasks.StateDLQ, tasks.Patch{})
		Expect(err).ToNot(HaveOccurred())
		Expect(env.Store.Del(ctx, store.TaskKey(id))).To(Succeed())

		resp, body := request(http.MethodGet, "/v1/tasks/"+id, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body).To(HaveKeyWithValue("state", "dlq"))
	})

	It("404s an unknown task", func() {
		resp, body := request(http.MethodGet, "/v1/tasks/nope", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		Expect(body["error"]).To(ContainSubstring("not found"))
	})

	It("lists tasks with a state filter and limit", func() {
		for i := 0; i < 3; i++ {
			createTask("summarize", "text "+strconv.Itoa(i))
		}
		resp, body := request(http.MethodGet, "/v1/tasks?state=pending", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["count"]).To(BeEquivalentTo(3))

		_, body = request(http.MethodGet, "/v1/tasks?state=pending&limit=2", nil)
		Expect(body["count"]).To(BeEquivalentTo(2))

		_, body = request(http.MethodGet, "/v1/tasks?state=completed", nil)
		Expect(body["count"]).To(BeEquivalentTo(0))
	})

	It("deletes a task", func() {
		id := createTask("summarize", "text")
		resp, _ := request(http.MethodDelete, "/v1/tasks/"+id, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

		resp, _ = request(http.MethodGet, "/v1/tasks/"+id, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	Context("retry", func() {
		It("requeues a dead-lettered task", func() {
			id := createTask("summarize", "text")
			_, err := env.Repo.Transition(ctx, id, tasks.StatePending, tasks.StateDLQ, tasks.Patch{})
			Expect(err).ToNot(HaveOccurred())

			resp, body := request(http.MethodPost, "/v1/tasks/"+id+"/retry", map[string]any{"reset_retry_count": true})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body).To(HaveKeyWithValue("state", "pending"))
			Expect(body["retry_count"]).To(BeEquivalentTo(0))
		})

		It("404s an unknown task", func() {
			resp, _ := request(http.MethodPost, "/v1/tasks/nope/retry", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("409s a task that is not replayable", func() {
			id := createTask("summarize", "text")
			resp, _ := request(http.MethodPost, "/v1/tasks/"+id+"/retry", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})
	})
})

var _ = Describe("Queues", func() {
	It("reports depths, state counts, and the retry ratio", func() {
		createTask("summarize", "text")
		resp, body := request(http.MethodGet, "/v1/queues", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		depths := body["depths"].(map[string]any)
		Expect(depths["primary"]).To(BeEquivalentTo(1))
		states := body["states"].(map[string]any)
		Expect(states["pending"]).To(BeEquivalentTo(1))
		Expect(body["retry_ratio"]).To(BeEquivalentTo(0.3))
	})

	It("samples a queue without consuming it", func() {
		id := createTask("summarize", "text")
		resp, body := request(http.MethodGet, "/v1/queues/primary/sample", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["ids"]).To(ConsistOf(id))

		depths, err := env.Router.Depths(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(depths.Primary).To(Equal(int64(1)))
	})

	It("404s an unknown queue name", func() {
		resp, _ := request(http.MethodGet, "/v1/queues/bogus/sample", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("promotes due scheduled tasks on demand", func() {
		Expect(env.Router.Schedule(ctx, "due-id", env.Clock.Now().Add(-time.Second))).To(Succeed())
		resp, body := request(http.MethodPost, "/v1/queues/promote", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["promoted"]).To(ConsistOf("due-id"))
		Expect(body["count"]).To(BeEquivalentTo(1))
	})

	It("lists dead-lettered tasks", func() {
		id := createTask("summarize", "text")
		_, err := env.Repo.Transition(ctx, id, tasks.StatePending, tasks.StateDLQ, tasks.Patch{})
		Expect(err).ToNot(HaveOccurred())

		resp, body := request(http.MethodGet, "/v1/dlq", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["count"]).To(BeEquivalentTo(1))
	})
})

var _ = Describe("Maintenance", func() {
	It("sweeps orphans on demand", func() {
		id := createTask("summarize", "text")
		removed, err := env.Store.LRem(ctx, store.QueuePrimary, 0, id)
		Expect(err).ToNot(HaveOccurred())
		Expect(removed).To(Equal(int64(1)))

		resp, body := request(http.MethodPost, "/v1/maintenance/orphans/sweep", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["found"]).To(BeEquivalentTo(1))
		Expect(body["requeued"]).To(BeEquivalentTo(1))
	})

	It("lists workers with heartbeat ages", func() {
		Expect(env.Store.SetEXTTL(ctx, store.HeartbeatKey("w-1"),
			strconv.FormatInt(env.Clock.Now().Unix(), 10), time.Minute)).To(Succeed())

		resp, body := request(http.MethodGet, "/v1/workers", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["count"]).To(BeEquivalentTo(1))
		workers := body["workers"].([]any)
		worker := workers[0].(map[string]any)
		Expect(worker).To(HaveKeyWithValue("worker_id", "w-1"))
		Expect(worker).To(HaveKeyWithValue("healthy", true))
	})

	Context("broadcasts", func() {
		var stop func()

		BeforeEach(func() {
			Expect(env.Store.SetEXTTL(ctx, store.HeartbeatKey("w-1"),
				strconv.FormatInt(env.Clock.Now().Unix(), 10), time.Minute)).To(Succeed())
			listener := controlplane.NewListener("w-1", env.Store, env.Breaker, env.Clock)
			listenerCtx, cancel := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				Expect(listener.Start(listenerCtx)).To(Succeed())
			}()
			time.Sleep(50 * time.Millisecond)
			stop = func() {
				cancel()
				Eventually(done, time.Second).Should(BeClosed())
			}
		})

		AfterEach(func() {
			stop()
		})

		It("gathers worker health", func() {
			resp, body := request(http.MethodPost, "/v1/workers/health", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			replies := body["replies"].([]any)
			Expect(replies).To(HaveLen(1))
			Expect(replies[0].(map[string]any)).To(HaveKeyWithValue("status", "ok"))
			Expect(body["unknown"]).To(BeEquivalentTo(0))
		})

		It("opens the breaker fleet-wide", func() {
			resp, _ := request(http.MethodPost, "/v1/breaker/open", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			state, err := env.Breaker.State(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(state).To(Equal(breaker.StateOpen))
		})

		It("closes the breaker fleet-wide", func() {
			Expect(env.Breaker.ForceOpen(ctx)).To(Succeed())
			resp, _ := request(http.MethodPost, "/v1/breaker/close", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			state, err := env.Breaker.State(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(state).To(Equal(breaker.StateClosed))
		})
	})
})

var _ = Describe("Provider", func() {
	It("reports the snapshot, freshness, daily metrics, and bucket", func() {
		Expect(env.Limiter.EnsureConfig(ctx)).To(Succeed())
		Expect(env.Reporter.ReportSuccess(ctx, "w-1")).To(Succeed())

		resp, body := request(http.MethodGet, "/v1/provider", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		snapshot := body["snapshot"].(map[string]any)
		Expect(snapshot).To(HaveKeyWithValue("state", "active"))
		Expect(body["freshness"]).To(Equal("fresh"))
		Expect(body).To(HaveKey("metrics"))
		bucket := body["bucket"].(map[string]any)
		Expect(bucket["capacity"]).To(BeEquivalentTo(env.Options.RateLimitRequests))
	})
})

var _ = Describe("Events", func() {
	It("streams a connect snapshot over SSE", func() {
		createTask("summarize", "text")

		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, server.URL+"/v1/events", nil)
		Expect(err).ToNot(HaveOccurred())
		resp, err := http.DefaultClient.Do(req)
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()

		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("Content-Type")).To(Equal("text/event-stream"))
		Expect(resp.Header.Get("Cache-Control")).To(Equal("no-cache"))

		reader := bufio.NewReader(resp.Body)
		line, err := reader.ReadString('\n')
		Expect(err).ToNot(HaveOccurred())
		Expect(line).To(Equal("event: queue_snapshot\n"))
		line, err = reader.ReadString('\n')
		Expect(err).ToNot(HaveOccurred())
		Expect(line).To(HavePrefix("data: "))

		var event map[string]any
		Expect(json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &event)).To(Succeed())
		depths := event["queue_depths"].(map[string]any)
		Expect(depths["primary"]).To(BeEquivalentTo(1))
	})
})
