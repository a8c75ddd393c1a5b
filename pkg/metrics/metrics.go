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

// Package metrics registers the Prometheus collectors both binaries expose.
// These are per-process observations; the cross-process daily counters live
// in Redis next to the provider snapshot.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "taskflow"

var Registry = prometheus.NewRegistry()

var (
	TasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "tasks",
			Name:      "processed_total",
			Help:      "Number of tasks processed, partitioned by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	TaskRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "tasks",
			Name:      "retries_total",
			Help:      "Number of task retries scheduled.",
		},
	)
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Number of provider calls, partitioned by result.",
		},
		[]string{"result"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "queues",
			Name:      "depth",
			Help:      "Current queue depth, partitioned by queue.",
		},
		[]string{"queue"},
	)
	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Wall time from dequeue to task outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
	RateLimitWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting on the shared token bucket.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Number of circuit breaker transitions, partitioned by resulting state.",
		},
		[]string{"to_state"},
	)
)

func init() {
	Registry.MustRegister(
		TasksProcessed,
		TaskRetries,
		ProviderCalls,
		QueueDepth,
		DispatchDuration,
		RateLimitWait,
		BreakerTransitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Server builds the metrics listener both binaries run.
func Server(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
}
