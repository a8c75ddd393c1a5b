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

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/asynctaskflow/taskflow/pkg/controllers/controlplane"
	"github.com/asynctaskflow/taskflow/pkg/operator/options"
	"github.com/asynctaskflow/taskflow/pkg/queues"
	"github.com/asynctaskflow/taskflow/pkg/store"
	"github.com/asynctaskflow/taskflow/pkg/tasks"
)

const (
	broadcastTimeout = 3 * time.Second
	healthyWithin    = 60 * time.Second
)

// queueNames maps the short names the API accepts onto the Redis keys.
var queueNames = map[string]string{
	"primary":   store.QueuePrimary,
	"retry":     store.QueueRetry,
	"scheduled": store.QueueScheduled,
	"dlq":       store.QueueDLQ,
}

func (s *Server) getQueues(w http.ResponseWriter, r *http.Request) {
	opts := options.FromContext(r.Context())
	depths, err := s.op.Router.Depths(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stateCounts, err := s.op.Repo.CountByState(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"depths":      depths,
		"states":      stateCounts,
		"retry_ratio": queues.AdaptiveRetryRatio(depths.Retry, opts.RetryDepthWarning, opts.RetryDepthCritical),
	})
}

func (s *Server) sampleQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	key, ok := queueNames[name]
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("unknown queue %q", name))
		return
	}
	limit := queryInt(r, "limit", 10)
	ids, err := s.op.Router.Sample(r.Context(), key, int64(limit))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	respond(w, http.StatusOK, map[string]any{"queue": name, "ids": ids})
}

func (s *Server) promote(w http.ResponseWriter, r *http.Request) {
	moved, err := s.promoter.Promote(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if moved == nil {
		moved = []string{}
	}
	respond(w, http.StatusOK, map[string]any{"promoted": moved, "count": len(moved)})
}

func (s *Server) listDLQ(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	ids, err := s.op.Router.Sample(r.Context(), store.QueueDLQ, int64(limit))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entries := make([]*tasks.Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.op.Repo.Fetch(r.Context(), id)
		if errors.Is(err, tasks.ErrTaskNotFound) {
			task, err = s.op.Repo.FetchDLQ(r.Context(), id)
		}
		if err != nil {
			continue
		}
		entries = append(entries, task)
	}
	respond(w, http.StatusOK, map[string]any{"tasks": entries, "count": len(entries)})
}

func (s *Server) sweepOrphans(w http.ResponseWriter, r *http.Request) {
	result, err := s.op.Sweeper.Sweep(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, result)
}

type workerStatus struct {
	WorkerID   string  `json:"worker_id"`
	AgeSeconds float64 `json:"age_seconds"`
	Healthy    bool    `json:"healthy"`
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	keys, err := s.op.Store.Scan(r.Context(), store.HeartbeatKeyPrefix+"*")
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	now := s.op.Clock.Now()
	workers := make([]workerStatus, 0, len(keys))
	for _, key := range keys {
		raw, err := s.op.Store.Get(r.Context(), key)
		if err != nil {
			continue
		}
		written, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		age := float64(now.Unix() - written)
		workers = append(workers, workerStatus{
			WorkerID:   strings.TrimPrefix(key, store.HeartbeatKeyPrefix),
			AgeSeconds: age,
			Healthy:    age < healthyWithin.Seconds(),
		})
	}
	respond(w, http.StatusOK, map[string]any{"workers": workers, "count": len(workers)})
}

func (s *Server) workersHealth(w http.ResponseWriter, r *http.Request) {
	s.broadcast(w, r, controlplane.CommandHealth, http.StatusOK)
}

func (s *Server) openBreaker(w http.ResponseWriter, r *http.Request) {
	s.broadcast(w, r, controlplane.CommandOpenBreaker, http.StatusAccepted)
}

func (s *Server) closeBreaker(w http.ResponseWriter, r *http.Request) {
	s.broadcast(w, r, controlplane.CommandCloseBreaker, http.StatusAccepted)
}

func (s *Server) broadcast(w http.ResponseWriter, r *http.Request, command string, status int) {
	replies, err := s.op.Caller.Broadcast(r.Context(), command, broadcastTimeout)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if replies == nil {
		replies = []controlplane.Reply{}
	}
	unknown := lo.CountBy(replies, func(reply controlplane.Reply) bool { return reply.Status == "unknown" })
	respond(w, status, map[string]any{"command": command, "replies": replies, "unknown": unknown})
}

func (s *Server) getProvider(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.op.Reporter.Snapshot(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	today := s.op.Clock.Now().UTC().Format("2006-01-02")
	daily, err := s.op.Reporter.Metrics(r.Context(), today)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	bucket, err := s.op.Limiter.Status(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"snapshot":  snapshot,
		"freshness": s.op.Reporter.FreshnessOf(snapshot),
		"metrics":   daily,
		"bucket":    bucket,
	})
}
