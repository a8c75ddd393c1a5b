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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/asynctaskflow/taskflow/pkg/events"
	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
	"github.com/asynctaskflow/taskflow/pkg/operator/options"
	"github.com/asynctaskflow/taskflow/pkg/queues"
)

const sseHeartbeat = 15 * time.Second

// streamEvents bridges the event bus onto an SSE response. A fresh snapshot
// goes out first so a reconnecting dashboard converges before the next bus
// event arrives.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ctx := r.Context()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.op.Bus.Subscribe(ctx)
	defer sub.Close()

	if snapshot, err := s.connectSnapshot(r); err == nil {
		writeSSE(w, snapshot)
	} else {
		logging.FromContext(ctx).Debugf("building connect snapshot, %v", err)
	}
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			// Comment line keeps intermediaries from closing an idle stream.
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			writeSSE(w, event)
			flusher.Flush()
		}
	}
}

func (s *Server) connectSnapshot(r *http.Request) (events.Event, error) {
	opts := options.FromContext(r.Context())
	depths, err := s.op.Router.Depths(r.Context())
	if err != nil {
		return events.Event{}, err
	}
	stateCounts, err := s.op.Repo.CountByState(r.Context())
	if err != nil {
		return events.Event{}, err
	}
	return events.Event{
		Type:        events.TypeQueueSnapshot,
		TS:          float64(s.op.Clock.Now().UnixNano()) / 1e9,
		QueueDepths: &depths,
		StateCounts: stateCounts,
		RetryRatio:  queues.AdaptiveRetryRatio(depths.Retry, opts.RetryDepthWarning, opts.RetryDepthCritical),
	}, nil
}

func writeSSE(w http.ResponseWriter, event events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
}
