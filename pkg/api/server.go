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

// Package api is the admission and observation surface: task CRUD, queue
// inspection, maintenance actions, and the SSE event stream. It is a thin
// layer; every mutation goes through the same repositories the workers use.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/asynctaskflow/taskflow/pkg/controllers/promotion"
	"github.com/asynctaskflow/taskflow/pkg/operator"
	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
	"github.com/asynctaskflow/taskflow/pkg/operator/options"
)

const requestTimeout = 60 * time.Second

type Server struct {
	op       *operator.Operator
	promoter *promotion.Controller
}

func NewServer(op *operator.Operator) *Server {
	return &Server{
		op:       op,
		promoter: promotion.NewController(op.Router, op.Bus, op.Clock),
	}
}

// Router assembles the chi mux. The passed context carries the logger and
// options; request handlers inherit both.
func (s *Server) Router(ctx context.Context) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(ctx))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.createTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/{id}", s.deleteTask)
		r.Post("/tasks/{id}/retry", s.retryTask)

		r.Get("/queues", s.getQueues)
		r.Get("/queues/{queue}/sample", s.sampleQueue)
		r.Post("/queues/promote", s.promote)
		r.Get("/dlq", s.listDLQ)

		r.Post("/maintenance/orphans/sweep", s.sweepOrphans)
		r.Get("/workers", s.listWorkers)
		r.Post("/workers/health", s.workersHealth)
		r.Post("/breaker/open", s.openBreaker)
		r.Post("/breaker/close", s.closeBreaker)

		r.Get("/provider", s.getProvider)
		r.Get("/events", s.streamEvents)
	})
	return r
}

// HTTPServer binds the router on the configured admission port.
func (s *Server) HTTPServer(ctx context.Context) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", options.FromContext(ctx).HTTPPort),
		Handler:           s.Router(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// requestLogger injects the process logger into each request context and
// logs one line per request the way the rest of the system logs.
func requestLogger(ctx context.Context) func(http.Handler) http.Handler {
	base := logging.FromContext(ctx)
	opts := options.FromContext(ctx)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqCtx := logging.WithLogger(r.Context(), base.With("request-id", middleware.GetReqID(r.Context())))
			reqCtx = options.ToContext(reqCtx, opts)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(reqCtx))
			logging.FromContext(reqCtx).With(
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start).Round(time.Microsecond),
			).Debugf("handled request")
		})
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.op.Store.Healthy(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, fmt.Sprintf("store unreachable: %v", err))
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respond(w, status, map[string]string{"error": message})
}
