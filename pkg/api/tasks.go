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
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/asynctaskflow/taskflow/pkg/tasks"
)

const (
	maxTextBytes    = 1 << 20
	maxDecodedBytes = 10 << 20
)

type createTaskRequest struct {
	Kind       string            `json:"kind"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata"`
	MaxRetries *int              `json:"max_retries"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("decoding request body: %v", err))
		return
	}
	kind := tasks.Kind(req.Kind)
	if !tasks.IsValidKind(kind) {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown kind %q", req.Kind))
		return
	}
	if req.Content == "" {
		respondError(w, http.StatusBadRequest, "content must not be empty")
		return
	}
	if err := checkContentSize(kind, req.Content); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		respondError(w, http.StatusBadRequest, "max_retries may not be negative")
		return
	}

	var opts []tasks.CreateOption
	if req.MaxRetries != nil {
		opts = append(opts, tasks.WithMaxRetries(*req.MaxRetries))
	}
	task, err := s.op.Repo.Create(r.Context(), kind, req.Content, req.Metadata, opts...)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusCreated, task)
}

// checkContentSize bounds the payload: plain text for summarize, a base64
// blob whose decoded size matters for pdf_extract.
func checkContentSize(kind tasks.Kind, content string) error {
	switch kind {
	case tasks.KindPDFExtract:
		if decoded := len(content) / 4 * 3; decoded > maxDecodedBytes {
			return fmt.Errorf("decoded pdf exceeds %d bytes", maxDecodedBytes)
		}
	default:
		if len(content) > maxTextBytes {
			return fmt.Errorf("content exceeds %d bytes", maxTextBytes)
		}
	}
	return nil
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.op.Repo.Fetch(r.Context(), id)
	if errors.Is(err, tasks.ErrTaskNotFound) {
		// A purged task may still have its dead-letter copy.
		task, err = s.op.Repo.FetchDLQ(r.Context(), id)
	}
	if errors.Is(err, tasks.ErrTaskNotFound) {
		respondError(w, http.StatusNotFound, fmt.Sprintf("task %s not found", id))
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	state := tasks.State(r.URL.Query().Get("state"))
	limit := queryInt(r, "limit", 100)
	list, err := s.op.Repo.List(r.Context(), state, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []*tasks.Task{}
	}
	respond(w, http.StatusOK, map[string]any{"tasks": list, "count": len(list)})
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.op.Repo.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type retryTaskRequest struct {
	ResetRetryCount bool `json:"reset_retry_count"`
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req retryTaskRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("decoding request body: %v", err))
			return
		}
	}
	task, err := s.op.Repo.Retry(r.Context(), id, req.ResetRetryCount)
	if errors.Is(err, tasks.ErrTaskNotFound) {
		respondError(w, http.StatusNotFound, fmt.Sprintf("task %s not found", id))
		return
	}
	if tasks.IsIllegalTransition(err) {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, task)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return def
	}
	return value
}
