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

// Package tasks holds the task record, its lifecycle state machine, and the
// repository that mutates records under the legality rules. Records live as
// Redis hashes; the field names below are a wire contract.
package tasks

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Task is the central entity. Timestamps are zero when the lifecycle has
// not reached them yet.
type Task struct {
	ID          string            `json:"task_id"`
	Kind        Kind              `json:"kind"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	State       State             `json:"state"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	LastError   string            `json:"last_error,omitempty"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	RetryAfter  time.Time         `json:"retry_after,omitzero"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	StartedAt   time.Time         `json:"started_at,omitzero"`
	CompletedAt time.Time         `json:"completed_at,omitzero"`
	FailedAt    time.Time         `json:"failed_at,omitzero"`
	DLQAt       time.Time         `json:"dlq_at,omitzero"`
	WorkerID    string            `json:"worker_id,omitempty"`
	Result      string            `json:"result,omitempty"`
	ErrorHistory []ErrorEntry     `json:"error_history"`
	StateHistory []StateEntry     `json:"state_history"`
}

// ErrorEntry is one append-only failure record; entries are never rewritten.
type ErrorEntry struct {
	Timestamp       string `json:"timestamp"`
	Error           string `json:"error"`
	Kind            string `json:"kind"`
	RetryCount      int    `json:"retry_count"`
	StateTransition string `json:"state_transition"`
}

// StateEntry is one append-only lifecycle step; the latest entry always
// equals the task's current state.
type StateEntry struct {
	Timestamp string `json:"timestamp"`
	State     State  `json:"state"`
}

// Hash field names, byte-exact for interoperability with other consumers of
// the same Redis.
const (
	fieldTaskID       = "task_id"
	fieldKind         = "kind"
	fieldContent      = "content"
	fieldMetadata     = "metadata"
	fieldState        = "state"
	fieldRetryCount   = "retry_count"
	fieldMaxRetries   = "max_retries"
	fieldLastError    = "last_error"
	fieldErrorKind    = "error_kind"
	fieldRetryAfter   = "retry_after"
	fieldCreatedAt    = "created_at"
	fieldUpdatedAt    = "updated_at"
	fieldStartedAt    = "started_at"
	fieldCompletedAt  = "completed_at"
	fieldFailedAt     = "failed_at"
	fieldDLQAt        = "dlq_at"
	fieldWorkerID     = "worker_id"
	fieldResult       = "result"
	fieldErrorHistory = "error_history"
	fieldStateHistory = "state_history"
)

// MarshalHash renders the full record for HSET. Collections are embedded
// JSON; timestamps are RFC 3339 in UTC, empty when unset.
func (t *Task) MarshalHash() (map[string]any, error) {
	metadata, err := json.Marshal(orEmptyMap(t.Metadata))
	if err != nil {
		return nil, fmt.Errorf("encoding metadata, %w", err)
	}
	errorHistory, err := json.Marshal(orEmptySlice(t.ErrorHistory))
	if err != nil {
		return nil, fmt.Errorf("encoding error history, %w", err)
	}
	stateHistory, err := json.Marshal(orEmptySlice(t.StateHistory))
	if err != nil {
		return nil, fmt.Errorf("encoding state history, %w", err)
	}
	return map[string]any{
		fieldTaskID:       t.ID,
		fieldKind:         string(t.Kind),
		fieldContent:      t.Content,
		fieldMetadata:     string(metadata),
		fieldState:        string(t.State),
		fieldRetryCount:   strconv.Itoa(t.RetryCount),
		fieldMaxRetries:   strconv.Itoa(t.MaxRetries),
		fieldLastError:    t.LastError,
		fieldErrorKind:    t.ErrorKind,
		fieldRetryAfter:   formatTime(t.RetryAfter),
		fieldCreatedAt:    formatTime(t.CreatedAt),
		fieldUpdatedAt:    formatTime(t.UpdatedAt),
		fieldStartedAt:    formatTime(t.StartedAt),
		fieldCompletedAt:  formatTime(t.CompletedAt),
		fieldFailedAt:     formatTime(t.FailedAt),
		fieldDLQAt:        formatTime(t.DLQAt),
		fieldWorkerID:     t.WorkerID,
		fieldResult:       t.Result,
		fieldErrorHistory: string(errorHistory),
		fieldStateHistory: string(stateHistory),
	}, nil
}

func taskFromHash(fields map[string]string) (*Task, error) {
	task := &Task{
		ID:        fields[fieldTaskID],
		Kind:      Kind(fields[fieldKind]),
		Content:   fields[fieldContent],
		State:     State(fields[fieldState]),
		LastError: fields[fieldLastError],
		ErrorKind: fields[fieldErrorKind],
		WorkerID:  fields[fieldWorkerID],
		Result:    fields[fieldResult],
	}
	var err error
	if task.RetryCount, err = parseInt(fields[fieldRetryCount]); err != nil {
		return nil, fmt.Errorf("parsing retry count, %w", err)
	}
	if task.MaxRetries, err = parseInt(fields[fieldMaxRetries]); err != nil {
		return nil, fmt.Errorf("parsing max retries, %w", err)
	}
	for field, target := range map[string]*time.Time{
		fieldRetryAfter:  &task.RetryAfter,
		fieldCreatedAt:   &task.CreatedAt,
		fieldUpdatedAt:   &task.UpdatedAt,
		fieldStartedAt:   &task.StartedAt,
		fieldCompletedAt: &task.CompletedAt,
		fieldFailedAt:    &task.FailedAt,
		fieldDLQAt:       &task.DLQAt,
	} {
		if *target, err = parseTime(fields[field]); err != nil {
			return nil, fmt.Errorf("parsing %s, %w", field, err)
		}
	}
	if raw := fields[fieldMetadata]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &task.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata, %w", err)
		}
	}
	if raw := fields[fieldErrorHistory]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &task.ErrorHistory); err != nil {
			return nil, fmt.Errorf("decoding error history, %w", err)
		}
	}
	if raw := fields[fieldStateHistory]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &task.StateHistory); err != nil {
			return nil, fmt.Errorf("decoding state history, %w", err)
		}
	}
	return task, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime accepts the formats written by this codebase and by earlier
// producers (naive ISO-8601 without a zone).
func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

func parseInt(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
