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

// Package errors defines the task failure taxonomy and the classifier that
// maps raw provider failures onto it. Classification is pure: the same
// (status, message) input always yields the same kind, so retry decisions
// stay deterministic across workers.
package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Kind decides the retry policy: transient errors back off and retry,
// permanent and dependency errors dead-letter immediately.
type Kind string

const (
	KindTransient  Kind = "transient"
	KindPermanent  Kind = "permanent"
	KindDependency Kind = "dependency"
)

// Sub refines a Kind; it selects the backoff schedule and the provider
// state written by the reporter.
type Sub string

const (
	SubRateLimited        Sub = "rate_limited"
	SubCreditsExhausted   Sub = "credits_exhausted"
	SubServiceUnavailable Sub = "service_unavailable"
	SubNetworkTimeout     Sub = "network_timeout"
	SubAPIKeyInvalid      Sub = "api_key_invalid"
	SubBadRequest         Sub = "bad_request"
	SubJSONParse          Sub = "json_parse"
	SubMissingDependency  Sub = "missing_dependency"
	SubUnknown            Sub = "unknown"
)

// Dead-letter reasons recorded when a task leaves the retry loop.
const (
	ReasonMaxRetriesExceeded = "max_retries_exceeded"
	ReasonDependencyMissing  = "dependency_missing"
)

var (
	// dependencyPatterns mark failures of the worker's own runtime
	// environment (missing binaries, unreachable infrastructure, unreadable
	// config). Retrying cannot help until an operator intervenes.
	dependencyPatterns = []string{
		"not installed",
		"poppler",
		"pdftoppm",
		"executable file not found",
		"no such file or directory",
		"library not found",
		"cannot open shared object",
		"missing dependency",
		"connection refused",
		"config file",
	}
	// permanentPatterns mark requests the provider will never accept,
	// regardless of how often they are replayed. Ordered so overlapping
	// matches resolve the same way on every worker.
	permanentPatterns = []struct {
		pattern string
		sub     Sub
	}{
		{"api key not configured", SubAPIKeyInvalid},
		{"invalid api key", SubAPIKeyInvalid},
		{"unauthorized", SubAPIKeyInvalid},
		{"invalid request", SubBadRequest},
		{"malformed", SubBadRequest},
		{"invalid model", SubBadRequest},
		{"context length", SubBadRequest},
		{"quota exceeded", SubBadRequest},
	}
	statusTable = map[int]struct {
		kind Kind
		sub  Sub
	}{
		400: {KindPermanent, SubBadRequest},
		401: {KindPermanent, SubAPIKeyInvalid},
		403: {KindPermanent, SubBadRequest},
		404: {KindPermanent, SubBadRequest},
		402: {KindTransient, SubCreditsExhausted},
		429: {KindTransient, SubRateLimited},
		500: {KindTransient, SubNetworkTimeout},
		503: {KindTransient, SubServiceUnavailable},
	}
)

// TaskError is the classified failure every executor branch switches on.
type TaskError struct {
	Kind       Kind
	Sub        Sub
	StatusCode int
	Message    string
	cause      error
}

func (e *TaskError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s/%s (status %d): %s", e.Kind, e.Sub, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Sub, e.Message)
}

func (e *TaskError) Unwrap() error {
	return e.cause
}

// NewTransient builds a pre-classified retryable error.
func NewTransient(sub Sub, format string, args ...any) *TaskError {
	return &TaskError{Kind: KindTransient, Sub: sub, Message: fmt.Sprintf(format, args...)}
}

// NewPermanent builds a pre-classified terminal error.
func NewPermanent(sub Sub, format string, args ...any) *TaskError {
	return &TaskError{Kind: KindPermanent, Sub: sub, Message: fmt.Sprintf(format, args...)}
}

// NewDependency builds an environment failure that needs operator attention.
func NewDependency(format string, args ...any) *TaskError {
	return &TaskError{Kind: KindDependency, Sub: SubMissingDependency, Message: fmt.Sprintf(format, args...)}
}

// AsTaskError unwraps err looking for a TaskError.
func AsTaskError(err error) (*TaskError, bool) {
	taskErr := &TaskError{}
	if errors.As(err, &taskErr) {
		return taskErr, true
	}
	return nil, false
}

// IsKind reports whether err classifies (or is already classified) as kind.
func IsKind(err error, kind Kind) bool {
	if taskErr, ok := AsTaskError(err); ok {
		return taskErr.Kind == kind
	}
	return false
}

// Classify maps a raw provider failure to its kind and sub. Decision order,
// first match wins: dependency message patterns, permanent message patterns,
// status code table, then transient/unknown. Errors that already carry a
// classification pass through unchanged.
func Classify(statusCode int, message string, cause error) *TaskError {
	if taskErr, ok := AsTaskError(cause); ok {
		return taskErr
	}
	lowered := strings.ToLower(message)
	if cause != nil {
		lowered = lowered + " " + strings.ToLower(cause.Error())
	}
	if lo.SomeBy(dependencyPatterns, func(p string) bool { return strings.Contains(lowered, p) }) {
		return &TaskError{Kind: KindDependency, Sub: SubMissingDependency, StatusCode: statusCode, Message: message, cause: cause}
	}
	for _, entry := range permanentPatterns {
		if strings.Contains(lowered, entry.pattern) {
			return &TaskError{Kind: KindPermanent, Sub: entry.sub, StatusCode: statusCode, Message: message, cause: cause}
		}
	}
	if entry, ok := statusTable[statusCode]; ok {
		return &TaskError{Kind: entry.kind, Sub: entry.sub, StatusCode: statusCode, Message: message, cause: cause}
	}
	return &TaskError{Kind: KindTransient, Sub: SubUnknown, StatusCode: statusCode, Message: message, cause: cause}
}

// ClassifyJSON marks a response body the provider returned but we could not
// decode. The payload will never parse differently on replay.
func ClassifyJSON(message string, cause error) *TaskError {
	return &TaskError{Kind: KindPermanent, Sub: SubJSONParse, Message: message, cause: cause}
}
