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

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound reports a key or member that does not exist. It is a normal
// outcome (empty queue, deleted task), not a store failure, so it is kept
// apart from the Error kinds.
var ErrNotFound = errors.New("not found")

// ErrorKind partitions store failures by the recovery they permit. Callers
// retry all three kinds internally; the kind drives logging and metrics.
type ErrorKind string

const (
	ErrorKindTimeout        ErrorKind = "timeout"
	ErrorKindConnectionLost ErrorKind = "connection_lost"
	ErrorKindProtocol       ErrorKind = "protocol_error"
)

// Error wraps a failed store operation with its classified kind.
type Error struct {
	Kind ErrorKind
	Op   string
	err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s (%s), %v", e.Op, e.Kind, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// IsStoreError reports whether err is (or wraps) a store failure of any kind.
func IsStoreError(err error) bool {
	storeErr := &Error{}
	return errors.As(err, &storeErr)
}

// IsNotFound reports whether err is the missing-key outcome.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// wrapErr translates a go-redis failure into a store Error, passing nil and
// ErrNotFound through untouched. redis.Nil becomes ErrNotFound so callers
// branch on absence without inspecting wire errors.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return &Error{Kind: classifyErr(err), Op: op, err: err}
}

func classifyErr(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorKindTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return ErrorKindConnectionLost
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorKindConnectionLost
	}
	if msg := err.Error(); strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") {
		return ErrorKindConnectionLost
	}
	return ErrorKindProtocol
}
