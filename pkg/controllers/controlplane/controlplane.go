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

// Package controlplane broadcasts operator commands to every live worker
// over pub-sub and aggregates their replies. Workers that hold a live
// heartbeat but do not answer within the timeout are reported unknown
// instead of being silently dropped.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/asynctaskflow/taskflow/pkg/breaker"
	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
	"github.com/asynctaskflow/taskflow/pkg/store"
)

// Commands every worker listener understands.
const (
	CommandHealth       = "health"
	CommandOpenBreaker  = "open_breaker"
	CommandCloseBreaker = "close_breaker"
)

// Request is the broadcast envelope.
type Request struct {
	RequestID string `json:"request_id"`
	Command   string `json:"command"`
}

// Reply is one worker's answer. Status is "ok" for handled commands,
// "error" when handling failed, and "unknown" for a live worker that never
// answered.
type Reply struct {
	RequestID    string  `json:"request_id,omitempty"`
	WorkerID     string  `json:"worker_id"`
	Status       string  `json:"status"`
	BreakerState string  `json:"breaker_state,omitempty"`
	HeartbeatAge float64 `json:"heartbeat_age_seconds,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// Listener is the per-worker command handler.
type Listener struct {
	workerID string
	store    *store.Client
	breaker  *breaker.Breaker
	clk      clock.Clock
}

func NewListener(workerID string, client *store.Client, brk *breaker.Breaker, clk clock.Clock) *Listener {
	return &Listener{workerID: workerID, store: client, breaker: brk, clk: clk}
}

// Start consumes the control channel until the context ends.
func (l *Listener) Start(ctx context.Context) error {
	pubsub := l.store.Subscribe(ctx, store.ChannelControl)
	defer pubsub.Close()
	logger := logging.FromContext(ctx).With("worker-id", l.workerID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return nil
			}
			var request Request
			if err := json.Unmarshal([]byte(msg.Payload), &request); err != nil {
				logger.Debugf("dropping undecodable control request, %v", err)
				continue
			}
			l.reply(ctx, l.handle(ctx, request))
		}
	}
}

func (l *Listener) handle(ctx context.Context, request Request) Reply {
	reply := Reply{RequestID: request.RequestID, WorkerID: l.workerID, Status: "ok"}
	switch request.Command {
	case CommandHealth:
	case CommandOpenBreaker:
		if err := l.breaker.ForceOpen(ctx); err != nil {
			return Reply{RequestID: request.RequestID, WorkerID: l.workerID, Status: "error", Error: err.Error()}
		}
		logging.FromContext(ctx).Infof("breaker forced open by control plane")
	case CommandCloseBreaker:
		if err := l.breaker.ForceClose(ctx); err != nil {
			return Reply{RequestID: request.RequestID, WorkerID: l.workerID, Status: "error", Error: err.Error()}
		}
		logging.FromContext(ctx).Infof("breaker forced closed by control plane")
	default:
		return Reply{RequestID: request.RequestID, WorkerID: l.workerID, Status: "error", Error: fmt.Sprintf("unknown command %q", request.Command)}
	}
	if state, err := l.breaker.State(ctx); err == nil {
		reply.BreakerState = string(state)
	}
	reply.HeartbeatAge = l.heartbeatAge(ctx)
	return reply
}

func (l *Listener) heartbeatAge(ctx context.Context) float64 {
	raw, err := l.store.Get(ctx, store.HeartbeatKey(l.workerID))
	if err != nil {
		return -1
	}
	written, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return -1
	}
	return float64(l.clk.Now().Unix() - written)
}

func (l *Listener) reply(ctx context.Context, reply Reply) {
	payload, err := json.Marshal(reply)
	if err != nil {
		logging.FromContext(ctx).Errorf("encoding control reply, %v", err)
		return
	}
	if err := l.store.Publish(ctx, store.ChannelControlReplies, payload); err != nil {
		logging.FromContext(ctx).Errorf("publishing control reply, %v", err)
	}
}

// Caller issues broadcasts and gathers replies.
type Caller struct {
	store *store.Client
	clk   clock.Clock
}

func NewCaller(client *store.Client, clk clock.Clock) *Caller {
	return &Caller{store: client, clk: clk}
}

// Broadcast publishes one command and collects replies until the timeout.
// The reply subscription opens before the publish so no answer is missed.
// Live workers that stay silent are appended as unknown.
func (c *Caller) Broadcast(ctx context.Context, command string, timeout time.Duration) ([]Reply, error) {
	request := Request{RequestID: uuid.NewString(), Command: command}
	pubsub := c.store.Subscribe(ctx, store.ChannelControlReplies)
	defer pubsub.Close()
	// Force the SUBSCRIBE round-trip before publishing.
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribing for control replies, %w", err)
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encoding control request, %w", err)
	}
	if err := c.store.Publish(ctx, store.ChannelControl, payload); err != nil {
		return nil, fmt.Errorf("broadcasting %s, %w", command, err)
	}

	expected, err := c.liveWorkers(ctx)
	if err != nil {
		return nil, err
	}
	var replies []Reply
	answered := map[string]struct{}{}
	deadline := c.clk.Now().Add(timeout)
	channel := pubsub.Channel()
	for len(answered) < len(expected) || len(expected) == 0 {
		remaining := deadline.Sub(c.clk.Now())
		if remaining <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			return replies, ctx.Err()
		case <-c.clk.After(remaining):
		case msg, ok := <-channel:
			if !ok {
				break
			}
			var reply Reply
			if err := json.Unmarshal([]byte(msg.Payload), &reply); err != nil || reply.RequestID != request.RequestID {
				continue
			}
			replies = append(replies, reply)
			answered[reply.WorkerID] = struct{}{}
			continue
		}
		break
	}
	for _, workerID := range expected {
		if _, ok := answered[workerID]; !ok {
			replies = append(replies, Reply{WorkerID: workerID, Status: "unknown"})
		}
	}
	return replies, nil
}

// liveWorkers lists worker ids with a live heartbeat key.
func (c *Caller) liveWorkers(ctx context.Context) ([]string, error) {
	keys, err := c.store.Scan(ctx, store.HeartbeatKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scanning heartbeats, %w", err)
	}
	return lo.Map(keys, func(key string, _ int) string {
		return strings.TrimPrefix(key, store.HeartbeatKeyPrefix)
	}), nil
}
