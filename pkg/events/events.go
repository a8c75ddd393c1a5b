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

// Package events publishes lifecycle and queue-depth events on the shared
// pub-sub channel. Publishing is fire-and-forget: a dropped event never
// fails the transition that produced it, and reconnecting subscribers catch
// up from periodic snapshots.
package events

import (
	"context"
	"encoding/json"

	"k8s.io/utils/clock"

	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
	"github.com/asynctaskflow/taskflow/pkg/queues"
	"github.com/asynctaskflow/taskflow/pkg/store"
)

const (
	TypeTaskCreated      = "task_created"
	TypeTaskStateChanged = "task_state_changed"
	TypeQueueSnapshot    = "queue_snapshot"
)

// Event is the single payload shape on the channel; consumers switch on
// Type and ignore fields they do not know.
type Event struct {
	Type        string           `json:"type"`
	TS          float64          `json:"ts"`
	ID          string           `json:"id,omitempty"`
	OldState    string           `json:"old_state,omitempty"`
	NewState    string           `json:"new_state,omitempty"`
	QueueDepths *queues.Depths   `json:"queue_depths,omitempty"`
	StateCounts map[string]int64 `json:"state_counts,omitempty"`
	RetryRatio  float64          `json:"retry_ratio,omitempty"`
}

// Bus fans events out to observers.
type Bus interface {
	PublishTaskCreated(ctx context.Context, id string)
	PublishTaskStateChanged(ctx context.Context, id, oldState, newState string)
	PublishQueueSnapshot(ctx context.Context, stateCounts map[string]int64, retryRatio float64)
	Subscribe(ctx context.Context) *Subscription
}

type bus struct {
	store  *store.Client
	router *queues.Router
	clk    clock.Clock
}

func NewBus(client *store.Client, router *queues.Router, clk clock.Clock) Bus {
	return &bus{store: client, router: router, clk: clk}
}

func (b *bus) PublishTaskCreated(ctx context.Context, id string) {
	b.publish(ctx, Event{Type: TypeTaskCreated, ID: id, QueueDepths: b.depths(ctx)})
}

func (b *bus) PublishTaskStateChanged(ctx context.Context, id, oldState, newState string) {
	b.publish(ctx, Event{Type: TypeTaskStateChanged, ID: id, OldState: oldState, NewState: newState, QueueDepths: b.depths(ctx)})
}

func (b *bus) PublishQueueSnapshot(ctx context.Context, stateCounts map[string]int64, retryRatio float64) {
	b.publish(ctx, Event{Type: TypeQueueSnapshot, StateCounts: stateCounts, RetryRatio: retryRatio, QueueDepths: b.depths(ctx)})
}

func (b *bus) publish(ctx context.Context, event Event) {
	event.TS = float64(b.clk.Now().UnixNano()) / 1e9
	payload, err := json.Marshal(event)
	if err != nil {
		logging.FromContext(ctx).Errorf("encoding %s event, %v", event.Type, err)
		return
	}
	if err := b.store.Publish(ctx, store.ChannelQueueUpdates, payload); err != nil {
		logging.FromContext(ctx).Errorf("publishing %s event, %v", event.Type, err)
	}
}

func (b *bus) depths(ctx context.Context) *queues.Depths {
	depths, err := b.router.Depths(ctx)
	if err != nil {
		logging.FromContext(ctx).Debugf("reading depths for event, %v", err)
		return nil
	}
	return &depths
}

// Subscription delivers decoded events until closed. Slow consumers shed
// load rather than wedging the reader; observers are advisory.
type Subscription struct {
	ch     chan Event
	pubsub interface{ Close() error }
}

func (b *bus) Subscribe(ctx context.Context) *Subscription {
	pubsub := b.store.Subscribe(ctx, store.ChannelQueueUpdates)
	sub := &Subscription{
		ch:     make(chan Event, 256),
		pubsub: pubsub,
	}
	logger := logging.FromContext(ctx)
	go func() {
		defer close(sub.ch)
		for msg := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Debugf("dropping undecodable event, %v", err)
				continue
			}
			select {
			case sub.ch <- event:
			default:
				logger.Debugf("dropping %s event for slow subscriber", event.Type)
			}
		}
	}()
	return sub
}

// Events is the stream of decoded events; it closes after Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
