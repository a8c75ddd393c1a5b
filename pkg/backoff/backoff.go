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

// Package backoff computes retry delays from per-sub-kind schedules. The
// schedule is consulted after classification; jitter spreads thundering
// herds without reordering the schedule itself.
package backoff

import (
	"math/rand"
	"sync"
	"time"

	"k8s.io/utils/clock"

	taskerrors "github.com/asynctaskflow/taskflow/pkg/errors"
)

var schedules = map[taskerrors.Sub][]time.Duration{
	taskerrors.SubCreditsExhausted:   {300 * time.Second, 600 * time.Second, 1800 * time.Second},
	taskerrors.SubRateLimited:        {120 * time.Second, 300 * time.Second, 600 * time.Second, 1200 * time.Second},
	taskerrors.SubServiceUnavailable: {5 * time.Second, 10 * time.Second, 30 * time.Second, 60 * time.Second, 120 * time.Second},
	taskerrors.SubNetworkTimeout:     {2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second, 60 * time.Second},
}

var defaultSchedule = []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second, 300 * time.Second}

// Backoff draws jitter from its own source so tests can seed it.
type Backoff struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func New() *Backoff {
	return NewFromSource(rand.NewSource(time.Now().UnixNano()))
}

func NewFromSource(src rand.Source) *Backoff {
	return &Backoff{rng: rand.New(src)}
}

// Delay returns schedule[min(retryCount, last)] plus up to 10% uniform
// jitter. Retry counts beyond the schedule clamp to its final entry.
func (b *Backoff) Delay(retryCount int, sub taskerrors.Sub) time.Duration {
	schedule, ok := schedules[sub]
	if !ok {
		schedule = defaultSchedule
	}
	base := schedule[min(retryCount, len(schedule)-1)]
	return base + b.jitter(base/10)
}

// NextAttempt converts a delay into the due timestamp written to the
// scheduled set.
func (b *Backoff) NextAttempt(clk clock.Clock, retryCount int, sub taskerrors.Sub) time.Time {
	return clk.Now().Add(b.Delay(retryCount, sub))
}

// MaxDelay bounds any delay this package can produce; the scheduled-set
// score of a healthy task never exceeds now plus this value.
func MaxDelay() time.Duration {
	longest := defaultSchedule[len(defaultSchedule)-1]
	for _, schedule := range schedules {
		if last := schedule[len(schedule)-1]; last > longest {
			longest = last
		}
	}
	return longest + longest/10
}

func (b *Backoff) jitter(bound time.Duration) time.Duration {
	if bound <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(b.rng.Int63n(int64(bound)))
}
