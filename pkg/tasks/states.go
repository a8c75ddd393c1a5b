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

package tasks

import "github.com/samber/lo"

// State is the task lifecycle position. pending tasks sit in a runnable
// queue, scheduled tasks wait in the sorted set, completed and dlq are
// terminal (dlq until an operator retries).
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateScheduled State = "scheduled"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDLQ       State = "dlq"
)

// States lists every lifecycle state in a stable order.
func States() []State {
	return []State{StatePending, StateActive, StateScheduled, StateCompleted, StateFailed, StateDLQ}
}

// validTransitions is the lifecycle graph. pending reaches dlq directly when
// the dispatcher pops a task whose retries are already spent, so the
// dead-letter decision happens before another provider call is wasted; it
// reaches scheduled directly when the provider snapshot says the call would
// be rejected, which parks the task without consuming an attempt.
var validTransitions = map[State][]State{
	StatePending:   {StateActive, StateScheduled, StateDLQ},
	StateActive:    {StateCompleted, StateScheduled, StateFailed, StateDLQ},
	StateScheduled: {StatePending},
	StateFailed:    {StatePending},
	StateDLQ:       {StatePending},
}

// CanTransition reports whether the lifecycle graph contains the edge.
func CanTransition(from, to State) bool {
	return lo.Contains(validTransitions[from], to)
}

// Kind selects the provider handler that runs a task.
type Kind string

const (
	KindSummarize  Kind = "summarize"
	KindPDFExtract Kind = "pdf_extract"
)

func Kinds() []Kind {
	return []Kind{KindSummarize, KindPDFExtract}
}

func IsValidKind(kind Kind) bool {
	return lo.Contains(Kinds(), kind)
}
