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

import "fmt"

// Key layout. These strings are a wire contract shared with every process
// that speaks to the same Redis; do not rename them.
const (
	QueuePrimary   = "tasks:pending:primary"
	QueueRetry     = "tasks:pending:retry"
	QueueScheduled = "tasks:scheduled"
	QueueDLQ       = "dlq:tasks"

	TaskKeyPrefix    = "task:"
	DLQTaskKeyPrefix = "dlq:task:"

	HeartbeatKeyPrefix = "worker:heartbeat:"

	ProviderStateKey     = "openrouter:state"
	ProviderStateLockKey = "openrouter:state:lock"
	MetricsKeyPrefix     = "openrouter:metrics:"
	WorkerErrorsPrefix   = "openrouter:worker_errors:"
	RateLimitBucketKey   = "openrouter:rate_limit:bucket"
	RateLimitConfigKey   = "openrouter:rate_limit_config"

	ChannelQueueUpdates   = "queue-updates"
	ChannelControl        = "worker-control"
	ChannelControlReplies = "worker-control-replies"
)

func TaskKey(id string) string {
	return TaskKeyPrefix + id
}

func DLQTaskKey(id string) string {
	return DLQTaskKeyPrefix + id
}

func HeartbeatKey(workerID string) string {
	return HeartbeatKeyPrefix + workerID
}

// MetricsKey returns the daily counter hash for a YYYY-MM-DD date.
func MetricsKey(date string) string {
	return fmt.Sprintf("%s%s", MetricsKeyPrefix, date)
}

// WorkerErrorsKey returns the per-day incident list for a YYYY-MM-DD date.
func WorkerErrorsKey(date string) string {
	return fmt.Sprintf("%s%s", WorkerErrorsPrefix, date)
}
