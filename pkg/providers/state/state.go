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

// Package state maintains the shared provider health snapshot and the daily
// call counters that ride along with it. Writers serialize on a short-TTL
// lock; a writer that loses the lock logs the incident and skips the update,
// which is acceptable because the next reporter will converge the snapshot.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	taskerrors "github.com/asynctaskflow/taskflow/pkg/errors"
	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
	"github.com/asynctaskflow/taskflow/pkg/store"
)

// ProviderState is the coarse provider health the dispatcher gates on.
type ProviderState string

const (
	StateActive           ProviderState = "active"
	StateRateLimited      ProviderState = "rate_limited"
	StateCreditsExhausted ProviderState = "credits_exhausted"
	StateError            ProviderState = "error"
	StateUnknown          ProviderState = "unknown"
)

// Freshness grades snapshot age for observers.
type Freshness string

const (
	Fresh Freshness = "fresh"
	Aging Freshness = "aging"
	Stale Freshness = "stale"
)

const (
	lockTTL          = 10 * time.Second
	snapshotTTL      = 10 * time.Minute
	metricsTTL       = 30 * 24 * time.Hour
	workerErrorsTTL  = 7 * 24 * time.Hour
	workerErrorsKeep = 1000
	rateLimitedFor   = 60 * time.Second
	snapshotCacheTTL = 5 * time.Second

	freshWindow = 60 * time.Second
	staleWindow = 300 * time.Second
)

const snapshotCacheKey = "snapshot"

// Snapshot is the decoded provider hash.
type Snapshot struct {
	State               ProviderState `json:"state"`
	Message             string        `json:"message,omitempty"`
	Balance             float64       `json:"balance"`
	UsageToday          float64       `json:"usage_today"`
	UsageMonth          float64       `json:"usage_month"`
	ConsecutiveFailures int64         `json:"consecutive_failures"`
	LastSuccess         time.Time     `json:"last_success,omitzero"`
	LastCheck           time.Time     `json:"last_check,omitzero"`
	CircuitOpen         bool          `json:"circuit_open"`
	RateLimitReset      time.Time     `json:"rate_limit_reset,omitzero"`
	ErrorDetails        string        `json:"error_details,omitempty"`
}

// DailyMetrics are the cross-process counters for one day.
type DailyMetrics struct {
	Date            string           `json:"date"`
	TotalCalls      int64            `json:"total_calls"`
	SuccessfulCalls int64            `json:"successful_calls"`
	FailedCalls     int64            `json:"failed_calls"`
	StateCounts     map[string]int64 `json:"state_counts"`
}

// Reporter is the only writer of the provider snapshot.
type Reporter struct {
	store *store.Client
	clk   clock.Clock
	cache *gocache.Cache
}

func NewReporter(client *store.Client, clk clock.Clock) *Reporter {
	return &Reporter{
		store: client,
		clk:   clk,
		cache: gocache.New(snapshotCacheTTL, time.Minute),
	}
}

// ReportSuccess records one successful provider call: snapshot back to
// active, counters bumped, all in one transaction so state and metrics agree.
func (r *Reporter) ReportSuccess(ctx context.Context, workerID string) error {
	now := r.clk.Now().UTC()
	return r.withLock(ctx, workerID, "success", func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, store.ProviderStateKey, map[string]any{
			"state":        string(StateActive),
			"message":      "",
			"last_success": formatTime(now),
			"last_check":   formatTime(now),
		})
		r.pipeDailyCounters(ctx, pipe, now, StateActive, true)
	})
}

// ReportError records one failed provider call, mapping the classified error
// onto the snapshot state the dispatcher gates on.
func (r *Reporter) ReportError(ctx context.Context, workerID string, taskErr *taskerrors.TaskError) error {
	now := r.clk.Now().UTC()
	newState := StateError
	fields := map[string]any{
		"message":       taskErr.Message,
		"last_check":    formatTime(now),
		"error_details": taskErr.Error(),
	}
	switch taskErr.Sub {
	case taskerrors.SubRateLimited:
		newState = StateRateLimited
		fields["rate_limit_reset"] = formatTime(now.Add(rateLimitedFor))
	case taskerrors.SubCreditsExhausted:
		newState = StateCreditsExhausted
	}
	fields["state"] = string(newState)
	return r.withLock(ctx, workerID, "error", func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, store.ProviderStateKey, fields)
		r.pipeDailyCounters(ctx, pipe, now, newState, false)
	})
}

// SetBalance writes poller-observed credit figures and recovers the snapshot
// out of credits_exhausted when the balance allows it.
func (r *Reporter) SetBalance(ctx context.Context, workerID string, balance, usageToday, usageMonth float64) error {
	now := r.clk.Now().UTC()
	snapshot, err := r.Snapshot(ctx)
	if err != nil {
		return err
	}
	fields := map[string]any{
		"balance":     strconv.FormatFloat(balance, 'f', 6, 64),
		"usage_today": strconv.FormatFloat(usageToday, 'f', 6, 64),
		"usage_month": strconv.FormatFloat(usageMonth, 'f', 6, 64),
		"last_check":  formatTime(now),
	}
	if snapshot.State == StateCreditsExhausted && balance > 0 {
		fields["state"] = string(StateActive)
		fields["message"] = ""
	}
	return r.withLock(ctx, workerID, "balance", func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, store.ProviderStateKey, fields)
	})
}

// withLock runs the snapshot mutation under the shared lock. Losing the lock
// is not an error: the incident lands on the per-day error list and the
// update is skipped.
func (r *Reporter) withLock(ctx context.Context, workerID, operation string, mutate func(redis.Pipeliner)) error {
	acquired, err := r.store.SetNXTTL(ctx, store.ProviderStateLockKey, "worker-"+workerID, lockTTL)
	if err != nil {
		return fmt.Errorf("acquiring state lock, %w", err)
	}
	if !acquired {
		r.logIncident(ctx, workerID, operation)
		return nil
	}
	defer func() {
		if err := r.store.Del(ctx, store.ProviderStateLockKey); err != nil {
			logging.FromContext(ctx).Debugf("releasing state lock, %v", err)
		}
	}()
	err = r.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		mutate(pipe)
		pipe.Expire(ctx, store.ProviderStateKey, snapshotTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("updating provider state, %w", err)
	}
	r.cache.Delete(snapshotCacheKey)
	return nil
}

func (r *Reporter) pipeDailyCounters(ctx context.Context, pipe redis.Pipeliner, now time.Time, newState ProviderState, success bool) {
	key := store.MetricsKey(now.Format("2006-01-02"))
	pipe.HIncrBy(ctx, key, "total_calls", 1)
	if success {
		pipe.HIncrBy(ctx, key, "successful_calls", 1)
	} else {
		pipe.HIncrBy(ctx, key, "failed_calls", 1)
	}
	pipe.HIncrBy(ctx, key, "state_"+string(newState), 1)
	pipe.Expire(ctx, key, metricsTTL)
}

func (r *Reporter) logIncident(ctx context.Context, workerID, operation string) {
	now := r.clk.Now().UTC()
	incident, _ := json.Marshal(map[string]string{
		"timestamp": formatTime(now),
		"worker_id": workerID,
		"operation": operation,
		"reason":    "state lock held by another writer",
	})
	key := store.WorkerErrorsKey(now.Format("2006-01-02"))
	if err := r.store.LPush(ctx, key, string(incident)); err != nil {
		logging.FromContext(ctx).Debugf("recording lock incident, %v", err)
		return
	}
	if err := r.store.LTrim(ctx, key, 0, workerErrorsKeep-1); err != nil {
		logging.FromContext(ctx).Debugf("trimming lock incidents, %v", err)
	}
	if err := r.store.Expire(ctx, key, workerErrorsTTL); err != nil {
		logging.FromContext(ctx).Debugf("expiring lock incidents, %v", err)
	}
	logging.FromContext(ctx).Debugf("skipped %s state update, lock held elsewhere", operation)
}

// Snapshot reads the provider hash, memoized briefly so dispatcher polling
// does not hammer Redis.
func (r *Reporter) Snapshot(ctx context.Context) (Snapshot, error) {
	if cached, ok := r.cache.Get(snapshotCacheKey); ok {
		return cached.(Snapshot), nil
	}
	fields, err := r.store.HGetAll(ctx, store.ProviderStateKey)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading provider state, %w", err)
	}
	snapshot := snapshotFromHash(fields)
	r.cache.SetDefault(snapshotCacheKey, snapshot)
	return snapshot, nil
}

// ShouldSkipAPICall reports whether the dispatcher should schedule instead
// of executing because the provider told us to back off and the reset time
// has not passed. Circuit gating is the breaker's call, not the snapshot's:
// only the breaker knows when the open window has elapsed and a half-open
// probe must be let through.
func (r *Reporter) ShouldSkipAPICall(ctx context.Context) (bool, error) {
	snapshot, err := r.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	if snapshot.State == StateRateLimited && !snapshot.RateLimitReset.IsZero() && r.clk.Now().Before(snapshot.RateLimitReset) {
		return true, nil
	}
	return false, nil
}

// FreshnessOf grades a snapshot's age against the configured windows.
func (r *Reporter) FreshnessOf(snapshot Snapshot) Freshness {
	if snapshot.LastCheck.IsZero() {
		return Stale
	}
	age := r.clk.Since(snapshot.LastCheck)
	switch {
	case age < freshWindow:
		return Fresh
	case age < staleWindow:
		return Aging
	default:
		return Stale
	}
}

// Metrics reads the counters for the given day (YYYY-MM-DD).
func (r *Reporter) Metrics(ctx context.Context, date string) (DailyMetrics, error) {
	fields, err := r.store.HGetAll(ctx, store.MetricsKey(date))
	if err != nil {
		return DailyMetrics{}, fmt.Errorf("reading daily metrics, %w", err)
	}
	metrics := DailyMetrics{Date: date, StateCounts: map[string]int64{}}
	for field, raw := range fields {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		switch field {
		case "total_calls":
			metrics.TotalCalls = value
		case "successful_calls":
			metrics.SuccessfulCalls = value
		case "failed_calls":
			metrics.FailedCalls = value
		default:
			if state, ok := strings.CutPrefix(field, "state_"); ok {
				metrics.StateCounts[state] = value
			}
		}
	}
	return metrics, nil
}

func snapshotFromHash(fields map[string]string) Snapshot {
	snapshot := Snapshot{
		State:        ProviderState(fields["state"]),
		Message:      fields["message"],
		ErrorDetails: fields["error_details"],
		CircuitOpen:  fields["circuit_open"] == "1",
	}
	if snapshot.State == "" {
		snapshot.State = StateUnknown
	}
	snapshot.Balance = parseFloat(fields["balance"])
	snapshot.UsageToday = parseFloat(fields["usage_today"])
	snapshot.UsageMonth = parseFloat(fields["usage_month"])
	snapshot.ConsecutiveFailures, _ = strconv.ParseInt(fields["consecutive_failures"], 10, 64)
	snapshot.LastSuccess = parseTime(fields["last_success"])
	snapshot.LastCheck = parseTime(fields["last_check"])
	snapshot.RateLimitReset = parseTime(fields["rate_limit_reset"])
	return snapshot
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseFloat(value string) float64 {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return f
}

