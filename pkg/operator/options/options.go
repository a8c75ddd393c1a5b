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

package options

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"go.uber.org/multierr"

	"github.com/asynctaskflow/taskflow/pkg/utils/env"
)

type optionsKey struct{}

// Options for running this binary
type Options struct {
	*flag.FlagSet
	// Process
	LogLevel    string
	MetricsPort int
	HTTPPort    int
	// Redis
	RedisURL          string
	RedisPoolSize     int
	RedisMinIdleConns int
	// Workers
	WorkerCount       int
	MaxRetries        int
	BlockingTimeout   time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	RetryDepthWarning int64
	RetryDepthCritical int64
	OrphanSweepInterval time.Duration
	// Provider gating
	BreakerFailureThreshold int64
	BreakerResetTimeout     time.Duration
	RateLimitRequests       int
	RateLimitInterval       time.Duration
	AcquireTimeout          time.Duration
	// OpenRouter
	OpenRouterAPIKey    string
	OpenRouterBaseURL   string
	OpenRouterModel     string
	OpenRouterTimeout   time.Duration
	PromptsFile         string
	CreditsPollInterval time.Duration
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("taskflow", flag.ContinueOnError)
	opts.FlagSet = f

	// Process
	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("LOG_LEVEL", "info"), "Log level: debug, info, warn or error. Debug switches to console encoding.")
	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 9090), "The port the prometheus endpoint binds to")
	f.IntVar(&opts.HTTPPort, "http-port", env.WithDefaultInt("HTTP_PORT", 8080), "The port the admission API binds to")

	// Redis
	f.StringVar(&opts.RedisURL, "redis-url", env.WithDefaultString("REDIS_URL", "redis://localhost:6379/0"), "Redis connection URL, the sole coordination substrate")
	f.IntVar(&opts.RedisPoolSize, "redis-pool-size", env.WithDefaultInt("REDIS_POOL_SIZE", 10), "Connection pool capacity for the shared (non-blocking) client")
	f.IntVar(&opts.RedisMinIdleConns, "redis-min-idle-conns", env.WithDefaultInt("REDIS_MIN_IDLE_CONNS", 2), "Idle connections kept warm in the shared pool")

	// Workers
	f.IntVar(&opts.WorkerCount, "worker-count", env.WithDefaultInt("WORKER_COUNT", 2), "Dispatcher goroutines per worker process, each with its own blocking connection")
	f.IntVar(&opts.MaxRetries, "max-retries", env.WithDefaultInt("TASK_MAX_RETRIES", 3), "Default per-task retry cap before dead-lettering")
	f.DurationVar(&opts.BlockingTimeout, "blocking-timeout", env.WithDefaultDuration("BLOCKING_TIMEOUT", 5*time.Second), "BLPOP timeout; also the dispatcher liveness tick")
	f.DurationVar(&opts.HeartbeatInterval, "heartbeat-interval", env.WithDefaultDuration("HEARTBEAT_INTERVAL", 30*time.Second), "Minimum interval between worker heartbeat writes")
	f.DurationVar(&opts.HeartbeatTTL, "heartbeat-ttl", env.WithDefaultDuration("HEARTBEAT_TTL", 90*time.Second), "TTL on worker heartbeat keys")
	f.Int64Var(&opts.RetryDepthWarning, "retry-depth-warning", env.WithDefaultInt64("RETRY_DEPTH_WARNING", 1000), "Retry queue depth at which the adaptive retry ratio steps down")
	f.Int64Var(&opts.RetryDepthCritical, "retry-depth-critical", env.WithDefaultInt64("RETRY_DEPTH_CRITICAL", 5000), "Retry queue depth at which the adaptive retry ratio bottoms out")
	f.DurationVar(&opts.OrphanSweepInterval, "orphan-sweep-interval", env.WithDefaultDuration("ORPHAN_SWEEP_INTERVAL", 0), "Interval between periodic orphan sweeps; 0 leaves sweeping operator-triggered only")

	// Provider gating
	f.Int64Var(&opts.BreakerFailureThreshold, "breaker-failure-threshold", env.WithDefaultInt64("BREAKER_FAILURE_THRESHOLD", 5), "Consecutive provider failures that open the circuit breaker")
	f.DurationVar(&opts.BreakerResetTimeout, "breaker-reset-timeout", env.WithDefaultDuration("BREAKER_RESET_TIMEOUT", 60*time.Second), "Time the breaker stays open before allowing a half-open probe")
	f.IntVar(&opts.RateLimitRequests, "rate-limit-requests", env.WithDefaultInt("RATE_LIMIT_REQUESTS", 230), "Provider request budget per rate limit interval")
	f.DurationVar(&opts.RateLimitInterval, "rate-limit-interval", env.WithDefaultDuration("RATE_LIMIT_INTERVAL", 10*time.Second), "Window over which the provider request budget refills")
	f.DurationVar(&opts.AcquireTimeout, "acquire-timeout", env.WithDefaultDuration("ACQUIRE_TIMEOUT", 30*time.Second), "Overall budget for a single token bucket acquisition")

	// OpenRouter
	f.StringVar(&opts.OpenRouterAPIKey, "openrouter-api-key", env.WithDefaultString("OPENROUTER_API_KEY", ""), "API key for the OpenRouter provider")
	f.StringVar(&opts.OpenRouterBaseURL, "openrouter-base-url", env.WithDefaultString("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"), "Base URL for the OpenRouter API")
	f.StringVar(&opts.OpenRouterModel, "openrouter-model", env.WithDefaultString("OPENROUTER_MODEL", "anthropic/claude-3.5-sonnet"), "Model requested from the provider")
	f.DurationVar(&opts.OpenRouterTimeout, "openrouter-timeout", env.WithDefaultDuration("OPENROUTER_TIMEOUT", 30*time.Second), "HTTP timeout on provider calls")
	f.StringVar(&opts.PromptsFile, "prompts-file", env.WithDefaultString("PROMPTS_FILE", ""), "TOML file overriding the built-in prompt templates; watched for changes when set")
	f.DurationVar(&opts.CreditsPollInterval, "credits-poll-interval", env.WithDefaultDuration("CREDITS_POLL_INTERVAL", 5*time.Minute), "Interval between provider credits polls; 0 disables the poller")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o Options) Validate() (err error) {
	err = multierr.Append(err, o.validateRedisURL())
	if o.RedisPoolSize < 1 {
		err = multierr.Append(err, fmt.Errorf("redis-pool-size must be at least 1"))
	}
	if o.WorkerCount < 1 {
		err = multierr.Append(err, fmt.Errorf("worker-count must be at least 1"))
	}
	if o.MaxRetries < 0 {
		err = multierr.Append(err, fmt.Errorf("max-retries may not be negative"))
	}
	if o.RetryDepthWarning >= o.RetryDepthCritical {
		err = multierr.Append(err, fmt.Errorf("retry-depth-warning must be below retry-depth-critical"))
	}
	if o.BreakerFailureThreshold < 1 {
		err = multierr.Append(err, fmt.Errorf("breaker-failure-threshold must be at least 1"))
	}
	if o.RateLimitRequests < 1 {
		err = multierr.Append(err, fmt.Errorf("rate-limit-requests must be at least 1"))
	}
	if o.RateLimitInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("rate-limit-interval must be positive"))
	}
	return err
}

func (o Options) validateRedisURL() error {
	u, err := url.Parse(o.RedisURL)
	// url.Parse() will accept a lot of input without error; make
	// sure it's a real URL
	if err != nil || !u.IsAbs() || u.Hostname() == "" {
		return fmt.Errorf("%q is not a valid REDIS_URL", o.RedisURL)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return fmt.Errorf("REDIS_URL scheme must be redis or rediss, got %q", u.Scheme)
	}
	return nil
}

// ToContext injects the options for retrieval by any component downstream of process start.
func ToContext(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

// FromContext returns the injected options. Construction wires options at
// process start, so a missing value is a programming error.
func FromContext(ctx context.Context) *Options {
	opts, ok := ctx.Value(optionsKey{}).(*Options)
	if !ok {
		panic("options not injected into context")
	}
	return opts
}
