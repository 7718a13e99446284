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

// Package config holds the immutable runtime options of the command queue
// core. Options load from TOML over compiled defaults and are validated once
// at startup; nothing mutates them afterwards.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/aresrobotics/commandcore/pkg/commands"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Options covers every tunable of the core. Millisecond/second suffixes match
// the external configuration surface; accessor methods return durations.
type Options struct {
	// Queue capacity.
	MaxQueueSize           int `toml:"max_queue_size" validate:"min=1"`
	MaxCommandsPerPriority int `toml:"max_commands_per_priority" validate:"min=1"`

	// Concurrency caps.
	MaxConcurrentCommands    int            `toml:"max_concurrent_commands" validate:"min=1"`
	MaxConcurrentPerPriority map[string]int `toml:"max_concurrent_per_priority" validate:"-"`

	// Execution and retry policy.
	ProcessingTimeoutMs int64 `toml:"processing_timeout_ms" validate:"min=1"`
	MaxRetries          int   `toml:"max_retries" validate:"min=0"`
	RetryDelayMs        int64 `toml:"retry_delay_ms" validate:"min=1"`
	MaxBackoffMs        int64 `toml:"max_backoff_ms" validate:"min=1"`
	ExponentialBackoff  bool  `toml:"exponential_backoff"`

	// Global retry throttle.
	MaxRetriesGlobal   int `toml:"max_retries_global" validate:"min=1"`
	RetryWindowSeconds int `toml:"retry_window_seconds" validate:"min=1"`

	// Queue maintenance.
	StaleCommandTimeoutSeconds int `toml:"stale_command_timeout_seconds" validate:"min=1"`
	CleanupIntervalSeconds     int `toml:"cleanup_interval_seconds" validate:"min=1"`

	// Acknowledgment timing.
	AckTimeoutMs              int64 `toml:"ack_timeout_ms" validate:"min=1"`
	ExecutionTimeoutMs        int64 `toml:"execution_timeout_ms" validate:"min=1"`
	ResultDeliveryTimeoutMs   int64 `toml:"result_delivery_timeout_ms" validate:"min=1"`
	MaxAckRetries             int   `toml:"max_ack_retries" validate:"min=0"`
	AckRetryDelayMs           int64 `toml:"ack_retry_delay_ms" validate:"min=1"`
	ProgressUpdateIntervalMs  int64 `toml:"progress_update_interval_ms" validate:"min=0"`
	ResultCacheTTLSeconds     int   `toml:"result_cache_ttl_seconds" validate:"min=1"`
	MaxCachedResults          int   `toml:"max_cached_results" validate:"min=1"`

	// Cancellation.
	CancellationTimeoutSeconds int `toml:"cancellation_timeout_seconds" validate:"min=1"`

	// Batch execution.
	MaxBatchSize           int `toml:"max_batch_size" validate:"min=1"`
	ParallelExecutionLimit int `toml:"parallel_execution_limit" validate:"min=1"`
	RollbackTimeoutSeconds int `toml:"rollback_timeout_seconds" validate:"min=1"`

	// Persistence.
	EnablePersistence bool   `toml:"enable_persistence"`
	DatabaseURL       string `toml:"database_url"`
	RetentionDays     int    `toml:"retention_days" validate:"min=1"`

	// Operational.
	HealthIntervalSeconds int    `toml:"health_interval_seconds" validate:"min=1"`
	MetricsAddr           string `toml:"metrics_addr"`
}

// Default returns the compiled-in option set.
func Default() Options {
	return Options{
		MaxQueueSize:           1000,
		MaxCommandsPerPriority: 250,
		MaxConcurrentCommands:  10,
		MaxConcurrentPerPriority: map[string]int{
			commands.PriorityEmergency.String(): 3,
			commands.PriorityHigh.String():      2,
			commands.PriorityNormal.String():    1,
			commands.PriorityLow.String():       1,
		},
		ProcessingTimeoutMs:        30_000,
		MaxRetries:                 3,
		RetryDelayMs:               1000,
		MaxBackoffMs:               30_000,
		ExponentialBackoff:         true,
		MaxRetriesGlobal:           100,
		RetryWindowSeconds:         60,
		StaleCommandTimeoutSeconds: 300,
		CleanupIntervalSeconds:     30,
		AckTimeoutMs:               5000,
		ExecutionTimeoutMs:         30_000,
		ResultDeliveryTimeoutMs:    10_000,
		MaxAckRetries:              3,
		AckRetryDelayMs:            500,
		ProgressUpdateIntervalMs:   0, // disabled unless configured
		ResultCacheTTLSeconds:      300,
		MaxCachedResults:           1000,
		CancellationTimeoutSeconds: 30,
		MaxBatchSize:               100,
		ParallelExecutionLimit:     50,
		RollbackTimeoutSeconds:     60,
		EnablePersistence:          false,
		RetentionDays:              7,
		HealthIntervalSeconds:      30,
		MetricsAddr:                ":9090",
	}
}

// Load decodes TOML from path over the defaults and validates the result.
// An empty path yields the validated defaults.
func Load(path string) (Options, error) {
	opts := Default()
	if path == "" {
		return opts, opts.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// Validate rejects option sets the core cannot run with.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for name := range o.MaxConcurrentPerPriority {
		if _, err := commands.ParsePriority(name); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	if o.EnablePersistence && o.DatabaseURL == "" {
		return fmt.Errorf("invalid configuration: enable_persistence requires database_url")
	}
	return nil
}

// CapFor returns the in-flight concurrency cap for one priority level.
func (o Options) CapFor(p commands.Priority) int {
	if cap, ok := o.MaxConcurrentPerPriority[p.String()]; ok {
		return cap
	}
	return 1
}

func (o Options) ProcessingTimeout() time.Duration {
	return time.Duration(o.ProcessingTimeoutMs) * time.Millisecond
}
func (o Options) RetryDelay() time.Duration { return time.Duration(o.RetryDelayMs) * time.Millisecond }
func (o Options) MaxBackoff() time.Duration { return time.Duration(o.MaxBackoffMs) * time.Millisecond }
func (o Options) RetryWindow() time.Duration {
	return time.Duration(o.RetryWindowSeconds) * time.Second
}
func (o Options) StaleCommandTimeout() time.Duration {
	return time.Duration(o.StaleCommandTimeoutSeconds) * time.Second
}
func (o Options) CleanupInterval() time.Duration {
	return time.Duration(o.CleanupIntervalSeconds) * time.Second
}
func (o Options) AckTimeout() time.Duration { return time.Duration(o.AckTimeoutMs) * time.Millisecond }
func (o Options) AckRetryDelay() time.Duration {
	return time.Duration(o.AckRetryDelayMs) * time.Millisecond
}
func (o Options) ProgressUpdateInterval() time.Duration {
	return time.Duration(o.ProgressUpdateIntervalMs) * time.Millisecond
}
func (o Options) ResultCacheTTL() time.Duration {
	return time.Duration(o.ResultCacheTTLSeconds) * time.Second
}
func (o Options) CancellationTimeout() time.Duration {
	return time.Duration(o.CancellationTimeoutSeconds) * time.Second
}
func (o Options) RollbackTimeout() time.Duration {
	return time.Duration(o.RollbackTimeoutSeconds) * time.Second
}
func (o Options) HealthInterval() time.Duration {
	return time.Duration(o.HealthIntervalSeconds) * time.Second
}
