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

package commands

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type categorizes a command. The set is open: well-known categories are
// declared below and extensions are created through Custom.
type Type string

const (
	TypeMovement       Type = "movement"
	TypeSensorRead     Type = "sensor_read"
	TypeCalibration    Type = "calibration"
	TypeDiagnostic     Type = "diagnostic"
	TypeSystem         Type = "system"
	TypeEmergencyStop  Type = "emergency_stop"
	TypeFirmwareUpdate Type = "firmware_update"
	TypeReset          Type = "reset"
)

// Custom builds a custom-extension command type.
func Custom(name string) Type {
	return Type("custom:" + name)
}

// ErrorKind distinguishes failure causes on a terminal result.
type ErrorKind string

const (
	ErrorKindNone           ErrorKind = ""
	ErrorKindDeadline       ErrorKind = "deadline"
	ErrorKindPrecondition   ErrorKind = "precondition"
	ErrorKindException      ErrorKind = "exception"
	ErrorKindCancelled      ErrorKind = "cancelled"
	ErrorKindQueueTimeout   ErrorKind = "queue_timeout"
	ErrorKindProcessCrash   ErrorKind = "process_crash"
	ErrorKindRetryExhausted ErrorKind = "retry_exhausted"
	ErrorKindStale          ErrorKind = "stale"
)

// Result is populated exactly once, on the terminal transition.
type Result struct {
	Success     bool           `json:"success"`
	Payload     map[string]any `json:"payload,omitempty"`
	ErrorKind   ErrorKind      `json:"error_kind,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	Duration    time.Duration  `json:"duration"`
}

// Metadata carries submitter identity and free-form tags supplied at the
// submission boundary. The core treats it as opaque except for the flags it
// honours during cancellation and batch routing.
type Metadata struct {
	Submitter      string            `json:"submitter"`
	SessionID      string            `json:"session_id,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	SafetyCritical bool              `json:"safety_critical,omitempty"`
	BatchID        string            `json:"batch_id,omitempty"`
}

// Command is the unit of work moving through the queue core.
type Command struct {
	ID         string
	Type       Type
	Priority   Priority
	Parameters map[string]any
	Metadata   Metadata

	QueueTimeout     time.Duration
	ExecutionTimeout time.Duration
	MaxRetries       int

	// Sequence is the queue-arrival counter used for FIFO tie-breaking
	// within a priority level. Assigned by the queue on admission.
	Sequence uint64

	mu          sync.Mutex
	status      Status
	retryCount  int
	createdAt   time.Time
	queuedAt    time.Time
	startedAt   time.Time
	completedAt time.Time
	result      *Result
}

// New constructs a Pending command with a fresh identifier.
func New(t Type, priority Priority, params map[string]any, md Metadata) *Command {
	return &Command{
		ID:         uuid.NewString(),
		Type:       t,
		Priority:   priority,
		Parameters: params,
		Metadata:   md,
		status:     StatusPending,
		createdAt:  time.Now(),
	}
}

// Status returns the current lifecycle state.
func (c *Command) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// TransitionTo moves the command along the lifecycle graph, rejecting
// out-of-graph requests. Transitions for one command are serialised by the
// internal lock, so no observer can see a status regression.
func (c *Command) TransitionTo(next Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.status.CanTransitionTo(next) {
		return fmt.Errorf("invalid status transition %s -> %s for command %s", c.status, next, c.ID)
	}
	c.status = next
	return nil
}

// ForceStatus is used only by persistence recovery, where the stored state is
// authoritative and the in-memory graph has no history to honour.
func (c *Command) ForceStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

// RetryCount returns the number of retries consumed.
func (c *Command) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// IncrementRetry consumes one unit of retry budget and returns the new count.
func (c *Command) IncrementRetry() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryCount++
	return c.retryCount
}

// SetRetryCount restores a persisted retry count during replay.
func (c *Command) SetRetryCount(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryCount = n
}

// Result returns the terminal result, or nil while the command is live.
func (c *Command) Result() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// SetResult records the terminal result. The first write wins; terminal
// results are immutable.
func (c *Command) SetResult(r *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		c.result = r
	}
}

// Timestamps along the lifecycle. Stamps are monotonically non-decreasing and
// each stamp is written once by the owning component.

func (c *Command) CreatedAt() time.Time { c.mu.Lock(); defer c.mu.Unlock(); return c.createdAt }
func (c *Command) QueuedAt() time.Time  { c.mu.Lock(); defer c.mu.Unlock(); return c.queuedAt }
func (c *Command) StartedAt() time.Time { c.mu.Lock(); defer c.mu.Unlock(); return c.startedAt }
func (c *Command) CompletedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completedAt
}

func (c *Command) StampCreated(t time.Time)   { c.mu.Lock(); defer c.mu.Unlock(); c.createdAt = t }
func (c *Command) StampQueued(t time.Time)    { c.mu.Lock(); defer c.mu.Unlock(); c.queuedAt = t }
func (c *Command) StampStarted(t time.Time)   { c.mu.Lock(); defer c.mu.Unlock(); c.startedAt = t }
func (c *Command) StampCompleted(t time.Time) { c.mu.Lock(); defer c.mu.Unlock(); c.completedAt = t }

// Snapshot is an immutable copy of the command's observable state, safe to
// hand to query callers and event payloads.
type Snapshot struct {
	ID          string
	Type        Type
	Priority    Priority
	Status      Status
	Parameters  map[string]any
	Metadata    Metadata
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	QueuedAt    time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Result      *Result
}

// Snapshot copies the observable state under the command lock.
func (c *Command) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:          c.ID,
		Type:        c.Type,
		Priority:    c.Priority,
		Status:      c.status,
		Parameters:  c.Parameters,
		Metadata:    c.Metadata,
		RetryCount:  c.retryCount,
		MaxRetries:  c.MaxRetries,
		CreatedAt:   c.createdAt,
		QueuedAt:    c.queuedAt,
		StartedAt:   c.startedAt,
		CompletedAt: c.completedAt,
		Result:      c.result,
	}
}
