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

// Package cancellation implements the staged teardown of live commands:
// validation, cooperative interruption, resource cleanup, and optional
// compensation. At most one cancellation is active per command.
package cancellation

import (
	"context"
	"time"

	"github.com/aresrobotics/commandcore/pkg/commands"
)

// Reason classifies why a cancellation was requested.
type Reason string

const (
	ReasonUserRequested Reason = "user_requested"
	ReasonSafetyStop    Reason = "safety_stop"
	ReasonSuperseded    Reason = "superseded"
	ReasonTimeout       Reason = "timeout"
	ReasonSystem        Reason = "system"
)

// State is the cancellation workflow state, separate from the command status.
type State string

const (
	StateRequested   State = "requested"
	StateValidating  State = "validating"
	StateCancelling  State = "cancelling"
	StateCleaningUp  State = "cleaning_up"
	StateRollingBack State = "rolling_back"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateRejected    State = "rejected"
)

// Request asks for one command to be cancelled. Force overrides the
// non-cancellable type and safety-critical guards; Rollback additionally runs
// registered compensating actions after cleanup.
type Request struct {
	CommandID   string
	Reason      Reason
	RequestedBy string
	Force       bool
	Rollback    bool
}

// ActionOutcome records one cleanup handler or compensating action run.
type ActionOutcome struct {
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Record is the audit trail of one cancellation attempt.
type Record struct {
	ID                string
	CommandID         string
	CommandType       commands.Type
	Reason            Reason
	RequestedBy       string
	Force             bool
	RollbackRequested bool

	State            State
	Error            string
	StartedAt        time.Time
	FinishedAt       time.Time
	CleanupOutcomes  []ActionOutcome
	RollbackOutcomes []ActionOutcome
}

// CleanupHandler releases one resource type held by an interrupted command.
// Higher priority runs first; a Critical handler's failure fails the whole
// cancellation unless the request is forced. Handlers apply to every command
// type unless Types narrows them.
type CleanupHandler struct {
	ResourceType string
	Fn           func(ctx context.Context, cmd commands.Snapshot) error
	Priority     int
	Timeout      time.Duration
	Critical     bool
	Types        []commands.Type
}

func (h CleanupHandler) appliesTo(t commands.Type) bool {
	if len(h.Types) == 0 {
		return true
	}
	for _, ht := range h.Types {
		if ht == t {
			return true
		}
	}
	return false
}

// CompensatingAction undoes the partial effect of an interrupted command.
// Validate, when set, gates execution on the command's final snapshot;
// actions run in registration order.
type CompensatingAction struct {
	ActionType string
	Execute    func(ctx context.Context, cmd commands.Snapshot) error
	Validate   func(cmd commands.Snapshot) bool
}

// ExecutionCanceller interrupts a command's execution context.
type ExecutionCanceller interface {
	CancelExecution(id string) bool
}
