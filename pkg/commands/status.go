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

// Status is a command lifecycle state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusQueued      Status = "queued"
	StatusExecuting   Status = "executing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusRetrying    Status = "retrying"
	StatusTimeout     Status = "timeout"
	StatusCancelling  Status = "cancelling"
	StatusRollingBack Status = "rolling_back"
)

// transitions is the lifecycle graph. Anything not listed is rejected.
var transitions = map[Status][]Status{
	StatusPending:     {StatusQueued, StatusCancelled, StatusFailed},
	StatusQueued:      {StatusExecuting, StatusCancelled, StatusTimeout},
	StatusExecuting:   {StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout, StatusRetrying, StatusCancelling},
	StatusRetrying:    {StatusQueued, StatusCancelled, StatusFailed, StatusTimeout},
	StatusCancelling:  {StatusRollingBack, StatusCancelled},
	StatusRollingBack: {StatusCancelled},
}

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle graph permits s -> next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Cancellable reports whether a command in this state can be removed from the
// queue synchronously.
func (s Status) Cancellable() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRetrying:
		return true
	}
	return false
}
