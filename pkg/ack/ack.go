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

// Package ack tracks per-command in-flight state: acknowledgment of worker
// pickup, progress, timeouts, and cached results. An Acknowledgment is 1:1
// with a command while the command is live and expires result_cache_ttl after
// completion.
package ack

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aresrobotics/commandcore/pkg/commands"
)

// Status is the acknowledgment state, distinct from the command's own status.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimeout      Status = "timeout"
	StatusRetrying     Status = "retrying"
)

// Terminal reports whether the acknowledgment has reached a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Acknowledgment tracks one in-flight command.
type Acknowledgment struct {
	TrackingID string
	CommandID  string

	mu          sync.Mutex
	status      Status
	progress    float64
	message     string
	retryCount  int // worker-pickup failures, distinct from the command retry count
	result      *commands.Result
	createdAt   time.Time
	ackedAt     time.Time
	completedAt time.Time

	stopPickup chan struct{}
	stopOnce   sync.Once
}

func newAcknowledgment(cmdID string, now time.Time) *Acknowledgment {
	return &Acknowledgment{
		TrackingID: uuid.NewString(),
		CommandID:  cmdID,
		status:     StatusPending,
		createdAt:  now,
		stopPickup: make(chan struct{}),
	}
}

func (a *Acknowledgment) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Progress returns the current progress fraction and message.
func (a *Acknowledgment) Progress() (float64, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.progress, a.message
}

func (a *Acknowledgment) RetryCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retryCount
}

func (a *Acknowledgment) Result() *commands.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

func (a *Acknowledgment) CompletedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completedAt
}

func (a *Acknowledgment) stopPickupTimer() {
	a.stopOnce.Do(func() { close(a.stopPickup) })
}

// ErrUnknownCommand is returned for commands the tracker does not know.
var ErrUnknownCommand = fmt.Errorf("no acknowledgment for command")
