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

// Package batch executes groups of commands with dependency ordering and
// transactional semantics. Dependencies form a DAG; execution is sequential,
// fully parallel, or layered, and a failed all-or-nothing batch compensates
// its completed members in reverse completion order.
package batch

import (
	"sync"
	"time"

	"github.com/heimdalr/dag"
	"go.uber.org/atomic"

	"github.com/aresrobotics/commandcore/pkg/commands"
)

// ExecutionMode selects how members are scheduled.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
	ModeMixed      ExecutionMode = "mixed"
)

// TransactionMode selects the failure semantics of the batch.
type TransactionMode string

const (
	// TxAllOrNothing stops on the first failure and compensates completed
	// members; the batch ends rolled_back.
	TxAllOrNothing TransactionMode = "all_or_nothing"
	// TxBestEffort runs every member; the batch ends completed,
	// partially_completed, or failed by the member outcomes.
	TxBestEffort TransactionMode = "best_effort"
	// TxStopOnError ceases dispatch at the first failure but keeps what has
	// already completed; no compensation runs.
	TxStopOnError TransactionMode = "stop_on_error"
	// TxIsolated treats members as independent; the batch ends completed
	// regardless of member failures.
	TxIsolated TransactionMode = "isolated"
)

// Status is the batch lifecycle state.
type Status string

const (
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusCompleted          Status = "completed"
	StatusPartiallyCompleted Status = "partially_completed"
	StatusFailed             Status = "failed"
	StatusRolledBack         Status = "rolled_back"
	StatusCancelled          Status = "cancelled"
)

// StopsOnFailure reports whether one member failure aborts further dispatch.
func (t TransactionMode) StopsOnFailure() bool {
	return t == TxAllOrNothing || t == TxStopOnError
}

// Terminal reports whether the batch has finished.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartiallyCompleted, StatusFailed, StatusRolledBack, StatusCancelled:
		return true
	}
	return false
}

// MemberState is the per-member outcome within the batch.
type MemberState string

const (
	MemberPending    MemberState = "pending"
	MemberSubmitted  MemberState = "submitted"
	MemberCompleted  MemberState = "completed"
	MemberFailed     MemberState = "failed"
	MemberSkipped    MemberState = "skipped"
	MemberRolledBack MemberState = "rolled_back"
	MemberCancelled  MemberState = "cancelled"
)

// Dependency orders two members: From must complete before To starts.
type Dependency struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Member pairs a batch-local key with the command to run.
type Member struct {
	Key        string
	Descriptor commands.Descriptor
}

// Definition is the client-facing batch specification.
type Definition struct {
	ID           string
	Name         string
	Mode         ExecutionMode
	Transaction  TransactionMode
	Members      []Member
	Dependencies []Dependency
}

// member is the runtime state of one batch member. done is closed when the
// member reaches any terminal member state, letting dependants proceed.
type member struct {
	key string
	cmd *commands.Command

	state  MemberState
	result *commands.Result

	done     chan struct{}
	doneOnce sync.Once
}

func (m *member) finish(state MemberState, result *commands.Result) {
	m.state = state
	m.result = result
	m.doneOnce.Do(func() { close(m.done) })
}

// Batch is a created group awaiting or undergoing execution.
type Batch struct {
	ID          string
	Name        string
	Mode        ExecutionMode
	Transaction TransactionMode

	// stopped short-circuits remaining members once a failure has aborted
	// the batch (all_or_nothing and stop_on_error).
	stopped atomic.Bool

	mu              sync.Mutex
	status          Status
	members         []*member
	byKey           map[string]*member
	graph           *dag.DAG
	layers          [][]string
	completionOrder []string
	createdAt       time.Time
	startedAt       time.Time
	completedAt     time.Time
}

func (b *Batch) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// counts returns (completed, failed, skipped) under the batch lock.
func (b *Batch) counts() (int, int, int) {
	completed, failed, skipped := 0, 0, 0
	for _, m := range b.members {
		switch m.state {
		case MemberCompleted, MemberRolledBack:
			completed++
		case MemberFailed:
			failed++
		case MemberSkipped, MemberCancelled:
			skipped++
		}
	}
	return completed, failed, skipped
}

// MemberSnapshot is a point-in-time view of one member.
type MemberSnapshot struct {
	Key       string
	CommandID string
	State     MemberState
	Result    *commands.Result
}

// Snapshot is a point-in-time view of the whole batch.
type Snapshot struct {
	ID          string
	Name        string
	Mode        ExecutionMode
	Transaction TransactionMode
	Status      Status
	Completed   int
	Failed      int
	Skipped     int
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Members     []MemberSnapshot
}

func (b *Batch) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Batch) snapshotLocked() Snapshot {
	completed, failed, skipped := b.counts()
	snap := Snapshot{
		ID:          b.ID,
		Name:        b.Name,
		Mode:        b.Mode,
		Transaction: b.Transaction,
		Status:      b.status,
		Completed:   completed,
		Failed:      failed,
		Skipped:     skipped,
		CreatedAt:   b.createdAt,
		StartedAt:   b.startedAt,
		CompletedAt: b.completedAt,
	}
	for _, m := range b.members {
		snap.Members = append(snap.Members, MemberSnapshot{
			Key:       m.key,
			CommandID: m.cmd.ID,
			State:     m.state,
			Result:    m.result,
		})
	}
	return snap
}
