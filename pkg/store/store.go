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

// Package store is the persistence boundary: a durable mirror of the queue
// and acknowledgment state, replayed on restart. Every status transition is
// persisted before the event sink is told about it.
package store

import (
	"context"
	"errors"

	"github.com/aresrobotics/commandcore/pkg/commands"
)

// ErrNotFound is returned by Get for unknown command identifiers.
var ErrNotFound = errors.New("command not found")

// HistoryEntry is one row of the append-only status history.
type HistoryEntry struct {
	CommandID string
	Status    commands.Status
	Timestamp int64
	Detail    string
}

// Store is the persistence port.
type Store interface {
	// Save is an idempotent upsert by command identifier.
	Save(ctx context.Context, cmd *commands.Command) error
	// SaveBatch upserts multiple commands in one transaction.
	SaveBatch(ctx context.Context, cmds []*commands.Command) error
	// UpdateStatus atomically records the new status (and terminal result,
	// if any) and appends a history entry.
	UpdateStatus(ctx context.Context, id string, status commands.Status, result *commands.Result, detail string) error
	// LoadPending returns Pending/Queued/Retrying commands, priority-major
	// and creation-minor sorted, for replay at startup.
	LoadPending(ctx context.Context) ([]*commands.Command, error)
	// RecoverInflight marks commands observed as Executing at startup as
	// Failed: no handler context survives a process crash. Returns the
	// number of commands failed.
	RecoverInflight(ctx context.Context) (int64, error)
	// Get returns one command, or ErrNotFound.
	Get(ctx context.Context, id string) (*commands.Command, error)
	// History returns the recorded status history for a command, oldest first.
	History(ctx context.Context, id string) ([]HistoryEntry, error)
	// SaveMetric appends one observability sample.
	SaveMetric(ctx context.Context, metric string, value float64, cmdType commands.Type, priority commands.Priority) error
	// CleanupOlderThan deletes terminal commands, history and metrics older
	// than the retention bound and returns the total rows deleted.
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
	// Degraded reports whether the store has exhausted its write retries and
	// the core should reject new submissions.
	Degraded() bool
	Close() error
}

// Noop satisfies Store when persistence is disabled.
type Noop struct{}

func (Noop) Save(context.Context, *commands.Command) error        { return nil }
func (Noop) SaveBatch(context.Context, []*commands.Command) error { return nil }
func (Noop) UpdateStatus(context.Context, string, commands.Status, *commands.Result, string) error {
	return nil
}
func (Noop) LoadPending(context.Context) ([]*commands.Command, error) { return nil, nil }
func (Noop) RecoverInflight(context.Context) (int64, error)           { return 0, nil }
func (Noop) Get(context.Context, string) (*commands.Command, error)  { return nil, ErrNotFound }
func (Noop) History(context.Context, string) ([]HistoryEntry, error) { return nil, nil }
func (Noop) SaveMetric(context.Context, string, float64, commands.Type, commands.Priority) error {
	return nil
}
func (Noop) CleanupOlderThan(context.Context, int) (int64, error) { return 0, nil }
func (Noop) Degraded() bool                                       { return false }
func (Noop) Close() error                                         { return nil }
