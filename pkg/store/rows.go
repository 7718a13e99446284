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

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aresrobotics/commandcore/pkg/commands"
)

type commandRow struct {
	ID                 string `db:"id"`
	Type               string `db:"type"`
	Priority           string `db:"priority"`
	Status             string `db:"status"`
	Params             []byte `db:"params"`
	Metadata           []byte `db:"metadata"`
	QueueTimeoutMs     int64  `db:"queue_timeout_ms"`
	ExecutionTimeoutMs int64  `db:"execution_timeout_ms"`
	MaxRetries         int    `db:"max_retries"`
	RetryCount         int    `db:"retry_count"`
	CreatedAt          int64  `db:"created_at"`
	QueuedAt           int64  `db:"queued_at"`
	StartedAt          int64  `db:"started_at"`
	CompletedAt        int64  `db:"completed_at"`
	Result             []byte `db:"result"`
}

type historyRow struct {
	CommandID string `db:"command_id"`
	Status    string `db:"status"`
	Timestamp int64  `db:"timestamp"`
	Detail    string `db:"detail"`
}

func toRow(cmd *commands.Command) (commandRow, error) {
	snap := cmd.Snapshot()
	params, err := json.Marshal(snap.Parameters)
	if err != nil {
		return commandRow{}, fmt.Errorf("marshalling parameters for %s: %w", snap.ID, err)
	}
	metadata, err := json.Marshal(snap.Metadata)
	if err != nil {
		return commandRow{}, fmt.Errorf("marshalling metadata for %s: %w", snap.ID, err)
	}
	var result []byte
	if snap.Result != nil {
		result, err = json.Marshal(snap.Result)
		if err != nil {
			return commandRow{}, fmt.Errorf("marshalling result for %s: %w", snap.ID, err)
		}
	}
	return commandRow{
		ID:                 snap.ID,
		Type:               string(snap.Type),
		Priority:           snap.Priority.String(),
		Status:             string(snap.Status),
		Params:             params,
		Metadata:           metadata,
		QueueTimeoutMs:     cmd.QueueTimeout.Milliseconds(),
		ExecutionTimeoutMs: cmd.ExecutionTimeout.Milliseconds(),
		MaxRetries:         snap.MaxRetries,
		RetryCount:         snap.RetryCount,
		CreatedAt:          nanos(snap.CreatedAt),
		QueuedAt:           nanos(snap.QueuedAt),
		StartedAt:          nanos(snap.StartedAt),
		CompletedAt:        nanos(snap.CompletedAt),
		Result:             result,
	}, nil
}

func fromRow(row commandRow) (*commands.Command, error) {
	priority, err := commands.ParsePriority(row.Priority)
	if err != nil {
		return nil, fmt.Errorf("row %s: %w", row.ID, err)
	}
	var params map[string]any
	if len(row.Params) > 0 {
		if err := json.Unmarshal(row.Params, &params); err != nil {
			return nil, fmt.Errorf("unmarshalling parameters for %s: %w", row.ID, err)
		}
	}
	var metadata commands.Metadata
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling metadata for %s: %w", row.ID, err)
		}
	}
	cmd := commands.New(commands.Type(row.Type), priority, params, metadata)
	cmd.ID = row.ID
	cmd.QueueTimeout = time.Duration(row.QueueTimeoutMs) * time.Millisecond
	cmd.ExecutionTimeout = time.Duration(row.ExecutionTimeoutMs) * time.Millisecond
	cmd.MaxRetries = row.MaxRetries
	cmd.SetRetryCount(row.RetryCount)
	cmd.ForceStatus(commands.Status(row.Status))
	cmd.StampCreated(fromNanos(row.CreatedAt))
	cmd.StampQueued(fromNanos(row.QueuedAt))
	cmd.StampStarted(fromNanos(row.StartedAt))
	cmd.StampCompleted(fromNanos(row.CompletedAt))
	if len(row.Result) > 0 {
		var result commands.Result
		if err := json.Unmarshal(row.Result, &result); err != nil {
			return nil, fmt.Errorf("unmarshalling result for %s: %w", row.ID, err)
		}
		cmd.SetResult(&result)
	}
	return cmd, nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
