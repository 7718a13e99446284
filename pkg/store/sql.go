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
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/aresrobotics/commandcore/pkg/commands"
)

const (
	writeAttempts   = 3
	writeRetryDelay = 100 * time.Millisecond
)

// SQLStore persists commands, status history and metrics in a SQL database.
// A single writer mutex serialises mutations; reads go straight to the pool.
// Write failures trip a circuit breaker, which surfaces through Degraded()
// so the processor front door can reject new submissions.
type SQLStore struct {
	db      *sqlx.DB
	log     *zap.Logger
	clock   clock.PassiveClock
	breaker *gobreaker.CircuitBreaker

	writeMu sync.Mutex
}

// Open connects to the database, bootstraps the schema and returns the store.
func Open(dsn string, log *zap.Logger) (*SQLStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to store: %w", err)
	}
	s := NewWithDB(db, log)
	if err := s.bootstrap(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection. The caller owns schema bootstrap.
func NewWithDB(db *sqlx.DB, log *zap.Logger) *SQLStore {
	s := &SQLStore{
		db:    db,
		log:   log.Named("store"),
		clock: clock.RealClock{},
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "store-writes",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn("store breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return s
}

func (s *SQLStore) bootstrap(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrapping schema: %w", err)
		}
	}
	return nil
}

// write funnels every mutation through the breaker and a bounded retry with
// exponential backoff. The writer mutex keeps mutations single-file.
func (s *SQLStore) write(fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, retry.Do(fn,
			retry.Attempts(writeAttempts),
			retry.Delay(writeRetryDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
		)
	})
	return err
}

func (s *SQLStore) Save(ctx context.Context, cmd *commands.Command) error {
	row, err := toRow(cmd)
	if err != nil {
		return err
	}
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx, upsertCommand,
			row.ID, row.Type, row.Priority, row.Status, row.Params, row.Metadata,
			row.QueueTimeoutMs, row.ExecutionTimeoutMs, row.MaxRetries, row.RetryCount,
			row.CreatedAt, row.QueuedAt, row.StartedAt, row.CompletedAt, row.Result)
		return err
	})
}

func (s *SQLStore) SaveBatch(ctx context.Context, cmds []*commands.Command) error {
	rows := make([]commandRow, 0, len(cmds))
	for _, cmd := range cmds {
		row, err := toRow(cmd)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return s.write(func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck
		for _, row := range rows {
			if _, err := tx.ExecContext(ctx, upsertCommand,
				row.ID, row.Type, row.Priority, row.Status, row.Params, row.Metadata,
				row.QueueTimeoutMs, row.ExecutionTimeoutMs, row.MaxRetries, row.RetryCount,
				row.CreatedAt, row.QueuedAt, row.StartedAt, row.CompletedAt, row.Result); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status commands.Status, result *commands.Result, detail string) error {
	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshalling result: %w", err)
		}
	}
	now := s.clock.Now().UnixNano()
	return s.write(func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck
		if _, err := tx.ExecContext(ctx, updateCommandStatus, id, string(status), nullBytes(resultJSON), now, status.Terminal()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertHistory, id, string(status), now, detail); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLStore) LoadPending(ctx context.Context) ([]*commands.Command, error) {
	var rows []commandRow
	if err := s.db.SelectContext(ctx, &rows, selectPending); err != nil {
		return nil, fmt.Errorf("loading pending commands: %w", err)
	}
	cmds := make([]*commands.Command, 0, len(rows))
	for _, row := range rows {
		cmd, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

func (s *SQLStore) RecoverInflight(ctx context.Context) (int64, error) {
	crash, err := json.Marshal(&commands.Result{
		Success:     false,
		ErrorKind:   commands.ErrorKindProcessCrash,
		ErrorDetail: "command was executing when the process restarted",
	})
	if err != nil {
		return 0, err
	}
	var affected int64
	err = s.write(func() error {
		res, err := s.db.ExecContext(ctx, failInflight, crash, s.clock.Now().UnixNano())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

func (s *SQLStore) Get(ctx context.Context, id string) (*commands.Command, error) {
	var row commandRow
	if err := s.db.GetContext(ctx, &row, selectCommand, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting command %s: %w", id, err)
	}
	return fromRow(row)
}

func (s *SQLStore) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	var rows []historyRow
	if err := s.db.SelectContext(ctx, &rows, selectHistory, id); err != nil {
		return nil, fmt.Errorf("getting history for %s: %w", id, err)
	}
	entries := make([]HistoryEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, HistoryEntry{
			CommandID: row.CommandID,
			Status:    commands.Status(row.Status),
			Timestamp: row.Timestamp,
			Detail:    row.Detail,
		})
	}
	return entries, nil
}

func (s *SQLStore) SaveMetric(ctx context.Context, metric string, value float64, cmdType commands.Type, priority commands.Priority) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx, insertMetric,
			metric, value, string(cmdType), priority.String(), s.clock.Now().UnixNano())
		return err
	})
}

func (s *SQLStore) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := s.clock.Now().Add(-time.Duration(days) * 24 * time.Hour).UnixNano()
	var total int64
	err := s.write(func() error {
		total = 0
		for _, stmt := range []string{deleteOldHistory, deleteOldMetrics, deleteOldCommands} {
			res, err := s.db.ExecContext(ctx, stmt, cutoff)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

func (s *SQLStore) Degraded() bool {
	return s.breaker.State() == gobreaker.StateOpen
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
