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
	"encoding/json"
	"errors"
	"regexp"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/aresrobotics/commandcore/pkg/commands"
)

var commandColumns = []string{
	"id", "type", "priority", "status", "params", "metadata",
	"queue_timeout_ms", "execution_timeout_ms", "max_retries", "retry_count",
	"created_at", "queued_at", "started_at", "completed_at", "result",
}

var _ = Describe("SQLStore", func() {
	var (
		mock    sqlmock.Sqlmock
		s       *SQLStore
		ctx     context.Context
		cmd     *commands.Command
		closeDB func()
	)

	BeforeEach(func() {
		db, m, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		mock = m
		s = NewWithDB(sqlx.NewDb(db, "sqlmock"), zap.NewNop())
		closeDB = func() { _ = db.Close() }
		ctx = context.Background()
		cmd = commands.New(commands.TypeMovement, commands.PriorityHigh,
			map[string]any{"distance": 3}, commands.Metadata{Submitter: "operator"})
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		closeDB()
	})

	It("saves a command", func() {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO commands")).
			WithArgs(cmd.ID, "movement", "high", "pending", sqlmock.AnyArg(), sqlmock.AnyArg(),
				int64(0), int64(0), 0, 0,
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		Expect(s.Save(ctx, cmd)).To(Succeed())
	})

	It("updates status and appends history in one transaction", func() {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE commands SET")).
			WithArgs(cmd.ID, "queued", nil, sqlmock.AnyArg(), false).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO command_history")).
			WithArgs(cmd.ID, "queued", sqlmock.AnyArg(), "queued").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()
		Expect(s.UpdateStatus(ctx, cmd.ID, commands.StatusQueued, nil, "queued")).To(Succeed())
	})

	It("round-trips a command through Get", func() {
		params, _ := json.Marshal(map[string]any{"distance": float64(3)})
		metadata, _ := json.Marshal(commands.Metadata{Submitter: "operator"})
		mock.ExpectQuery(regexp.QuoteMeta("FROM commands WHERE id = $1")).
			WithArgs("cmd-1").
			WillReturnRows(sqlmock.NewRows(commandColumns).AddRow(
				"cmd-1", "movement", "high", "queued", params, metadata,
				int64(5000), int64(10000), 2, 1,
				int64(100), int64(200), int64(0), int64(0), nil))

		got, err := s.Get(ctx, "cmd-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.ID).To(Equal("cmd-1"))
		Expect(got.Type).To(Equal(commands.TypeMovement))
		Expect(got.Priority).To(Equal(commands.PriorityHigh))
		Expect(got.Status()).To(Equal(commands.StatusQueued))
		Expect(got.RetryCount()).To(Equal(1))
		Expect(got.Metadata.Submitter).To(Equal("operator"))
	})

	It("maps missing rows to ErrNotFound", func() {
		mock.ExpectQuery(regexp.QuoteMeta("FROM commands WHERE id = $1")).
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows(commandColumns))
		_, err := s.Get(ctx, "nope")
		Expect(err).To(MatchError(ErrNotFound))
	})

	It("loads replayable commands", func() {
		mock.ExpectQuery(regexp.QuoteMeta("WHERE status IN ('pending', 'queued', 'retrying')")).
			WillReturnRows(sqlmock.NewRows(commandColumns).
				AddRow("cmd-1", "movement", "emergency", "queued", nil, []byte(`{}`),
					int64(0), int64(0), 0, 0, int64(100), int64(0), int64(0), int64(0), nil).
				AddRow("cmd-2", "sensor_read", "low", "pending", nil, []byte(`{}`),
					int64(0), int64(0), 0, 2, int64(50), int64(0), int64(0), int64(0), nil))

		cmds, err := s.LoadPending(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(cmds).To(HaveLen(2))
		Expect(cmds[0].Priority).To(Equal(commands.PriorityEmergency))
		Expect(cmds[1].RetryCount()).To(Equal(2))
	})

	It("fails over commands left executing by a crash", func() {
		mock.ExpectExec(regexp.QuoteMeta("WHERE status = 'executing'")).
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 3))
		n, err := s.RecoverInflight(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(int64(3)))
	})

	It("records metrics", func() {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO command_metrics")).
			WithArgs("execution_time_ms", 42.0, "movement", "high", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		Expect(s.SaveMetric(ctx, "execution_time_ms", 42, commands.TypeMovement, commands.PriorityHigh)).To(Succeed())
	})

	It("sums deletions across retention sweeps", func() {
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM command_history")).
			WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM command_metrics")).
			WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 5))
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM commands")).
			WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))

		n, err := s.CleanupOlderThan(ctx, 7)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(int64(8)))
	})

	It("retries transient write failures", func() {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO command_metrics")).
			WillReturnError(errors.New("connection reset"))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO command_metrics")).
			WithArgs("m", 1.0, "movement", "high", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		Expect(s.SaveMetric(ctx, "m", 1, commands.TypeMovement, commands.PriorityHigh)).To(Succeed())
	})

	It("is not degraded while the breaker is closed", func() {
		Expect(s.Degraded()).To(BeFalse())
	})
})
