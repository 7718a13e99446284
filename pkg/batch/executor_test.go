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

package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/aresrobotics/commandcore/pkg/ack"
	"github.com/aresrobotics/commandcore/pkg/cancellation"
	"github.com/aresrobotics/commandcore/pkg/commands"
	"github.com/aresrobotics/commandcore/pkg/config"
	"github.com/aresrobotics/commandcore/pkg/events"
	"github.com/aresrobotics/commandcore/pkg/fake"
	"github.com/aresrobotics/commandcore/pkg/processor"
	"github.com/aresrobotics/commandcore/pkg/queue"
	"github.com/aresrobotics/commandcore/pkg/store"
)

var _ = Describe("Executor", func() {
	var (
		opts    config.Options
		rec     *fake.Recorder
		sink    *fake.AuditSink
		q       *queue.Queue
		tracker *ack.Tracker
		proc    *processor.Processor
		manager *cancellation.Manager
		exec    *Executor
		ctx     context.Context
		cancel  context.CancelFunc

		okHandler   *fake.Handler
		failHandler *fake.Handler
	)

	BeforeEach(func() {
		opts = config.Default()
		opts.MaxRetries = 0
		opts.RetryDelayMs = 10
		opts.AckTimeoutMs = 60_000
		rec = fake.NewRecorder()
		sink = fake.NewAuditSink()
		ctx, cancel = context.WithCancel(context.Background())

		clk := clock.RealClock{}
		db := store.Noop{}
		q = queue.New(opts, clk, db, rec, zap.NewNop())
		tracker = ack.NewTracker(opts, clk, rec, zap.NewNop())
		proc = processor.New(opts, clk, db, q, tracker, rec, zap.NewNop())
		manager = cancellation.NewManager(opts, clk, db, q, tracker, proc, rec, sink, zap.NewNop())
		exec = NewExecutor(opts, clk, proc, tracker, manager, manager, proc.Schemas(), rec, sink, zap.NewNop())

		okHandler = fake.NewHandler()
		failHandler = fake.NewHandler()
		failHandler.FailTimes = 100
		proc.RegisterHandler(commands.TypeMovement, okHandler)
		proc.RegisterHandler(commands.TypeSensorRead, okHandler)
		proc.RegisterHandler(commands.TypeDiagnostic, failHandler)
	})

	AfterEach(func() {
		proc.Stop()
		cancel()
	})

	member := func(key string, t commands.Type) Member {
		return Member{Key: key, Descriptor: commands.Descriptor{
			Type:     t,
			Priority: commands.PriorityNormal,
			Metadata: commands.Metadata{Submitter: "operator"},
		}}
	}

	// keyFor maps executed command ids back to member keys.
	keyFor := func(id string) map[string]string {
		snap, err := exec.GetBatch(id)
		Expect(err).ToNot(HaveOccurred())
		out := map[string]string{}
		for _, m := range snap.Members {
			out[m.CommandID] = m.Key
		}
		return out
	}

	memberStates := func(id string) map[string]MemberState {
		snap, err := exec.GetBatch(id)
		Expect(err).ToNot(HaveOccurred())
		out := map[string]MemberState{}
		for _, m := range snap.Members {
			out[m.Key] = m.State
		}
		return out
	}

	Context("creation", func() {
		It("rejects an empty definition", func() {
			_, err := exec.CreateBatch(ctx, Definition{})
			Expect(err).To(MatchError(ErrEmptyBatch))
		})

		It("rejects batches past the size limit", func() {
			opts.MaxBatchSize = 2
			exec = NewExecutor(opts, clock.RealClock{}, proc, tracker, manager, manager,
				proc.Schemas(), rec, sink, zap.NewNop())
			_, err := exec.CreateBatch(ctx, Definition{Members: []Member{
				member("a", commands.TypeMovement),
				member("b", commands.TypeMovement),
				member("c", commands.TypeMovement),
			}})
			Expect(err).To(MatchError(ErrTooLarge))
		})

		It("rejects duplicate member keys", func() {
			_, err := exec.CreateBatch(ctx, Definition{Members: []Member{
				member("a", commands.TypeMovement),
				member("a", commands.TypeSensorRead),
			}})
			Expect(err).To(MatchError(ErrDuplicateMember))
		})

		It("rejects dependencies on unknown members", func() {
			_, err := exec.CreateBatch(ctx, Definition{
				Members:      []Member{member("a", commands.TypeMovement)},
				Dependencies: []Dependency{{From: "a", To: "ghost"}},
			})
			Expect(err).To(MatchError(ErrUnknownMember))
		})

		It("rejects dependency cycles", func() {
			_, err := exec.CreateBatch(ctx, Definition{
				Members: []Member{
					member("a", commands.TypeMovement),
					member("b", commands.TypeMovement),
				},
				Dependencies: []Dependency{{From: "a", To: "b"}, {From: "b", To: "a"}},
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("dependency"))
		})

		It("rejects self-referencing dependencies", func() {
			_, err := exec.CreateBatch(ctx, Definition{
				Members:      []Member{member("a", commands.TypeMovement)},
				Dependencies: []Dependency{{From: "a", To: "a"}},
			})
			Expect(err).To(HaveOccurred())
		})

		It("rejects chains deeper than the depth limit", func() {
			var members []Member
			var deps []Dependency
			for i := 0; i < 11; i++ {
				key := fmt.Sprintf("m%d", i)
				members = append(members, member(key, commands.TypeMovement))
				if i > 0 {
					deps = append(deps, Dependency{From: fmt.Sprintf("m%d", i-1), To: key})
				}
			}
			_, err := exec.CreateBatch(ctx, Definition{Members: members, Dependencies: deps})
			Expect(err).To(MatchError(ErrTooDeep))
		})

		It("rejects all-or-nothing batches with irreversible member types", func() {
			_, err := exec.CreateBatch(ctx, Definition{
				Transaction: TxAllOrNothing,
				Members:     []Member{member("a", commands.TypeMovement)},
			})
			Expect(err).To(MatchError(ErrNotReversible))
		})

		It("rejects duplicate batch ids", func() {
			def := Definition{ID: "batch-1", Members: []Member{member("a", commands.TypeMovement)}}
			_, err := exec.CreateBatch(ctx, def)
			Expect(err).ToNot(HaveOccurred())
			_, err = exec.CreateBatch(ctx, def)
			Expect(err).To(MatchError(ErrDuplicateBatch))
		})

		It("defaults mode and transaction, and audits creation", func() {
			b, err := exec.CreateBatch(ctx, Definition{
				Name:    "survey",
				Members: []Member{member("a", commands.TypeMovement)},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(b.Mode).To(Equal(ModeSequential))
			Expect(b.Transaction).To(Equal(TxBestEffort))
			Expect(b.Status()).To(Equal(StatusPending))

			entries := sink.Entries()
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Action).To(Equal("create_batch"))
			Expect(exec.Stats().Created).To(Equal(int64(1)))
		})
	})

	Context("execution", func() {
		var (
			orderMu sync.Mutex
			order   []string
		)

		BeforeEach(func() {
			order = nil
			okHandler.OnHandle = func(cmd *commands.Command) {
				orderMu.Lock()
				order = append(order, cmd.ID)
				orderMu.Unlock()
			}
			Expect(proc.Start(ctx)).To(Succeed())
		})

		executedKeys := func(batchID string) []string {
			keys := keyFor(batchID)
			orderMu.Lock()
			defer orderMu.Unlock()
			out := make([]string, 0, len(order))
			for _, id := range order {
				out = append(out, keys[id])
			}
			return out
		}

		It("runs a sequential batch in dependency order", func() {
			b, err := exec.CreateBatch(ctx, Definition{
				Mode: ModeSequential,
				Members: []Member{
					member("c", commands.TypeMovement),
					member("b", commands.TypeMovement),
					member("a", commands.TypeMovement),
				},
				Dependencies: []Dependency{
					{From: "a", To: "b"},
					{From: "b", To: "c"},
				},
			})
			Expect(err).ToNot(HaveOccurred())

			snap, err := exec.ExecuteBatch(ctx, b.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(snap.Status).To(Equal(StatusCompleted))
			Expect(snap.Completed).To(Equal(3))
			Expect(executedKeys(b.ID)).To(Equal([]string{"a", "b", "c"}))
			Expect(exec.Stats().Completed).To(Equal(int64(1)))
		})

		It("gates parallel members on their dependencies", func() {
			b, err := exec.CreateBatch(ctx, Definition{
				Mode: ModeParallel,
				Members: []Member{
					member("a", commands.TypeMovement),
					member("b", commands.TypeMovement),
					member("c", commands.TypeMovement),
				},
				Dependencies: []Dependency{
					{From: "a", To: "c"},
					{From: "b", To: "c"},
				},
			})
			Expect(err).ToNot(HaveOccurred())

			snap, err := exec.ExecuteBatch(ctx, b.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(snap.Status).To(Equal(StatusCompleted))

			keys := executedKeys(b.ID)
			Expect(keys).To(HaveLen(3))
			Expect(keys[2]).To(Equal("c"))
		})

		It("runs a mixed batch layer by layer", func() {
			b, err := exec.CreateBatch(ctx, Definition{
				Mode: ModeMixed,
				Members: []Member{
					member("a", commands.TypeMovement),
					member("b", commands.TypeMovement),
					member("c", commands.TypeMovement),
				},
				Dependencies: []Dependency{
					{From: "a", To: "c"},
					{From: "b", To: "c"},
				},
			})
			Expect(err).ToNot(HaveOccurred())

			snap, err := exec.ExecuteBatch(ctx, b.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(snap.Status).To(Equal(StatusCompleted))
			Expect(executedKeys(b.ID)[2]).To(Equal("c"))
		})

		It("skips members whose dependency failed", func() {
			b, err := exec.CreateBatch(ctx, Definition{
				Mode: ModeSequential,
				Members: []Member{
					member("broken", commands.TypeDiagnostic),
					member("dependent", commands.TypeSensorRead),
					member("independent", commands.TypeMovement),
				},
				Dependencies: []Dependency{{From: "broken", To: "dependent"}},
			})
			Expect(err).ToNot(HaveOccurred())

			snap, err := exec.ExecuteBatch(ctx, b.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(snap.Status).To(Equal(StatusPartiallyCompleted))

			states := memberStates(b.ID)
			Expect(states["broken"]).To(Equal(MemberFailed))
			Expect(states["dependent"]).To(Equal(MemberSkipped))
			Expect(states["independent"]).To(Equal(MemberCompleted))
		})

		It("marks a batch with no completions failed", func() {
			b, err := exec.CreateBatch(ctx, Definition{
				Members: []Member{member("broken", commands.TypeDiagnostic)},
			})
			Expect(err).ToNot(HaveOccurred())

			snap, err := exec.ExecuteBatch(ctx, b.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(snap.Status).To(Equal(StatusFailed))
		})

		It("stops dispatch at the first failure without rolling back", func() {
			b, err := exec.CreateBatch(ctx, Definition{
				Mode:        ModeSequential,
				Transaction: TxStopOnError,
				Members: []Member{
					member("first", commands.TypeMovement),
					member("broken", commands.TypeDiagnostic),
					member("last", commands.TypeMovement),
				},
				Dependencies: []Dependency{
					{From: "first", To: "broken"},
					{From: "broken", To: "last"},
				},
			})
			Expect(err).ToNot(HaveOccurred())

			snap, err := exec.ExecuteBatch(ctx, b.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(snap.Status).To(Equal(StatusPartiallyCompleted))

			states := memberStates(b.ID)
			Expect(states["first"]).To(Equal(MemberCompleted))
			Expect(states["broken"]).To(Equal(MemberFailed))
			Expect(states["last"]).To(Equal(MemberSkipped))
		})

		It("completes an isolated batch despite member failures", func() {
			b, err := exec.CreateBatch(ctx, Definition{
				Transaction: TxIsolated,
				Members: []Member{
					member("broken", commands.TypeDiagnostic),
					member("fine", commands.TypeMovement),
				},
			})
			Expect(err).ToNot(HaveOccurred())

			snap, err := exec.ExecuteBatch(ctx, b.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(snap.Status).To(Equal(StatusCompleted))
			Expect(memberStates(b.ID)["broken"]).To(Equal(MemberFailed))
		})

		It("refuses to execute a batch twice", func() {
			b, err := exec.CreateBatch(ctx, Definition{
				Members: []Member{member("a", commands.TypeMovement)},
			})
			Expect(err).ToNot(HaveOccurred())
			_, err = exec.ExecuteBatch(ctx, b.ID)
			Expect(err).ToNot(HaveOccurred())
			_, err = exec.ExecuteBatch(ctx, b.ID)
			Expect(err).To(MatchError(ErrBatchNotPending))
		})
	})

	Context("all-or-nothing rollback", func() {
		var (
			compMu sync.Mutex
			comped []string
		)

		BeforeEach(func() {
			comped = nil
			record := func(_ context.Context, snap commands.Snapshot) error {
				compMu.Lock()
				comped = append(comped, snap.ID)
				compMu.Unlock()
				return nil
			}
			manager.RegisterCompensation(commands.TypeMovement, cancellation.CompensatingAction{
				ActionType: "reverse_path", Execute: record,
			})
			manager.RegisterCompensation(commands.TypeDiagnostic, cancellation.CompensatingAction{
				ActionType: "clear_diagnostic", Execute: record,
			})
			Expect(proc.Start(ctx)).To(Succeed())
		})

		It("compensates completed members in reverse completion order", func() {
			b, err := exec.CreateBatch(ctx, Definition{
				Mode:        ModeSequential,
				Transaction: TxAllOrNothing,
				Members: []Member{
					member("a", commands.TypeMovement),
					member("b", commands.TypeMovement),
					member("broken", commands.TypeDiagnostic),
				},
				Dependencies: []Dependency{
					{From: "a", To: "b"},
					{From: "b", To: "broken"},
				},
			})
			Expect(err).ToNot(HaveOccurred())

			snap, err := exec.ExecuteBatch(ctx, b.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(snap.Status).To(Equal(StatusRolledBack))

			states := memberStates(b.ID)
			Expect(states["a"]).To(Equal(MemberRolledBack))
			Expect(states["b"]).To(Equal(MemberRolledBack))
			Expect(states["broken"]).To(Equal(MemberFailed))

			keys := keyFor(b.ID)
			compMu.Lock()
			var compedKeys []string
			for _, id := range comped {
				compedKeys = append(compedKeys, keys[id])
			}
			compMu.Unlock()
			Expect(compedKeys).To(Equal([]string{"b", "a"}))

			var stages []string
			for _, e := range rec.ByType(events.BatchEvent) {
				if e.BatchID == b.ID {
					stages = append(stages, e.Status)
				}
			}
			Expect(stages).To(ContainElements("rollback_started", "rollback_completed", string(StatusRolledBack)))
			Expect(exec.Stats().RolledBack).To(Equal(int64(1)))
		})

		It("skips members after the first failure", func() {
			b, err := exec.CreateBatch(ctx, Definition{
				Mode:        ModeSequential,
				Transaction: TxAllOrNothing,
				Members: []Member{
					member("broken", commands.TypeDiagnostic),
					member("after", commands.TypeMovement),
				},
				Dependencies: []Dependency{{From: "broken", To: "after"}},
			})
			Expect(err).ToNot(HaveOccurred())

			snap, err := exec.ExecuteBatch(ctx, b.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(snap.Status).To(Equal(StatusRolledBack))
			Expect(memberStates(b.ID)["after"]).To(Equal(MemberSkipped))
			compMu.Lock()
			Expect(comped).To(BeEmpty())
			compMu.Unlock()
		})
	})

	Context("cancellation", func() {
		It("cancels a pending batch without touching the pipeline", func() {
			b, err := exec.CreateBatch(ctx, Definition{
				Members: []Member{member("a", commands.TypeMovement)},
			})
			Expect(err).ToNot(HaveOccurred())

			Expect(exec.CancelBatch(ctx, b.ID)).To(Succeed())
			snap, err := exec.GetBatch(b.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(snap.Status).To(Equal(StatusCancelled))
			Expect(snap.Members[0].State).To(Equal(MemberCancelled))
			Expect(exec.Stats().Cancelled).To(Equal(int64(1)))

			// idempotent once terminal
			Expect(exec.CancelBatch(ctx, b.ID)).To(Succeed())
			Expect(exec.Stats().Cancelled).To(Equal(int64(1)))
		})

		It("cancels live members of a running batch", func() {
			slow := fake.NewHandler()
			slow.Sleep = 5 * time.Second
			proc.RegisterHandler(commands.TypeCalibration, slow)
			Expect(proc.Start(ctx)).To(Succeed())

			b, err := exec.CreateBatch(ctx, Definition{
				Mode:    ModeParallel,
				Members: []Member{member("slow", commands.TypeCalibration)},
			})
			Expect(err).ToNot(HaveOccurred())

			done := make(chan Snapshot, 1)
			go func() {
				defer GinkgoRecover()
				snap, eerr := exec.ExecuteBatch(ctx, b.ID)
				Expect(eerr).ToNot(HaveOccurred())
				done <- snap
			}()
			Eventually(slow.Handled, 2*time.Second).Should(BeNumerically(">", 0))

			Expect(exec.CancelBatch(ctx, b.ID)).To(Succeed())

			var snap Snapshot
			Eventually(done, 3*time.Second).Should(Receive(&snap))
			Expect(snap.Status).To(Equal(StatusCancelled))

			got, err := exec.GetBatch(b.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Status).To(Equal(StatusCancelled))
		})

		It("errors for unknown batches", func() {
			Expect(exec.CancelBatch(ctx, "nope")).To(MatchError(ErrBatchNotFound))
		})
	})

	It("lists known batches", func() {
		_, err := exec.CreateBatch(ctx, Definition{
			ID:      "batch-a",
			Members: []Member{member("a", commands.TypeMovement)},
		})
		Expect(err).ToNot(HaveOccurred())
		_, err = exec.CreateBatch(ctx, Definition{
			ID:      "batch-b",
			Members: []Member{member("a", commands.TypeMovement)},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(exec.ListBatches()).To(HaveLen(2))
	})
})
