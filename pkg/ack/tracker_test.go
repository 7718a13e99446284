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

package ack

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/aresrobotics/commandcore/pkg/commands"
	"github.com/aresrobotics/commandcore/pkg/config"
	"github.com/aresrobotics/commandcore/pkg/events"
	"github.com/aresrobotics/commandcore/pkg/fake"
)

var _ = Describe("Tracker", func() {
	var (
		opts    config.Options
		clk     *clocktesting.FakeClock
		rec     *fake.Recorder
		tracker *Tracker
		cmd     *commands.Command
	)

	BeforeEach(func() {
		opts = config.Default()
		clk = clocktesting.NewFakeClock(time.Now())
		rec = fake.NewRecorder()
		tracker = NewTracker(opts, clk, rec, zap.NewNop())
		cmd = commands.New(commands.TypeSensorRead, commands.PriorityNormal, nil, commands.Metadata{})
	})

	AfterEach(func() {
		tracker.Stop()
	})

	It("creates a pending acknowledgment and emits the queued event", func() {
		a := tracker.Create(cmd)
		Expect(a.TrackingID).ToNot(BeEmpty())
		Expect(a.Status()).To(Equal(StatusPending))

		queued := rec.ByType(events.CommandQueued)
		Expect(queued).To(HaveLen(1))
		Expect(queued[0].Payload).To(HaveKeyWithValue("tracking_id", a.TrackingID))
	})

	Context("acknowledgment", func() {
		It("records worker pickup", func() {
			a := tracker.Create(cmd)
			Expect(tracker.Acknowledge(cmd.ID)).To(Succeed())
			Expect(a.Status()).To(Equal(StatusAcknowledged))
		})
		It("rejects double acknowledgment", func() {
			tracker.Create(cmd)
			Expect(tracker.Acknowledge(cmd.ID)).To(Succeed())
			Expect(tracker.Acknowledge(cmd.ID)).ToNot(Succeed())
		})
		It("errors for unknown commands", func() {
			Expect(tracker.Acknowledge("nope")).To(MatchError(ErrUnknownCommand))
		})
	})

	Context("progress", func() {
		BeforeEach(func() {
			tracker.Create(cmd)
			Expect(tracker.Acknowledge(cmd.ID)).To(Succeed())
		})

		It("moves to in-progress and emits", func() {
			Expect(tracker.UpdateProgress(cmd.ID, 0.4, "driving")).To(Succeed())
			a, err := tracker.Get(cmd.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(a.Status()).To(Equal(StatusInProgress))
			progress, msg := a.Progress()
			Expect(progress).To(Equal(0.4))
			Expect(msg).To(Equal("driving"))
			Expect(rec.ByType(events.CommandProgress)).To(HaveLen(1))
		})
		It("rejects out-of-range fractions", func() {
			Expect(tracker.UpdateProgress(cmd.ID, 1.5, "")).ToNot(Succeed())
			Expect(tracker.UpdateProgress(cmd.ID, -0.1, "")).ToNot(Succeed())
		})
		It("rejects progress before pickup", func() {
			other := commands.New(commands.TypeMovement, commands.PriorityNormal, nil, commands.Metadata{})
			tracker.Create(other)
			Expect(tracker.UpdateProgress(other.ID, 0.1, "")).ToNot(Succeed())
		})
	})

	Context("completion", func() {
		BeforeEach(func() {
			tracker.Create(cmd)
			Expect(tracker.Acknowledge(cmd.ID)).To(Succeed())
		})

		It("terminates and caches the result", func() {
			result := &commands.Result{Success: true}
			Expect(tracker.Complete(cmd.ID, result)).To(Succeed())

			a, err := tracker.Get(cmd.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(a.Status()).To(Equal(StatusCompleted))

			cached, ok := tracker.CachedResult(cmd.ID)
			Expect(ok).To(BeTrue())
			Expect(cached.Success).To(BeTrue())
		})
		It("is idempotent once terminal", func() {
			Expect(tracker.Complete(cmd.ID, &commands.Result{Success: true})).To(Succeed())
			Expect(tracker.Complete(cmd.ID, &commands.Result{Success: false})).To(Succeed())
			a, _ := tracker.Get(cmd.ID)
			Expect(a.Status()).To(Equal(StatusCompleted))
		})
		It("marks failures", func() {
			Expect(tracker.Complete(cmd.ID, &commands.Result{ErrorKind: commands.ErrorKindException})).To(Succeed())
			a, _ := tracker.Get(cmd.ID)
			Expect(a.Status()).To(Equal(StatusFailed))
			Expect(tracker.Stats().Failed).To(Equal(int64(1)))
		})
	})

	Context("watchers", func() {
		It("delivers the terminal result exactly once", func() {
			tracker.Create(cmd)
			ch := tracker.Watch(cmd.ID)
			Expect(tracker.Acknowledge(cmd.ID)).To(Succeed())
			Expect(tracker.Complete(cmd.ID, &commands.Result{Success: true})).To(Succeed())

			var res *commands.Result
			Eventually(ch).Should(Receive(&res))
			Expect(res.Success).To(BeTrue())
		})
		It("delivers immediately for already-terminal commands", func() {
			tracker.Create(cmd)
			Expect(tracker.Acknowledge(cmd.ID)).To(Succeed())
			Expect(tracker.Complete(cmd.ID, &commands.Result{Success: true})).To(Succeed())

			Eventually(tracker.Watch(cmd.ID)).Should(Receive())
		})
	})

	Context("timeouts", func() {
		It("terminates with a deadline result", func() {
			tracker.Create(cmd)
			tracker.HandleTimeout(cmd.ID)

			a, _ := tracker.Get(cmd.ID)
			Expect(a.Status()).To(Equal(StatusTimeout))
			Expect(a.Result().ErrorKind).To(Equal(commands.ErrorKindDeadline))
			Expect(tracker.Stats().TimedOut).To(Equal(int64(1)))
		})
		It("times out a command never picked up", func() {
			opts.AckTimeoutMs = 50
			opts.MaxAckRetries = 0
			tracker = NewTracker(opts, clk, rec, zap.NewNop())
			tracker.Create(cmd)

			Eventually(func() Status {
				clk.Step(100 * time.Millisecond)
				a, err := tracker.Get(cmd.ID)
				if err != nil {
					return StatusPending
				}
				return a.Status()
			}, 2*time.Second, 20*time.Millisecond).Should(Equal(StatusTimeout))
		})
		It("leaves acknowledged commands alone", func() {
			opts.AckTimeoutMs = 50
			opts.MaxAckRetries = 0
			tracker = NewTracker(opts, clk, rec, zap.NewNop())
			a := tracker.Create(cmd)
			Expect(tracker.Acknowledge(cmd.ID)).To(Succeed())

			clk.Step(time.Second)
			Consistently(a.Status, 200*time.Millisecond, 50*time.Millisecond).Should(Equal(StatusAcknowledged))
		})
	})

	Context("retry", func() {
		It("resets progress for the next attempt", func() {
			tracker.Create(cmd)
			Expect(tracker.Acknowledge(cmd.ID)).To(Succeed())
			Expect(tracker.UpdateProgress(cmd.ID, 0.7, "halfway")).To(Succeed())

			Expect(tracker.HandleRetry(cmd.ID)).To(Succeed())
			a, _ := tracker.Get(cmd.ID)
			Expect(a.Status()).To(Equal(StatusRetrying))
			progress, _ := a.Progress()
			Expect(progress).To(BeZero())

			// the re-queued attempt can be picked up again
			Expect(tracker.Acknowledge(cmd.ID)).To(Succeed())
		})
		It("refuses to retry a terminal command", func() {
			tracker.Create(cmd)
			Expect(tracker.Acknowledge(cmd.ID)).To(Succeed())
			Expect(tracker.Complete(cmd.ID, &commands.Result{Success: true})).To(Succeed())
			Expect(tracker.HandleRetry(cmd.ID)).ToNot(Succeed())
		})
	})

	Context("janitor", func() {
		It("expires terminal acknowledgments past the cache ttl", func() {
			opts.ResultCacheTTLSeconds = 10
			opts.CleanupIntervalSeconds = 1
			tracker = NewTracker(opts, clk, rec, zap.NewNop())
			tracker.Create(cmd)
			Expect(tracker.Acknowledge(cmd.ID)).To(Succeed())
			Expect(tracker.Complete(cmd.ID, &commands.Result{Success: true})).To(Succeed())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			tracker.StartJanitor(ctx)

			Eventually(func() error {
				clk.Step(15 * time.Second)
				_, err := tracker.Get(cmd.ID)
				return err
			}, 2*time.Second, 20*time.Millisecond).Should(MatchError(ErrUnknownCommand))
		})
	})
})
