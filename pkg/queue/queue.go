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

// Package queue implements the bounded, priority-ordered store of ready work.
// FIFO within a priority level is by arrival sequence, a monotone counter, so
// clock skew cannot reorder equal-priority commands. The queue owns a command
// between Enqueue and Dequeue; afterwards the processor owns it, and the queue
// only keeps the identifier index until Complete.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/aresrobotics/commandcore/pkg/commands"
	"github.com/aresrobotics/commandcore/pkg/config"
	"github.com/aresrobotics/commandcore/pkg/events"
	"github.com/aresrobotics/commandcore/pkg/store"
)

var (
	ErrQueueFull      = errors.New("queue is full")
	ErrPriorityFull   = errors.New("priority level is full")
	ErrShutdown       = errors.New("queue is shut down")
	ErrRetryThrottled = errors.New("global retry limit exceeded")
	ErrNotCancellable = errors.New("command is not cancellable")
	ErrUnknownCommand = errors.New("unknown command")
)

type entry struct {
	cmd *commands.Command
	// elem is nil once the command has been dequeued and is executing.
	elem *list.Element
	// priority the command was queued at; may differ from cmd.Priority after
	// a requeue with escalation.
	priority commands.Priority
}

// Stats are rolling counters since queue construction.
type Stats struct {
	Enqueued  int64
	Dequeued  int64
	Completed int64
	Failed    int64
	TimedOut  int64
	Cancelled int64
	Retried   int64
}

// Queue is the per-priority FIFO with global and per-priority capacity.
type Queue struct {
	opts  config.Options
	clock clock.WithTicker
	log   *zap.Logger
	rec   events.Recorder
	db    store.Store

	mu         sync.Mutex
	byPriority map[commands.Priority]*list.List
	byID       map[string]*entry
	seq        uint64
	queuedSize int
	shutdown   bool

	// sliding window of retry admissions for the global throttle
	retryTimes []time.Time

	// onDrop observes commands the queue retires on its own: queue-timeout
	// discards and stale-sweep or direct cancellations. Invoked off the lock.
	onDrop func(*commands.Command)

	enqueued  *atomic.Int64
	dequeued  *atomic.Int64
	completed *atomic.Int64
	failed    *atomic.Int64
	timedOut  *atomic.Int64
	cancelled *atomic.Int64
	retried   *atomic.Int64

	stopSweep chan struct{}
	sweepOnce sync.Once
}

func New(opts config.Options, clk clock.WithTicker, db store.Store, rec events.Recorder, log *zap.Logger) *Queue {
	q := &Queue{
		opts:       opts,
		clock:      clk,
		log:        log.Named("queue"),
		rec:        rec,
		db:         db,
		byPriority: map[commands.Priority]*list.List{},
		byID:       map[string]*entry{},
		enqueued:   atomic.NewInt64(0),
		dequeued:   atomic.NewInt64(0),
		completed:  atomic.NewInt64(0),
		failed:     atomic.NewInt64(0),
		timedOut:   atomic.NewInt64(0),
		cancelled:  atomic.NewInt64(0),
		retried:    atomic.NewInt64(0),
		stopSweep:  make(chan struct{}),
	}
	for _, p := range commands.Priorities {
		q.byPriority[p] = list.New()
	}
	return q
}

// Enqueue admits a command. Admission failures have no side effects.
func (q *Queue) Enqueue(cmd *commands.Command) error {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		admissionsTotal.WithLabelValues("shutdown").Inc()
		return ErrShutdown
	}
	if q.queuedSize >= q.opts.MaxQueueSize {
		q.mu.Unlock()
		admissionsTotal.WithLabelValues("queue_full").Inc()
		return ErrQueueFull
	}
	if q.byPriority[cmd.Priority].Len() >= q.opts.MaxCommandsPerPriority {
		q.mu.Unlock()
		admissionsTotal.WithLabelValues("priority_full").Inc()
		return fmt.Errorf("%w: %s", ErrPriorityFull, cmd.Priority)
	}
	if err := q.admit(cmd, cmd.Priority); err != nil {
		q.mu.Unlock()
		admissionsTotal.WithLabelValues("rejected").Inc()
		return err
	}
	q.mu.Unlock()
	admissionsTotal.WithLabelValues("ok").Inc()
	return nil
}

// admit transitions to Queued and links the command in. Caller holds the lock
// and has verified capacity.
func (q *Queue) admit(cmd *commands.Command, priority commands.Priority) error {
	if err := cmd.TransitionTo(commands.StatusQueued); err != nil {
		return err
	}
	cmd.StampQueued(q.clock.Now())
	q.seq++
	cmd.Sequence = q.seq
	elem := q.byPriority[priority].PushBack(cmd)
	q.byID[cmd.ID] = &entry{cmd: cmd, elem: elem, priority: priority}
	q.queuedSize++
	q.enqueued.Inc()
	queueDepth.WithLabelValues(priority.String()).Inc()
	return nil
}

// Dequeue returns the highest-priority, oldest-within-priority command whose
// priority is in the allowed set, transitioned to Executing. Commands whose
// queue wait exceeded their queue-timeout are discarded as Timeout and the
// scan continues.
func (q *Queue) Dequeue(allowed []commands.Priority) *commands.Command {
	allowedSet := map[commands.Priority]bool{}
	for _, p := range allowed {
		allowedSet[p] = true
	}

	var picked *commands.Command
	var expired []*commands.Command

	q.mu.Lock()
	for _, p := range commands.Priorities {
		if !allowedSet[p] {
			continue
		}
		l := q.byPriority[p]
		for l.Len() > 0 && picked == nil {
			elem := l.Front()
			cmd := elem.Value.(*commands.Command)
			if cmd.QueueTimeout > 0 && q.clock.Since(cmd.QueuedAt()) > cmd.QueueTimeout {
				q.unlink(cmd.ID)
				if err := cmd.TransitionTo(commands.StatusTimeout); err == nil {
					cmd.SetResult(&commands.Result{
						ErrorKind:   commands.ErrorKindQueueTimeout,
						ErrorDetail: fmt.Sprintf("queue wait exceeded %s", cmd.QueueTimeout),
					})
					cmd.StampCompleted(q.clock.Now())
					expired = append(expired, cmd)
				}
				continue
			}
			if err := cmd.TransitionTo(commands.StatusExecuting); err != nil {
				// Cancelled out from under us; drop the stale link.
				q.unlink(cmd.ID)
				continue
			}
			cmd.StampStarted(q.clock.Now())
			l.Remove(elem)
			q.byID[cmd.ID].elem = nil
			q.queuedSize--
			q.dequeued.Inc()
			queueDepth.WithLabelValues(p.String()).Dec()
			queueWaitSeconds.WithLabelValues(p.String()).Observe(q.clock.Since(cmd.QueuedAt()).Seconds())
			picked = cmd
		}
		if picked != nil {
			break
		}
	}
	q.mu.Unlock()

	for _, cmd := range expired {
		q.timedOut.Inc()
		q.persistAndEmit(cmd, events.CommandTimeout, "queue timeout")
		q.notifyDrop(cmd)
	}
	return picked
}

// SetDropHandler registers the callback for autonomously retired commands.
func (q *Queue) SetDropHandler(fn func(*commands.Command)) {
	q.mu.Lock()
	q.onDrop = fn
	q.mu.Unlock()
}

func (q *Queue) notifyDrop(cmd *commands.Command) {
	q.mu.Lock()
	fn := q.onDrop
	q.mu.Unlock()
	if fn != nil {
		fn(cmd)
	}
}

// unlink removes a command from the list and index. Caller holds the lock.
func (q *Queue) unlink(id string) {
	e, ok := q.byID[id]
	if !ok {
		return
	}
	if e.elem != nil {
		q.byPriority[e.priority].Remove(e.elem)
		q.queuedSize--
		queueDepth.WithLabelValues(e.priority.String()).Dec()
	}
	delete(q.byID, id)
}

// Cancel removes a command that has not started executing.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	e, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownCommand
	}
	cmd := e.cmd
	if !cmd.Status().Cancellable() || e.elem == nil {
		q.mu.Unlock()
		return fmt.Errorf("%w: status %s", ErrNotCancellable, cmd.Status())
	}
	q.unlink(id)
	q.mu.Unlock()

	if err := cmd.TransitionTo(commands.StatusCancelled); err != nil {
		return err
	}
	cmd.SetResult(&commands.Result{ErrorKind: commands.ErrorKindCancelled, ErrorDetail: "cancelled while queued"})
	cmd.StampCompleted(q.clock.Now())
	q.cancelled.Inc()
	q.persistAndEmit(cmd, events.CommandCancelled, "cancelled while queued")
	q.notifyDrop(cmd)
	return nil
}

// Requeue marks the command Retrying, consumes one retry admission from the
// global sliding window, and re-enqueues with an optional priority change.
// The admission is counted exactly once per requeue and is subject to the same
// capacity bounds as Enqueue.
func (q *Queue) Requeue(cmd *commands.Command, newPriority *commands.Priority) error {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return ErrShutdown
	}
	now := q.clock.Now()
	q.pruneRetryWindowLocked(now)
	if len(q.retryTimes) >= q.opts.MaxRetriesGlobal {
		q.mu.Unlock()
		return ErrRetryThrottled
	}

	priority := cmd.Priority
	if newPriority != nil {
		priority = *newPriority
	}
	// Re-admission competes for capacity like any other admission.
	if q.queuedSize >= q.opts.MaxQueueSize {
		q.mu.Unlock()
		return ErrQueueFull
	}
	if q.byPriority[priority].Len() >= q.opts.MaxCommandsPerPriority {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPriorityFull, priority)
	}
	cmd.Priority = priority
	if err := cmd.TransitionTo(commands.StatusRetrying); err != nil {
		q.mu.Unlock()
		return err
	}
	cmd.IncrementRetry()
	if err := q.admit(cmd, priority); err != nil {
		q.mu.Unlock()
		return err
	}
	q.retryTimes = append(q.retryTimes, now)
	q.retried.Inc()
	q.mu.Unlock()

	if err := q.db.UpdateStatus(context.Background(), cmd.ID, commands.StatusQueued, nil,
		fmt.Sprintf("requeued, attempt %d", cmd.RetryCount())); err != nil {
		q.log.Error("persisting requeue", zap.String("command_id", cmd.ID), zap.Error(err))
	}
	return nil
}

func (q *Queue) pruneRetryWindowLocked(now time.Time) {
	cutoff := now.Add(-q.opts.RetryWindow())
	kept := q.retryTimes[:0]
	for _, t := range q.retryTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	q.retryTimes = kept
}

// Complete records a terminal status for a command the processor owns,
// updates rolling stats, persists, and emits the terminal event.
func (q *Queue) Complete(cmd *commands.Command, status commands.Status, result *commands.Result) error {
	if !status.Terminal() {
		return fmt.Errorf("complete requires a terminal status, got %s", status)
	}
	if err := cmd.TransitionTo(status); err != nil {
		return err
	}
	cmd.SetResult(result)
	cmd.StampCompleted(q.clock.Now())

	q.mu.Lock()
	q.unlink(cmd.ID)
	q.mu.Unlock()

	var evt events.EventType
	switch status {
	case commands.StatusCompleted:
		q.completed.Inc()
		evt = events.CommandCompleted
	case commands.StatusFailed:
		q.failed.Inc()
		evt = events.CommandFailed
	case commands.StatusTimeout:
		q.timedOut.Inc()
		evt = events.CommandTimeout
	case commands.StatusCancelled:
		q.cancelled.Inc()
		evt = events.CommandCancelled
	}
	detail := ""
	if result != nil {
		detail = result.ErrorDetail
	}
	q.persistAndEmit(cmd, evt, detail)
	return nil
}

// persistAndEmit writes the durable transition first, then tells the sink.
func (q *Queue) persistAndEmit(cmd *commands.Command, evt events.EventType, detail string) {
	snap := cmd.Snapshot()
	if err := q.db.UpdateStatus(context.Background(), snap.ID, snap.Status, snap.Result, detail); err != nil {
		q.log.Error("persisting status", zap.String("command_id", snap.ID),
			zap.String("status", string(snap.Status)), zap.Error(err))
	}
	q.rec.Publish(events.ForCommand(evt, snap, nil))
}

// Get returns a command the queue still tracks (queued or executing).
func (q *Queue) Get(id string) (*commands.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	return e.cmd, true
}

// SizeByPriority returns the queued depth per priority level.
func (q *Queue) SizeByPriority() map[commands.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	sizes := map[commands.Priority]int{}
	for p, l := range q.byPriority {
		sizes[p] = l.Len()
	}
	return sizes
}

// Size returns the total queued depth.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedSize
}

func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Dequeued:  q.dequeued.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		TimedOut:  q.timedOut.Load(),
		Cancelled: q.cancelled.Load(),
		Retried:   q.retried.Load(),
	}
}

// StartSweeper runs the background maintenance loop: commands stuck Queued
// past the stale threshold are cancelled.
func (q *Queue) StartSweeper(ctx context.Context) {
	go func() {
		ticker := q.clock.NewTicker(q.opts.CleanupInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stopSweep:
				return
			case <-ticker.C():
				q.sweepStale()
			}
		}
	}()
}

func (q *Queue) sweepStale() {
	threshold := q.opts.StaleCommandTimeout()
	var stale []string
	q.mu.Lock()
	for id, e := range q.byID {
		if e.elem == nil {
			continue
		}
		if e.cmd.Status() == commands.StatusQueued && q.clock.Since(e.cmd.QueuedAt()) > threshold {
			stale = append(stale, id)
		}
	}
	q.mu.Unlock()

	for _, id := range stale {
		if err := q.Cancel(id); err != nil {
			q.log.Warn("sweeping stale command", zap.String("command_id", id), zap.Error(err))
			continue
		}
		q.log.Info("cancelled stale command", zap.String("command_id", id),
			zap.Duration("threshold", threshold))
	}
}

// Shutdown refuses further admissions and stops the sweeper. Queued commands
// remain for a final drain by the processor.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	q.mu.Unlock()
	q.sweepOnce.Do(func() { close(q.stopSweep) })
}
