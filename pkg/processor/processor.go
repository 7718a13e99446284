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

// Package processor schedules dequeued commands onto handlers. One dispatch
// goroutine pulls from the queue; each command executes on its own worker
// goroutine bounded by the global and per-priority concurrency caps.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/aresrobotics/commandcore/pkg/ack"
	"github.com/aresrobotics/commandcore/pkg/commands"
	"github.com/aresrobotics/commandcore/pkg/config"
	"github.com/aresrobotics/commandcore/pkg/events"
	"github.com/aresrobotics/commandcore/pkg/queue"
	"github.com/aresrobotics/commandcore/pkg/store"
)

const (
	stateNew int32 = iota
	stateRunning
	stateStopped
)

// idleSleep paces the dispatch loop when the queue is empty or concurrency
// caps are saturated.
const idleSleep = 10 * time.Millisecond

var (
	ErrNotRunning      = errors.New("processor is not running")
	ErrAlreadyRunning  = errors.New("processor is already running")
	ErrStoreDegraded   = errors.New("persistence degraded, refusing submission")
	ErrUnknownType     = errors.New("no handler registered for command type")
	ErrDuplicateSubmit = errors.New("command already submitted")
)

// Processor is the scheduler: it admits descriptors, dispatches queued
// commands to handlers within concurrency caps, and drives the retry policy.
type Processor struct {
	opts    config.Options
	clock   clock.WithTicker
	log     *zap.Logger
	rec     events.Recorder
	db      store.Store
	queue   *queue.Queue
	tracker *ack.Tracker
	schemas *commands.SchemaRegistry

	handlersMu     sync.RWMutex
	handlers       map[commands.Type]Handler
	defaultHandler Handler

	cancelsMu sync.Mutex
	cancels   map[string]context.CancelFunc

	state  *atomic.Int32
	paused *atomic.Bool

	inflight      map[commands.Priority]*atomic.Int64
	inflightTotal *atomic.Int64
	processed     *atomic.Int64
	failed        *atomic.Int64
	retried       *atomic.Int64

	errLog *rate.Limiter

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// Status is a point-in-time view of the processor for health reporting.
type Status struct {
	State              string
	Paused             bool
	InflightTotal      int64
	InflightByPriority map[commands.Priority]int64
	QueueDepths        map[commands.Priority]int
	Processed          int64
	Failed             int64
	Retried            int64
	StoreDegraded      bool
}

func New(opts config.Options, clk clock.WithTicker, db store.Store, q *queue.Queue, t *ack.Tracker, rec events.Recorder, log *zap.Logger) *Processor {
	p := &Processor{
		opts:          opts,
		clock:         clk,
		log:           log.Named("processor"),
		rec:           rec,
		db:            db,
		queue:         q,
		tracker:       t,
		schemas:       commands.NewSchemaRegistry(),
		handlers:      map[commands.Type]Handler{},
		cancels:       map[string]context.CancelFunc{},
		state:         atomic.NewInt32(stateNew),
		paused:        atomic.NewBool(false),
		inflight:      map[commands.Priority]*atomic.Int64{},
		inflightTotal: atomic.NewInt64(0),
		processed:     atomic.NewInt64(0),
		failed:        atomic.NewInt64(0),
		retried:       atomic.NewInt64(0),
		errLog:        rate.NewLimiter(rate.Every(3*time.Second), 1),
		quit:          make(chan struct{}),
	}
	for _, pr := range commands.Priorities {
		p.inflight[pr] = atomic.NewInt64(0)
	}
	return p
}

// RegisterHandler binds a handler to one command type. Last registration wins.
func (p *Processor) RegisterHandler(t commands.Type, h Handler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[t] = h
}

// SetDefaultHandler handles types with no dedicated handler.
func (p *Processor) SetDefaultHandler(h Handler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.defaultHandler = h
}

// Schemas exposes the per-type parameter validation registry.
func (p *Processor) Schemas() *commands.SchemaRegistry { return p.schemas }

func (p *Processor) handlerFor(cmd *commands.Command) Handler {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	if h, ok := p.handlers[cmd.Type]; ok {
		return h
	}
	return p.defaultHandler
}

// Submit validates a descriptor, persists it, and admits it to the queue.
// The returned snapshot carries the assigned command identifier.
func (p *Processor) Submit(ctx context.Context, d commands.Descriptor) (commands.Snapshot, error) {
	if p.db.Degraded() {
		return commands.Snapshot{}, ErrStoreDegraded
	}
	cmd, err := d.Build(p.schemas)
	if err != nil {
		return commands.Snapshot{}, fmt.Errorf("invalid command: %w", err)
	}
	return p.submit(ctx, cmd)
}

// SubmitCommand admits an already-built command, used by the batch executor.
func (p *Processor) SubmitCommand(ctx context.Context, cmd *commands.Command) (commands.Snapshot, error) {
	if p.db.Degraded() {
		return commands.Snapshot{}, ErrStoreDegraded
	}
	return p.submit(ctx, cmd)
}

func (p *Processor) submit(ctx context.Context, cmd *commands.Command) (commands.Snapshot, error) {
	p.handlersMu.RLock()
	_, known := p.handlers[cmd.Type]
	hasDefault := p.defaultHandler != nil
	p.handlersMu.RUnlock()
	if !known && !hasDefault {
		return commands.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownType, cmd.Type)
	}
	if _, exists := p.queue.Get(cmd.ID); exists {
		return commands.Snapshot{}, fmt.Errorf("%w: %s", ErrDuplicateSubmit, cmd.ID)
	}

	if err := p.db.Save(ctx, cmd); err != nil {
		return commands.Snapshot{}, fmt.Errorf("persisting command: %w", err)
	}
	// The acknowledgment must exist before the command becomes visible to
	// dispatch, so a worker can never start one the tracker does not know.
	p.tracker.Create(cmd)
	if err := p.queue.Enqueue(cmd); err != nil {
		p.tracker.Forget(cmd.ID)
		// Admission failed after the durable save; close the row out.
		if ferr := cmd.TransitionTo(commands.StatusFailed); ferr == nil {
			cmd.SetResult(&commands.Result{ErrorKind: commands.ErrorKindException, ErrorDetail: err.Error()})
			cmd.StampCompleted(p.clock.Now())
			if perr := p.db.UpdateStatus(ctx, cmd.ID, commands.StatusFailed, cmd.Result(), err.Error()); perr != nil {
				p.log.Error("persisting rejected command", zap.String("command_id", cmd.ID), zap.Error(perr))
			}
		}
		return commands.Snapshot{}, err
	}
	if err := p.db.UpdateStatus(ctx, cmd.ID, commands.StatusQueued, nil, "queued"); err != nil {
		p.log.Error("persisting queued status", zap.String("command_id", cmd.ID), zap.Error(err))
	}
	return cmd.Snapshot(), nil
}

// Start recovers persisted work and launches the dispatch and maintenance
// loops. It returns immediately; use Stop to drain.
func (p *Processor) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(stateNew, stateRunning) {
		return ErrAlreadyRunning
	}
	if err := p.recover(ctx); err != nil {
		p.log.Error("startup recovery", zap.Error(err))
	}
	// Bridge autonomous queue drops (queue timeouts, sweeps, direct cancels)
	// into the acknowledgment tracker so watchers see a terminal result.
	p.queue.SetDropHandler(func(cmd *commands.Command) {
		if cmd.Status() == commands.StatusTimeout {
			p.tracker.HandleTimeout(cmd.ID)
			return
		}
		if err := p.tracker.Complete(cmd.ID, cmd.Result()); err != nil {
			p.log.Debug("closing dropped acknowledgment", zap.String("command_id", cmd.ID), zap.Error(err))
		}
	})
	p.queue.StartSweeper(ctx)
	p.tracker.StartJanitor(ctx)
	p.tracker.StartProgressEmitter(ctx)

	p.wg.Add(2)
	go p.dispatch(ctx)
	go p.healthLoop(ctx)
	p.log.Info("processor started",
		zap.Int("max_concurrent", p.opts.MaxConcurrentCommands),
		zap.Bool("persistence", p.opts.EnablePersistence))
	return nil
}

// recover fails commands that were executing at crash time and replays
// persisted pending work into the queue, preserving retry counts.
func (p *Processor) recover(ctx context.Context) error {
	failed, err := p.db.RecoverInflight(ctx)
	if err != nil {
		return fmt.Errorf("recovering in-flight commands: %w", err)
	}
	if failed > 0 {
		p.log.Warn("failed commands left executing by previous run", zap.Int64("count", failed))
	}

	pending, err := p.db.LoadPending(ctx)
	if err != nil {
		return fmt.Errorf("loading pending commands: %w", err)
	}
	replayed := 0
	for _, cmd := range pending {
		// Rows persisted as queued re-enter through the normal admission
		// transition.
		if cmd.Status() == commands.StatusQueued {
			cmd.ForceStatus(commands.StatusPending)
		}
		p.tracker.Create(cmd)
		if err := p.queue.Enqueue(cmd); err != nil {
			p.tracker.Forget(cmd.ID)
			p.log.Warn("replaying persisted command", zap.String("command_id", cmd.ID), zap.Error(err))
			continue
		}
		if err := p.db.UpdateStatus(ctx, cmd.ID, commands.StatusQueued, nil, "replayed after restart"); err != nil {
			p.log.Error("persisting replayed status", zap.String("command_id", cmd.ID), zap.Error(err))
		}
		replayed++
	}
	if replayed > 0 {
		p.log.Info("replayed persisted commands", zap.Int("count", replayed))
	}
	return nil
}

// dispatch is the single scheduling loop. It computes which priorities have
// concurrency headroom, pulls the best available command, and hands it to a
// worker goroutine.
func (p *Processor) dispatch(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		default:
		}
		if p.paused.Load() || p.inflightTotal.Load() >= int64(p.opts.MaxConcurrentCommands) {
			p.clock.Sleep(idleSleep)
			continue
		}
		allowed := p.availablePriorities()
		if len(allowed) == 0 {
			p.clock.Sleep(idleSleep)
			continue
		}
		cmd := p.queue.Dequeue(allowed)
		if cmd == nil {
			p.clock.Sleep(idleSleep)
			continue
		}
		p.inflight[cmd.Priority].Inc()
		p.inflightTotal.Inc()
		inflightGauge.WithLabelValues(cmd.Priority.String()).Inc()
		p.wg.Add(1)
		go p.work(ctx, cmd)
	}
}

func (p *Processor) availablePriorities() []commands.Priority {
	return lo.Filter(commands.Priorities, func(pr commands.Priority, _ int) bool {
		return p.inflight[pr].Load() < int64(p.opts.CapFor(pr))
	})
}

// work runs one execution attempt end to end.
func (p *Processor) work(ctx context.Context, cmd *commands.Command) {
	priority := cmd.Priority
	defer func() {
		p.inflight[priority].Dec()
		p.inflightTotal.Dec()
		inflightGauge.WithLabelValues(priority.String()).Dec()
		p.wg.Done()
	}()

	if err := p.tracker.Acknowledge(cmd.ID); err != nil {
		p.log.Debug("acknowledging pickup", zap.String("command_id", cmd.ID), zap.Error(err))
	}
	if err := p.db.UpdateStatus(ctx, cmd.ID, commands.StatusExecuting, nil, "picked up"); err != nil {
		p.log.Error("persisting executing status", zap.String("command_id", cmd.ID), zap.Error(err))
	}
	p.rec.Publish(events.ForCommand(events.CommandStarted, cmd.Snapshot(), map[string]any{
		"attempt": cmd.RetryCount() + 1,
	}))

	h := p.handlerFor(cmd)
	if h == nil || !h.CanHandle(cmd) {
		p.finishFailed(cmd, commands.ErrorKindPrecondition,
			fmt.Sprintf("no handler accepts command type %s", cmd.Type), 0)
		return
	}

	timeout := cmd.ExecutionTimeout
	if timeout <= 0 {
		timeout = p.opts.ProcessingTimeout()
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	p.registerCancel(cmd.ID, cancel)
	defer p.unregisterCancel(cmd.ID)

	if pf, ok := h.(Preflighter); ok {
		if err := pf.CanExecute(execCtx, cmd); err != nil {
			p.finishFailed(cmd, commands.ErrorKindPrecondition, err.Error(), 0)
			return
		}
	}
	if bh, ok := h.(BeforeHook); ok {
		if err := bh.OnBefore(execCtx, cmd); err != nil {
			p.handleFailure(cmd, h, execCtx, err, false, 0)
			return
		}
	}
	if pr, ok := h.(ProgressReporter); ok {
		pr.SetProgressCallback(func(progress float64, msg string) {
			if err := p.tracker.UpdateProgress(cmd.ID, progress, msg); err != nil {
				p.log.Debug("progress update dropped", zap.String("command_id", cmd.ID), zap.Error(err))
			}
		})
	}

	start := p.clock.Now()
	result, err := perform(execCtx, h, cmd)
	elapsed := p.clock.Since(start)
	executionSeconds.WithLabelValues(string(cmd.Type), priority.String()).Observe(elapsed.Seconds())

	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) || execCtx.Err() == context.DeadlineExceeded
		p.handleFailure(cmd, h, execCtx, err, timedOut, elapsed)
		return
	}

	if result == nil {
		result = &commands.Result{Success: true}
	}
	result.Duration = elapsed
	if ah, ok := h.(AfterHook); ok {
		ah.OnAfter(execCtx, cmd, result)
	}
	if err := p.queue.Complete(cmd, commands.StatusCompleted, result); err != nil {
		p.log.Error("completing command", zap.String("command_id", cmd.ID), zap.Error(err))
		return
	}
	if err := p.tracker.Complete(cmd.ID, result); err != nil {
		p.log.Debug("completing acknowledgment", zap.String("command_id", cmd.ID), zap.Error(err))
	}
	if err := p.db.SaveMetric(context.Background(), "execution_time_ms",
		float64(elapsed.Milliseconds()), cmd.Type, priority); err != nil {
		p.log.Debug("saving execution metric", zap.Error(err))
	}
	p.processed.Inc()
	processedTotal.WithLabelValues(string(cmd.Type), "completed").Inc()
}

// handleFailure decides between retry and terminal failure for one failed
// attempt.
func (p *Processor) handleFailure(cmd *commands.Command, h Handler, execCtx context.Context, err error, timedOut bool, elapsed time.Duration) {
	status := cmd.Status()
	if status == commands.StatusCancelling || status == commands.StatusRollingBack || status == commands.StatusCancelled {
		// The cancellation manager owns the rest of this command's lifecycle.
		p.log.Info("execution interrupted by cancellation", zap.String("command_id", cmd.ID))
		return
	}
	if eh, ok := h.(ErrorHook); ok {
		eh.OnError(execCtx, cmd, err)
	}

	attempt := cmd.RetryCount()
	if attempt < p.maxRetriesFor(cmd) {
		delay := p.retryDelay(attempt)
		p.rec.Publish(events.ForCommand(events.CommandRetrying, cmd.Snapshot(), map[string]any{
			"attempt":    attempt + 1,
			"delay_ms":   delay.Milliseconds(),
			"last_error": err.Error(),
		}))
		retriesTotal.WithLabelValues(string(cmd.Type)).Inc()
		p.retried.Inc()
		p.scheduleRetry(cmd, delay, err)
		return
	}

	kind := commands.ErrorKindException
	terminal := commands.StatusFailed
	detail := err.Error()
	if timedOut {
		kind = commands.ErrorKindDeadline
		terminal = commands.StatusTimeout
	} else if attempt > 0 {
		kind = commands.ErrorKindRetryExhausted
		detail = fmt.Sprintf("retries exhausted after %d attempts: %s", attempt+1, err.Error())
	}
	p.finishTerminal(cmd, terminal, kind, detail, elapsed)
}

// scheduleRetry waits out the backoff off the worker goroutine, then requeues.
// A throttled requeue terminates the command instead.
func (p *Processor) scheduleRetry(cmd *commands.Command, delay time.Duration, cause error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		timer := p.clock.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-p.quit:
			return
		case <-timer.C():
		}
		if err := p.tracker.HandleRetry(cmd.ID); err != nil {
			p.log.Debug("marking ack retrying", zap.String("command_id", cmd.ID), zap.Error(err))
		}
		if err := p.queue.Requeue(cmd, nil); err != nil {
			detail := fmt.Sprintf("retry aborted (%s), last error: %s", err, cause)
			p.finishTerminal(cmd, commands.StatusFailed, commands.ErrorKindRetryExhausted, detail, 0)
		}
	}()
}

func (p *Processor) maxRetriesFor(cmd *commands.Command) int {
	if cmd.MaxRetries > 0 {
		return cmd.MaxRetries
	}
	return p.opts.MaxRetries
}

// retryDelay is retry_delay doubled per prior attempt, clamped at max_backoff.
func (p *Processor) retryDelay(attempt int) time.Duration {
	base := p.opts.RetryDelay()
	if !p.opts.ExponentialBackoff {
		return base
	}
	d := base << attempt
	if max := p.opts.MaxBackoff(); d > max || d <= 0 {
		return max
	}
	return d
}

func (p *Processor) finishFailed(cmd *commands.Command, kind commands.ErrorKind, detail string, elapsed time.Duration) {
	p.finishTerminal(cmd, commands.StatusFailed, kind, detail, elapsed)
}

func (p *Processor) finishTerminal(cmd *commands.Command, status commands.Status, kind commands.ErrorKind, detail string, elapsed time.Duration) {
	result := &commands.Result{ErrorKind: kind, ErrorDetail: detail, Duration: elapsed}
	if err := p.queue.Complete(cmd, status, result); err != nil {
		p.log.Error("recording terminal failure", zap.String("command_id", cmd.ID),
			zap.String("status", string(status)), zap.Error(err))
		return
	}
	if status == commands.StatusTimeout {
		p.tracker.HandleTimeout(cmd.ID)
	} else if err := p.tracker.Complete(cmd.ID, result); err != nil {
		p.log.Debug("completing acknowledgment", zap.String("command_id", cmd.ID), zap.Error(err))
	}
	p.failed.Inc()
	processedTotal.WithLabelValues(string(cmd.Type), string(status)).Inc()
}

func (p *Processor) registerCancel(id string, cancel context.CancelFunc) {
	p.cancelsMu.Lock()
	defer p.cancelsMu.Unlock()
	p.cancels[id] = cancel
}

func (p *Processor) unregisterCancel(id string) {
	p.cancelsMu.Lock()
	defer p.cancelsMu.Unlock()
	delete(p.cancels, id)
}

// CancelExecution cancels the execution context of an in-flight command.
// Interruption is cooperative; the handler sees context cancellation.
func (p *Processor) CancelExecution(id string) bool {
	p.cancelsMu.Lock()
	cancel, ok := p.cancels[id]
	p.cancelsMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Pause stops dispatching new work; executing commands run to completion.
func (p *Processor) Pause() {
	if p.paused.CompareAndSwap(false, true) {
		p.log.Info("processor paused")
	}
}

// Resume restarts dispatching after a Pause.
func (p *Processor) Resume() {
	if p.paused.CompareAndSwap(true, false) {
		p.log.Info("processor resumed")
	}
}

func (p *Processor) healthLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := p.clock.NewTicker(p.opts.HealthInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case <-ticker.C():
			st := p.Status()
			p.log.Info("health",
				zap.Int64("inflight", st.InflightTotal),
				zap.Int("queued", p.queue.Size()),
				zap.Int64("processed", st.Processed),
				zap.Int64("failed", st.Failed),
				zap.Bool("store_degraded", st.StoreDegraded))
			p.rec.Publish(events.Event{
				Type:      events.QueueStatus,
				Timestamp: time.Now(),
				Payload: map[string]any{
					"inflight":  st.InflightTotal,
					"queued":    p.queue.Size(),
					"processed": st.Processed,
					"failed":    st.Failed,
					"paused":    st.Paused,
				},
			})
			if st.StoreDegraded && p.errLog.Allow() {
				p.log.Warn("persistence circuit open, submissions refused")
			}
		}
	}
}

// Status reports the scheduler state for health endpoints.
func (p *Processor) Status() Status {
	st := Status{
		Paused:             p.paused.Load(),
		InflightTotal:      p.inflightTotal.Load(),
		InflightByPriority: map[commands.Priority]int64{},
		QueueDepths:        p.queue.SizeByPriority(),
		Processed:          p.processed.Load(),
		Failed:             p.failed.Load(),
		Retried:            p.retried.Load(),
		StoreDegraded:      p.db.Degraded(),
	}
	switch p.state.Load() {
	case stateRunning:
		st.State = "running"
	case stateStopped:
		st.State = "stopped"
	default:
		st.State = "new"
	}
	for pr, n := range p.inflight {
		st.InflightByPriority[pr] = n.Load()
	}
	return st
}

// Stop refuses new admissions, waits for in-flight work up to the processing
// timeout, then force-cancels what remains.
func (p *Processor) Stop() {
	if !p.state.CompareAndSwap(stateRunning, stateStopped) {
		return
	}
	p.quitOnce.Do(func() { close(p.quit) })
	p.queue.Shutdown()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.opts.ProcessingTimeout()):
		p.cancelsMu.Lock()
		for id, cancel := range p.cancels {
			p.log.Warn("force-cancelling command at shutdown", zap.String("command_id", id))
			cancel()
		}
		p.cancelsMu.Unlock()
		<-done
	}
	p.tracker.Stop()
	p.log.Info("processor stopped")
}
