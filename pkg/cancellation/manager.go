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

package cancellation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/aresrobotics/commandcore/pkg/ack"
	"github.com/aresrobotics/commandcore/pkg/audit"
	"github.com/aresrobotics/commandcore/pkg/commands"
	"github.com/aresrobotics/commandcore/pkg/config"
	"github.com/aresrobotics/commandcore/pkg/events"
	"github.com/aresrobotics/commandcore/pkg/metrics"
	"github.com/aresrobotics/commandcore/pkg/queue"
	"github.com/aresrobotics/commandcore/pkg/store"
)

const historyLimit = 256

var cancellationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "cancellation",
		Name:      "requests_total",
		Help:      "Cancellation requests by reason and outcome.",
	},
	[]string{metrics.ReasonLabel, metrics.ResultLabel},
)

func init() {
	prometheus.MustRegister(cancellationsTotal)
}

var (
	ErrAlreadyInProgress = errors.New("cancellation already in progress")
	ErrNotCancellable    = errors.New("command type is not cancellable")
	ErrSafetyCritical    = errors.New("command is marked safety-critical")
	ErrAlreadyTerminal   = errors.New("command already terminal")
)

// nonCancellableTypes are protected from non-forced cancellation: aborting
// them mid-flight can leave the rover in a worse state than finishing.
var nonCancellableTypes = map[commands.Type]bool{
	commands.TypeEmergencyStop:  true,
	commands.TypeFirmwareUpdate: true,
	commands.TypeReset:          true,
}

// Stats are rolling counters since manager construction.
type Stats struct {
	Requested int64
	Completed int64
	Rejected  int64
	Failed    int64
}

// Manager drives the cancellation workflow.
type Manager struct {
	opts      config.Options
	clock     clock.Clock
	log       *zap.Logger
	rec       events.Recorder
	audit     audit.Sink
	db        store.Store
	queue     *queue.Queue
	tracker   *ack.Tracker
	canceller ExecutionCanceller

	mu      sync.Mutex
	active  map[string]*Record // command id -> in-flight cancellation
	history []*Record

	regMu         sync.RWMutex
	cleanups      []CleanupHandler
	compensations map[commands.Type][]CompensatingAction

	statsMu sync.Mutex
	stats   Stats
}

func NewManager(opts config.Options, clk clock.Clock, db store.Store, q *queue.Queue, t *ack.Tracker,
	canceller ExecutionCanceller, rec events.Recorder, auditSink audit.Sink, log *zap.Logger) *Manager {
	return &Manager{
		opts:          opts,
		clock:         clk,
		log:           log.Named("cancellation"),
		rec:           rec,
		audit:         auditSink,
		db:            db,
		queue:         q,
		tracker:       t,
		canceller:     canceller,
		active:        map[string]*Record{},
		compensations: map[commands.Type][]CompensatingAction{},
	}
}

// RegisterCleanup adds a cleanup handler for one resource type. The handler
// runs for every cancelled command unless it names specific Types.
func (m *Manager) RegisterCleanup(h CleanupHandler) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	m.cleanups = append(m.cleanups, h)
}

// RegisterCompensation adds a compensating action for one command type.
// Actions run in registration order during rollback.
func (m *Manager) RegisterCompensation(t commands.Type, a CompensatingAction) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	m.compensations[t] = append(m.compensations[t], a)
}

// HasCompensation reports whether a command type can be rolled back.
func (m *Manager) HasCompensation(t commands.Type) bool {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	return len(m.compensations[t]) > 0
}

// RequestCancellation runs the full workflow synchronously and returns the
// completed record. A second request for the same command while one is active
// fails with ErrAlreadyInProgress.
func (m *Manager) RequestCancellation(ctx context.Context, req Request) (*Record, error) {
	m.mu.Lock()
	if _, busy := m.active[req.CommandID]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInProgress, req.CommandID)
	}
	rec := &Record{
		ID:                uuid.NewString(),
		CommandID:         req.CommandID,
		Reason:            req.Reason,
		RequestedBy:       req.RequestedBy,
		Force:             req.Force,
		RollbackRequested: req.Rollback,
		State:             StateRequested,
		StartedAt:         m.clock.Now(),
	}
	m.active[req.CommandID] = rec
	m.mu.Unlock()

	m.statsMu.Lock()
	m.stats.Requested++
	m.statsMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opts.CancellationTimeout())
	defer cancel()

	err := m.run(ctx, req, rec)
	m.finalize(rec, err)
	return rec, err
}

func (m *Manager) run(ctx context.Context, req Request, rec *Record) error {
	rec.State = StateValidating
	cmd, ok := m.queue.Get(req.CommandID)
	if !ok {
		rec.State = StateRejected
		if snap, err := m.db.Get(ctx, req.CommandID); err == nil {
			rec.CommandType = snap.Type
			if snap.Status().Terminal() {
				return fmt.Errorf("%w: %s", ErrAlreadyTerminal, snap.Status())
			}
			return fmt.Errorf("command %s is not live", req.CommandID)
		}
		return fmt.Errorf("%w: %s", queue.ErrUnknownCommand, req.CommandID)
	}
	rec.CommandType = cmd.Type

	status := cmd.Status()
	if status.Terminal() {
		rec.State = StateRejected
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, status)
	}
	if nonCancellableTypes[cmd.Type] && !req.Force {
		rec.State = StateRejected
		return fmt.Errorf("%w: %s", ErrNotCancellable, cmd.Type)
	}
	if cmd.Metadata.SafetyCritical && !req.Force {
		rec.State = StateRejected
		return fmt.Errorf("%w: %s", ErrSafetyCritical, cmd.ID)
	}

	// Not yet executing: remove from the queue and finish.
	if status.Cancellable() {
		if err := m.queue.Cancel(cmd.ID); err != nil {
			// Raced with dispatch; fall through to the executing path.
			if !errors.Is(err, queue.ErrNotCancellable) {
				rec.State = StateFailed
				return err
			}
		} else {
			if terr := m.tracker.Complete(cmd.ID, cmd.Result()); terr != nil {
				m.log.Debug("completing acknowledgment", zap.String("command_id", cmd.ID), zap.Error(terr))
			}
			rec.State = StateCompleted
			return nil
		}
	}

	return m.cancelExecuting(ctx, req, rec, cmd)
}

// cancelExecuting interrupts a running command, releases its resources, and
// optionally compensates, ending with the command Cancelled.
func (m *Manager) cancelExecuting(ctx context.Context, req Request, rec *Record, cmd *commands.Command) error {
	rec.State = StateCancelling
	if err := cmd.TransitionTo(commands.StatusCancelling); err != nil {
		rec.State = StateFailed
		return fmt.Errorf("interrupting command %s: %w", cmd.ID, err)
	}
	if err := m.db.UpdateStatus(ctx, cmd.ID, commands.StatusCancelling, nil, string(req.Reason)); err != nil {
		m.log.Error("persisting cancelling status", zap.String("command_id", cmd.ID), zap.Error(err))
	}
	if !m.canceller.CancelExecution(cmd.ID) {
		m.log.Warn("no execution context to cancel", zap.String("command_id", cmd.ID))
	}

	snap := cmd.Snapshot()

	rec.State = StateCleaningUp
	cleanupErr := m.runCleanup(ctx, rec, snap)
	if cleanupErr != nil && !req.Force {
		rec.State = StateFailed
	}

	if req.Rollback && (cleanupErr == nil || req.Force) {
		rec.State = StateRollingBack
		if err := cmd.TransitionTo(commands.StatusRollingBack); err != nil {
			m.log.Warn("entering rollback", zap.String("command_id", cmd.ID), zap.Error(err))
		} else {
			m.runRollback(ctx, rec, snap)
		}
	}

	result := &commands.Result{
		ErrorKind:   commands.ErrorKindCancelled,
		ErrorDetail: fmt.Sprintf("cancelled: %s", req.Reason),
	}
	if err := cmd.TransitionTo(commands.StatusCancelled); err != nil {
		rec.State = StateFailed
		return fmt.Errorf("finalizing cancellation of %s: %w", cmd.ID, err)
	}
	cmd.SetResult(result)
	cmd.StampCompleted(m.clock.Now())
	if err := m.db.UpdateStatus(ctx, cmd.ID, commands.StatusCancelled, cmd.Result(), string(req.Reason)); err != nil {
		m.log.Error("persisting cancelled status", zap.String("command_id", cmd.ID), zap.Error(err))
	}
	if err := m.tracker.Complete(cmd.ID, cmd.Result()); err != nil {
		m.log.Debug("completing acknowledgment", zap.String("command_id", cmd.ID), zap.Error(err))
	}
	payload := map[string]any{"reason": string(req.Reason)}
	if cleanupErr != nil {
		// The command still terminalises Cancelled, but observers can tell
		// this teardown left resources behind.
		payload["cleanup_failed"] = true
	}
	m.rec.Publish(events.ForCommand(events.CommandCancelled, cmd.Snapshot(), payload))

	if cleanupErr != nil && !req.Force {
		return cleanupErr
	}
	rec.State = StateCompleted
	return nil
}

// runCleanup executes the type's cleanup handlers, highest priority first,
// each under its own timeout. Only critical failures are returned.
func (m *Manager) runCleanup(ctx context.Context, rec *Record, snap commands.Snapshot) error {
	m.regMu.RLock()
	var handlers []CleanupHandler
	for _, h := range m.cleanups {
		if h.appliesTo(snap.Type) {
			handlers = append(handlers, h)
		}
	}
	m.regMu.RUnlock()
	sort.SliceStable(handlers, func(i, j int) bool { return handlers[i].Priority > handlers[j].Priority })

	var critical error
	for _, h := range handlers {
		timeout := h.Timeout
		if timeout <= 0 {
			timeout = m.opts.CancellationTimeout()
		}
		hctx, cancel := context.WithTimeout(ctx, timeout)
		start := m.clock.Now()
		err := h.Fn(hctx, snap)
		cancel()

		outcome := ActionOutcome{Name: h.ResourceType, Success: err == nil, Duration: m.clock.Since(start)}
		if err != nil {
			outcome.Error = err.Error()
			m.log.Warn("cleanup handler failed",
				zap.String("command_id", snap.ID),
				zap.String("resource", h.ResourceType),
				zap.Bool("critical", h.Critical),
				zap.Error(err))
			if h.Critical {
				critical = multierr.Append(critical, fmt.Errorf("critical cleanup %s: %w", h.ResourceType, err))
			}
		}
		rec.CleanupOutcomes = append(rec.CleanupOutcomes, outcome)
	}
	return critical
}

// runRollback executes compensating actions in registration order. Failures
// are recorded and logged but never abort the sequence.
func (m *Manager) runRollback(ctx context.Context, rec *Record, snap commands.Snapshot) {
	outcomes, _ := m.Compensate(ctx, snap)
	rec.RollbackOutcomes = append(rec.RollbackOutcomes, outcomes...)
}

// Compensate runs the compensating actions registered for the command's type
// against its final snapshot, in registration order. The error aggregates
// individual action failures; the sequence never aborts early.
func (m *Manager) Compensate(ctx context.Context, snap commands.Snapshot) ([]ActionOutcome, error) {
	m.regMu.RLock()
	actions := append([]CompensatingAction(nil), m.compensations[snap.Type]...)
	m.regMu.RUnlock()

	var outcomes []ActionOutcome
	var errs error
	for _, a := range actions {
		if a.Validate != nil && !a.Validate(snap) {
			outcomes = append(outcomes, ActionOutcome{
				Name: a.ActionType, Success: true, Error: "skipped by validate",
			})
			continue
		}
		actx, cancel := context.WithTimeout(ctx, m.opts.RollbackTimeout())
		start := m.clock.Now()
		err := a.Execute(actx, snap)
		cancel()

		outcome := ActionOutcome{Name: a.ActionType, Success: err == nil, Duration: m.clock.Since(start)}
		if err != nil {
			outcome.Error = err.Error()
			errs = multierr.Append(errs, fmt.Errorf("compensating %s: %w", a.ActionType, err))
			m.log.Warn("compensating action failed",
				zap.String("command_id", snap.ID),
				zap.String("action", a.ActionType),
				zap.Error(err))
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, errs
}

// finalize retires the record to history, audits it, and emits the
// cancellation event.
func (m *Manager) finalize(rec *Record, err error) {
	rec.FinishedAt = m.clock.Now()
	if err != nil {
		rec.Error = err.Error()
	}

	m.mu.Lock()
	delete(m.active, rec.CommandID)
	m.history = append(m.history, rec)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	m.mu.Unlock()

	m.statsMu.Lock()
	switch rec.State {
	case StateCompleted:
		m.stats.Completed++
	case StateRejected:
		m.stats.Rejected++
	default:
		m.stats.Failed++
	}
	m.statsMu.Unlock()
	cancellationsTotal.WithLabelValues(string(rec.Reason), string(rec.State)).Inc()

	m.audit.LogAction(audit.Entry{
		Action:     "cancel_command",
		Resource:   "command",
		ResourceID: rec.CommandID,
		UserID:     rec.RequestedBy,
		Details: map[string]any{
			"cancellation_id": rec.ID,
			"reason":          string(rec.Reason),
			"state":           string(rec.State),
			"force":           rec.Force,
			"rollback":        rec.RollbackRequested,
			"error":           rec.Error,
		},
	})
	m.rec.Publish(events.Event{
		Type:      events.Cancellation,
		Timestamp: time.Now(),
		CommandID: rec.CommandID,
		Status:    string(rec.State),
		Payload: map[string]any{
			"cancellation_id":  rec.ID,
			"reason":           string(rec.Reason),
			"requested_by":     rec.RequestedBy,
			"cleanup_actions":  len(rec.CleanupOutcomes),
			"rollback_actions": len(rec.RollbackOutcomes),
			"error":            rec.Error,
		},
	})
}

// GetActive returns in-flight cancellations.
func (m *Manager) GetActive() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.active))
	for _, r := range m.active {
		out = append(out, r)
	}
	return out
}

// History returns retired cancellation records, newest last, optionally
// filtered to one command and truncated to the most recent limit entries.
func (m *Manager) History(cmdID string, limit int) []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, r := range m.history {
		if cmdID == "" || r.CommandID == cmdID {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}
