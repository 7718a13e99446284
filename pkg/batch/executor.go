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
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/heimdalr/dag"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/aresrobotics/commandcore/pkg/audit"
	"github.com/aresrobotics/commandcore/pkg/cancellation"
	"github.com/aresrobotics/commandcore/pkg/commands"
	"github.com/aresrobotics/commandcore/pkg/config"
	"github.com/aresrobotics/commandcore/pkg/events"
	"github.com/aresrobotics/commandcore/pkg/metrics"
)

// maxDependencyDepth caps the longest dependency chain within a batch.
const maxDependencyDepth = 10

var batchesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "batch",
		Name:      "batches_total",
		Help:      "Batches reaching a terminal state, by outcome.",
	},
	[]string{metrics.ResultLabel},
)

func init() {
	prometheus.MustRegister(batchesTotal)
}

var (
	ErrBatchNotFound   = errors.New("batch not found")
	ErrDuplicateBatch  = errors.New("batch id already exists")
	ErrBatchNotPending = errors.New("batch has already been executed")
	ErrEmptyBatch      = errors.New("batch has no members")
	ErrTooLarge        = errors.New("batch exceeds max_batch_size")
	ErrDuplicateMember = errors.New("duplicate member key")
	ErrUnknownMember   = errors.New("dependency references unknown member")
	ErrTooDeep         = errors.New("dependency chain exceeds maximum depth")
	ErrNotReversible   = errors.New("all_or_nothing batch contains a member type with no compensating action")
)

// Submitter admits built commands into the processing pipeline.
type Submitter interface {
	SubmitCommand(ctx context.Context, cmd *commands.Command) (commands.Snapshot, error)
}

// ResultWatcher delivers a command's terminal result exactly once.
type ResultWatcher interface {
	Watch(cmdID string) <-chan *commands.Result
}

// Compensator answers reversibility and undoes completed members on rollback.
type Compensator interface {
	HasCompensation(t commands.Type) bool
	Compensate(ctx context.Context, cmd commands.Snapshot) ([]cancellation.ActionOutcome, error)
}

// Canceller cancels live member commands when a batch is cancelled.
type Canceller interface {
	RequestCancellation(ctx context.Context, req cancellation.Request) (*cancellation.Record, error)
}

// Stats are rolling counters since executor construction.
type Stats struct {
	Created            int64
	Completed          int64
	PartiallyCompleted int64
	Failed             int64
	RolledBack         int64
	Cancelled          int64
}

// Executor owns batch lifecycles from creation through terminal state.
type Executor struct {
	opts    config.Options
	clock   clock.Clock
	log     *zap.Logger
	rec     events.Recorder
	audit   audit.Sink
	proc    Submitter
	watcher ResultWatcher
	comp    Compensator
	cancel  Canceller
	schemas *commands.SchemaRegistry

	mu      sync.Mutex
	batches map[string]*Batch

	statsMu sync.Mutex
	stats   Stats
}

func NewExecutor(opts config.Options, clk clock.Clock, proc Submitter, watcher ResultWatcher,
	comp Compensator, canceller Canceller, schemas *commands.SchemaRegistry,
	rec events.Recorder, auditSink audit.Sink, log *zap.Logger) *Executor {
	return &Executor{
		opts:    opts,
		clock:   clk,
		log:     log.Named("batch"),
		rec:     rec,
		audit:   auditSink,
		proc:    proc,
		watcher: watcher,
		comp:    comp,
		cancel:  canceller,
		schemas: schemas,
		batches: map[string]*Batch{},
	}
}

// CreateBatch validates the definition, builds member commands, and registers
// the batch in pending state. Validation failures have no side effects.
func (e *Executor) CreateBatch(ctx context.Context, def Definition) (*Batch, error) {
	if len(def.Members) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(def.Members) > e.opts.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d members, limit %d", ErrTooLarge, len(def.Members), e.opts.MaxBatchSize)
	}
	id := def.ID
	if id == "" {
		id = uuid.NewString()
	}
	mode := def.Mode
	if mode == "" {
		mode = ModeSequential
	}
	tx := def.Transaction
	if tx == "" {
		tx = TxBestEffort
	}

	b := &Batch{
		ID:          id,
		Name:        def.Name,
		Mode:        mode,
		Transaction: tx,
		status:      StatusPending,
		byKey:       map[string]*member{},
		graph:       dag.NewDAG(),
		createdAt:   e.clock.Now(),
	}
	for _, m := range def.Members {
		if _, dup := b.byKey[m.Key]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMember, m.Key)
		}
		cmd, err := m.Descriptor.Build(e.schemas)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", m.Key, err)
		}
		cmd.Metadata.BatchID = id
		mem := &member{key: m.Key, cmd: cmd, state: MemberPending, done: make(chan struct{})}
		b.members = append(b.members, mem)
		b.byKey[m.Key] = mem
		if err := b.graph.AddVertexByID(m.Key, m.Key); err != nil {
			return nil, fmt.Errorf("member %s: %w", m.Key, err)
		}
		if tx == TxAllOrNothing && !e.comp.HasCompensation(cmd.Type) {
			return nil, fmt.Errorf("%w: %s (%s)", ErrNotReversible, m.Key, cmd.Type)
		}
	}
	for _, d := range def.Dependencies {
		if _, ok := b.byKey[d.From]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMember, d.From)
		}
		if _, ok := b.byKey[d.To]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMember, d.To)
		}
		// AddEdge rejects self-references and anything that would close a
		// cycle.
		if err := b.graph.AddEdge(d.From, d.To); err != nil {
			return nil, fmt.Errorf("dependency %s -> %s: %w", d.From, d.To, err)
		}
	}

	layers, err := layer(def)
	if err != nil {
		return nil, err
	}
	if len(layers) > maxDependencyDepth {
		return nil, fmt.Errorf("%w: depth %d, limit %d", ErrTooDeep, len(layers), maxDependencyDepth)
	}
	b.layers = layers

	e.mu.Lock()
	if _, dup := e.batches[id]; dup {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateBatch, id)
	}
	e.batches[id] = b
	e.mu.Unlock()

	e.statsMu.Lock()
	e.stats.Created++
	e.statsMu.Unlock()

	e.audit.LogAction(audit.Entry{
		Action:     "create_batch",
		Resource:   "batch",
		ResourceID: id,
		Details: map[string]any{
			"name":         def.Name,
			"mode":         string(mode),
			"transaction":  string(tx),
			"members":      len(def.Members),
			"dependencies": len(def.Dependencies),
		},
	})
	e.rec.Publish(events.ForBatch(id, "created", map[string]any{
		"members": len(def.Members),
		"mode":    string(mode),
	}))
	return b, nil
}

// layer groups member keys into dependency layers: a member's layer is one
// past its deepest dependency. Layer count equals the longest chain.
func layer(def Definition) ([][]string, error) {
	depth := map[string]int{}
	indeg := map[string]int{}
	children := map[string][]string{}
	for _, d := range def.Dependencies {
		indeg[d.To]++
		children[d.From] = append(children[d.From], d.To)
	}

	var frontier []string
	for _, m := range def.Members {
		if indeg[m.Key] == 0 {
			frontier = append(frontier, m.Key)
			depth[m.Key] = 0
		}
	}
	maxDepth := 0
	resolved := 0
	for len(frontier) > 0 {
		key := frontier[0]
		frontier = frontier[1:]
		resolved++
		for _, child := range children[key] {
			if d := depth[key] + 1; d > depth[child] {
				depth[child] = d
				if d > maxDepth {
					maxDepth = d
				}
			}
			indeg[child]--
			if indeg[child] == 0 {
				frontier = append(frontier, child)
			}
		}
	}
	if resolved != len(def.Members) {
		return nil, errors.New("dependency graph contains a cycle")
	}

	layers := make([][]string, maxDepth+1)
	for _, m := range def.Members {
		layers[depth[m.Key]] = append(layers[depth[m.Key]], m.Key)
	}
	return layers, nil
}

// ExecuteBatch runs a pending batch to a terminal state, blocking until every
// member has been resolved.
func (e *Executor) ExecuteBatch(ctx context.Context, id string) (Snapshot, error) {
	b, err := e.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	b.mu.Lock()
	if b.status != StatusPending {
		status := b.status
		b.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s is %s", ErrBatchNotPending, id, status)
	}
	b.status = StatusRunning
	b.startedAt = e.clock.Now()
	b.mu.Unlock()

	e.rec.Publish(events.ForBatch(id, "started", map[string]any{
		"members":     len(b.members),
		"mode":        string(b.Mode),
		"transaction": string(b.Transaction),
	}))
	e.log.Info("executing batch", zap.String("batch_id", id),
		zap.String("mode", string(b.Mode)), zap.Int("members", len(b.members)))

	switch b.Mode {
	case ModeParallel:
		e.runParallel(ctx, b, b.members)
	case ModeMixed:
		for _, keys := range b.layers {
			if b.stopped.Load() && b.Transaction.StopsOnFailure() {
				e.skipRemaining(b, keys)
				continue
			}
			layerMembers := make([]*member, 0, len(keys))
			for _, key := range keys {
				layerMembers = append(layerMembers, b.byKey[key])
			}
			e.runParallel(ctx, b, layerMembers)
		}
	default: // sequential, in dependency order
		for _, keys := range b.layers {
			for _, key := range keys {
				e.runMember(ctx, b, b.byKey[key])
			}
		}
	}

	return e.finish(ctx, b), nil
}

func (e *Executor) runParallel(ctx context.Context, b *Batch, members []*member) {
	sem := semaphore.NewWeighted(int64(e.opts.ParallelExecutionLimit))
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range members {
		m := m
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			e.runMember(gctx, b, m)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.log.Warn("parallel stage interrupted", zap.String("batch_id", b.ID), zap.Error(err))
	}
}

// runMember resolves one member: dependency wait, submission, and terminal
// result. Every exit path closes the member's done channel.
func (e *Executor) runMember(ctx context.Context, b *Batch, m *member) {
	b.mu.Lock()
	if m.state != MemberPending {
		b.mu.Unlock()
		return
	}
	if b.stopped.Load() && b.Transaction.StopsOnFailure() {
		m.finish(MemberSkipped, &commands.Result{
			ErrorKind:   commands.ErrorKindPrecondition,
			ErrorDetail: "batch aborted before member started",
		})
		b.mu.Unlock()
		e.emitMember(b, m)
		return
	}
	b.mu.Unlock()

	parents, err := b.graph.GetParents(m.key)
	if err != nil {
		parents = map[string]interface{}{}
	}
	for key := range parents {
		dep := b.byKey[key]
		select {
		case <-dep.done:
		case <-ctx.Done():
			e.finishMember(b, m, MemberFailed, &commands.Result{
				ErrorKind:   commands.ErrorKindDeadline,
				ErrorDetail: ctx.Err().Error(),
			})
			return
		}
		b.mu.Lock()
		failed := dep.state != MemberCompleted
		b.mu.Unlock()
		if failed {
			e.finishMember(b, m, MemberSkipped, &commands.Result{
				ErrorKind:   commands.ErrorKindPrecondition,
				ErrorDetail: fmt.Sprintf("dependency %s did not complete", key),
			})
			return
		}
	}

	b.mu.Lock()
	m.state = MemberSubmitted
	b.mu.Unlock()

	if _, err := e.proc.SubmitCommand(ctx, m.cmd); err != nil {
		e.finishMember(b, m, MemberFailed, &commands.Result{
			ErrorKind:   commands.ErrorKindException,
			ErrorDetail: fmt.Sprintf("submission failed: %s", err),
		})
		return
	}

	select {
	case res := <-e.watcher.Watch(m.cmd.ID):
		if res != nil && res.Success {
			e.finishMember(b, m, MemberCompleted, res)
		} else {
			e.finishMember(b, m, MemberFailed, res)
		}
	case <-ctx.Done():
		e.finishMember(b, m, MemberFailed, &commands.Result{
			ErrorKind:   commands.ErrorKindDeadline,
			ErrorDetail: ctx.Err().Error(),
		})
	}
}

func (e *Executor) finishMember(b *Batch, m *member, state MemberState, result *commands.Result) {
	b.mu.Lock()
	m.finish(state, result)
	if state == MemberCompleted {
		b.completionOrder = append(b.completionOrder, m.key)
	}
	b.mu.Unlock()

	if state == MemberFailed && b.Transaction.StopsOnFailure() {
		b.stopped.Store(true)
	}
	e.emitMember(b, m)
}

// emitMember publishes the member outcome and batch progress.
func (e *Executor) emitMember(b *Batch, m *member) {
	b.mu.Lock()
	state := m.state
	cmdID := m.cmd.ID
	completed, failed, skipped := b.counts()
	total := len(b.members)
	elapsed := e.clock.Since(b.startedAt)
	b.mu.Unlock()

	e.rec.Publish(events.ForBatch(b.ID, "member_"+string(state), map[string]any{
		"member":     m.key,
		"command_id": cmdID,
	}))
	resolvedPct := float64(completed+failed+skipped) / float64(total) * 100
	e.rec.Publish(events.ForBatch(b.ID, "progress", map[string]any{
		"total":      total,
		"completed":  completed,
		"failed":     failed,
		"skipped":    skipped,
		"percent":    resolvedPct,
		"elapsed_ms": elapsed.Milliseconds(),
	}))
}

// finish derives the terminal batch status, rolling back an all-or-nothing
// batch that saw any member failure.
func (e *Executor) finish(ctx context.Context, b *Batch) Snapshot {
	b.mu.Lock()
	if b.status != StatusRunning {
		// Cancelled out from under the run.
		snap := b.snapshotLocked()
		b.mu.Unlock()
		return snap
	}
	completed, failed, _ := b.counts()
	b.mu.Unlock()

	var status Status
	switch {
	case b.Transaction == TxAllOrNothing && failed > 0:
		e.rollback(ctx, b)
		status = StatusRolledBack
	case b.Transaction == TxIsolated:
		status = StatusCompleted
	case failed == 0 && completed == len(b.members):
		status = StatusCompleted
	case completed > 0:
		status = StatusPartiallyCompleted
	default:
		status = StatusFailed
	}

	b.mu.Lock()
	b.status = status
	b.completedAt = e.clock.Now()
	snap := b.snapshotLocked()
	b.mu.Unlock()

	e.recordTerminal(b, status)
	return snap
}

// rollback compensates completed members in reverse completion order.
// Compensation failures are logged; the sweep never aborts.
func (e *Executor) rollback(ctx context.Context, b *Batch) {
	b.mu.Lock()
	order := append([]string(nil), b.completionOrder...)
	b.mu.Unlock()

	e.rec.Publish(events.ForBatch(b.ID, "rollback_started", map[string]any{
		"members": len(order),
	}))
	rolledBack := 0
	for i := len(order) - 1; i >= 0; i-- {
		m := b.byKey[order[i]]
		if _, err := e.comp.Compensate(ctx, m.cmd.Snapshot()); err != nil {
			e.log.Error("compensating batch member", zap.String("batch_id", b.ID),
				zap.String("member", m.key), zap.Error(err))
		}
		b.mu.Lock()
		m.state = MemberRolledBack
		b.mu.Unlock()
		rolledBack++
	}
	e.rec.Publish(events.ForBatch(b.ID, "rollback_completed", map[string]any{
		"rolled_back": rolledBack,
	}))
}

// CancelBatch cancels a pending or running batch. Cancelling a terminal batch
// is a no-op.
func (e *Executor) CancelBatch(ctx context.Context, id string) error {
	b, err := e.get(id)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if b.status.Terminal() {
		b.mu.Unlock()
		return nil
	}
	b.status = StatusCancelled
	b.completedAt = e.clock.Now()
	b.stopped.Store(true)
	var live []string
	for _, m := range b.members {
		switch m.state {
		case MemberPending:
			m.finish(MemberCancelled, &commands.Result{
				ErrorKind:   commands.ErrorKindCancelled,
				ErrorDetail: "batch cancelled",
			})
		case MemberSubmitted:
			live = append(live, m.cmd.ID)
		}
	}
	b.mu.Unlock()

	for _, cmdID := range live {
		if _, err := e.cancel.RequestCancellation(ctx, cancellation.Request{
			CommandID:   cmdID,
			Reason:      cancellation.ReasonSuperseded,
			RequestedBy: "batch:" + id,
		}); err != nil {
			e.log.Warn("cancelling batch member", zap.String("batch_id", id),
				zap.String("command_id", cmdID), zap.Error(err))
		}
	}
	e.recordTerminal(b, StatusCancelled)
	return nil
}

// recordTerminal emits the terminal batch event and bumps counters.
func (e *Executor) recordTerminal(b *Batch, status Status) {
	snap := b.Snapshot()
	e.rec.Publish(events.ForBatch(b.ID, string(status), map[string]any{
		"completed": snap.Completed,
		"failed":    snap.Failed,
		"skipped":   snap.Skipped,
	}))
	e.audit.LogAction(audit.Entry{
		Action:     "finish_batch",
		Resource:   "batch",
		ResourceID: b.ID,
		Details: map[string]any{
			"status":    string(status),
			"completed": snap.Completed,
			"failed":    snap.Failed,
		},
	})
	batchesTotal.WithLabelValues(string(status)).Inc()

	e.statsMu.Lock()
	switch status {
	case StatusCompleted:
		e.stats.Completed++
	case StatusPartiallyCompleted:
		e.stats.PartiallyCompleted++
	case StatusFailed:
		e.stats.Failed++
	case StatusRolledBack:
		e.stats.RolledBack++
	case StatusCancelled:
		e.stats.Cancelled++
	}
	e.statsMu.Unlock()
	e.log.Info("batch finished", zap.String("batch_id", b.ID), zap.String("status", string(status)),
		zap.Int("completed", snap.Completed), zap.Int("failed", snap.Failed))
}

// skipRemaining marks an entire layer skipped after an all-or-nothing abort.
func (e *Executor) skipRemaining(b *Batch, keys []string) {
	for _, key := range keys {
		m := b.byKey[key]
		b.mu.Lock()
		if m.state == MemberPending {
			m.finish(MemberSkipped, &commands.Result{
				ErrorKind:   commands.ErrorKindPrecondition,
				ErrorDetail: "batch aborted before member started",
			})
		}
		b.mu.Unlock()
		e.emitMember(b, m)
	}
}

func (e *Executor) get(id string) (*Batch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return b, nil
}

// GetBatch returns a snapshot of one batch.
func (e *Executor) GetBatch(id string) (Snapshot, error) {
	b, err := e.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return b.Snapshot(), nil
}

// ListBatches returns snapshots of every known batch.
func (e *Executor) ListBatches() []Snapshot {
	e.mu.Lock()
	batches := make([]*Batch, 0, len(e.batches))
	for _, b := range e.batches {
		batches = append(batches, b)
	}
	e.mu.Unlock()

	out := make([]Snapshot, 0, len(batches))
	for _, b := range batches {
		out = append(out, b.Snapshot())
	}
	return out
}

func (e *Executor) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}
