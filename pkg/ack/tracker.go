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
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"

	"github.com/aresrobotics/commandcore/pkg/commands"
	"github.com/aresrobotics/commandcore/pkg/config"
	"github.com/aresrobotics/commandcore/pkg/events"
)

const emaAlpha = 0.2

// Stats are the tracker's rolling statistics. Latencies are exponential
// moving averages.
type Stats struct {
	Active         int
	Completed      int64
	Failed         int64
	TimedOut       int64
	AckLatencyEMA  time.Duration
	ExecLatencyEMA time.Duration
}

type cachedResult struct {
	result      *commands.Result
	completedAt time.Time
}

// Tracker owns the acknowledgment table. Inter-component interaction goes
// through method calls only; the table is never shared.
type Tracker struct {
	opts  config.Options
	clock clock.WithTicker
	log   *zap.Logger
	rec   events.Recorder

	mu       sync.Mutex
	acks     map[string]*Acknowledgment // command id -> ack
	watchers map[string][]chan *commands.Result

	results *cache.Cache
	backoff workqueue.TypedRateLimiter[string]

	statsMu        sync.Mutex
	completed      int64
	failed         int64
	timedOut       int64
	ackLatencyEMA  float64 // seconds
	execLatencyEMA float64 // seconds

	stopJanitor chan struct{}
	janitorOnce sync.Once
}

func NewTracker(opts config.Options, clk clock.WithTicker, rec events.Recorder, log *zap.Logger) *Tracker {
	return &Tracker{
		opts:        opts,
		clock:       clk,
		log:         log.Named("ack"),
		rec:         rec,
		acks:        map[string]*Acknowledgment{},
		watchers:    map[string][]chan *commands.Result{},
		results:     cache.New(opts.ResultCacheTTL(), opts.ResultCacheTTL()/2),
		backoff:     workqueue.NewTypedItemExponentialFailureRateLimiter[string](opts.AckRetryDelay(), opts.MaxBackoff()),
		stopJanitor: make(chan struct{}),
	}
}

// Create allocates a tracking record, emits the queued event, and arms the
// ack-timeout timer that guards worker pickup.
func (t *Tracker) Create(cmd *commands.Command) *Acknowledgment {
	a := newAcknowledgment(cmd.ID, t.clock.Now())
	t.mu.Lock()
	t.acks[cmd.ID] = a
	t.mu.Unlock()

	t.rec.Publish(events.ForCommand(events.CommandQueued, cmd.Snapshot(), map[string]any{
		"tracking_id": a.TrackingID,
	}))
	go t.watchPickup(a)
	return a
}

// watchPickup fires at ack_timeout and reschedules with exponential backoff
// until the command is picked up, the retry budget runs out, or the
// acknowledgment terminates.
func (t *Tracker) watchPickup(a *Acknowledgment) {
	delay := t.opts.AckTimeout()
	for {
		timer := t.clock.NewTimer(delay)
		select {
		case <-a.stopPickup:
			timer.Stop()
			return
		case <-timer.C():
		}
		a.mu.Lock()
		if a.status != StatusPending {
			a.mu.Unlock()
			return
		}
		a.retryCount++
		retries := a.retryCount
		a.mu.Unlock()

		if retries > t.opts.MaxAckRetries {
			t.log.Warn("ack pickup retries exhausted", zap.String("command_id", a.CommandID),
				zap.Int("retries", retries-1))
			t.HandleTimeout(a.CommandID)
			return
		}
		delay = t.backoff.When(a.CommandID)
		t.log.Debug("ack timeout, rescheduling", zap.String("command_id", a.CommandID),
			zap.Int("retry", retries), zap.Duration("next_delay", delay))
	}
}

// Acknowledge records worker pickup: Pending -> Acknowledged.
func (t *Tracker) Acknowledge(cmdID string) error {
	a, err := t.get(cmdID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	if a.status != StatusPending && a.status != StatusRetrying {
		status := a.status
		a.mu.Unlock()
		return fmt.Errorf("cannot acknowledge command %s in ack state %s", cmdID, status)
	}
	a.status = StatusAcknowledged
	a.ackedAt = t.clock.Now()
	latency := a.ackedAt.Sub(a.createdAt)
	a.mu.Unlock()

	a.stopPickupTimer()
	t.backoff.Forget(cmdID)
	t.observeAckLatency(latency)
	return nil
}

// UpdateProgress requires Acknowledged or InProgress, moving to InProgress on
// the first report, and emits a progress event.
func (t *Tracker) UpdateProgress(cmdID string, progress float64, msg string) error {
	if progress < 0 || progress > 1 {
		return fmt.Errorf("progress %f out of range [0,1]", progress)
	}
	a, err := t.get(cmdID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	if a.status != StatusAcknowledged && a.status != StatusInProgress {
		status := a.status
		a.mu.Unlock()
		return fmt.Errorf("cannot report progress for command %s in ack state %s", cmdID, status)
	}
	a.status = StatusInProgress
	a.progress = progress
	a.message = msg
	a.mu.Unlock()

	t.rec.Publish(events.Event{
		Type:      events.CommandProgress,
		Timestamp: time.Now(),
		CommandID: cmdID,
		Status:    string(StatusInProgress),
		Payload:   map[string]any{"progress": progress, "message": msg},
	})
	return nil
}

// Complete records the terminal result, caches it for result_cache_ttl, and
// wakes any watchers.
func (t *Tracker) Complete(cmdID string, result *commands.Result) error {
	a, err := t.get(cmdID)
	if err != nil {
		return err
	}
	now := t.clock.Now()
	a.mu.Lock()
	if a.status.Terminal() {
		a.mu.Unlock()
		return nil
	}
	if result != nil && result.Success {
		a.status = StatusCompleted
		a.progress = 1
	} else {
		a.status = StatusFailed
	}
	a.result = result
	a.completedAt = now
	execLatency := now.Sub(a.createdAt)
	success := a.status == StatusCompleted
	a.mu.Unlock()

	a.stopPickupTimer()
	t.backoff.Forget(cmdID)
	t.cacheResult(cmdID, result, now)
	t.observeExecLatency(execLatency)

	t.statsMu.Lock()
	if success {
		t.completed++
	} else {
		t.failed++
	}
	t.statsMu.Unlock()

	t.notifyWatchers(cmdID, result)
	return nil
}

// HandleTimeout transitions to Timeout unless already terminal.
func (t *Tracker) HandleTimeout(cmdID string) {
	a, err := t.get(cmdID)
	if err != nil {
		return
	}
	now := t.clock.Now()
	result := &commands.Result{
		ErrorKind:   commands.ErrorKindDeadline,
		ErrorDetail: "acknowledgment timed out",
	}
	a.mu.Lock()
	if a.status.Terminal() {
		a.mu.Unlock()
		return
	}
	a.status = StatusTimeout
	a.result = result
	a.completedAt = now
	a.mu.Unlock()

	a.stopPickupTimer()
	t.backoff.Forget(cmdID)
	t.cacheResult(cmdID, result, now)

	t.statsMu.Lock()
	t.timedOut++
	t.statsMu.Unlock()

	t.notifyWatchers(cmdID, result)
}

// HandleRetry resets progress and marks Retrying for the next attempt. The
// pickup timer guards first pickup only and is not re-armed.
func (t *Tracker) HandleRetry(cmdID string) error {
	a, err := t.get(cmdID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	if a.status.Terminal() {
		status := a.status
		a.mu.Unlock()
		return fmt.Errorf("cannot retry command %s in terminal ack state %s", cmdID, status)
	}
	a.status = StatusRetrying
	a.progress = 0
	a.message = ""
	a.mu.Unlock()
	return nil
}

// Get returns the acknowledgment for a command.
func (t *Tracker) Get(cmdID string) (*Acknowledgment, error) {
	return t.get(cmdID)
}

// Forget discards the acknowledgment of a command that was never admitted,
// without recording a result. No watchers can exist for such a command.
func (t *Tracker) Forget(cmdID string) {
	t.mu.Lock()
	a, ok := t.acks[cmdID]
	delete(t.acks, cmdID)
	delete(t.watchers, cmdID)
	t.mu.Unlock()
	if ok {
		a.stopPickupTimer()
		t.backoff.Forget(cmdID)
	}
}

func (t *Tracker) get(cmdID string) (*Acknowledgment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.acks[cmdID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmdID)
	}
	return a, nil
}

// CachedResult returns the terminal result if it is still within its TTL.
func (t *Tracker) CachedResult(cmdID string) (*commands.Result, bool) {
	v, ok := t.results.Get(cmdID)
	if !ok {
		return nil, false
	}
	return v.(cachedResult).result, true
}

// Watch returns a channel that receives the terminal result exactly once.
// If the command already terminated, the result is delivered immediately.
func (t *Tracker) Watch(cmdID string) <-chan *commands.Result {
	ch := make(chan *commands.Result, 1)
	if res, ok := t.CachedResult(cmdID); ok {
		ch <- res
		return ch
	}
	t.mu.Lock()
	if a, ok := t.acks[cmdID]; ok {
		a.mu.Lock()
		terminal := a.status.Terminal()
		res := a.result
		a.mu.Unlock()
		if terminal {
			t.mu.Unlock()
			ch <- res
			return ch
		}
	}
	t.watchers[cmdID] = append(t.watchers[cmdID], ch)
	t.mu.Unlock()
	return ch
}

func (t *Tracker) notifyWatchers(cmdID string, result *commands.Result) {
	t.mu.Lock()
	chans := t.watchers[cmdID]
	delete(t.watchers, cmdID)
	t.mu.Unlock()
	for _, ch := range chans {
		ch <- result
	}
}

func (t *Tracker) cacheResult(cmdID string, result *commands.Result, at time.Time) {
	t.results.SetDefault(cmdID, cachedResult{result: result, completedAt: at})
}

func (t *Tracker) observeAckLatency(d time.Duration) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	if t.ackLatencyEMA == 0 {
		t.ackLatencyEMA = d.Seconds()
		return
	}
	t.ackLatencyEMA = emaAlpha*d.Seconds() + (1-emaAlpha)*t.ackLatencyEMA
}

func (t *Tracker) observeExecLatency(d time.Duration) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	if t.execLatencyEMA == 0 {
		t.execLatencyEMA = d.Seconds()
		return
	}
	t.execLatencyEMA = emaAlpha*d.Seconds() + (1-emaAlpha)*t.execLatencyEMA
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	active := 0
	for _, a := range t.acks {
		if !a.Status().Terminal() {
			active++
		}
	}
	t.mu.Unlock()

	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return Stats{
		Active:         active,
		Completed:      t.completed,
		Failed:         t.failed,
		TimedOut:       t.timedOut,
		AckLatencyEMA:  time.Duration(t.ackLatencyEMA * float64(time.Second)),
		ExecLatencyEMA: time.Duration(t.execLatencyEMA * float64(time.Second)),
	}
}

// StartJanitor sweeps expired acknowledgments and trims the result cache to
// max_cached_results, evicting the oldest completions first.
func (t *Tracker) StartJanitor(ctx context.Context) {
	go func() {
		ticker := t.clock.NewTicker(t.opts.CleanupInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopJanitor:
				return
			case <-ticker.C():
				t.sweep()
			}
		}
	}()
}

func (t *Tracker) sweep() {
	ttl := t.opts.ResultCacheTTL()
	now := t.clock.Now()

	t.mu.Lock()
	for id, a := range t.acks {
		a.mu.Lock()
		expired := a.status.Terminal() && !a.completedAt.IsZero() && now.Sub(a.completedAt) > ttl
		a.mu.Unlock()
		if expired {
			delete(t.acks, id)
		}
	}
	t.mu.Unlock()

	// LRU trim on completion time.
	for t.results.ItemCount() > t.opts.MaxCachedResults {
		oldestKey := ""
		var oldest time.Time
		for key, item := range t.results.Items() {
			cr := item.Object.(cachedResult)
			if oldestKey == "" || cr.completedAt.Before(oldest) {
				oldestKey = key
				oldest = cr.completedAt
			}
		}
		if oldestKey == "" {
			return
		}
		t.results.Delete(oldestKey)
	}
}

// StartProgressEmitter autonomously re-emits current progress for long-running
// commands when progress_update_interval is configured, keeping event
// consumers live even when the handler does not report incrementally.
func (t *Tracker) StartProgressEmitter(ctx context.Context) {
	interval := t.opts.ProgressUpdateInterval()
	if interval <= 0 {
		return
	}
	go func() {
		ticker := t.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopJanitor:
				return
			case <-ticker.C():
				t.emitProgress()
			}
		}
	}()
}

func (t *Tracker) emitProgress() {
	t.mu.Lock()
	live := make([]*Acknowledgment, 0, len(t.acks))
	for _, a := range t.acks {
		if a.Status() == StatusInProgress {
			live = append(live, a)
		}
	}
	t.mu.Unlock()

	for _, a := range live {
		progress, msg := a.Progress()
		t.rec.Publish(events.Event{
			Type:      events.CommandProgress,
			Timestamp: time.Now(),
			CommandID: a.CommandID,
			Status:    string(StatusInProgress),
			Payload:   map[string]any{"progress": progress, "message": msg},
		})
	}
}

// Stop halts the background loops.
func (t *Tracker) Stop() {
	t.janitorOnce.Do(func() { close(t.stopJanitor) })
}
