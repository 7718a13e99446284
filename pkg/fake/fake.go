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

// Package fake provides configurable handlers and recording sinks for tests.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/aresrobotics/commandcore/pkg/audit"
	"github.com/aresrobotics/commandcore/pkg/commands"
	"github.com/aresrobotics/commandcore/pkg/events"
)

// Handler is a scriptable command handler. Zero value succeeds immediately
// for every command.
type Handler struct {
	// Sleep is how long Handle blocks before returning, interruptible by
	// context cancellation.
	Sleep time.Duration
	// FailTimes makes the first N invocations per command fail.
	FailTimes int
	// Panics makes every invocation panic.
	Panics bool
	// Err overrides the default synthetic failure error.
	Err error
	// OnHandle, when set, is invoked at the start of every attempt.
	OnHandle func(cmd *commands.Command)

	mu       sync.Mutex
	attempts map[string]int
	handled  *atomic.Int64
}

func NewHandler() *Handler {
	return &Handler{attempts: map[string]int{}, handled: atomic.NewInt64(0)}
}

func (h *Handler) CanHandle(*commands.Command) bool { return true }

func (h *Handler) Handle(ctx context.Context, cmd *commands.Command) (*commands.Result, error) {
	if h.handled == nil {
		h.handled = atomic.NewInt64(0)
	}
	h.handled.Inc()
	if h.OnHandle != nil {
		h.OnHandle(cmd)
	}
	if h.Panics {
		panic("fake handler panic")
	}
	if h.Sleep > 0 {
		select {
		case <-time.After(h.Sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h.mu.Lock()
	if h.attempts == nil {
		h.attempts = map[string]int{}
	}
	h.attempts[cmd.ID]++
	attempt := h.attempts[cmd.ID]
	h.mu.Unlock()

	if attempt <= h.FailTimes {
		if h.Err != nil {
			return nil, h.Err
		}
		return nil, fmt.Errorf("synthetic failure, attempt %d", attempt)
	}
	return &commands.Result{Success: true, Payload: map[string]any{"attempt": attempt}}, nil
}

// Handled returns the total number of Handle invocations.
func (h *Handler) Handled() int64 {
	if h.handled == nil {
		return 0
	}
	return h.handled.Load()
}

// Attempts returns the attempt count for one command.
func (h *Handler) Attempts(cmdID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[cmdID]
}

// Recorder captures published events for assertions.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// ByType filters captured events by type.
func (r *Recorder) ByType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// ForCommand filters captured events by command id.
func (r *Recorder) ForCommand(id string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.CommandID == id {
			out = append(out, e)
		}
	}
	return out
}

// Reset discards captured events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// AuditSink captures audit entries for assertions.
type AuditSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func NewAuditSink() *AuditSink { return &AuditSink{} }

func (s *AuditSink) LogAction(e audit.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

// Entries returns a copy of everything logged so far.
func (s *AuditSink) Entries() []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Entry(nil), s.entries...)
}
