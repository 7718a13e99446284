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

// Package events defines the lifecycle event sink boundary. The core publishes
// events; subscribers (WebSocket fan-out, dashboards) live outside the core
// and consume them through a Recorder implementation.
package events

import (
	"time"

	"go.uber.org/zap"

	"github.com/aresrobotics/commandcore/pkg/commands"
)

// EventType enumerates the lifecycle events the core emits.
type EventType string

const (
	CommandQueued    EventType = "command_queued"
	CommandStarted   EventType = "command_started"
	CommandProgress  EventType = "command_progress"
	CommandCompleted EventType = "command_completed"
	CommandFailed    EventType = "command_failed"
	CommandCancelled EventType = "command_cancelled"
	CommandRetrying  EventType = "command_retrying"
	CommandTimeout   EventType = "command_timeout"
	QueueStatus      EventType = "queue_status"
	BatchEvent       EventType = "batch_event"
	Cancellation     EventType = "cancellation_event"
)

// Event is the payload handed to the sink. Timestamp, identifiers, status,
// priority and type are always populated for command-scoped events.
type Event struct {
	Type        EventType
	Timestamp   time.Time
	CommandID   string
	BatchID     string
	Status      string
	Priority    string
	CommandType string
	Payload     map[string]any
}

// Recorder is the event sink boundary. Implementations must be safe for
// concurrent use and must not block the caller for long; the core emits
// outside of its locks but on hot paths.
type Recorder interface {
	Publish(Event)
}

// ForCommand builds a fully-populated command-scoped event.
func ForCommand(t EventType, snap commands.Snapshot, payload map[string]any) Event {
	return Event{
		Type:        t,
		Timestamp:   time.Now(),
		CommandID:   snap.ID,
		BatchID:     snap.Metadata.BatchID,
		Status:      string(snap.Status),
		Priority:    snap.Priority.String(),
		CommandType: string(snap.Type),
		Payload:     payload,
	}
}

// ForBatch builds a batch-scoped event.
func ForBatch(batchID, status string, payload map[string]any) Event {
	return Event{
		Type:      BatchEvent,
		Timestamp: time.Now(),
		BatchID:   batchID,
		Status:    status,
		Payload:   payload,
	}
}

// NopRecorder discards all events.
type NopRecorder struct{}

func (NopRecorder) Publish(Event) {}

// NewLogRecorder returns a Recorder that writes events to the given logger at
// debug level. Useful as the tail of a decorator chain in the daemon.
func NewLogRecorder(log *zap.Logger) Recorder {
	return &logRecorder{log: log.Named("events")}
}

type logRecorder struct {
	log *zap.Logger
}

func (l *logRecorder) Publish(evt Event) {
	l.log.Debug("event",
		zap.String("event_type", string(evt.Type)),
		zap.String("command_id", evt.CommandID),
		zap.String("batch_id", evt.BatchID),
		zap.String("status", evt.Status),
		zap.String("priority", evt.Priority),
		zap.String("command_type", evt.CommandType),
		zap.Any("payload", evt.Payload),
	)
}
