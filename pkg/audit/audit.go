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

// Package audit defines the audit sink boundary for security-relevant actions.
package audit

import "go.uber.org/zap"

// Entry is one security-relevant action.
type Entry struct {
	Action     string
	Resource   string
	ResourceID string
	UserID     string
	Details    map[string]any
	IPAddress  string
	UserAgent  string
}

// Sink consumes audit entries. Implementations must be safe for concurrent
// use; failures to record must not fail the audited operation.
type Sink interface {
	LogAction(e Entry)
}

// NopSink discards all entries.
type NopSink struct{}

func (NopSink) LogAction(Entry) {}

// NewZapSink records audit entries on a dedicated logger at info level.
func NewZapSink(log *zap.Logger) Sink {
	return &zapSink{log: log.Named("audit")}
}

type zapSink struct {
	log *zap.Logger
}

func (s *zapSink) LogAction(e Entry) {
	s.log.Info("audit",
		zap.String("action", e.Action),
		zap.String("resource", e.Resource),
		zap.String("resource_id", e.ResourceID),
		zap.String("user_id", e.UserID),
		zap.Any("details", e.Details),
		zap.String("ip_address", e.IPAddress),
		zap.String("user_agent", e.UserAgent),
	)
}
