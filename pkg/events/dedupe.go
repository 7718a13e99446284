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

package events

import (
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"
)

// NewDedupeRecorder suppresses identical events within the dedupe window.
// Progress events re-emitted by the acknowledgment tracker with an unchanged
// value are the main source of duplicates.
func NewDedupeRecorder(r Recorder, window time.Duration) Recorder {
	return &dedupe{
		rec:   r,
		cache: cache.New(window, window/2),
	}
}

type dedupe struct {
	rec   Recorder
	cache *cache.Cache
}

func (d *dedupe) Publish(evt Event) {
	if !d.shouldPublish(evt) {
		return
	}
	d.rec.Publish(evt)
}

func (d *dedupe) shouldPublish(evt Event) bool {
	key := dedupeKey(evt)
	if _, exists := d.cache.Get(key); exists {
		return false
	}
	d.cache.SetDefault(key, nil)
	return true
}

func dedupeKey(evt Event) string {
	// Timestamp excluded so that repeats of the same fact collapse.
	hash, err := hashstructure.Hash(struct {
		Type      EventType
		CommandID string
		BatchID   string
		Status    string
		Payload   map[string]any
	}{evt.Type, evt.CommandID, evt.BatchID, evt.Status, evt.Payload}, hashstructure.FormatV2, nil)
	if err != nil {
		// Unhashable payloads pass through rather than being dropped.
		return fmt.Sprintf("%s-%s-%s-%d", evt.Type, evt.CommandID, evt.Status, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d", evt.Type, hash)
}
