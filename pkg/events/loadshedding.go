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
	"golang.org/x/time/rate"
)

// NewLoadSheddingRecorder bounds the rate of progress events. Progress occurs
// very often for long-running commands and is advisory; lifecycle-boundary
// events (queued/started/terminal) are never shed, since consumers rely on
// their ordering.
func NewLoadSheddingRecorder(r Recorder, qps float64, burst int) Recorder {
	return &loadshedding{
		rec:            r,
		progressBucket: rate.NewLimiter(rate.Limit(qps), burst),
	}
}

type loadshedding struct {
	rec            Recorder
	progressBucket *rate.Limiter
}

func (l *loadshedding) Publish(evt Event) {
	if evt.Type == CommandProgress && !l.progressBucket.Allow() {
		return
	}
	l.rec.Publish(evt)
}
