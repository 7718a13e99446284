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

package queue

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aresrobotics/commandcore/pkg/metrics"
)

var (
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of commands waiting in the queue by priority.",
		},
		[]string{metrics.PriorityLabel},
	)
	admissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "admissions_total",
			Help:      "Enqueue attempts by result.",
		},
		[]string{metrics.ResultLabel},
	)
	queueWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "wait_seconds",
			Help:      "Time commands spend queued before dispatch.",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{metrics.PriorityLabel},
	)
)

func init() {
	prometheus.MustRegister(queueDepth, admissionsTotal, queueWaitSeconds)
}
