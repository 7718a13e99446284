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

package processor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aresrobotics/commandcore/pkg/metrics"
)

var (
	processedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "processor",
			Name:      "commands_total",
			Help:      "Commands reaching a terminal state, by type and result.",
		},
		[]string{metrics.TypeLabel, metrics.ResultLabel},
	)
	executionSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "processor",
			Name:      "execution_seconds",
			Help:      "Handler execution time per attempt.",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{metrics.TypeLabel, metrics.PriorityLabel},
	)
	inflightGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "processor",
			Name:      "inflight",
			Help:      "Commands currently executing, by priority.",
		},
		[]string{metrics.PriorityLabel},
	)
	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "processor",
			Name:      "retries_total",
			Help:      "Retry attempts scheduled, by type.",
		},
		[]string{metrics.TypeLabel},
	)
)

func init() {
	prometheus.MustRegister(processedTotal, executionSeconds, inflightGauge, retriesTotal)
}
