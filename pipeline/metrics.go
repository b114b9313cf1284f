/*
Copyright © 2026 the Riverine authors.
This file is part of Riverine.

Riverine is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

Riverine is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with Riverine.  If not, see <http://www.gnu.org/licenses/>.
*/

package pipeline

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PushMetrics sends the cycle's terminal unit counts and wall-clock duration
// to a Prometheus Pushgateway. It is called once per run, after the cycle
// finishes; no metrics endpoint is served.
func PushMetrics(pushURL, instanceID string, rep *Report) error {
	units := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riverine_units_total",
		Help: "Work units of the last cycle by terminal state.",
	}, []string{"state"})
	for _, s := range []State{Uploaded, Completed, Skipped} {
		units.WithLabelValues(s.String()).Add(float64(rep.Count(s)))
	}
	duration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "riverine_cycle_duration_seconds",
		Help: "Wall-clock duration of the last cycle.",
	})
	duration.Set(rep.Elapsed.Seconds())

	err := push.New(pushURL, "riverine_"+instanceID).
		Collector(units).
		Collector(duration).
		Push()
	if err != nil {
		return fmt.Errorf("pipeline: pushing metrics: %v", err)
	}
	return nil
}
