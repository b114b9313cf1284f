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

package riverine

import "time"

// Regime identifies the temporal structure of an ensemble runoff file.
//
// Low-resolution members carry 61 samples at a uniform 6 h spacing.
// The high-resolution member carries 125 samples: 91 at 1 h, then 18 at
// 3 h (hours 93-144), then 16 at 6 h (hours 150-240).
type Regime int

const (
	LowRes Regime = iota + 1
	HighRes
)

func (r Regime) String() string {
	switch r {
	case LowRes:
		return "low resolution"
	case HighRes:
		return "high resolution"
	}
	return "unknown resolution"
}

// Cadence is the requested spacing of inflow output buckets for
// high-resolution input. Low-resolution input always produces 6 h buckets.
type Cadence time.Duration

const (
	Cadence1h = Cadence(1 * time.Hour)
	Cadence3h = Cadence(3 * time.Hour)
	Cadence6h = Cadence(6 * time.Hour)
)

// String returns the configuration token for c.
func (c Cadence) String() string {
	switch c {
	case Cadence1h:
		return "1h"
	case Cadence3h:
		return "3h"
	case Cadence6h:
		return "6h"
	}
	return time.Duration(c).String()
}

// ParseCadence maps the configuration tokens "1h", "3h" and "6h".
func ParseCadence(s string) (Cadence, bool) {
	switch s {
	case "1h":
		return Cadence1h, true
	case "3h":
		return Cadence3h, true
	case "6h":
		return Cadence6h, true
	}
	return 0, false
}

// TimeLen returns the required length of the input time axis.
func (r Regime) TimeLen() int {
	if r == HighRes {
		return 125
	}
	return 61
}

// OutLen returns the number of inflow buckets produced for cadence c.
func (r Regime) OutLen(c Cadence) int {
	if r == LowRes {
		return 61
	}
	switch c {
	case Cadence1h:
		return 91
	case Cadence3h:
		return 49
	default:
		return 41
	}
}

// SimulationPeriod returns the total routing duration for this regime:
// 15 days for low resolution, 10 for high.
func (r Regime) SimulationPeriod() time.Duration {
	if r == HighRes {
		return 10 * 24 * time.Hour
	}
	return 15 * 24 * time.Hour
}

// RoutingStep returns the routing inner time step for this regime:
// 6 h for low resolution, 3 h for high.
func (r Regime) RoutingStep() time.Duration {
	if r == HighRes {
		return 3 * time.Hour
	}
	return 6 * time.Hour
}

// WeightTableName returns the weight-table file used for ensemble member n.
// Member 52 is the high-resolution deterministic run on the finer grid.
func WeightTableName(n int) string {
	if n == 52 {
		return "weight_high_res.csv"
	}
	return "weight_low_res.csv"
}

// A diffStep derives one output bucket from the cumulative series:
// out = S[a] - S[b], or out = S[a] when b < 0 (the first bucket takes the
// accumulation since forecast start as-is).
type diffStep struct {
	a, b int
}

// decumulationPlan returns, in output order, the subtraction steps that turn
// the cumulative input series into per-bucket increments for regime r at
// cadence c. The high-resolution plans stitch the three native segments
// (1 h to hour 90, 3 h to hour 144, 6 h to hour 240) into uniform buckets.
func (r Regime) decumulationPlan(c Cadence) []diffStep {
	plan := make([]diffStep, 0, r.OutLen(c))
	plan = append(plan, diffStep{0, -1})

	if r == LowRes {
		for i := 1; i < 61; i++ {
			plan = append(plan, diffStep{i, i - 1})
		}
		return plan
	}

	switch c {
	case Cadence1h:
		for i := 1; i < 91; i++ {
			plan = append(plan, diffStep{i, i - 1})
		}
	case Cadence3h:
		for i := 3; i < 91; i += 3 {
			plan = append(plan, diffStep{i, i - 3})
		}
		for i := 91; i < 109; i++ {
			plan = append(plan, diffStep{i, i - 1})
		}
	default: // 6 h
		for i := 6; i < 91; i += 6 {
			plan = append(plan, diffStep{i, i - 6})
		}
		for i := 92; i < 109; i += 2 {
			plan = append(plan, diffStep{i, i - 2})
		}
		for i := 109; i < 125; i++ {
			plan = append(plan, diffStep{i, i - 1})
		}
	}
	return plan
}
