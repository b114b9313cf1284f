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

import (
	"fmt"
	"math"
	"os"
	"reflect"
	"sort"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

// runoffDims and runoffVars are the exact dimension and variable lists an
// ensemble runoff file must declare, in declaration order.
var (
	runoffDims = []string{"lon", "lat", "time"}
	runoffVars = []string{"lon", "lat", "time", "RO"}
)

// A RunoffFile is an opened ensemble runoff forecast. The RO variable holds
// cumulative runoff since forecast start, dimensioned (time, lat, lon).
type RunoffFile struct {
	Path   string
	Regime Regime

	// Time is the forecast time axis in hours since issue.
	Time []float64

	f  *cdf.File
	ff *os.File
}

// OpenRunoff opens and validates an ensemble runoff NetCDF file. The
// dimension and variable sets must match exactly, the spacing of the time
// axis must identify a known resolution regime, and the axis length must
// match that regime. Violations return a *SchemaError.
func OpenRunoff(path string) (*RunoffFile, error) {
	ff, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("riverine: opening runoff file: %v", err)
	}
	f, err := cdf.Open(ff)
	if err != nil {
		ff.Close()
		return nil, schemaErr(path, "reading runoff header: %v", err)
	}
	r := &RunoffFile{Path: path, f: f, ff: ff}
	if err := r.validate(); err != nil {
		ff.Close()
		return nil, err
	}
	return r, nil
}

func (r *RunoffFile) validate() error {
	if dims := r.f.Header.Dimensions(""); !reflect.DeepEqual(dims, runoffDims) {
		return schemaErr(r.Path, "runoff dimensions are %v; want %v", dims, runoffDims)
	}
	if vars := r.f.Header.Variables(); !reflect.DeepEqual(vars, runoffVars) {
		return schemaErr(r.Path, "runoff variables are %v; want %v", vars, runoffVars)
	}

	n := r.f.Header.Lengths("time")[0]
	if n == 0 { // record dimension
		fi, err := r.ff.Stat()
		if err != nil {
			return fmt.Errorf("riverine: stat %s: %v", r.Path, err)
		}
		n = int(r.f.Header.NumRecs(fi.Size()))
	}
	times, err := readFloats(r.f, "time", []int{0}, []int{n}, n)
	if err != nil {
		return schemaErr(r.Path, "reading time axis: %v", err)
	}
	r.Time = times

	regime, ok := detectRegime(times)
	if !ok {
		return schemaErr(r.Path, "unrecognized time axis: spacings %v", uniqueDiffs(times))
	}
	if len(times) != regime.TimeLen() {
		return schemaErr(r.Path, "time axis has %d samples; want %d for %v input",
			len(times), regime.TimeLen(), regime)
	}
	r.Regime = regime
	return nil
}

// detectRegime classifies the time axis by its set of unique sample
// spacings: {6} is low resolution, {1,3,6} high resolution.
func detectRegime(times []float64) (Regime, bool) {
	diffs := uniqueDiffs(times)
	switch {
	case reflect.DeepEqual(diffs, []int{6}):
		return LowRes, true
	case reflect.DeepEqual(diffs, []int{1, 3, 6}):
		return HighRes, true
	}
	return 0, false
}

func uniqueDiffs(times []float64) []int {
	seen := make(map[int]bool)
	for i := 1; i < len(times); i++ {
		d := times[i] - times[i-1]
		rd := math.Round(d)
		if math.Abs(d-rd) > 1e-6 {
			return nil // non-integral spacing never matches a regime
		}
		seen[int(rd)] = true
	}
	diffs := make([]int, 0, len(seen))
	for d := range seen {
		diffs = append(diffs, d)
	}
	sort.Ints(diffs)
	return diffs
}

// ReadSlab reads the cumulative runoff for the inclusive index ranges
// latMin..latMax and lonMin..lonMax across the whole time axis, returning an
// array shaped (T, nlat, nlon). Only the requested slab is held in memory.
// Negative grid values violate the cumulative-runoff contract and return a
// *SchemaError.
func (r *RunoffFile) ReadSlab(latMin, latMax, lonMin, lonMax int) (*sparse.DenseArray, error) {
	lens := r.f.Header.Lengths("RO")
	nlat, nlon := lens[1], lens[2]
	if latMin < 0 || lonMin < 0 || latMax >= nlat || lonMax >= nlon || latMin > latMax || lonMin > lonMax {
		return nil, schemaErr(r.Path, "weight table indexes lat %d..%d lon %d..%d outside grid %dx%d",
			latMin, latMax, lonMin, lonMax, nlat, nlon)
	}

	nt := len(r.Time)
	out := sparse.ZerosDense(nt, latMax-latMin+1, lonMax-lonMin+1)
	row := lonMax - lonMin + 1
	for t := 0; t < nt; t++ {
		for j := latMin; j <= latMax; j++ {
			vals, err := readFloats(r.f, "RO",
				[]int{t, j, lonMin}, []int{t, j, lonMax + 1}, row)
			if err != nil {
				return nil, fmt.Errorf("riverine: reading runoff slab at t=%d lat=%d: %v", t, j, err)
			}
			base := out.Index1d(t, j-latMin, 0)
			for i, v := range vals {
				if v < 0 {
					return nil, schemaErr(r.Path, "negative runoff %g at t=%d lat=%d lon=%d",
						v, t, j, lonMin+i)
				}
				out.Elements[base+i] = v
			}
		}
	}
	return out, nil
}

// Close releases the underlying file handle.
func (r *RunoffFile) Close() error { return r.ff.Close() }

// readFloats reads n elements of variable v between the given corners and
// widens them to float64 regardless of the variable's stored type. The end
// corner is exclusive, one element past the last index to read.
func readFloats(f *cdf.File, v string, begin, end []int, n int) ([]float64, error) {
	rr := f.Reader(v, begin, end)
	buf := rr.Zero(n)
	if _, err := rr.Read(buf); err != nil {
		return nil, err
	}
	switch b := buf.(type) {
	case []float64:
		return b, nil
	case []float32:
		out := make([]float64, len(b))
		for i, x := range b {
			out[i] = float64(x)
		}
		return out, nil
	case []int32:
		out := make([]float64, len(b))
		for i, x := range b {
			out[i] = float64(x)
		}
		return out, nil
	case []int16:
		out := make([]float64, len(b))
		for i, x := range b {
			out[i] = float64(x)
		}
		return out, nil
	case []uint8:
		out := make([]float64, len(b))
		for i, x := range b {
			out[i] = float64(x)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type %T for variable %s", buf, v)
}
