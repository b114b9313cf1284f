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
	"io"
	"os"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
	"github.com/gonum/floats"
)

// BuildInflow turns one ensemble runoff forecast into per-reach incremental
// inflow volumes and writes them to outPath as a classic-format NetCDF.
//
// The runoff variable is read once, bounded to the lat/lon index slab the
// weight table touches. Because the source series is cumulative since
// forecast start, each output bucket is a pairwise difference of samples;
// the first bucket takes the first sample as-is. Differenced values are
// multiplied by each cell's contributing area and summed per reach group.
//
// Negative increments can occur when the upstream accumulation dips; they
// are written unchanged rather than clamped.
func BuildInflow(r *RunoffFile, t *WeightTable, cadence Cadence, outPath string) error {
	groups, err := t.Groups()
	if err != nil {
		return err
	}

	latMin, latMax, lonMin, lonMax := t.Bounds()
	slab, err := r.ReadSlab(latMin, latMax, lonMin, lonMax)
	if err != nil {
		return err
	}

	s, areas := reindex(slab, t, latMin, lonMin)
	out := decumulate(s, areas, groups, r.Regime.decumulationPlan(cadence))
	if err := writeInflow(outPath, t.DimName, out); err != nil {
		return fmt.Errorf("riverine: writing inflow file: %v", err)
	}
	return nil
}

// reindex flattens the (T, nlat, nlon) slab into a (T, K) matrix whose
// column k is the grid time series for weight row k, along with the per-row
// contributing areas.
func reindex(slab *sparse.DenseArray, t *WeightTable, latMin, lonMin int) (*sparse.DenseArray, []float64) {
	nt, nlon := slab.Shape[0], slab.Shape[2]
	k := len(t.Rows)
	s := sparse.ZerosDense(nt, k)
	areas := make([]float64, k)
	cols := make([]int, k)
	for i, row := range t.Rows {
		cols[i] = (row.LatIndex-latMin)*nlon + (row.LonIndex-lonMin)
		areas[i] = row.AreaSqM
	}
	perTime := slab.Shape[1] * nlon
	for ti := 0; ti < nt; ti++ {
		src := slab.Elements[ti*perTime : (ti+1)*perTime]
		dst := s.Elements[ti*k : (ti+1)*k]
		for i, c := range cols {
			dst[i] = src[c]
		}
	}
	return s, areas
}

// decumulate executes the regime's differencing plan over the reindexed
// matrix, applies area weighting, and sums each contiguous reach group into
// one output column. The result is shaped (T_out, R).
func decumulate(s *sparse.DenseArray, areas []float64, groups []WeightGroup, plan []diffStep) *sparse.DenseArray {
	k := s.Shape[1]
	nr := len(groups)
	out := sparse.ZerosDense(len(plan), nr)
	scratch := make([]float64, k)
	for i, step := range plan {
		copy(scratch, s.Elements[step.a*k:(step.a+1)*k])
		if step.b >= 0 {
			floats.Sub(scratch, s.Elements[step.b*k:(step.b+1)*k])
		}
		floats.Mul(scratch, areas)
		for gi, g := range groups {
			out.Elements[i*nr+gi] = floats.Sum(scratch[g.First : g.First+len(g.Rows)])
		}
	}
	return out
}

// writeInflow writes the (Time, reach) inflow tensor. The reach dimension is
// named after column 0 of the weight-table header so downstream tooling sees
// the same identifier family the table used.
func writeInflow(path, dimName string, data *sparse.DenseArray) error {
	h := cdf.NewHeader([]string{"Time", dimName}, []int{data.Shape[0], data.Shape[1]})
	h.AddVariable("m3_riv", []string{"Time", dimName}, []float32{0})
	h.AddAttribute("m3_riv", "units", "m^3")
	h.Define()
	if errs := h.Check(); len(errs) > 0 {
		return errs[0]
	}

	ff, err := os.Create(path)
	if err != nil {
		return err
	}
	defer ff.Close()
	f, err := cdf.Create(ff, h)
	if err != nil {
		return err
	}

	data32 := make([]float32, len(data.Elements))
	for i, e := range data.Elements {
		data32[i] = float32(e)
	}
	w := f.Writer("m3_riv", []int{0, 0}, []int{data.Shape[0], data.Shape[1]})
	// A write that exactly fills the bounded range surfaces io.EOF from the
	// strided writer; that is success.
	if n, err := w.Write(data32); err != nil && !(err == io.EOF && n == len(data32)) {
		return err
	}
	return nil
}
