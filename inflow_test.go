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
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/ctessum/cdf"
)

// readInflow reads back a written inflow file as (dimension names, rows).
func readInflow(t *testing.T, path string) ([]string, [][]float64) {
	t.Helper()
	ff, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer ff.Close()
	f, err := cdf.Open(ff)
	if err != nil {
		t.Fatal(err)
	}
	dims := f.Header.Dimensions("m3_riv")
	lens := f.Header.Lengths("m3_riv")
	vals, err := readFloats(f, "m3_riv", []int{0, 0}, []int{lens[0], lens[1]}, lens[0]*lens[1])
	if err != nil {
		t.Fatal(err)
	}
	rows := make([][]float64, lens[0])
	for i := range rows {
		rows[i] = vals[i*lens[1] : (i+1)*lens[1]]
	}
	return dims, rows
}

// A constant cumulative series decumulates to its first sample followed by
// zeros, scaled by the contributing area.
func TestBuildInflowLowRes(t *testing.T) {
	dir := t.TempDir()
	runoffPath := filepath.Join(dir, "20080601.0.1.runoff.netcdf")
	writeRunoffFixture(t, runoffPath, lowResTimes(), 1, 1, constRO(1), false)

	weightPath := writeTempFile(t, "weight_low_res.csv",
		"rivid,area_sqm,lon_index,lat_index,npoints,weight,Lon,Lat\n"+
			"5,10.0,0,0,1,1.0,-120.0,45.0\n")
	table, err := ReadWeightTable(weightPath)
	if err != nil {
		t.Fatal(err)
	}

	r, err := OpenRunoff(runoffPath)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	outPath := filepath.Join(dir, "m3_riv_bas_nile_main_1.nc")
	if err := BuildInflow(r, table, Cadence6h, outPath); err != nil {
		t.Fatal(err)
	}

	dims, rows := readInflow(t, outPath)
	if want := []string{"Time", "rivid"}; !reflect.DeepEqual(dims, want) {
		t.Errorf("wrong dimensions: %v != %v", dims, want)
	}
	if len(rows) != 61 {
		t.Fatalf("wrong row count: %d != 61", len(rows))
	}
	if rows[0][0] != 10 {
		t.Errorf("wrong first bucket: %g != 10", rows[0][0])
	}
	for i := 1; i < len(rows); i++ {
		if rows[i][0] != 0 {
			t.Fatalf("bucket %d: %g != 0", i, rows[i][0])
		}
	}
}

// With RO equal to the forecast hour, every uniform bucket increment equals
// the cadence in hours regardless of the native segment it straddles.
func TestBuildInflowHighRes(t *testing.T) {
	times := highResTimes()
	ro := func(ti, j, i int) float32 { return float32(times[ti]) }

	tests := []struct {
		cadence Cadence
		rows    int
		incr    float64
	}{
		{Cadence1h, 91, 1},
		{Cadence3h, 49, 3},
		{Cadence6h, 41, 6},
	}
	for _, test := range tests {
		t.Run(test.cadence.String(), func(t *testing.T) {
			dir := t.TempDir()
			runoffPath := filepath.Join(dir, "20080601.0.52.runoff.netcdf")
			writeRunoffFixture(t, runoffPath, times, 1, 1, ro, false)

			weightPath := writeTempFile(t, "weight_high_res.csv",
				"rivid,area_sqm,lon_index,lat_index,npoints,weight,Lon,Lat\n"+
					"5,1.0,0,0,1,1.0,-120.0,45.0\n")
			table, err := ReadWeightTable(weightPath)
			if err != nil {
				t.Fatal(err)
			}

			r, err := OpenRunoff(runoffPath)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()

			outPath := filepath.Join(dir, "m3_riv.nc")
			if err := BuildInflow(r, table, test.cadence, outPath); err != nil {
				t.Fatal(err)
			}

			_, rows := readInflow(t, outPath)
			if len(rows) != test.rows {
				t.Fatalf("wrong row count: %d != %d", len(rows), test.rows)
			}
			if rows[0][0] != 0 {
				t.Errorf("wrong first bucket: %g != 0", rows[0][0])
			}
			for i := 1; i < len(rows); i++ {
				if rows[i][0] != test.incr {
					t.Fatalf("bucket %d: %g != %g", i, rows[i][0], test.incr)
				}
			}
		})
	}
}

// Each reach column is the area-weighted sum of its group's decumulated
// cell series.
func TestBuildInflowGroupSum(t *testing.T) {
	dir := t.TempDir()
	runoffPath := filepath.Join(dir, "20080601.0.1.runoff.netcdf")
	// Cell (lat j, lon i) accumulates at slope 1+2j+i per time index.
	ro := func(ti, j, i int) float32 { return float32(ti * (1 + 2*j + i)) }
	writeRunoffFixture(t, runoffPath, lowResTimes(), 2, 2, ro, false)

	weightPath := writeTempFile(t, "weights.csv",
		"comid,area_sqm,lon_index,lat_index,npoints,weight,Lon,Lat\n"+
			"7,2.0,0,0,2,0.4,-120.0,45.0\n"+
			"7,3.0,1,1,2,0.6,-119.75,45.25\n"+
			"9,1.0,1,0,1,1.0,-119.75,45.0\n")
	table, err := ReadWeightTable(weightPath)
	if err != nil {
		t.Fatal(err)
	}

	r, err := OpenRunoff(runoffPath)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	outPath := filepath.Join(dir, "m3_riv.nc")
	if err := BuildInflow(r, table, Cadence6h, outPath); err != nil {
		t.Fatal(err)
	}

	dims, rows := readInflow(t, outPath)
	if want := []string{"Time", "comid"}; !reflect.DeepEqual(dims, want) {
		t.Errorf("wrong dimensions: %v != %v", dims, want)
	}
	if rows[0][0] != 0 || rows[0][1] != 0 {
		t.Errorf("wrong first bucket: %v != [0 0]", rows[0])
	}
	// Reach 7 sums cells with slopes 1 and 4 over areas 2 and 3;
	// reach 9 is the slope-2 cell over area 1.
	for i := 1; i < len(rows); i++ {
		if rows[i][0] != 14 || rows[i][1] != 2 {
			t.Fatalf("bucket %d: %v != [14 2]", i, rows[i])
		}
	}
}

// A dip in the cumulative series produces a negative increment, which is
// preserved in the output rather than clamped.
func TestBuildInflowNegativeIncrement(t *testing.T) {
	dir := t.TempDir()
	runoffPath := filepath.Join(dir, "20080601.0.1.runoff.netcdf")
	ro := func(ti, j, i int) float32 {
		switch {
		case ti == 0:
			return 0
		case ti == 1:
			return 5
		}
		return 3
	}
	writeRunoffFixture(t, runoffPath, lowResTimes(), 1, 1, ro, false)

	weightPath := writeTempFile(t, "weights.csv",
		"rivid,area_sqm,lon_index,lat_index,npoints,weight,Lon,Lat\n"+
			"5,1.0,0,0,1,1.0,-120.0,45.0\n")
	table, err := ReadWeightTable(weightPath)
	if err != nil {
		t.Fatal(err)
	}

	r, err := OpenRunoff(runoffPath)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	outPath := filepath.Join(dir, "m3_riv.nc")
	if err := BuildInflow(r, table, Cadence6h, outPath); err != nil {
		t.Fatal(err)
	}

	_, rows := readInflow(t, outPath)
	want := []float64{0, 5, -2, 0}
	for i, w := range want {
		if rows[i][0] != w {
			t.Errorf("bucket %d: %g != %g", i, rows[i][0], w)
		}
	}
}

// A malformed reach grouping fails the build before any output is written.
func TestBuildInflowGroupingViolation(t *testing.T) {
	dir := t.TempDir()
	runoffPath := filepath.Join(dir, "20080601.0.1.runoff.netcdf")
	writeRunoffFixture(t, runoffPath, lowResTimes(), 2, 2, constRO(1), false)

	weightPath := writeTempFile(t, "weights.csv",
		"rivid,area_sqm,lon_index,lat_index,npoints,weight,Lon,Lat\n"+
			"7,2.0,0,0,3,0.4,-120.0,45.0\n"+
			"7,3.0,1,1,3,0.3,-119.75,45.25\n"+
			"9,1.0,1,0,3,0.3,-119.75,45.0\n")
	table, err := ReadWeightTable(weightPath)
	if err != nil {
		t.Fatal(err)
	}

	r, err := OpenRunoff(runoffPath)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	outPath := filepath.Join(dir, "m3_riv.nc")
	err = BuildInflow(r, table, Cadence6h, outPath)
	if _, ok := err.(*GroupingError); !ok {
		t.Fatalf("wrong error type: %T (%v)", err, err)
	}
	if _, err := os.Stat(outPath); !os.IsNotExist(err) {
		t.Error("no output file should be written")
	}
}
