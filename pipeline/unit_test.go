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
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"

	"github.com/ctessum/cdf"

	"github.com/spatialmodel/riverine"
	"github.com/spatialmodel/riverine/routing"
)

func TestParseBasin(t *testing.T) {
	tests := []struct {
		dir  string
		want Basin
		ok   bool
	}{
		{"nfie-r6", Basin{"nfie", "r6"}, true},
		{"korean-peninsula-r1", Basin{"korean-peninsula", "r1"}, true},
		{"watershed", Basin{}, false},
		{"-r6", Basin{}, false},
		{"nfie-", Basin{}, false},
	}
	for _, test := range tests {
		got, err := ParseBasin(test.dir)
		if test.ok != (err == nil) {
			t.Errorf("%s: unexpected error state: %v", test.dir, err)
			continue
		}
		if got != test.want {
			t.Errorf("%s: wrong basin: %v != %v", test.dir, got, test.want)
		}
		if test.ok && got.Dir() != test.dir {
			t.Errorf("%s: directory name does not round-trip: %v", test.dir, got.Dir())
		}
	}
}

func TestJobID(t *testing.T) {
	u := &Unit{
		Forecast: riverine.ForecastFile{IssueDate: "20080601", HourToken: "1200", Ensemble: 7},
		Basin:    Basin{"nfie", "r6"},
		Seq:      13,
	}
	if got, want := u.JobID(), "job_20080601.1200_nfie-r6_13"; got != want {
		t.Errorf("wrong job id: %v != %v", got, want)
	}
}

func TestStateTerminal(t *testing.T) {
	for s, want := range map[State]bool{
		New: false, Submitted: false, Running: false, Failed: false,
		Completed: true, Uploaded: true, Skipped: true,
	} {
		if got := s.Terminal(); got != want {
			t.Errorf("%v: wrong terminality: %v != %v", s, got, want)
		}
	}
}

const unitTemplate = `&NL_namelist
BS_opt_Qinit       =.false.
BS_opt_dam         =.false.
IS_opt_run         = 1
IS_max_up          = 2
ZS_TauM            = 99
ZS_dtM             = 99
ZS_TauR            = 99
rapid_connect_file = '/old/rapid_connect.csv'
IS_riv_tot         = 5
Vlat_file          = '/old/m3_riv.nc'
riv_bas_id_file    = '/old/riv_bas_id.csv'
IS_riv_bas         = 5
k_file             = '/old/k.csv'
x_file             = '/old/x.csv'
Qinit_file         = ''
Qout_file          = '/old/Qout.nc'
/
`

// writeUnitInputs populates a basin input directory with the full routing
// support set for watershed nfie, subbasin r6, on a 2x2 runoff grid with
// reaches 10 and 20.
func writeUnitInputs(t *testing.T, dir string) {
	t.Helper()
	files := map[string]string{
		"rapid_connect_r6.csv":   "10,20,1,30\n20,30,1,10\n30,0,0,0\n",
		"riv_bas_id_r6.csv":      "10\n20\n30\n",
		"k.csv":                  "900\n900\n900\n",
		"x.csv":                  "0.3\n0.3\n0.3\n",
		"comid_lat_lon_z_r6.csv": "COMID,Lat,Lon,Elev_m\n10,40.5,-111.9,1500\n20,41.0,-112.1,1320.5\n",
		"weight_low_res.csv": "streamID,area_sqm,lon_index,lat_index,npoints,weight,Lon,Lat\n" +
			"10,1000,0,0,1,1,0,0\n" +
			"20,1000,1,1,1,1,1,1\n",
		"rapid_namelist_template.dat": unitTemplate,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

// writeRunoff writes a 61-sample 6-hourly ensemble runoff fixture on an
// nlat x nlon grid with constant unit depth.
func writeRunoff(t *testing.T, path string, nlat, nlon int) {
	t.Helper()
	const nt = 61
	h := cdf.NewHeader([]string{"lon", "lat", "time"}, []int{nlon, nlat, nt})
	h.AddVariable("lon", []string{"lon"}, []float64{0})
	h.AddVariable("lat", []string{"lat"}, []float64{0})
	h.AddVariable("time", []string{"time"}, []float64{0})
	h.AddVariable("RO", []string{"time", "lat", "lon"}, []float32{0})
	h.AddAttribute("RO", "units", "m")
	h.Define()
	if errs := h.Check(); len(errs) > 0 {
		t.Fatal(errs[0])
	}

	ff, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer ff.Close()
	f, err := cdf.Create(ff, h)
	if err != nil {
		t.Fatal(err)
	}
	axis := func(n int) []float64 {
		v := make([]float64, n)
		for i := range v {
			v[i] = float64(i)
		}
		return v
	}
	times := make([]float64, nt)
	for i := range times {
		times[i] = float64(6 * i)
	}
	writeFixtureVar(t, f, "lon", []int{0}, []int{nlon}, axis(nlon))
	writeFixtureVar(t, f, "lat", []int{0}, []int{nlat}, axis(nlat))
	writeFixtureVar(t, f, "time", []int{0}, []int{nt}, times)
	ro := make([]float32, nt*nlat*nlon)
	for i := range ro {
		ro[i] = 1
	}
	writeFixtureVar(t, f, "RO", []int{0, 0, 0}, []int{nt, nlat, nlon}, ro)
}

// writeRoutedRaw writes a file shaped like the routing executable's output:
// a lone discharge variable dimensioned (Time, COMID). flow is indexed
// [time][reach].
func writeRoutedRaw(t *testing.T, path string, flow [][]float32) {
	t.Helper()
	nt, nid := len(flow), len(flow[0])
	h := cdf.NewHeader([]string{"Time", "COMID"}, []int{nt, nid})
	h.AddVariable("Qout", []string{"Time", "COMID"}, []float32{0})
	h.Define()
	if errs := h.Check(); len(errs) > 0 {
		t.Fatal(errs[0])
	}
	ff, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	f, err := cdf.Create(ff, h)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]float32, 0, nt*nid)
	for _, row := range flow {
		buf = append(buf, row...)
	}
	w := f.Writer("Qout", []int{0, 0}, []int{nt, nid})
	if n, err := w.Write(buf); err != nil && !(err == io.EOF && n == nt*nid) {
		t.Fatal(err)
	}
	if err := ff.Close(); err != nil {
		t.Fatal(err)
	}
}

func writeFixtureVar(t *testing.T, f *cdf.File, v string, begin, end []int, data interface{}) {
	t.Helper()
	w := f.Writer(v, begin, end)
	if _, err := w.Write(data); err != nil && err != io.EOF {
		t.Fatalf("writing %s: %v", v, err)
	}
}

// readValues reads a variable slab and widens it to float64.
func readValues(t *testing.T, f *cdf.File, v string, begin, end []int, n int) []float64 {
	t.Helper()
	r := f.Reader(v, begin, end)
	buf := r.Zero(n)
	if _, err := r.Read(buf); err != nil && err != io.EOF {
		t.Fatal(err)
	}
	switch b := buf.(type) {
	case []float64:
		return b
	case []float32:
		out := make([]float64, n)
		for i, x := range b {
			out[i] = float64(x)
		}
		return out
	case []int32:
		out := make([]float64, n)
		for i, x := range b {
			out[i] = float64(x)
		}
		return out
	}
	t.Fatalf("unhandled type %T for %s", buf, v)
	return nil
}

// fakeExe writes an executable shell script standing in for an external
// binary.
func fakeExe(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script binaries need a unix-like OS")
	}
	path := filepath.Join(t.TempDir(), "fakebin")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStagesRun(t *testing.T) {
	input := t.TempDir()
	writeUnitInputs(t, input)
	forecast := filepath.Join(t.TempDir(), "20080601.1200.1.runoff.netcdf")
	writeRunoff(t, forecast, 2, 2)

	// The fake routing binary drops a pre-built raw discharge file where
	// the namelist's Qout_file points.
	raw := filepath.Join(t.TempDir(), "routed.nc")
	writeRoutedRaw(t, raw, [][]float32{{1, 2}, {3, 4}, {5, 6}, {7, 8}})
	work := filepath.Join(t.TempDir(), "work")
	out := filepath.Join(t.TempDir(), "out")
	exe := fakeExe(t, fmt.Sprintf("test -f rapid_namelist || exit 9\ncp %s %s\nexit 0\n",
		raw, filepath.Join(work, "Qout_nfie_r6_1.nc")))

	s := &Stages{
		ForecastPath: forecast,
		Basin:        Basin{"nfie", "r6"},
		InputDir:     input,
		WorkDir:      work,
		OutputDir:    out,
		Executable:   exe,
		Log:          discardLog(),
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(work); !os.IsNotExist(err) {
		t.Errorf("work directory not removed after success: %v", err)
	}
	artifact := filepath.Join(out, "Qout_nfie_r6_1.nc")
	ff, err := os.Open(artifact)
	if err != nil {
		t.Fatal(err)
	}
	defer ff.Close()
	f, err := cdf.Open(ff)
	if err != nil {
		t.Fatal(err)
	}
	wantVars := []string{"COMID", "time", "lat", "lon", "z", "Qout", "crs"}
	if got := f.Header.Variables(); !reflect.DeepEqual(got, wantVars) {
		t.Fatalf("artifact not normalized: %v != %v", got, wantVars)
	}
	if got, want := readValues(t, f, "COMID", []int{0}, []int{2}, 2), []float64{10, 20}; !reflect.DeepEqual(got, want) {
		t.Errorf("wrong reach ids: %v != %v", got, want)
	}
	got := readValues(t, f, "Qout", []int{0, 0}, []int{2, 4}, 8)
	if want := []float64{1, 3, 5, 7, 2, 4, 6, 8}; !reflect.DeepEqual(got, want) {
		t.Errorf("discharge not transposed to (reach, time): %v != %v", got, want)
	}
	if got, want := readValues(t, f, "lat", []int{0}, []int{2}, 2), []float64{40.5, 41.0}; !reflect.DeepEqual(got, want) {
		t.Errorf("wrong latitudes: %v != %v", got, want)
	}
}

func TestStagesRunFailure(t *testing.T) {
	input := t.TempDir()
	writeUnitInputs(t, input)
	forecast := filepath.Join(t.TempDir(), "20080601.1200.1.runoff.netcdf")
	writeRunoff(t, forecast, 2, 2)

	work := filepath.Join(t.TempDir(), "work")
	out := filepath.Join(t.TempDir(), "out")
	s := &Stages{
		ForecastPath: forecast,
		Basin:        Basin{"nfie", "r6"},
		InputDir:     input,
		WorkDir:      work,
		OutputDir:    out,
		Executable:   fakeExe(t, "echo matrix solver diverged >&2\nexit 3\n"),
		Log:          discardLog(),
	}
	err := s.Run(context.Background())
	if _, ok := err.(*routing.RoutingFailure); !ok {
		t.Fatalf("want *RoutingFailure, got %v", err)
	}
	// The sandbox stays for diagnosis and no artifact appears.
	if _, err := os.Stat(work); err != nil {
		t.Errorf("work directory removed after failure: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "Qout_nfie_r6_1.nc")); !os.IsNotExist(err) {
		t.Errorf("artifact present after failure: %v", err)
	}
}
