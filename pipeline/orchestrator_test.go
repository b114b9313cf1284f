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
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ctessum/cdf"
	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/riverine"
	"github.com/spatialmodel/riverine/routing"
	"github.com/spatialmodel/riverine/scheduler"
	"github.com/spatialmodel/riverine/store"
)

func discardLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// writeDischarge writes a normalized discharge file holding reach ids and a
// discharge variable dimensioned (COMID, time). rows is indexed
// [reach][time].
func writeDischarge(t *testing.T, path string, ids []int32, rows [][]float32) {
	t.Helper()
	nid, nt := len(ids), len(rows[0])
	h := cdf.NewHeader([]string{"time", "COMID"}, []int{nt, nid})
	h.AddVariable("COMID", []string{"COMID"}, []int32{0})
	h.AddVariable("Qout", []string{"COMID", "time"}, []float32{0})
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
	w := f.Writer("COMID", []int{0}, []int{nid})
	if n, err := w.Write(ids); err != nil && !(err == io.EOF && n == nid) {
		t.Fatal(err)
	}
	buf := make([]float32, 0, nid*nt)
	for _, row := range rows {
		buf = append(buf, row...)
	}
	w = f.Writer("Qout", []int{0, 0}, []int{nid, nt})
	if n, err := w.Write(buf); err != nil && !(err == io.EOF && n == nid*nt) {
		t.Fatal(err)
	}
	if err := ff.Close(); err != nil {
		t.Fatal(err)
	}
}

type fakeHandle struct{ id string }

func (h fakeHandle) JobID() string { return h.id }

// argValue returns the value following flag in an argument vector.
func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// fakeScheduler stands in for the batch backend. Wait materializes the
// routed artifact the way a real unit subprocess would, working from the
// same argument vector the orchestrator hands to real jobs.
type fakeScheduler struct {
	t *testing.T

	// fail maps ensemble members to a failure message; their jobs run but
	// report failure. silent members report success without writing an
	// artifact. block makes Wait hang until the context is canceled.
	fail   map[int]string
	silent map[int]bool
	block  bool

	// ids and rows are the discharge every successful job writes.
	ids  []int32
	rows [][]float32

	mu    sync.Mutex
	jobs  map[string]scheduler.Job
	order []string
}

func (s *fakeScheduler) Submit(ctx context.Context, job scheduler.Job) (scheduler.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs == nil {
		s.jobs = make(map[string]scheduler.Job)
	}
	if _, ok := s.jobs[job.ID]; !ok {
		s.order = append(s.order, job.ID)
	}
	s.jobs[job.ID] = job
	return fakeHandle{job.ID}, nil
}

func (s *fakeScheduler) Wait(ctx context.Context, h scheduler.Handle) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	job, ok := s.jobs[h.JobID()]
	s.mu.Unlock()
	if !ok {
		return &scheduler.JobFailure{ID: h.JobID(), Message: "never submitted"}
	}
	f, err := riverine.ParseForecastPath(argValue(job.Args, "--forecast"))
	if err != nil {
		return err
	}
	if msg, ok := s.fail[f.Ensemble]; ok {
		return &scheduler.JobFailure{ID: job.ID, Message: msg}
	}
	if s.silent[f.Ensemble] {
		return nil
	}
	qout := filepath.Join(argValue(job.Args, "--output"),
		routing.QoutName(argValue(job.Args, "--watershed"), argValue(job.Args, "--subbasin"), f.Ensemble))
	writeDischarge(s.t, qout, s.ids, s.rows)
	return nil
}

// fakeStore records catalog traffic.
type fakeStore struct {
	mu        sync.Mutex
	resources []string
	inits     []string
}

func (s *fakeStore) UploadResource(ctx context.Context, local, resource string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(local); err != nil {
		return err
	}
	s.resources = append(s.resources, resource)
	return nil
}

func (s *fakeStore) InitializeRun(ctx context.Context, watershed string, issue time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inits = append(s.inits, watershed+"@"+issue.UTC().Format("20060102.1504"))
	return nil
}

func (s *fakeStore) SyncInputs(ctx context.Context, dir string) error { return nil }

// makeCycleTree lays out an IO root with one basin plus a staging directory
// holding runoff files for members 1..n, sized so the high-resolution
// member sorts first.
func makeCycleTree(t *testing.T, n int) (root, stage string) {
	t.Helper()
	root = t.TempDir()
	basin := filepath.Join(root, "input", "nfie-r6")
	if err := os.MkdirAll(basin, 0755); err != nil {
		t.Fatal(err)
	}
	err := os.WriteFile(filepath.Join(basin, "rapid_connect_r6.csv"),
		[]byte("10,20,1,30\n20,30,1,10\n30,0,0,0\n"), 0644)
	if err != nil {
		t.Fatal(err)
	}
	stage = filepath.Join(root, "mirror", "Runoff.20080601.12.netcdf")
	if err := os.MkdirAll(stage, 0755); err != nil {
		t.Fatal(err)
	}
	for e := 1; e <= n; e++ {
		size := 10 * e
		if e == 52 {
			size = 10000
		}
		name := fmt.Sprintf("20080601.1200.%d.runoff.netcdf", e)
		if err := os.WriteFile(filepath.Join(stage, name), bytes.Repeat([]byte("x"), size), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root, stage
}

func newOrchestrator(root string, sch scheduler.Interface, st store.Store) *Orchestrator {
	return &Orchestrator{
		Scheduler:       sch,
		Store:           st,
		IORoot:          root,
		SchedulerLogDir: filepath.Join(root, "logs", "scheduler"),
		MainLogDir:      filepath.Join(root, "logs", "main"),
		Executable:      "/usr/local/bin/rapid",
		SelfExe:         "/usr/local/bin/riverine",
		InstanceID:      "53ab9137",
		UploadOutput:    true,
		InitializeFlows: true,
		Log:             discardLog(),
	}
}

func TestRunCycle(t *testing.T) {
	root, stage := makeCycleTree(t, 52)
	sch := &fakeScheduler{
		t:    t,
		fail: map[int]string{3: "matrix solver diverged", 17: "node evicted", 29: "node evicted"},
		ids:  []int32{10, 20},
		rows: [][]float32{{0, 1, 4, 3}, {0, 1, 6, 3}},
	}
	st := &fakeStore{}
	o := newOrchestrator(root, sch, st)

	rep, err := o.RunCycle(context.Background(), []string{stage})
	if err != nil {
		t.Fatal(err)
	}
	if got := rep.Count(Uploaded); got != 49 {
		t.Errorf("wrong uploaded count: %d != 49", got)
	}
	if got := rep.Count(Skipped); got != 3 {
		t.Errorf("wrong skipped count: %d != 3", got)
	}
	for _, u := range rep.Units {
		if !u.State.Terminal() {
			t.Errorf("unit %s left non-terminal: %v", u.JobID(), u.State)
		}
	}

	if len(sch.order) != 52 {
		t.Fatalf("wrong submission count: %d != 52", len(sch.order))
	}
	// The high-resolution member is the largest file and must route first.
	if got, want := sch.order[0], "job_20080601.1200_nfie-r6_0"; got != want {
		t.Errorf("wrong first job: %v != %v", got, want)
	}
	first := sch.jobs[sch.order[0]]
	f, err := riverine.ParseForecastPath(argValue(first.Args, "--forecast"))
	if err != nil {
		t.Fatal(err)
	}
	if f.Ensemble != 52 {
		t.Errorf("first job routes member %d; want the high-resolution member", f.Ensemble)
	}
	if got := argValue(first.Args, "--rapid"); got != "/usr/local/bin/rapid" {
		t.Errorf("wrong routing executable in job args: %q", got)
	}
	if !strings.Contains(strings.Join(first.Args, " "), "--warm-start") {
		t.Error("warm starting enabled but job args lack --warm-start")
	}
	if first.LogPath != filepath.Join(root, "logs", "scheduler", "20080601", first.ID+".log") {
		t.Errorf("wrong job log path: %q", first.LogPath)
	}

	if len(st.resources) != 49 {
		t.Fatalf("wrong upload count: %d != 49", len(st.resources))
	}
	if got, want := st.resources[0], "53ab9137-nfie-r6-20080601.1200-52"; got != want {
		t.Errorf("wrong first resource: %v != %v", got, want)
	}
	for _, r := range st.resources {
		if !strings.HasPrefix(r, "53ab9137-nfie-r6-20080601.1200-") {
			t.Errorf("wrong resource name: %q", r)
		}
	}
	if want := []string{"nfie@20080601.1200"}; !reflect.DeepEqual(st.inits, want) {
		t.Errorf("wrong run initializations: %v != %v", st.inits, want)
	}

	artifact := filepath.Join(root, "output", "nfie-r6", "20080601.1200", "Qout_nfie_r6_5.nc")
	if _, err := os.Stat(artifact); err != nil {
		t.Errorf("routed artifact missing: %v", err)
	}

	// The warm start averages the third time step over the 49 members that
	// routed, in connectivity order, with the unrouted reach at zero.
	qinit := filepath.Join(root, "input", "nfie-r6", "Qinit_file_r6_20080601t12.csv")
	b, err := os.ReadFile(qinit)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(b), "4\n6\n0\n"; got != want {
		t.Errorf("wrong warm start: %q != %q", got, want)
	}
}

func TestRunCycleResume(t *testing.T) {
	root, stage := makeCycleTree(t, 1)
	// A previous invocation already routed the lone unit.
	outDir := filepath.Join(root, "output", "nfie-r6", "20080601.1200")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeDischarge(t, filepath.Join(outDir, "Qout_nfie_r6_1.nc"),
		[]int32{10, 20}, [][]float32{{0, 1, 4, 3}, {0, 1, 6, 3}})

	sch := &fakeScheduler{t: t}
	st := &fakeStore{}
	o := newOrchestrator(root, sch, st)
	rep, err := o.RunCycle(context.Background(), []string{stage})
	if err != nil {
		t.Fatal(err)
	}
	if len(sch.order) != 0 {
		t.Errorf("resumed cycle resubmitted %d jobs", len(sch.order))
	}
	if got := rep.Count(Uploaded); got != 1 {
		t.Errorf("wrong uploaded count: %d != 1", got)
	}
	if want := []string{"53ab9137-nfie-r6-20080601.1200-1"}; !reflect.DeepEqual(st.resources, want) {
		t.Errorf("wrong uploads: %v != %v", st.resources, want)
	}
	// The pre-routed artifact still feeds the next cycle's warm start.
	if _, err := os.Stat(filepath.Join(root, "input", "nfie-r6", "Qinit_file_r6_20080601t12.csv")); err != nil {
		t.Errorf("warm start missing: %v", err)
	}
}

func TestRunCycleArtifactMissing(t *testing.T) {
	root, stage := makeCycleTree(t, 1)
	sch := &fakeScheduler{t: t, silent: map[int]bool{1: true}}
	st := &fakeStore{}
	o := newOrchestrator(root, sch, st)

	rep, err := o.RunCycle(context.Background(), []string{stage})
	if err != nil {
		t.Fatal(err)
	}
	u := rep.Units[0]
	if u.State != Skipped {
		t.Errorf("wrong state: %v != %v", u.State, Skipped)
	}
	if u.Err == nil || !strings.Contains(u.Err.Error(), "missing") {
		t.Errorf("wrong unit error: %v", u.Err)
	}
	if len(st.resources) != 0 {
		t.Errorf("unexpected uploads: %v", st.resources)
	}
	if _, err := os.Stat(filepath.Join(root, "input", "nfie-r6", "Qinit_file_r6_20080601t12.csv")); !os.IsNotExist(err) {
		t.Errorf("warm start written with no routed members: %v", err)
	}
}

func TestRunCycleCancel(t *testing.T) {
	root, stage := makeCycleTree(t, 2)
	sch := &fakeScheduler{t: t, block: true}
	o := newOrchestrator(root, sch, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	rep, err := o.RunCycle(ctx, []string{stage})
	if err != context.DeadlineExceeded {
		t.Errorf("wrong error: %v != %v", err, context.DeadlineExceeded)
	}
	if rep == nil {
		t.Fatal("canceled cycle returned no report")
	}
	if len(sch.order) != 2 {
		t.Errorf("wrong submission count: %d != 2", len(sch.order))
	}
}

func TestUnits(t *testing.T) {
	root, stage := makeCycleTree(t, 0)
	for _, b := range []string{"nfie-r7", "scratch"} {
		if err := os.MkdirAll(filepath.Join(root, "input", b), 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "input", "README"), []byte("notes\n"), 0644); err != nil {
		t.Fatal(err)
	}
	sizes := map[int]int{52: 10000, 7: 70, 2: 20}
	for e, size := range sizes {
		name := fmt.Sprintf("20080601.1200.%d.runoff.netcdf", e)
		if err := os.WriteFile(filepath.Join(stage, name), bytes.Repeat([]byte("x"), size), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(stage, "readme.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	o := newOrchestrator(root, nil, nil)
	units, err := o.Units([]string{stage})
	if err != nil {
		t.Fatal(err)
	}

	// Forecast-major enumeration, largest forecast first, basins in
	// directory order within each forecast.
	var got []string
	for _, u := range units {
		got = append(got, fmt.Sprintf("%d/%s", u.Forecast.Ensemble, u.Basin.Dir()))
	}
	want := []string{"52/nfie-r6", "52/nfie-r7", "7/nfie-r6", "7/nfie-r7", "2/nfie-r6", "2/nfie-r7"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("wrong enumeration: %v != %v", got, want)
	}
	for i, u := range units {
		if u.Seq != i {
			t.Errorf("wrong sequence number: %d != %d", u.Seq, i)
		}
	}
	u := units[0]
	if want := filepath.Join(root, "input", "nfie-r6"); u.InputDir != want {
		t.Errorf("wrong input dir: %v != %v", u.InputDir, want)
	}
	if want := filepath.Join(root, "output", "nfie-r6", "20080601.1200"); u.OutputDir != want {
		t.Errorf("wrong output dir: %v != %v", u.OutputDir, want)
	}
	if want := filepath.Join(root, "work", "job_20080601.1200_nfie-r6_0"); u.WorkDir != want {
		t.Errorf("wrong work dir: %v != %v", u.WorkDir, want)
	}
}

func TestGroupByCycle(t *testing.T) {
	r6, r7 := Basin{"nfie", "r6"}, Basin{"nfie", "r7"}
	f := func(e int) riverine.ForecastFile {
		return riverine.ForecastFile{IssueDate: "20080601", HourToken: "1200", Ensemble: e}
	}
	units := []*Unit{
		{Forecast: f(52), Basin: r6},
		{Forecast: f(52), Basin: r7},
		{Forecast: f(1), Basin: r6},
		{Forecast: f(1), Basin: r7},
	}
	groups := groupByCycle(units)
	if len(groups) != 2 {
		t.Fatalf("wrong group count: %d != 2", len(groups))
	}
	if groups[0].Basin != r6 || groups[1].Basin != r7 {
		t.Errorf("wrong group order: %v, %v", groups[0].Basin, groups[1].Basin)
	}
	for _, g := range groups {
		if len(g.Units) != 2 {
			t.Errorf("wrong group size for %s: %d != 2", g.Basin.Dir(), len(g.Units))
		}
		if g.Stamp != "20080601.1200" {
			t.Errorf("wrong group stamp: %v", g.Stamp)
		}
	}
}
