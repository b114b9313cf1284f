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
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/riverine"
	"github.com/spatialmodel/riverine/routing"
	"github.com/spatialmodel/riverine/scheduler"
	"github.com/spatialmodel/riverine/store"
)

// An Orchestrator runs forecast cycles. It is single-threaded: jobs are
// submitted in order and waited on in order, and all fanout lives in the
// scheduler's subprocesses.
type Orchestrator struct {
	Scheduler scheduler.Interface

	// Store receives routed artifacts and run records; nil disables all
	// store interaction.
	Store store.Store

	// IORoot holds the input/, output/, and work/ trees.
	IORoot string

	// SchedulerLogDir receives per-job logs in <YYYYMMDD>/ subdirectories;
	// MainLogDir holds the orchestrator's own logs. Both are subject to
	// the seven-day hygiene sweep.
	SchedulerLogDir string
	MainLogDir      string

	// Executable is the external routing binary units run.
	Executable string

	// SelfExe is the riverine binary used for unit argv; empty means the
	// current executable.
	SelfExe string

	// Cadence selects the inflow bucket width for high-resolution members.
	Cadence riverine.Cadence

	InstanceID string

	// UploadOutput publishes each routed artifact as soon as its unit
	// completes. InitializeFlows builds the next cycle's warm-start files
	// after every unit is terminal, and enables warm starting in units.
	UploadOutput    bool
	InitializeFlows bool

	// Warnings, when set, runs the external warning-point generator for
	// each basin after the cycle.
	Warnings *WarningPoints

	Log logrus.FieldLogger
}

// A Report summarizes one cycle. Unit failures are recorded here, not
// returned as errors: RunCycle only errors on infrastructural failure.
type Report struct {
	Units   []*Unit
	Started time.Time
	Elapsed time.Duration
}

// Count returns the number of units in state s.
func (r *Report) Count(s State) int {
	n := 0
	for _, u := range r.Units {
		if u.State == s {
			n++
		}
	}
	return n
}

// Basins lists the <watershed>-<subbasin> directories of the input tree.
func (o *Orchestrator) Basins() ([]Basin, error) {
	log := o.log()
	entries, err := os.ReadDir(filepath.Join(o.IORoot, "input"))
	if err != nil {
		return nil, fmt.Errorf("pipeline: listing basins: %v", err)
	}
	var basins []Basin
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := ParseBasin(e.Name())
		if err != nil {
			log.WithFields(logrus.Fields{"dir": e.Name()}).
				Warn("input directory is not a basin; ignoring")
			continue
		}
		basins = append(basins, b)
	}
	return basins, nil
}

// Units pairs every ensemble forecast found in the extracted cycle
// directories with every basin. Forecasts are ordered largest file first,
// so the heavy high-resolution member starts routing before the tail.
func (o *Orchestrator) Units(forecastDirs []string) ([]*Unit, error) {
	log := o.log()
	var forecasts []riverine.ForecastFile
	for _, dir := range forecastDirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*.runoff.netcdf"))
		if err != nil {
			return nil, fmt.Errorf("pipeline: listing forecasts in %s: %v", dir, err)
		}
		for _, m := range matches {
			f, err := riverine.ParseForecastPath(m)
			if err != nil {
				log.WithFields(logrus.Fields{"file": m, "error": err}).
					Warn("ignoring unrecognized forecast file")
				continue
			}
			if fi, err := os.Stat(m); err == nil {
				f.Size = fi.Size()
			}
			forecasts = append(forecasts, f)
		}
	}
	riverine.SortForecastsBySize(forecasts)

	basins, err := o.Basins()
	if err != nil {
		return nil, err
	}
	var units []*Unit
	for _, f := range forecasts {
		for _, b := range basins {
			u := &Unit{
				Forecast:  f,
				Basin:     b,
				Seq:       len(units),
				InputDir:  filepath.Join(o.IORoot, "input", b.Dir()),
				OutputDir: filepath.Join(o.IORoot, "output", b.Dir(), f.Stamp()),
			}
			u.WorkDir = filepath.Join(o.IORoot, "work", u.JobID())
			units = append(units, u)
		}
	}
	return units, nil
}

// RunCycle processes the forecasts extracted into forecastDirs end to end.
// Unit-level failures mark units Skipped and the cycle continues; the
// returned error is non-nil only for infrastructural failures, including
// cancellation.
func (o *Orchestrator) RunCycle(ctx context.Context, forecastDirs []string) (*Report, error) {
	log := o.log()
	started := time.Now()
	CleanLogs(o.SchedulerLogDir, o.MainLogDir, started, log)

	units, err := o.Units(forecastDirs)
	if err != nil {
		return nil, err
	}
	rep := &Report{Units: units, Started: started}
	defer func() { rep.Elapsed = time.Since(started) }()
	if len(units) == 0 {
		log.Warn("no work units this cycle")
		return rep, nil
	}
	log.WithFields(logrus.Fields{"units": len(units)}).Info("cycle enumerated")

	if o.Store != nil {
		o.initializeRuns(ctx, units)
	}

	handles := make(map[*Unit]scheduler.Handle)
	for _, u := range units {
		if _, err := os.Stat(u.QoutPath()); err == nil {
			// Already routed by a previous invocation.
			u.State = Completed
			log.WithFields(logrus.Fields{"job": u.JobID()}).
				Info("artifact already routed; not resubmitting")
			continue
		}
		if err := o.prepareDirs(u); err != nil {
			u.State, u.Err = Failed, err
			continue
		}
		h, err := o.Scheduler.Submit(ctx, scheduler.Job{
			ID:      u.JobID(),
			Args:    o.unitArgs(u),
			LogPath: o.jobLogPath(u),
		})
		if err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			u.State, u.Err = Failed, err
			log.WithFields(logrus.Fields{"job": u.JobID(), "error": err}).
				Warn("submission failed")
			continue
		}
		u.State = Submitted
		handles[u] = h
	}

	for _, u := range units {
		h, ok := handles[u]
		if !ok {
			if u.State == Completed {
				o.upload(ctx, u)
			}
			continue
		}
		u.State = Running
		err := o.Scheduler.Wait(ctx, h)
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if err != nil {
			u.State, u.Err = Failed, err
			continue
		}
		if _, err := os.Stat(u.QoutPath()); err != nil {
			u.State, u.Err = Failed,
				fmt.Errorf("pipeline: job %s reported success but %s is missing", u.JobID(), u.QoutPath())
			continue
		}
		u.State = Completed
		o.upload(ctx, u)
	}

	for _, u := range units {
		if u.State == Failed {
			log.WithFields(logrus.Fields{"job": u.JobID(), "error": u.Err}).
				Warn("work unit skipped")
			u.State = Skipped
		}
	}

	// Warm-start files are built only once every unit of the cycle is
	// terminal, so next cycle's namelists never race this cycle's routing.
	if o.InitializeFlows {
		o.propagateInitFlows(units)
	}
	if o.Warnings != nil {
		o.runWarnings(ctx, units)
	}

	log.WithFields(logrus.Fields{
		"uploaded":  rep.Count(Uploaded),
		"completed": rep.Count(Completed),
		"skipped":   rep.Count(Skipped),
		"duration":  time.Since(started),
	}).Info("cycle finished")
	return rep, nil
}

func (o *Orchestrator) log() logrus.FieldLogger {
	if o.Log == nil {
		return logrus.StandardLogger()
	}
	return o.Log
}

func (o *Orchestrator) prepareDirs(u *Unit) error {
	for _, dir := range []string{u.OutputDir, u.WorkDir} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return fmt.Errorf("pipeline: creating %s: %v", dir, err)
		}
	}
	return nil
}

func (o *Orchestrator) unitArgs(u *Unit) []string {
	self := o.SelfExe
	if self == "" {
		if exe, err := os.Executable(); err == nil {
			self = exe
		} else {
			self = "riverine"
		}
	}
	args := []string{self, "unit",
		"--forecast", u.Forecast.Path,
		"--watershed", u.Basin.Watershed,
		"--subbasin", u.Basin.Subbasin,
		"--input", u.InputDir,
		"--work", u.WorkDir,
		"--output", u.OutputDir,
		"--rapid", o.Executable,
	}
	if o.Cadence != 0 {
		args = append(args, "--cadence", o.Cadence.String())
	}
	if o.InitializeFlows {
		args = append(args, "--warm-start")
	}
	return args
}

func (o *Orchestrator) jobLogPath(u *Unit) string {
	return filepath.Join(o.SchedulerLogDir, u.Forecast.IssueDate, u.JobID()+".log")
}

// upload publishes a completed unit's artifact. An upload failure marks the
// unit Failed but keeps the artifact on disk for the next invocation.
func (o *Orchestrator) upload(ctx context.Context, u *Unit) {
	if !o.UploadOutput || o.Store == nil {
		return
	}
	resource := store.ResourceName(o.InstanceID,
		u.Basin.Watershed, u.Basin.Subbasin, u.Forecast.Stamp(), u.Forecast.Ensemble)
	if err := o.Store.UploadResource(ctx, u.QoutPath(), resource); err != nil {
		u.State, u.Err = Failed, err
		return
	}
	u.State = Uploaded
}

// initializeRuns announces each distinct (watershed, issue) of the cycle to
// the store. Failures here are warnings: the cycle itself can proceed.
func (o *Orchestrator) initializeRuns(ctx context.Context, units []*Unit) {
	log := o.log()
	type runKey struct {
		watershed string
		stamp     string
	}
	seen := make(map[runKey]bool)
	for _, u := range units {
		k := runKey{u.Basin.Watershed, u.Forecast.Stamp()}
		if seen[k] {
			continue
		}
		seen[k] = true
		issue, err := u.Forecast.Issue()
		if err != nil {
			log.WithFields(logrus.Fields{"cycle": u.Forecast.Stamp(), "error": err}).
				Warn("cannot determine issue time; run not initialized")
			continue
		}
		if err := o.Store.InitializeRun(ctx, u.Basin.Watershed, issue); err != nil {
			log.WithFields(logrus.Fields{
				"watershed": u.Basin.Watershed,
				"cycle":     u.Forecast.Stamp(),
				"error":     err,
			}).Warn("run initialization failed")
		}
	}
}

// A cycleGroup collects the units of one (basin, issue) pairing.
type cycleGroup struct {
	Basin Basin
	Stamp string
	Units []*Unit
}

func groupByCycle(units []*Unit) []cycleGroup {
	idx := make(map[string]int)
	var groups []cycleGroup
	for _, u := range units {
		k := u.Basin.Dir() + "/" + u.Forecast.Stamp()
		i, ok := idx[k]
		if !ok {
			i = len(groups)
			idx[k] = i
			groups = append(groups, cycleGroup{Basin: u.Basin, Stamp: u.Forecast.Stamp()})
		}
		groups[i].Units = append(groups[i].Units, u)
	}
	return groups
}

// propagateInitFlows builds each basin's warm-start file from the members
// that routed successfully. Basins where nothing routed keep whatever warm
// start they had.
func (o *Orchestrator) propagateInitFlows(units []*Unit) {
	log := o.log()
	for _, g := range groupByCycle(units) {
		var qouts []string
		for _, u := range g.Units {
			if u.State == Uploaded || u.State == Completed {
				qouts = append(qouts, u.QoutPath())
			}
		}
		if len(qouts) == 0 {
			log.WithFields(logrus.Fields{"basin": g.Basin.Dir(), "cycle": g.Stamp}).
				Warn("no routed members; warm start not updated")
			continue
		}
		issue, err := g.Units[0].Forecast.Issue()
		if err != nil {
			log.WithFields(logrus.Fields{"cycle": g.Stamp, "error": err}).
				Warn("cannot determine issue time; warm start not updated")
			continue
		}
		inputs, err := routing.OpenInputDir(filepath.Join(o.IORoot, "input", g.Basin.Dir()))
		if err != nil {
			log.WithFields(logrus.Fields{"basin": g.Basin.Dir(), "error": err}).
				Warn("warm start not updated")
			continue
		}
		ws := &routing.WarmStarter{Log: log}
		if _, err := ws.Build(inputs, g.Basin.Subbasin, riverine.WarmStartStamp(issue), qouts); err != nil {
			log.WithFields(logrus.Fields{"basin": g.Basin.Dir(), "error": err}).
				Warn("warm start not updated")
		}
	}
}

// PrimeWarmStarts rebuilds each basin's warm-start file from routed
// artifacts already on disk, without routing anything. It backs operator
// re-runs after a cycle's output has been repaired by hand.
func (o *Orchestrator) PrimeWarmStarts(forecastDirs []string) error {
	units, err := o.Units(forecastDirs)
	if err != nil {
		return err
	}
	for _, u := range units {
		if _, err := os.Stat(u.QoutPath()); err == nil {
			u.State = Completed
		} else {
			u.State = Skipped
		}
	}
	o.propagateInitFlows(units)
	return nil
}

func (o *Orchestrator) runWarnings(ctx context.Context, units []*Unit) {
	log := o.log()
	for _, g := range groupByCycle(units) {
		outputDir := filepath.Join(o.IORoot, "output", g.Basin.Dir(), g.Stamp)
		if err := o.Warnings.Generate(ctx, g.Basin, outputDir, g.Stamp); err != nil {
			log.WithFields(logrus.Fields{"basin": g.Basin.Dir(), "error": err}).
				Warn("warning points not generated")
		}
	}
}
