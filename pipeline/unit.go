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

// Package pipeline orchestrates a forecast cycle: it enumerates work units
// (one per ensemble member and subbasin), dispatches each as a scheduler
// job running `riverine unit`, publishes routed artifacts, and primes the
// next cycle's warm start once every unit is terminal.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/riverine"
	"github.com/spatialmodel/riverine/routing"
)

// A Basin is one routed watershed-subbasin pair. Its routing inputs live in
// the input directory named `<watershed>-<subbasin>`.
type Basin struct {
	Watershed string
	Subbasin  string
}

// ParseBasin splits an input directory name on its last hyphen.
func ParseBasin(dir string) (Basin, error) {
	i := strings.LastIndex(dir, "-")
	if i <= 0 || i == len(dir)-1 {
		return Basin{}, fmt.Errorf("pipeline: %s: not a <watershed>-<subbasin> directory name", dir)
	}
	return Basin{Watershed: dir[:i], Subbasin: dir[i+1:]}, nil
}

// Dir returns the basin's directory name.
func (b Basin) Dir() string { return b.Watershed + "-" + b.Subbasin }

// State tracks a work unit through the cycle.
type State int

const (
	New State = iota
	Submitted
	Running
	Completed
	Failed
	Uploaded
	Skipped
)

func (s State) String() string {
	switch s {
	case New:
		return "new"
	case Submitted:
		return "submitted"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Uploaded:
		return "uploaded"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// Terminal reports whether a unit in this state needs no further work.
func (s State) Terminal() bool {
	return s == Uploaded || s == Skipped || s == Completed
}

// A Unit is one (ensemble member, basin) pairing within a cycle.
type Unit struct {
	Forecast riverine.ForecastFile
	Basin    Basin
	Seq      int

	State State
	// Err records what moved the unit to Failed.
	Err error

	// InputDir holds the basin's routing support files. WorkDir is the
	// unit's isolated sandbox, and OutputDir receives the routed artifact.
	InputDir  string
	WorkDir   string
	OutputDir string
}

// JobID names the scheduler job for this unit.
func (u *Unit) JobID() string {
	return fmt.Sprintf("job_%s_%s_%d", u.Forecast.Stamp(), u.Basin.Dir(), u.Seq)
}

// QoutPath is where the unit's normalized routed discharge lands.
func (u *Unit) QoutPath() string {
	return filepath.Join(u.OutputDir,
		routing.QoutName(u.Basin.Watershed, u.Basin.Subbasin, u.Forecast.Ensemble))
}

// Stages runs the downscale-route-normalize sequence for one unit in the
// current process. This is what `riverine unit` executes inside a scheduler
// job; everything it needs arrives on the command line.
type Stages struct {
	ForecastPath string
	Basin        Basin

	InputDir  string
	WorkDir   string
	OutputDir string

	// Executable is the external routing binary.
	Executable string

	// Cadence selects the inflow bucket width for high-resolution input;
	// zero means 6 h.
	Cadence riverine.Cadence

	// WarmStart initializes routing from the previous cycle's discharge
	// when the warm-start file exists.
	WarmStart bool

	Log logrus.FieldLogger
}

// Run executes the unit. The routed artifact appears at its output path
// only after normalization succeeds, so a file there always means the unit
// finished; the work directory is removed on success and kept for diagnosis
// on failure.
func (s *Stages) Run(ctx context.Context) error {
	log := s.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	f, err := riverine.ParseForecastPath(s.ForecastPath)
	if err != nil {
		return err
	}
	issue, err := f.Issue()
	if err != nil {
		return err
	}
	log = log.WithFields(logrus.Fields{
		"watershed": s.Basin.Watershed,
		"subbasin":  s.Basin.Subbasin,
		"ensemble":  f.Ensemble,
		"cycle":     f.Stamp(),
	})
	cadence := s.Cadence
	if cadence == 0 {
		cadence = riverine.Cadence6h
	}

	inputs, err := routing.OpenInputDir(s.InputDir)
	if err != nil {
		return err
	}
	for _, dir := range []string{s.WorkDir, s.OutputDir} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return fmt.Errorf("pipeline: creating %s: %v", dir, err)
		}
	}

	weightPath, err := inputs.WeightTable(f.Ensemble)
	if err != nil {
		return err
	}
	weights, err := riverine.ReadWeightTable(weightPath)
	if err != nil {
		return err
	}
	runoff, err := riverine.OpenRunoff(s.ForecastPath)
	if err != nil {
		return err
	}
	defer runoff.Close()

	start := time.Now()
	inflow := filepath.Join(s.WorkDir,
		routing.InflowName(s.Basin.Watershed, s.Basin.Subbasin, f.Ensemble))
	if err := riverine.BuildInflow(runoff, weights, cadence, inflow); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"regime":   runoff.Regime.String(),
		"duration": time.Since(start),
	}).Info("inflow built")

	template, err := inputs.NamelistTemplate()
	if err != nil {
		return err
	}
	qout := filepath.Join(s.WorkDir,
		routing.QoutName(s.Basin.Watershed, s.Basin.Subbasin, f.Ensemble))
	namelist := filepath.Join(s.WorkDir, filepath.Base(template))
	err = routing.Rewrite(template, namelist, &routing.NamelistConfig{
		Inputs:     inputs,
		Watershed:  s.Basin.Watershed,
		Subbasin:   s.Basin.Subbasin,
		Ensemble:   f.Ensemble,
		Regime:     runoff.Regime,
		Issue:      issue,
		InflowFile: inflow,
		QoutFile:   qout,
		WarmStart:  s.WarmStart,
		Log:        log,
	})
	if err != nil {
		return err
	}

	runner := &routing.Runner{Executable: s.Executable, Log: log}
	if err := runner.Run(ctx, s.WorkDir, namelist); err != nil {
		return err
	}

	lookup, err := inputs.ComidLatLonZ()
	if err != nil {
		return err
	}
	norm := &routing.Normalizer{Log: log}
	if err := norm.Normalize(qout, lookup, issue, runoff.Regime.RoutingStep()); err != nil {
		return err
	}
	log.Info("routed output normalized")

	final := filepath.Join(s.OutputDir, filepath.Base(qout))
	if err := moveFile(qout, final); err != nil {
		return err
	}
	if err := os.RemoveAll(s.WorkDir); err != nil {
		log.WithFields(logrus.Fields{"dir": s.WorkDir, "error": err}).
			Warn("could not remove work directory")
	}
	log.WithFields(logrus.Fields{"artifact": final}).Info("work unit finished")
	return nil
}

// moveFile renames src to dst, copying when they are on different
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("pipeline: moving %s: %v", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("pipeline: moving %s: %v", src, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("pipeline: moving %s: %v", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("pipeline: moving %s: %v", src, err)
	}
	return os.Remove(src)
}
