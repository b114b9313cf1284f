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

package routing

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// A RoutingFailure reports a routing executable that exited nonzero. The
// work unit that hit it is marked failed; the rest of the cycle continues.
type RoutingFailure struct {
	Namelist string
	ExitCode int
	Output   string // tail of the combined stdout and stderr
}

func (e *RoutingFailure) Error() string {
	return fmt.Sprintf("routing: %s: executable exited with code %d: %s",
		e.Namelist, e.ExitCode, e.Output)
}

// A Runner executes the external routing binary. The binary expects to find
// a `rapid` executable link and a `rapid_namelist` link in its working
// directory, so Run materializes both as symbolic links and removes them on
// every exit path.
type Runner struct {
	// Executable is the path of the routing binary.
	Executable string

	Log logrus.FieldLogger
}

// Run routes one work unit: it links the executable and namelist into
// workDir, runs the binary there, and waits for completion. A nonzero exit
// returns a *RoutingFailure; cancellation of ctx kills the binary and
// returns the context error.
func (r *Runner) Run(ctx context.Context, workDir, namelist string) error {
	log := r.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	exe := filepath.Join(workDir, "rapid")
	nml := filepath.Join(workDir, "rapid_namelist")
	// Stale links survive a crashed prior run.
	os.Remove(exe)
	os.Remove(nml)
	if err := os.Symlink(r.Executable, exe); err != nil {
		return fmt.Errorf("routing: linking executable: %v", err)
	}
	if err := os.Symlink(namelist, nml); err != nil {
		os.Remove(exe)
		return fmt.Errorf("routing: linking namelist: %v", err)
	}
	defer func() {
		os.Remove(exe)
		os.Remove(nml)
	}()

	cmd := exec.CommandContext(ctx, "./rapid")
	cmd.Dir = workDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return fmt.Errorf("routing: %v", ctx.Err())
	}
	if err != nil {
		code := -1
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		}
		return &RoutingFailure{
			Namelist: namelist,
			ExitCode: code,
			Output:   tail(out.String(), 1024),
		}
	}
	log.WithFields(logrus.Fields{
		"namelist": namelist,
		"duration": time.Since(start),
	}).Info("routing executable finished")
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
