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

// Package scheduler runs forecast work units as batch jobs. The local
// backend executes them as subprocesses through a bounded pool; the
// kubernetes backend creates batch/v1 Jobs and polls their conditions.
package scheduler

import (
	"context"
	"fmt"
)

// A Job is one schedulable unit invocation.
type Job struct {
	// ID names the job within a forecast cycle. It becomes part of the
	// log file name and, on Kubernetes, the object name.
	ID string

	// Args is the complete argument vector; Args[0] is the executable.
	Args []string

	// LogPath receives the job's combined stdout and stderr when the
	// backend captures output. Empty discards it.
	LogPath string
}

// A Handle tracks a submitted job until Wait resolves it.
type Handle interface {
	// JobID returns the id the job was submitted under.
	JobID() string
}

// Interface is a batch scheduling backend.
type Interface interface {
	// Submit queues the job and returns immediately.
	Submit(ctx context.Context, job Job) (Handle, error)

	// Wait blocks until the job reaches a terminal state. It returns nil
	// for success, a *JobFailure if the job ran and failed, and the
	// context error if ctx is canceled first.
	Wait(ctx context.Context, h Handle) error
}

// A JobFailure reports a job that ran to completion unsuccessfully, as
// opposed to one the scheduler could not run at all.
type JobFailure struct {
	ID      string
	Message string
}

func (e *JobFailure) Error() string {
	return fmt.Sprintf("scheduler: job %s failed: %s", e.ID, e.Message)
}
