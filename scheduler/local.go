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

package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Local runs jobs as subprocesses on this machine, at most Width at a time.
type Local struct {
	// Width bounds the number of concurrently running jobs. Zero or
	// negative means runtime.GOMAXPROCS(0).
	Width int

	Log logrus.FieldLogger

	once sync.Once
	sem  chan struct{}
}

type localHandle struct {
	id   string
	done chan struct{}
	err  error
}

func (h *localHandle) JobID() string { return h.id }

func (l *Local) init() {
	l.once.Do(func() {
		w := l.Width
		if w <= 0 {
			w = runtime.GOMAXPROCS(0)
		}
		l.sem = make(chan struct{}, w)
		if l.Log == nil {
			l.Log = logrus.StandardLogger()
		}
	})
}

// Submit queues the job on the pool and returns without waiting for a slot.
func (l *Local) Submit(ctx context.Context, job Job) (Handle, error) {
	l.init()
	if len(job.Args) == 0 {
		return nil, fmt.Errorf("scheduler: job %s has no command", job.ID)
	}
	h := &localHandle{id: job.ID, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		select {
		case l.sem <- struct{}{}:
			defer func() { <-l.sem }()
		case <-ctx.Done():
			h.err = ctx.Err()
			return
		}
		h.err = l.run(ctx, job)
	}()
	return h, nil
}

func (l *Local) run(ctx context.Context, job Job) error {
	var out io.Writer = io.Discard
	if job.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(job.LogPath), os.ModePerm); err != nil {
			return fmt.Errorf("scheduler: creating job log directory: %v", err)
		}
		f, err := os.OpenFile(job.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("scheduler: opening job log: %v", err)
		}
		defer f.Close()
		out = f
	}

	cmd := exec.CommandContext(ctx, job.Args[0], job.Args[1:]...)
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return &JobFailure{ID: job.ID, Message: err.Error()}
		}
		return fmt.Errorf("scheduler: starting job %s: %v", job.ID, err)
	}
	l.Log.WithFields(logrus.Fields{
		"job":      job.ID,
		"duration": time.Since(start),
	}).Info("job finished")
	return nil
}

// Wait blocks until the job's goroutine finishes or ctx is canceled.
func (l *Local) Wait(ctx context.Context, h Handle) error {
	lh, ok := h.(*localHandle)
	if !ok {
		return fmt.Errorf("scheduler: foreign handle %T", h)
	}
	select {
	case <-lh.done:
		return lh.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
