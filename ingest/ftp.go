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

// Package ingest pulls ensemble runoff archives from the upstream forecast
// mirror into the local staging directory: resumable FTP downloads,
// tar.gz extraction, dedup against already-extracted cycles, and garbage
// collection of stale downloads.
package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// A Conn is one session with the upstream mirror.
type Conn interface {
	// List returns the remote names matching the glob pattern.
	List(pattern string) ([]string, error)
	// Size returns the size of the named remote file in bytes.
	Size(name string) (int64, error)
	// Fetch starts reading the named remote file at the given byte offset.
	Fetch(name string, offset int64) (io.ReadCloser, error)
	Close() error
}

// A Dialer opens mirror sessions. Transfers that break mid-stream dial a
// fresh session and resume.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// FTPMirror dials an upstream mirror over passive FTP.
type FTPMirror struct {
	Addr     string // host:port
	User     string // empty means anonymous
	Password string
	Dir      string // remote directory holding the archives

	// Timeout bounds connection establishment and control-channel reads.
	// Zero means 30 seconds.
	Timeout time.Duration
}

// Dial connects and logs in.
func (m *FTPMirror) Dial(ctx context.Context) (Conn, error) {
	timeout := m.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	c, err := ftp.Dial(m.Addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("ingest: connecting to %s: %v", m.Addr, err)
	}
	user, password := m.User, m.Password
	if user == "" {
		user, password = "anonymous", "anonymous"
	}
	if err := c.Login(user, password); err != nil {
		c.Quit()
		return nil, fmt.Errorf("ingest: logging in to %s: %v", m.Addr, err)
	}
	if m.Dir != "" {
		if err := c.ChangeDir(m.Dir); err != nil {
			c.Quit()
			return nil, fmt.Errorf("ingest: changing to %s: %v", m.Dir, err)
		}
	}
	return &ftpConn{c}, nil
}

type ftpConn struct {
	c *ftp.ServerConn
}

func (f *ftpConn) List(pattern string) ([]string, error) { return f.c.NameList(pattern) }
func (f *ftpConn) Size(name string) (int64, error)       { return f.c.FileSize(name) }
func (f *ftpConn) Close() error                          { return f.c.Quit() }

func (f *ftpConn) Fetch(name string, offset int64) (io.ReadCloser, error) {
	if offset > 0 {
		return f.c.RetrFrom(name, uint64(offset))
	}
	return f.c.Retr(name)
}

// A TransferError reports a download that could not be completed within the
// attempt budget. The archive is skipped for this cycle and retried on the
// next one.
type TransferError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("ingest: %s: transfer failed after %d attempts: %v",
		e.Name, e.Attempts, e.Err)
}

// A Gateway mirrors one forecast cycle's archives into Dir.
type Gateway struct {
	Mirror Dialer

	// Dir is the local staging directory.
	Dir string

	// Attempts bounds re-dials per archive; zero means 15.
	Attempts int

	// RetryWait is the pause between re-dials; zero means 30 seconds.
	RetryWait time.Duration

	// Parallel bounds concurrent archive transfers; zero means 3.
	Parallel int

	Log logrus.FieldLogger
}

// Pull garbage-collects stale downloads, then downloads and extracts every
// archive named Runoff.<date>*.netcdf.tar.gz that is not already extracted.
// It returns the extracted directories for the date, including preexisting
// ones. Archives that cannot be transferred within the attempt budget are
// logged and skipped.
func (g *Gateway) Pull(ctx context.Context, date time.Time) ([]string, error) {
	log := g.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := os.MkdirAll(g.Dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("ingest: creating staging directory: %v", err)
	}
	removeOldDownloads(g.Dir, time.Now().UTC(), log)

	pattern := "Runoff." + date.UTC().Format("20060102") + "*.netcdf.tar.gz"
	conn, err := g.Mirror.Dial(ctx)
	if err != nil {
		return nil, err
	}
	names, err := conn.List(pattern)
	conn.Close()
	if err != nil {
		return nil, fmt.Errorf("ingest: listing %s: %v", pattern, err)
	}

	var (
		mu   sync.Mutex
		dirs []string
	)
	eg, ctx := errgroup.WithContext(ctx)
	parallel := g.Parallel
	if parallel <= 0 {
		parallel = 3
	}
	eg.SetLimit(parallel)
	for _, name := range names {
		name := name
		eg.Go(func() error {
			dir, err := g.pullOne(ctx, name)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.WithFields(logrus.Fields{
					"archive": name,
					"error":   err,
				}).Warn("skipping archive for this cycle")
				return nil
			}
			mu.Lock()
			dirs = append(dirs, dir)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(dirs)
	return dirs, nil
}

// pullOne downloads and extracts a single archive, or recognizes it as
// already extracted.
func (g *Gateway) pullOne(ctx context.Context, name string) (string, error) {
	log := g.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	archive := filepath.Join(g.Dir, filepath.Base(name))
	dir := strings.TrimSuffix(archive, ".tar.gz")
	if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
		if err := os.Remove(archive); err != nil && !os.IsNotExist(err) {
			log.WithFields(logrus.Fields{"archive": archive, "error": err}).
				Warn("could not remove leftover archive")
		}
		log.WithFields(logrus.Fields{"dir": dir}).Info("already extracted; skipping download")
		return dir, nil
	}

	if err := g.download(ctx, name, archive); err != nil {
		return "", err
	}
	if err := extractArchive(archive, dir); err != nil {
		return "", err
	}
	if err := os.Remove(archive); err != nil {
		log.WithFields(logrus.Fields{"archive": archive, "error": err}).
			Warn("could not remove extracted archive")
	}
	log.WithFields(logrus.Fields{"archive": name, "dir": dir}).Info("archive extracted")
	return dir, nil
}

// download transfers the remote file to local, resuming from the current
// local offset across reconnects. On exhaustion the partial file is removed
// and a *TransferError returned.
func (g *Gateway) download(ctx context.Context, name, local string) error {
	log := g.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	attempts := g.Attempts
	if attempts <= 0 {
		attempts = 15
	}
	wait := g.RetryWait
	if wait <= 0 {
		wait = 30 * time.Second
	}

	f, err := os.OpenFile(local, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("ingest: opening %s: %v", local, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("ingest: stat %s: %v", local, err)
	}
	offset := fi.Size()
	if offset > 0 {
		log.WithFields(logrus.Fields{
			"archive": name,
			"offset":  offset,
		}).Info("resuming partial download")
	}

	var size int64 = -1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			log.WithFields(logrus.Fields{
				"archive": name,
				"attempt": attempt,
				"offset":  offset,
				"error":   lastErr,
			}).Warn("transfer interrupted; reconnecting")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		n, sz, err := g.fetchOnce(ctx, name, f, offset, size)
		offset += n
		if sz > 0 {
			size = sz
		}
		if err != nil {
			lastErr = err
			continue
		}
		if size >= 0 && offset >= size {
			return nil
		}
		lastErr = fmt.Errorf("connection closed at byte %d of %d", offset, size)
	}

	f.Close()
	os.Remove(local)
	return &TransferError{Name: name, Attempts: attempts, Err: lastErr}
}

// fetchOnce runs one mirror session: size the remote file if not yet known,
// then stream from offset. It returns the bytes written this session.
func (g *Gateway) fetchOnce(ctx context.Context, name string, f *os.File, offset, size int64) (int64, int64, error) {
	conn, err := g.Mirror.Dial(ctx)
	if err != nil {
		return 0, size, err
	}
	defer conn.Close()

	if size < 0 {
		size, err = conn.Size(name)
		if err != nil {
			return 0, size, fmt.Errorf("sizing %s: %v", name, err)
		}
	}
	if offset >= size {
		return 0, size, nil
	}

	r, err := conn.Fetch(name, offset)
	if err != nil {
		return 0, size, err
	}
	n, err := io.Copy(f, r)
	r.Close()
	return n, size, err
}
