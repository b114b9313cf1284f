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

package ingest

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// extractArchive unpacks a gzipped tar archive into dir, creating it if
// necessary. Entry types other than directories and regular files are
// ignored.
func extractArchive(archive, dir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("ingest: opening archive %s: %v", archive, err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("ingest: reading archive %s: %v", archive, err)
	}
	defer zr.Close()
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("ingest: creating %s: %v", dir, err)
	}

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ingest: reading archive %s: %v", archive, err)
		}
		target, err := entryPath(dir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.ModePerm); err != nil {
				return fmt.Errorf("ingest: creating %s: %v", target, err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr); err != nil {
				return err
			}
		}
	}
}

// entryPath joins an archive entry name onto dir, rejecting names that would
// escape it.
func entryPath(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	if target != dir && !strings.HasPrefix(target, dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("ingest: archive entry %s escapes extraction directory", name)
	}
	return target, nil
}

func writeEntry(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), os.ModePerm); err != nil {
		return fmt.Errorf("ingest: creating %s: %v", filepath.Dir(target), err)
	}
	w, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("ingest: creating %s: %v", target, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("ingest: extracting %s: %v", target, err)
	}
	return w.Close()
}

// removeOldDownloads deletes staged downloads and extractions whose
// name-embedded issue date is more than a day before now. Entries whose
// names do not carry a parseable date token are left alone.
func removeOldDownloads(dir string, now time.Time, log logrus.FieldLogger) {
	paths, err := filepath.Glob(filepath.Join(dir, "Runoff*netcdf*"))
	if err != nil {
		return
	}
	for _, p := range paths {
		parts := strings.Split(filepath.Base(p), ".")
		if len(parts) < 2 {
			continue
		}
		date, err := time.Parse("20060102", parts[1])
		if err != nil {
			continue
		}
		if now.Sub(date) <= 24*time.Hour {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			log.WithFields(logrus.Fields{"path": p, "error": err}).
				Warn("could not remove stale download")
			continue
		}
		log.WithFields(logrus.Fields{"path": p}).Info("removed stale download")
	}
}
