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
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"
)

func TestExtractArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "Runoff.20080601.12.netcdf.tar.gz")
	contents := map[string]string{
		"Runoff.20080601.12.netcdf/1.Runoff.nc":         "member one",
		"Runoff.20080601.12.netcdf/sub/52.Runoff.nc":    "member fifty-two",
		"Runoff.20080601.12.netcdf/sub/deep/readme.txt": "notes",
	}
	if err := os.WriteFile(archive, makeArchive(t, contents), 0644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "Runoff.20080601.12.netcdf")

	if err := extractArchive(archive, out); err != nil {
		t.Fatal(err)
	}
	for name, data := range contents {
		b, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != data {
			t.Errorf("%s: wrong contents: %q != %q", name, b, data)
		}
	}
}

func TestExtractArchiveTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "bad.tar.gz")
	payload := makeArchive(t, map[string]string{"../evil.txt": "boom"})
	if err := os.WriteFile(archive, payload, 0644); err != nil {
		t.Fatal(err)
	}

	err := extractArchive(archive, filepath.Join(dir, "out"))
	if err == nil {
		t.Fatal("expected error for entry escaping the extraction directory")
	}
	if !strings.Contains(err.Error(), "escapes") {
		t.Errorf("wrong error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "evil.txt")); !os.IsNotExist(err) {
		t.Error("escaping entry was written")
	}
}

func TestExtractArchiveNotGzip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "truncated.tar.gz")
	if err := os.WriteFile(archive, []byte("not a gzip stream"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := extractArchive(archive, filepath.Join(dir, "out")); err == nil {
		t.Error("expected error for corrupt archive")
	}
}

func TestRemoveOldDownloads(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2008, time.June, 1, 18, 0, 0, 0, time.UTC)
	oldDir := filepath.Join(dir, "Runoff.20080530.00.netcdf")
	oldFile := filepath.Join(dir, "Runoff.20080530.12.netcdf.tar.gz")
	freshDir := filepath.Join(dir, "Runoff.20080601.00.netcdf")
	freshFile := filepath.Join(dir, "Runoff.20080601.12.netcdf.tar.gz")
	garbled := filepath.Join(dir, "Runoff.notadate.netcdf.tar.gz")
	unrelated := filepath.Join(dir, "notes.txt")
	for _, d := range []string{oldDir, freshDir} {
		if err := os.MkdirAll(filepath.Join(d, "sub"), os.ModePerm); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range []string{oldFile, freshFile, garbled, unrelated} {
		if err := os.WriteFile(f, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	removeOldDownloads(dir, now, discardLog())

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Name())
	}
	sort.Strings(got)
	want := []string{
		"Runoff.20080601.00.netcdf",
		"Runoff.20080601.12.netcdf.tar.gz",
		"Runoff.notadate.netcdf.tar.gz",
		"notes.txt",
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("wrong survivors: %v != %v", got, want)
	}
}
