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

// Package routing drives the external river-routing executable: it resolves
// the per-watershed support files, rewrites namelists, runs the binary in an
// isolated sandbox, normalizes its output to CF conventions, and builds the
// warm-start files for the next forecast cycle.
package routing

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/spatialmodel/riverine"
)

// ManifestName is the optional per-directory file that pins the routing
// support files by name, avoiding the case-insensitive directory search.
const ManifestName = "manifest.toml"

type manifest struct {
	RapidConnect     string `toml:"rapid_connect"`
	RivBasID         string `toml:"riv_bas_id"`
	K                string `toml:"k"`
	X                string `toml:"x"`
	ComidLatLonZ     string `toml:"comid_lat_lon_z"`
	NamelistTemplate string `toml:"namelist_template"`
}

// An InputDir is one watershed-subbasin input directory, holding the
// connectivity, Muskingum parameter, weight-table, lookup, and namelist
// template files the routing executable needs.
type InputDir struct {
	Dir string

	m manifest
}

// OpenInputDir opens a watershed input directory, reading its manifest if
// one is present.
func OpenInputDir(dir string) (*InputDir, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("routing: opening input directory: %v", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("routing: %s is not a directory", dir)
	}
	d := &InputDir{Dir: dir}
	mf := filepath.Join(dir, ManifestName)
	if _, err := os.Stat(mf); err == nil {
		if _, err := toml.DecodeFile(mf, &d.m); err != nil {
			return nil, fmt.Errorf("routing: reading %s: %v", mf, err)
		}
	}
	return d, nil
}

// resolve returns the pinned file when the manifest names one, otherwise
// falls back to a case-insensitive search by prefix.
func (d *InputDir) resolve(pinned, prefix string) (string, error) {
	if pinned != "" {
		p := filepath.Join(d.Dir, pinned)
		if _, err := os.Stat(p); err != nil {
			return "", &riverine.SchemaError{Path: p,
				Problem: "manifest names a missing file"}
		}
		return p, nil
	}
	return d.find(prefix, false)
}

// find locates a directory entry whose name matches prefix
// case-insensitively, either exactly or as a prefix. When several entries
// match, the lexically first one wins.
func (d *InputDir) find(prefix string, exact bool) (string, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return "", fmt.Errorf("routing: listing %s: %v", d.Dir, err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	want := strings.ToLower(prefix)
	for _, name := range names {
		n := strings.ToLower(name)
		if exact && n == want || !exact && strings.HasPrefix(n, want) {
			return filepath.Join(d.Dir, name), nil
		}
	}
	return "", &riverine.SchemaError{Path: d.Dir,
		Problem: fmt.Sprintf("no file matching %q", prefix)}
}

// RapidConnect returns the path of the reach connectivity file.
func (d *InputDir) RapidConnect() (string, error) {
	return d.resolve(d.m.RapidConnect, "rapid_connect")
}

// RivBasID returns the path of the routed-basin reach id file.
func (d *InputDir) RivBasID() (string, error) {
	return d.resolve(d.m.RivBasID, "riv_bas_id")
}

// KFile returns the path of the Muskingum k parameter file.
func (d *InputDir) KFile() (string, error) {
	if d.m.K != "" {
		return d.resolve(d.m.K, "")
	}
	return d.find("k.csv", true)
}

// XFile returns the path of the Muskingum x parameter file.
func (d *InputDir) XFile() (string, error) {
	if d.m.X != "" {
		return d.resolve(d.m.X, "")
	}
	return d.find("x.csv", true)
}

// ComidLatLonZ returns the path of the reach position lookup table.
func (d *InputDir) ComidLatLonZ() (string, error) {
	return d.resolve(d.m.ComidLatLonZ, "comid_lat_lon_z")
}

// NamelistTemplate returns the path of the namelist template.
func (d *InputDir) NamelistTemplate() (string, error) {
	return d.resolve(d.m.NamelistTemplate, "rapid_namelist")
}

// WeightTable returns the path of the weight table for ensemble member n.
func (d *InputDir) WeightTable(n int) (string, error) {
	return d.find(riverine.WeightTableName(n), true)
}

// WarmStartPath returns where the warm-start file for the given subbasin and
// issue stamp lives. The file need not exist.
func (d *InputDir) WarmStartPath(subbasin, stamp string) string {
	return filepath.Join(d.Dir, fmt.Sprintf("Qinit_file_%s_%s.csv", subbasin, stamp))
}

// WarmStartFiles returns all existing warm-start files for the subbasin.
func (d *InputDir) WarmStartFiles(subbasin string) ([]string, error) {
	return filepath.Glob(filepath.Join(d.Dir, "Qinit_file_"+subbasin+"_*.csv"))
}
