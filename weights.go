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

package riverine

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
)

// weightCols holds the required names of weight-table columns 1 through 7.
// Column 0 carries the reach identifier; its header cell names the reach
// dimension in the inflow file and is otherwise unconstrained.
var weightCols = [7]string{"area_sqm", "lon_index", "lat_index", "npoints", "weight", "Lon", "Lat"}

// A WeightRow maps one runoff grid cell to the river reach it drains to.
type WeightRow struct {
	ReachID  int
	AreaSqM  float64
	LonIndex int
	LatIndex int
	NPoints  int
	Weight   float64
	Lon      float64
	Lat      float64
}

// A WeightTable is the ordered contents of a per-watershed weight-table CSV.
// Rows belonging to the same reach are contiguous, and the npoints field on
// the first row of each run states the run length.
type WeightTable struct {
	// DimName is the header name of column 0, used as the reach dimension
	// name when writing inflow files.
	DimName string

	// Path is where the table was read from, for error reporting.
	Path string

	Rows []WeightRow
}

// A WeightGroup is the contiguous run of weight rows for a single reach.
type WeightGroup struct {
	ReachID int
	// First is the index of the group's first row within the table.
	First int
	Rows  []WeightRow
}

// ReadWeightTable parses the weight-table CSV at path. It validates the
// header (column 0 free, columns 1-7 fixed) and that every row has exactly
// eight fields; violations return a *SchemaError.
func ReadWeightTable(path string) (*WeightTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("riverine: opening weight table: %v", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // row widths are checked explicitly

	header, err := r.Read()
	if err != nil {
		return nil, schemaErr(path, "reading weight table header: %v", err)
	}
	if len(header) != 8 {
		return nil, schemaErr(path, "weight table header has %d columns; want 8", len(header))
	}
	for i, want := range weightCols {
		if header[i+1] != want {
			return nil, schemaErr(path, "weight table header column %d is %q; want %q",
				i+1, header[i+1], want)
		}
	}

	t := &WeightTable{DimName: header[0], Path: path}
	for row := 1; ; row++ {
		rec, err := r.Read()
		if err != nil {
			break
		}
		if len(rec) != 8 {
			return nil, schemaErr(path, "weight table row %d has %d fields; want 8", row, len(rec))
		}
		wr, err := parseWeightRow(rec)
		if err != nil {
			return nil, schemaErr(path, "weight table row %d: %v", row, err)
		}
		t.Rows = append(t.Rows, wr)
	}
	if len(t.Rows) == 0 {
		return nil, schemaErr(path, "weight table has no data rows")
	}
	return t, nil
}

func parseWeightRow(rec []string) (WeightRow, error) {
	var (
		w   WeightRow
		err error
	)
	if w.ReachID, err = strconv.Atoi(rec[0]); err != nil {
		return w, fmt.Errorf("reach id %q: %v", rec[0], err)
	}
	if w.AreaSqM, err = strconv.ParseFloat(rec[1], 64); err != nil {
		return w, fmt.Errorf("area %q: %v", rec[1], err)
	}
	if w.LonIndex, err = strconv.Atoi(rec[2]); err != nil {
		return w, fmt.Errorf("lon index %q: %v", rec[2], err)
	}
	if w.LatIndex, err = strconv.Atoi(rec[3]); err != nil {
		return w, fmt.Errorf("lat index %q: %v", rec[3], err)
	}
	if w.NPoints, err = strconv.Atoi(rec[4]); err != nil {
		return w, fmt.Errorf("npoints %q: %v", rec[4], err)
	}
	if w.Weight, err = strconv.ParseFloat(rec[5], 64); err != nil {
		return w, fmt.Errorf("weight %q: %v", rec[5], err)
	}
	if w.Lon, err = strconv.ParseFloat(rec[6], 64); err != nil {
		return w, fmt.Errorf("lon %q: %v", rec[6], err)
	}
	if w.Lat, err = strconv.ParseFloat(rec[7], 64); err != nil {
		return w, fmt.Errorf("lat %q: %v", rec[7], err)
	}
	return w, nil
}

// Groups walks the table in order, cutting a group every npoints rows and
// verifying that all rows of a group carry the group's reach id. The check
// runs here rather than at read time so that the inflow build is the stage
// that fails on a malformed grouping.
func (t *WeightTable) Groups() ([]WeightGroup, error) {
	var groups []WeightGroup
	for i := 0; i < len(t.Rows); {
		n := t.Rows[i].NPoints
		if n < 1 || i+n > len(t.Rows) {
			return nil, schemaErr(t.Path, "weight table row %d: reach %d declares a group of %d rows, which does not fit the table",
				i+1, t.Rows[i].ReachID, n)
		}
		g := WeightGroup{ReachID: t.Rows[i].ReachID, First: i, Rows: t.Rows[i : i+n]}
		for j, r := range g.Rows {
			if r.ReachID != g.ReachID {
				return nil, &GroupingError{Path: t.Path, Row: i + j + 1,
					WantID: g.ReachID, GotID: r.ReachID}
			}
		}
		groups = append(groups, g)
		i += n
	}
	return groups, nil
}

// Bounds returns the inclusive ranges of lat_index and lon_index over all
// rows. The inflow build reads only this slab of the runoff grid.
func (t *WeightTable) Bounds() (latMin, latMax, lonMin, lonMax int) {
	latMin, latMax = t.Rows[0].LatIndex, t.Rows[0].LatIndex
	lonMin, lonMax = t.Rows[0].LonIndex, t.Rows[0].LonIndex
	for _, r := range t.Rows[1:] {
		if r.LatIndex < latMin {
			latMin = r.LatIndex
		}
		if r.LatIndex > latMax {
			latMax = r.LatIndex
		}
		if r.LonIndex < lonMin {
			lonMin = r.LonIndex
		}
		if r.LonIndex > lonMax {
			lonMax = r.LonIndex
		}
	}
	return
}
