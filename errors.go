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

import "fmt"

// SchemaError reports an input file whose layout does not match what the
// pipeline requires: a weight table with an unexpected header or row width,
// or a runoff file with unexpected dimensions, variables, or time axis.
// A SchemaError fails the work unit that encountered it; the rest of the
// forecast cycle continues.
type SchemaError struct {
	Path    string
	Problem string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("riverine: %s: %s", e.Path, e.Problem)
}

func schemaErr(path, format string, args ...interface{}) *SchemaError {
	return &SchemaError{Path: path, Problem: fmt.Sprintf(format, args...)}
}

// GroupingError reports a weight table whose contiguous reach groups are
// internally inconsistent: a group announced npoints rows but one of those
// rows carries a different reach id. It is fatal for the work unit.
type GroupingError struct {
	Path   string
	Row    int // 1-based data row of the offending entry
	WantID int
	GotID  int
}

func (e *GroupingError) Error() string {
	return fmt.Sprintf("riverine: %s: row %d: reach id %d in group of reach %d",
		e.Path, e.Row, e.GotID, e.WantID)
}
