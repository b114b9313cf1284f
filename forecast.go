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
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// A ForecastFile identifies one ensemble member's runoff file. File names
// carry dot-separated tokens <issue date>.<issue hour>.<member>, optionally
// preceded by a basename, e.g. 20080601.1200.7.runoff.netcdf.
type ForecastFile struct {
	Path string

	IssueDate string // YYYYMMDD
	HourToken string // raw upstream token, "0" or "1200"
	Ensemble  int    // 1..52; 52 is the high-resolution member

	// Size is the file length in bytes, used to order job submission
	// largest-first.
	Size int64
}

var forecastName = regexp.MustCompile(`(?:^|\.)(\d{8})\.(\d{1,4})\.(\d{1,2})\.`)

// ParseForecastPath extracts the forecast identity from a file path.
func ParseForecastPath(path string) (ForecastFile, error) {
	base := filepath.Base(path)
	m := forecastName.FindStringSubmatch(base)
	if m == nil {
		return ForecastFile{}, fmt.Errorf("riverine: %s: not a forecast file name", base)
	}
	ens, err := strconv.Atoi(m[3])
	if err != nil || ens < 1 || ens > 52 {
		return ForecastFile{}, fmt.Errorf("riverine: %s: ensemble member %q out of range", base, m[3])
	}
	return ForecastFile{
		Path:      path,
		IssueDate: m[1],
		HourToken: m[2],
		Ensemble:  ens,
	}, nil
}

// Stamp returns the <issue date>.<issue hour> token pair that names output
// directories for this forecast cycle.
func (f ForecastFile) Stamp() string {
	return f.IssueDate + "." + f.HourToken
}

// Issue returns the UTC instant the forecast cycle begins.
func (f ForecastFile) Issue() (time.Time, error) {
	t, err := time.ParseInLocation("20060102", f.IssueDate, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("riverine: parsing issue date %q: %v", f.IssueDate, err)
	}
	h, err := strconv.Atoi(f.HourToken)
	if err != nil {
		return time.Time{}, fmt.Errorf("riverine: parsing issue hour %q: %v", f.HourToken, err)
	}
	if h >= 100 { // upstream writes 12 UTC as "1200"
		h /= 100
	}
	return t.Add(time.Duration(h) * time.Hour), nil
}

// HighRes reports whether this is the high-resolution deterministic member.
func (f ForecastFile) HighRes() bool { return f.Ensemble == 52 }

// WarmStartStamp formats t for warm-start file names, e.g. 20080601t12.
func WarmStartStamp(t time.Time) string {
	return t.UTC().Format("20060102t15")
}

// SortForecastsBySize orders forecasts largest-first. The high-resolution
// member dominates a cycle's runtime, so submitting it first trims the tail.
func SortForecastsBySize(files []ForecastFile) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].Size != files[j].Size {
			return files[i].Size > files[j].Size
		}
		return files[i].Path < files[j].Path
	})
}
