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
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/riverine"
)

// InflowName returns the canonical inflow file name for a work unit.
func InflowName(watershed, subbasin string, ensemble int) string {
	return fmt.Sprintf("m3_riv_bas_%s_%s_%d.nc", watershed, subbasin, ensemble)
}

// QoutName returns the canonical routed-output file name for a work unit.
func QoutName(watershed, subbasin string, ensemble int) string {
	return fmt.Sprintf("Qout_%s_%s_%d.nc", watershed, subbasin, ensemble)
}

// A NamelistConfig collects everything one namelist rewrite needs.
type NamelistConfig struct {
	Inputs *InputDir

	Watershed string
	Subbasin  string
	Ensemble  int
	Regime    riverine.Regime

	// Issue is the forecast cycle start; the warm-start lookup targets
	// the file stamped 12 hours before it.
	Issue time.Time

	// InflowFile and QoutFile are the absolute Vlat_file and Qout_file
	// values to substitute.
	InflowFile string
	QoutFile   string

	// WarmStart enables initialization from the previous cycle's
	// discharge when the expected file exists.
	WarmStart bool

	Log logrus.FieldLogger
}

// Rewrite reads the namelist template at src and writes the substituted
// namelist to dst. Keyed lines are replaced, all other lines pass through
// unchanged, and the write is atomic so a running routing executable can
// never observe a partial namelist. Rewriting identical inputs twice yields
// byte-identical output.
//
// A missing warm-start file is not an error: the namelist is written with
// BS_opt_Qinit disabled and a warning is logged.
func Rewrite(src, dst string, c *NamelistConfig) error {
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}

	connect, err := c.Inputs.RapidConnect()
	if err != nil {
		return err
	}
	rivBas, err := c.Inputs.RivBasID()
	if err != nil {
		return err
	}
	kFile, err := c.Inputs.KFile()
	if err != nil {
		return err
	}
	xFile, err := c.Inputs.XFile()
	if err != nil {
		return err
	}

	stamp := riverine.WarmStartStamp(c.Issue.Add(-12 * time.Hour))
	qinit := c.Inputs.WarmStartPath(c.Subbasin, stamp)
	useQinit := false
	if c.WarmStart {
		if _, err := os.Stat(qinit); err == nil {
			useQinit = true
		} else {
			c.Log.WithFields(logrus.Fields{
				"watershed": c.Watershed,
				"subbasin":  c.Subbasin,
				"file":      qinit,
			}).Warn("warm-start file missing; routing will cold-start")
		}
	}

	sub := func(line string) string {
		t := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(t, "BS_opt_Qinit"):
			if useQinit {
				return keyBool("BS_opt_Qinit", true)
			}
			return keyBool("BS_opt_Qinit", false)
		case strings.HasPrefix(t, "Vlat_file"):
			return keyPath("Vlat_file", c.InflowFile)
		case strings.HasPrefix(t, "ZS_TauM"):
			return keyInt("ZS_TauM", int(c.Regime.SimulationPeriod().Seconds()))
		case strings.HasPrefix(t, "ZS_dtM"):
			return keyInt("ZS_dtM", 86400)
		case strings.HasPrefix(t, "ZS_TauR"):
			return keyInt("ZS_TauR", int(c.Regime.RoutingStep().Seconds()))
		case strings.HasPrefix(t, "Qinit_file"):
			if useQinit {
				return keyPath("Qinit_file", qinit)
			}
			return keyPath("Qinit_file", "")
		case strings.HasPrefix(t, "rapid_connect_file"):
			return keyPath("rapid_connect_file", connect)
		case strings.HasPrefix(t, "riv_bas_id_file"):
			return keyPath("riv_bas_id_file", rivBas)
		case strings.HasPrefix(t, "k_file"):
			return keyPath("k_file", kFile)
		case strings.HasPrefix(t, "x_file"):
			return keyPath("x_file", xFile)
		case strings.HasPrefix(t, "Qout_file"):
			return keyPath("Qout_file", c.QoutFile)
		}
		return line
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("routing: opening namelist template: %v", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".namelist")
	if err != nil {
		return fmt.Errorf("routing: creating temporary namelist: %v", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if _, err := fmt.Fprintln(w, sub(scanner.Text())); err != nil {
			tmp.Close()
			return fmt.Errorf("routing: writing namelist: %v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		tmp.Close()
		return fmt.Errorf("routing: reading namelist template: %v", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("routing: writing namelist: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("routing: writing namelist: %v", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("routing: replacing namelist: %v", err)
	}
	return nil
}

// The keyed-line formats preserve the template convention of keys padded to
// a 19-character field.

func keyPath(key, val string) string {
	return fmt.Sprintf("%-19s= '%s'", key, val)
}

func keyInt(key string, val int) string {
	return fmt.Sprintf("%-19s= %d", key, val)
}

func keyBool(key string, val bool) string {
	if val {
		return fmt.Sprintf("%-19s=.true.", key)
	}
	return fmt.Sprintf("%-19s=.false.", key)
}
