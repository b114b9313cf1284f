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
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ctessum/cdf"
	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/riverine"
)

// A WarmStarter derives initial flows for the next forecast cycle from the
// normalized discharge files of the current one. For every reach it takes
// the discharge at the third time step of each ensemble member, clips
// negatives to zero, and averages across the members that produced output.
type WarmStarter struct {
	// IDVar and FlowVar name the reach identifier and discharge variables
	// in the normalized files. Empty values default to COMID and Qout.
	IDVar   string
	FlowVar string

	Log logrus.FieldLogger
}

// ReadConnectivity reads the reach identifiers from the first column of a
// connectivity table. The table has no header row.
func ReadConnectivity(path string) ([]int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("routing: opening connectivity table: %v", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var ids []int32
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &riverine.SchemaError{Path: path,
				Problem: fmt.Sprintf("reading connectivity table: %v", err)}
		}
		if len(rec) == 0 {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, &riverine.SchemaError{Path: path,
				Problem: fmt.Sprintf("connectivity row %d: reach id %q: %v",
					len(ids)+1, rec[0], err)}
		}
		ids = append(ids, int32(id))
	}
	if len(ids) == 0 {
		return nil, &riverine.SchemaError{Path: path,
			Problem: "connectivity table has no rows"}
	}
	return ids, nil
}

// Values computes one initial flow per connectivity entry from the given
// normalized discharge files. Reaches that appear in no file get 0.
func (ws *WarmStarter) Values(connectivity []int32, qoutPaths []string) ([]float64, error) {
	idVar, flowVar := ws.IDVar, ws.FlowVar
	if idVar == "" {
		idVar = "COMID"
	}
	if flowVar == "" {
		flowVar = "Qout"
	}

	sums := make(map[int32]float64)
	counts := make(map[int32]int)
	for _, path := range qoutPaths {
		if err := accumulateInitFlows(path, idVar, flowVar, sums, counts); err != nil {
			return nil, err
		}
	}

	out := make([]float64, len(connectivity))
	for k, id := range connectivity {
		if c := counts[id]; c > 0 {
			out[k] = sums[id] / float64(c)
		}
	}
	return out, nil
}

func accumulateInitFlows(path, idVar, flowVar string, sums map[int32]float64, counts map[int32]int) error {
	ff, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("routing: opening discharge file: %v", err)
	}
	defer ff.Close()
	f, err := cdf.Open(ff)
	if err != nil {
		return &riverine.SchemaError{Path: path,
			Problem: fmt.Sprintf("reading discharge header: %v", err)}
	}

	dims := f.Header.Dimensions(flowVar)
	if len(dims) != 2 {
		return &riverine.SchemaError{Path: path,
			Problem: fmt.Sprintf("discharge variable %s has dimensions %v; want (reach, time)",
				flowVar, dims)}
	}
	lens := f.Header.Lengths(flowVar)
	nid, nt := lens[0], lens[1]
	if nid == 0 { // unlimited reach dimension
		fi, err := ff.Stat()
		if err != nil {
			return fmt.Errorf("routing: stat %s: %v", path, err)
		}
		nid = int(f.Header.NumRecs(fi.Size()))
	}
	if nt < 3 {
		return &riverine.SchemaError{Path: path,
			Problem: fmt.Sprintf("discharge has %d time steps; initial flows need the third", nt)}
	}

	rawIDs, err := readVar(f, idVar, []int{0}, []int{nid}, nid)
	if err != nil {
		return fmt.Errorf("routing: reading %s from %s: %v", idVar, path, err)
	}
	flows, err := readVar(f, flowVar, []int{0, 0}, []int{nid, nt}, nid*nt)
	if err != nil {
		return fmt.Errorf("routing: reading %s from %s: %v", flowVar, path, err)
	}

	for i := 0; i < nid; i++ {
		v := flows[i*nt+2]
		if v < 0 {
			v = 0
		}
		id := int32(rawIDs[i])
		sums[id] += v
		counts[id]++
	}
	return nil
}

// WriteWarmStart writes one flow value per line. The file appears
// atomically: it is written beside path and renamed into place.
func WriteWarmStart(path string, values []float64) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".qinit")
	if err != nil {
		return fmt.Errorf("routing: creating warm-start file: %v", err)
	}
	w := bufio.NewWriter(tmp)
	for _, v := range values {
		if _, err := fmt.Fprintln(w, strconv.FormatFloat(v, 'g', -1, 64)); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("routing: writing warm-start file: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("routing: writing warm-start file: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("routing: writing warm-start file: %v", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("routing: replacing warm-start file: %v", err)
	}
	return nil
}

// Build computes and writes the warm-start file for subbasin in the input
// directory, named for the next cycle's stamp. Warm-start files from earlier
// cycles are removed first so each subbasin carries exactly one.
func (ws *WarmStarter) Build(inputs *InputDir, subbasin, stamp string, qoutPaths []string) (string, error) {
	log := ws.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	connectPath, err := inputs.RapidConnect()
	if err != nil {
		return "", err
	}
	connectivity, err := ReadConnectivity(connectPath)
	if err != nil {
		return "", err
	}
	values, err := ws.Values(connectivity, qoutPaths)
	if err != nil {
		return "", err
	}

	old, err := inputs.WarmStartFiles(subbasin)
	if err != nil {
		return "", err
	}
	for _, f := range old {
		if err := os.Remove(f); err != nil {
			log.WithFields(logrus.Fields{"file": f, "error": err}).
				Warn("could not remove stale warm-start file")
		}
	}

	path := inputs.WarmStartPath(subbasin, stamp)
	if err := WriteWarmStart(path, values); err != nil {
		return "", err
	}
	log.WithFields(logrus.Fields{
		"subbasin": subbasin,
		"stamp":    stamp,
		"members":  len(qoutPaths),
		"reaches":  len(values),
	}).Info("wrote warm-start initial flows")
	return path, nil
}
