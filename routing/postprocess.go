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
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ctessum/cdf"
	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/riverine"
)

// A Normalizer rewrites the routing executable's raw NetCDF output, which
// carries a single discharge variable dimensioned (time, reach), into a
// CF-1.6 timeSeries file following the NODC orthogonal template: discharge
// transposed to (reach, time), reach positions from the lookup table, and a
// concrete time axis in seconds since 1970 anchored at the forecast issue.
type Normalizer struct {
	// InIDDim and InFlowVar name the reach dimension and discharge
	// variable of the raw file. Empty values default to COMID and Qout.
	InIDDim   string
	InFlowVar string

	// OutIDDim and OutFlowVar name them in the normalized file.
	OutIDDim   string
	OutFlowVar string

	Log logrus.FieldLogger
}

// A reachLookup is the contents of a comid_lat_lon_z table, padded or
// truncated to the reach axis length of the file being normalized.
type reachLookup struct {
	ids           []int32
	lats, lons, z []float64
	count         int

	latMin, latMax float64
	lonMin, lonMax float64
	zMin, zMax     float64
}

// Normalize rewrites the routed file at qoutPath in place. The replacement
// is atomic: the normalized file is fully written beside the original and
// then renamed over it.
func (n *Normalizer) Normalize(qoutPath, lookupPath string, issue time.Time, step time.Duration) error {
	inID, inFlow := n.InIDDim, n.InFlowVar
	if inID == "" {
		inID = "COMID"
	}
	if inFlow == "" {
		inFlow = "Qout"
	}
	outID, outFlow := n.OutIDDim, n.OutFlowVar
	if outID == "" {
		outID = "COMID"
	}
	if outFlow == "" {
		outFlow = "Qout"
	}
	log := n.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	ff, err := os.Open(qoutPath)
	if err != nil {
		return fmt.Errorf("routing: opening routed output: %v", err)
	}
	defer ff.Close()
	f, err := cdf.Open(ff)
	if err != nil {
		return &riverine.SchemaError{Path: qoutPath,
			Problem: fmt.Sprintf("reading routed output header: %v", err)}
	}

	dims := f.Header.Dimensions(inFlow)
	if len(dims) != 2 || dims[1] != inID {
		return &riverine.SchemaError{Path: qoutPath,
			Problem: fmt.Sprintf("discharge variable %s has dimensions %v; want (time, %s)",
				inFlow, dims, inID)}
	}
	lens := f.Header.Lengths(inFlow)
	timeLen, idLen := lens[0], lens[1]
	if timeLen == 0 { // unlimited time dimension
		fi, err := ff.Stat()
		if err != nil {
			return fmt.Errorf("routing: stat %s: %v", qoutPath, err)
		}
		timeLen = int(f.Header.NumRecs(fi.Size()))
	}

	raw, err := readVar(f, inFlow, []int{0, 0}, []int{timeLen, idLen}, timeLen*idLen)
	if err != nil {
		return fmt.Errorf("routing: reading %s from %s: %v", inFlow, qoutPath, err)
	}
	flow := make([]float32, idLen*timeLen)
	for t := 0; t < timeLen; t++ {
		for i := 0; i < idLen; i++ {
			flow[i*timeLen+t] = float32(raw[t*idLen+i])
		}
	}

	lookup, err := readReachLookup(lookupPath, idLen)
	if err != nil {
		return err
	}
	if lookup.count != idLen {
		log.WithFields(logrus.Fields{
			"file":    qoutPath,
			"reaches": idLen,
			"lookup":  lookup.count,
		}).Warn("reach lookup table row count differs from reach axis length")
	}

	stepSecs := int64(step.Seconds())
	times := make([]int32, timeLen)
	start := issue.UTC()
	for i := range times {
		times[i] = int32(start.Unix() + int64(i)*stepSecs)
	}
	end := start.Add(time.Duration(timeLen-1) * step)

	tmpPath := strings.TrimSuffix(qoutPath, ".nc") + "_CF.nc"
	if err := writeNormalized(tmpPath, outID, outFlow, lookup, times, flow, idLen, timeLen, start, end, stepSecs); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, qoutPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("routing: replacing %s: %v", qoutPath, err)
	}
	return nil
}

// readReachLookup parses a lookup CSV whose first four columns are reach id,
// latitude, longitude, and elevation. The first row is a header. Rows beyond
// idLen are ignored; axes not covered by the table keep the fill value.
func readReachLookup(path string, idLen int) (*reachLookup, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("routing: opening reach lookup: %v", err)
	}
	defer f.Close()

	l := &reachLookup{
		ids:  make([]int32, idLen),
		lats: make([]float64, idLen),
		lons: make([]float64, idLen),
		z:    make([]float64, idLen),
	}
	for i := 0; i < idLen; i++ {
		l.lats[i], l.lons[i], l.z[i] = -9999.0, -9999.0, -9999.0
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &riverine.SchemaError{Path: path,
				Problem: fmt.Sprintf("reading reach lookup: %v", err)}
		}
		if header {
			header = false
			continue
		}
		if l.count < idLen {
			if len(rec) < 4 {
				return nil, &riverine.SchemaError{Path: path,
					Problem: fmt.Sprintf("reach lookup row %d has %d fields; want at least 4",
						l.count+1, len(rec))}
			}
			id, err := strconv.Atoi(strings.TrimSpace(rec[0]))
			if err != nil {
				return nil, &riverine.SchemaError{Path: path,
					Problem: fmt.Sprintf("reach lookup row %d: id %q: %v", l.count+1, rec[0], err)}
			}
			lat, err1 := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
			lon, err2 := strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
			z, err3 := strconv.ParseFloat(strings.TrimSpace(rec[3]), 64)
			if err1 != nil || err2 != nil || err3 != nil {
				return nil, &riverine.SchemaError{Path: path,
					Problem: fmt.Sprintf("reach lookup row %d: non-numeric position", l.count+1)}
			}
			i := l.count
			l.ids[i] = int32(id)
			l.lats[i], l.lons[i], l.z[i] = lat, lon, z
			if l.count == 0 {
				l.latMin, l.latMax = lat, lat
				l.lonMin, l.lonMax = lon, lon
				l.zMin, l.zMax = z, z
			} else {
				l.latMin, l.latMax = minMax(l.latMin, l.latMax, lat)
				l.lonMin, l.lonMax = minMax(l.lonMin, l.lonMax, lon)
				l.zMin, l.zMax = minMax(l.zMin, l.zMax, z)
			}
		}
		l.count++
	}
	return l, nil
}

func minMax(lo, hi, v float64) (float64, float64) {
	if v < lo {
		lo = v
	}
	if v > hi {
		hi = v
	}
	return lo, hi
}

func writeNormalized(path, idDim, flowVar string, lookup *reachLookup,
	times []int32, flow []float32, idLen, timeLen int, start, end time.Time, stepSecs int64) error {

	h := cdf.NewHeader([]string{"time", idDim}, []int{timeLen, idLen})

	h.AddVariable(idDim, []string{idDim}, []int32{0})
	h.AddAttribute(idDim, "long_name", "Unique NHDPlus COMID identifier for each river reach feature")
	h.AddAttribute(idDim, "cf_role", "timeseries_id")

	h.AddVariable("time", []string{"time"}, []int32{0})
	h.AddAttribute("time", "long_name", "time")
	h.AddAttribute("time", "standard_name", "time")
	h.AddAttribute("time", "units", "seconds since 1970-01-01 00:00:00 0:00")
	h.AddAttribute("time", "axis", "T")

	h.AddVariable("lat", []string{idDim}, []float64{0})
	h.AddAttribute("lat", "long_name", "latitude")
	h.AddAttribute("lat", "standard_name", "latitude")
	h.AddAttribute("lat", "units", "degrees_north")
	h.AddAttribute("lat", "axis", "Y")
	h.AddAttribute("lat", "_FillValue", []float64{-9999.0})

	h.AddVariable("lon", []string{idDim}, []float64{0})
	h.AddAttribute("lon", "long_name", "longitude")
	h.AddAttribute("lon", "standard_name", "longitude")
	h.AddAttribute("lon", "units", "degrees_east")
	h.AddAttribute("lon", "axis", "X")
	h.AddAttribute("lon", "_FillValue", []float64{-9999.0})

	h.AddVariable("z", []string{idDim}, []float64{0})
	h.AddAttribute("z", "long_name", "Elevation referenced to the North American Vertical Datum of 1988 (NAVD88)")
	h.AddAttribute("z", "standard_name", "surface_altitude")
	h.AddAttribute("z", "units", "m")
	h.AddAttribute("z", "axis", "Z")
	h.AddAttribute("z", "positive", "up")
	h.AddAttribute("z", "_FillValue", []float64{-9999.0})

	h.AddVariable(flowVar, []string{idDim, "time"}, []float32{0})
	h.AddAttribute(flowVar, "long_name", "Discharge")
	h.AddAttribute(flowVar, "units", "m^3/s")
	h.AddAttribute(flowVar, "coordinates", "time lat lon z")
	h.AddAttribute(flowVar, "grid_mapping", "crs")
	h.AddAttribute(flowVar, "source", "Generated by the Routing Application for Parallel computatIon of Discharge (RAPID) river routing model.")
	h.AddAttribute(flowVar, "references", "http://rapid-hub.org/")
	h.AddAttribute(flowVar, "comment", "lat, lon, and z values taken at midpoint of river reach feature")

	h.AddVariable("crs", nil, []int32{0})
	h.AddAttribute("crs", "grid_mapping_name", "latitude_longitude")
	h.AddAttribute("crs", "epsg_code", "EPSG:4269")
	h.AddAttribute("crs", "semi_major_axis", []float64{6378137.0})
	h.AddAttribute("crs", "inverse_flattening", []float64{298.257222101})

	now := time.Now().UTC().Format(time.RFC3339)
	h.AddAttribute("", "featureType", "timeSeries")
	h.AddAttribute("", "Metadata_Conventions", "Unidata Dataset Discovery v1.0")
	h.AddAttribute("", "Conventions", "CF-1.6")
	h.AddAttribute("", "cdm_data_type", "Station")
	h.AddAttribute("", "nodc_template_version", "NODC_NetCDF_TimeSeries_Orthogonal_Template_v1.1")
	h.AddAttribute("", "standard_name_vocabulary", "NetCDF Climate and Forecast (CF) Metadata Convention Standard Name Table v28")
	h.AddAttribute("", "title", "RAPID Result")
	h.AddAttribute("", "summary", "Results of RAPID river routing simulation. Each river reach (i.e., feature) is represented by a point feature at its midpoint, and is identified by the reach's unique NHDPlus COMID identifier.")
	h.AddAttribute("", "time_coverage_resolution", "point")
	h.AddAttribute("", "time_coverage_start", start.Format("2006-01-02T15:04:05")+"Z")
	h.AddAttribute("", "time_coverage_end", end.Format("2006-01-02T15:04:05")+"Z")
	h.AddAttribute("", "geospatial_lat_min", []float64{lookup.latMin})
	h.AddAttribute("", "geospatial_lat_max", []float64{lookup.latMax})
	h.AddAttribute("", "geospatial_lat_units", "degrees_north")
	h.AddAttribute("", "geospatial_lat_resolution", "midpoint of stream feature")
	h.AddAttribute("", "geospatial_lon_min", []float64{lookup.lonMin})
	h.AddAttribute("", "geospatial_lon_max", []float64{lookup.lonMax})
	h.AddAttribute("", "geospatial_lon_units", "degrees_east")
	h.AddAttribute("", "geospatial_lon_resolution", "midpoint of stream feature")
	h.AddAttribute("", "geospatial_vertical_min", []float64{lookup.zMin})
	h.AddAttribute("", "geospatial_vertical_max", []float64{lookup.zMax})
	h.AddAttribute("", "geospatial_vertical_units", "m")
	h.AddAttribute("", "geospatial_vertical_resolution", "midpoint of stream feature")
	h.AddAttribute("", "geospatial_vertical_positive", "up")
	h.AddAttribute("", "project", "National Flood Interoperability Experiment")
	h.AddAttribute("", "processing_level", "Raw simulation result")
	h.AddAttribute("", "keywords_vocabulary", "NASA/Global Change Master Directory (GCMD) Earth Science Keywords. Version 8.0.0.0.0")
	h.AddAttribute("", "keywords", "DISCHARGE/FLOW")
	h.AddAttribute("", "comment", "Result time step (seconds): "+strconv.FormatInt(stepSecs, 10))
	h.AddAttribute("", "date_created", now)
	h.AddAttribute("", "history", now+"; added time, lat, lon, z, crs variables; added metadata to conform to NODC_NetCDF_TimeSeries_Orthogonal_Template_v1.1")

	h.Define()
	if errs := h.Check(); len(errs) > 0 {
		return fmt.Errorf("routing: building normalized header: %v", errs[0])
	}

	ff, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("routing: creating normalized file: %v", err)
	}
	defer ff.Close()
	f, err := cdf.Create(ff, h)
	if err != nil {
		return fmt.Errorf("routing: writing normalized header: %v", err)
	}

	if err := writeVar(f, idDim, []int{0}, []int{idLen}, lookup.ids, idLen); err != nil {
		return err
	}
	if err := writeVar(f, "time", []int{0}, []int{timeLen}, times, timeLen); err != nil {
		return err
	}
	if err := writeVar(f, "lat", []int{0}, []int{idLen}, lookup.lats, idLen); err != nil {
		return err
	}
	if err := writeVar(f, "lon", []int{0}, []int{idLen}, lookup.lons, idLen); err != nil {
		return err
	}
	if err := writeVar(f, "z", []int{0}, []int{idLen}, lookup.z, idLen); err != nil {
		return err
	}
	if err := writeVar(f, flowVar, []int{0, 0}, []int{idLen, timeLen}, flow, idLen*timeLen); err != nil {
		return err
	}
	if err := writeVar(f, "crs", nil, nil, []int32{0}, 1); err != nil {
		return err
	}
	return nil
}

// readVar reads n elements of variable v between the given corners (end
// exclusive) and widens them to float64 regardless of the stored type.
func readVar(f *cdf.File, v string, begin, end []int, n int) ([]float64, error) {
	r := f.Reader(v, begin, end)
	buf := r.Zero(n)
	if _, err := r.Read(buf); err != nil {
		return nil, err
	}
	switch b := buf.(type) {
	case []float64:
		return b, nil
	case []float32:
		out := make([]float64, len(b))
		for i, x := range b {
			out[i] = float64(x)
		}
		return out, nil
	case []int32:
		out := make([]float64, len(b))
		for i, x := range b {
			out[i] = float64(x)
		}
		return out, nil
	case []int16:
		out := make([]float64, len(b))
		for i, x := range b {
			out[i] = float64(x)
		}
		return out, nil
	case []uint8:
		out := make([]float64, len(b))
		for i, x := range b {
			out[i] = float64(x)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type %T for variable %s", buf, v)
}

// writeVar writes n elements of variable v. A write that exactly fills the
// bounded range surfaces io.EOF from the strided writer; that is success.
func writeVar(f *cdf.File, v string, begin, end []int, data interface{}, n int) error {
	w := f.Writer(v, begin, end)
	nw, err := w.Write(data)
	if err == io.EOF && nw == n {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("routing: writing %s: %v", v, err)
	}
	return nil
}
