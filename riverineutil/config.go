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

package riverineutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/lnashier/viper"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/spatialmodel/riverine"
)

// loadEnvFile loads RIVERINE_* variables from a .env file next to the
// binary or in the working directory, so credentials can live outside the
// command line. Missing files are not an error.
func loadEnvFile() {
	if exe, err := os.Executable(); err == nil {
		godotenv.Load(filepath.Join(filepath.Dir(exe), ".env"))
	}
	godotenv.Load()
}

// startLogging points the standard logger at standard error and, when
// main_log_dir is configured, tees it into a rotating file there. The
// returned function undoes the tee.
func startLogging(cfg *viper.Viper) (func(), error) {
	logrus.SetFormatter(&logrus.TextFormatter{
		ForceColors:     isatty.IsTerminal(os.Stderr.Fd()),
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339Nano,
		DisableSorting:  true,
	})
	dir := os.ExpandEnv(cfg.GetString("main_log_dir"))
	if dir == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("riverine: creating main log directory: %v", err)
	}
	rotator := &lumberjack.Logger{
		Filename: filepath.Join(dir, "riverine.log"),
		MaxAge:   7, // days
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return func() {
		logrus.SetOutput(os.Stderr)
		rotator.Close()
	}, nil
}

// requiredString expands any environment variables in the named
// configuration value and ensures that it was set.
func requiredString(cfg *viper.Viper, name string) (string, error) {
	v := os.ExpandEnv(cfg.GetString(name))
	if v == "" {
		return "", fmt.Errorf("riverine: the %s configuration variable must be set", name)
	}
	return v, nil
}

// checkCadence ensures that an acceptable inflow cadence was specified.
func checkCadence(s string) (riverine.Cadence, error) {
	c, ok := riverine.ParseCadence(s)
	if !ok {
		return 0, fmt.Errorf("riverine: the cadence configuration variable is %q; valid values are 1h, 3h and 6h", s)
	}
	return c, nil
}

// forecastDate parses the date configuration value, which selects the
// forecast issue date to process. Empty means the current date in UTC.
func forecastDate(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse("20060102", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("riverine: the date configuration variable is %q; want YYYYMMDD", s)
	}
	return t, nil
}

// stagedForecastDirs lists the cycle directories already extracted into the
// staging directory for the date.
func stagedForecastDirs(dir string, date time.Time) ([]string, error) {
	pattern := filepath.Join(dir, "Runoff."+date.UTC().Format("20060102")+"*.netcdf")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("riverine: listing staged forecasts: %v", err)
	}
	var dirs []string
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.IsDir() {
			dirs = append(dirs, m)
		}
	}
	return dirs, nil
}

// GetStringMapString returns a map[string]string from a viper
// configuration, accounting for the fact that it might be a json object if
// it was set from a command line argument.
func GetStringMapString(varName string, cfg *viper.Viper) map[string]string {
	i := cfg.Get(varName)
	switch i.(type) {
	case map[string]string:
		return i.(map[string]string)
	case map[string]interface{}:
		return cast.ToStringMapString(i)
	case string:
		b := bytes.NewBuffer(([]byte)(i.(string)))
		d := json.NewDecoder(b)
		o := make(map[string]string)
		if err := d.Decode(&o); err != nil {
			panic(err)
		}
		return o
	default:
		panic(fmt.Errorf("invalid type for GetStringMapString variable %s: %#v", varName, i))
	}
}
