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

package pipeline

import (
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

const logRetention = 7 * 24 * time.Hour

// CleanLogs removes scheduler log date-directories and main log files older
// than seven days. It runs before every cycle; failures are logged as
// warnings and do not stop the cycle.
func CleanLogs(schedulerLogDir, mainLogDir string, now time.Time, log logrus.FieldLogger) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if schedulerLogDir != "" {
		entries, err := os.ReadDir(schedulerLogDir)
		if err != nil && !os.IsNotExist(err) {
			log.WithFields(logrus.Fields{"dir": schedulerLogDir, "error": err}).
				Warn("cannot list scheduler logs")
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			day, err := time.Parse("20060102", e.Name())
			if err != nil {
				continue
			}
			if now.Sub(day) <= logRetention {
				continue
			}
			p := filepath.Join(schedulerLogDir, e.Name())
			if err := os.RemoveAll(p); err != nil {
				log.WithFields(logrus.Fields{"dir": p, "error": err}).
					Warn("cannot remove old scheduler logs")
				continue
			}
			log.WithFields(logrus.Fields{"dir": p}).Info("removed old scheduler logs")
		}
	}
	if mainLogDir == "" {
		return
	}
	entries, err := os.ReadDir(mainLogDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithFields(logrus.Fields{"dir": mainLogDir, "error": err}).
				Warn("cannot list main logs")
		}
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) <= logRetention {
			continue
		}
		p := filepath.Join(mainLogDir, e.Name())
		if err := os.Remove(p); err != nil {
			log.WithFields(logrus.Fields{"file": p, "error": err}).
				Warn("cannot remove old log file")
			continue
		}
		log.WithFields(logrus.Fields{"file": p}).Info("removed old log file")
	}
}
