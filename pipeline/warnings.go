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
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/riverine/store"
)

// WarningPoints invokes the external warning-point generator after a cycle
// and publishes its products.
type WarningPoints struct {
	// Executable is the generator binary.
	Executable string

	// EraDir is the historical reanalysis directory the generator
	// compares forecasts against.
	EraDir string

	// Store receives the generated products; nil disables publication.
	Store      store.Store
	InstanceID string

	Log logrus.FieldLogger
}

// Generate runs the generator over one basin's cycle output and uploads the
// resulting warning_points_<subbasin>.json. An absent generator binary is
// logged and skipped so deployments without it keep working.
func (w *WarningPoints) Generate(ctx context.Context, basin Basin, outputDir, stamp string) error {
	log := w.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if _, err := os.Stat(w.Executable); err != nil {
		log.WithFields(logrus.Fields{
			"executable": w.Executable,
			"basin":      basin.Dir(),
		}).Warn("warning-point generator missing; skipping")
		return nil
	}

	cmd := exec.CommandContext(ctx, w.Executable, w.EraDir, outputDir, stamp)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		msg := out.String()
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return fmt.Errorf("pipeline: warning-point generator for %s: %v: %s", basin.Dir(), err, msg)
	}

	product := filepath.Join(outputDir, "warning_points_"+basin.Subbasin+".json")
	if _, err := os.Stat(product); err != nil {
		return fmt.Errorf("pipeline: warning-point generator for %s wrote no %s", basin.Dir(), product)
	}
	if w.Store == nil {
		return nil
	}
	resource := fmt.Sprintf("%s-%s-%s-%s-warnings", w.InstanceID, basin.Watershed, basin.Subbasin, stamp)
	if err := w.Store.UploadResource(ctx, product, resource); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"basin":    basin.Dir(),
		"resource": resource,
	}).Info("warning points published")
	return nil
}
