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
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	core "k8s.io/api/core/v1"

	"github.com/spatialmodel/riverine/ingest"
	"github.com/spatialmodel/riverine/pipeline"
	"github.com/spatialmodel/riverine/scheduler"
	"github.com/spatialmodel/riverine/store"
)

// RunForecasts processes one date's forecast cycles end to end: download,
// routing, publication, and warm-start priming. Failures of individual work
// units are logged and skipped; the returned error is non-nil only when the
// cycle itself cannot proceed.
func RunForecasts(ctx context.Context, cfg *viper.Viper) error {
	log := logrus.StandardLogger()

	ioRoot, err := requiredString(cfg, "io_root")
	if err != nil {
		return err
	}
	mirrorDir, err := requiredString(cfg, "mirror_dir")
	if err != nil {
		return err
	}
	routingExe, err := requiredString(cfg, "routing_exe")
	if err != nil {
		return err
	}
	schedulerLogDir, err := requiredString(cfg, "scheduler_log_dir")
	if err != nil {
		return err
	}
	// Jobs write their logs here; without it nothing can run.
	if err := os.MkdirAll(schedulerLogDir, os.ModePerm); err != nil {
		return fmt.Errorf("riverine: creating scheduler log directory: %v", err)
	}
	cadence, err := checkCadence(cfg.GetString("cadence"))
	if err != nil {
		return err
	}
	date, err := forecastDate(cfg.GetString("date"))
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if st != nil && cfg.GetBool("sync_rapid_input") {
		if err := st.SyncInputs(ctx, filepath.Join(ioRoot, "input")); err != nil {
			return err
		}
	}

	var forecastDirs []string
	if cfg.GetBool("download_ecmwf") {
		gateway, err := newGateway(cfg, mirrorDir, log)
		if err != nil {
			return err
		}
		forecastDirs, err = gateway.Pull(ctx, date)
		if err != nil {
			return err
		}
	} else {
		forecastDirs, err = stagedForecastDirs(mirrorDir, date)
		if err != nil {
			return err
		}
	}
	if len(forecastDirs) == 0 {
		log.WithFields(logrus.Fields{"date": date.Format("20060102")}).
			Warn("no forecast cycles staged; nothing to do")
		return nil
	}

	sched, err := buildScheduler(cfg, log)
	if err != nil {
		return err
	}

	orch := &pipeline.Orchestrator{
		Scheduler:       sched,
		Store:           st,
		IORoot:          ioRoot,
		SchedulerLogDir: schedulerLogDir,
		MainLogDir:      os.ExpandEnv(cfg.GetString("main_log_dir")),
		Executable:      routingExe,
		Cadence:         cadence,
		InstanceID:      cfg.GetString("app_instance_id"),
		UploadOutput:    cfg.GetBool("upload_output"),
		InitializeFlows: cfg.GetBool("initialize_flows"),
		Log:             log,
	}
	if cfg.GetBool("create_warning_points") {
		exe, err := requiredString(cfg, "warning_points_exe")
		if err != nil {
			return err
		}
		eraDir, err := requiredString(cfg, "era_interim_dir")
		if err != nil {
			return err
		}
		orch.Warnings = &pipeline.WarningPoints{
			Executable: exe,
			EraDir:     eraDir,
			Store:      st,
			InstanceID: cfg.GetString("app_instance_id"),
			Log:        log,
		}
	}

	report, err := orch.RunCycle(ctx, forecastDirs)
	if err != nil {
		return err
	}
	if pushURL := cfg.GetString("metrics_push_url"); pushURL != "" {
		if err := pipeline.PushMetrics(pushURL, cfg.GetString("app_instance_id"), report); err != nil {
			log.WithFields(logrus.Fields{"error": err}).Warn("metrics not pushed")
		}
	}
	return nil
}

// RunUnit executes a single work unit in the current process: downscale the
// forecast to reach inflow, route it, and normalize the routed discharge.
func RunUnit(ctx context.Context, cfg *viper.Viper) error {
	forecast, err := requiredString(cfg, "forecast")
	if err != nil {
		return err
	}
	watershed, err := requiredString(cfg, "watershed")
	if err != nil {
		return err
	}
	subbasin, err := requiredString(cfg, "subbasin")
	if err != nil {
		return err
	}
	inputDir, err := requiredString(cfg, "input")
	if err != nil {
		return err
	}
	workDir, err := requiredString(cfg, "work")
	if err != nil {
		return err
	}
	outputDir, err := requiredString(cfg, "output")
	if err != nil {
		return err
	}
	rapid, err := requiredString(cfg, "rapid")
	if err != nil {
		return err
	}
	cadence, err := checkCadence(cfg.GetString("cadence"))
	if err != nil {
		return err
	}
	stages := &pipeline.Stages{
		ForecastPath: forecast,
		Basin:        pipeline.Basin{Watershed: watershed, Subbasin: subbasin},
		InputDir:     inputDir,
		WorkDir:      workDir,
		OutputDir:    outputDir,
		Executable:   rapid,
		Cadence:      cadence,
		WarmStart:    cfg.GetBool("warm-start"),
		Log:          logrus.StandardLogger(),
	}
	return stages.Run(ctx)
}

// DownloadForecasts mirrors one date's forecast archives into the staging
// directory and extracts them.
func DownloadForecasts(ctx context.Context, cfg *viper.Viper) error {
	log := logrus.StandardLogger()
	mirrorDir, err := requiredString(cfg, "mirror_dir")
	if err != nil {
		return err
	}
	date, err := forecastDate(cfg.GetString("date"))
	if err != nil {
		return err
	}
	gateway, err := newGateway(cfg, mirrorDir, log)
	if err != nil {
		return err
	}
	dirs, err := gateway.Pull(ctx, date)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"date":   date.Format("20060102"),
		"cycles": len(dirs),
	}).Info("forecast cycles staged")
	return nil
}

// InitFlows rebuilds warm-start files from the routed discharge already on
// disk for one date, without routing anything.
func InitFlows(cfg *viper.Viper) error {
	log := logrus.StandardLogger()
	ioRoot, err := requiredString(cfg, "io_root")
	if err != nil {
		return err
	}
	mirrorDir, err := requiredString(cfg, "mirror_dir")
	if err != nil {
		return err
	}
	date, err := forecastDate(cfg.GetString("date"))
	if err != nil {
		return err
	}
	forecastDirs, err := stagedForecastDirs(mirrorDir, date)
	if err != nil {
		return err
	}
	if len(forecastDirs) == 0 {
		log.WithFields(logrus.Fields{"date": date.Format("20060102")}).
			Warn("no forecast cycles staged; nothing to do")
		return nil
	}
	orch := &pipeline.Orchestrator{
		IORoot:          ioRoot,
		InitializeFlows: true,
		Log:             log,
	}
	return orch.PrimeWarmStarts(forecastDirs)
}

// openStore connects to the artifact store named by store_url. An empty URL
// is allowed only when no configured feature needs the store.
func openStore(ctx context.Context, cfg *viper.Viper) (store.Store, error) {
	storeURL := os.ExpandEnv(cfg.GetString("store_url"))
	if storeURL == "" {
		if cfg.GetBool("sync_rapid_input") || cfg.GetBool("upload_output") {
			return nil, fmt.Errorf("riverine: the store_url configuration variable must be set when sync_rapid_input or upload_output is true")
		}
		return nil, nil
	}
	return store.Open(ctx, storeURL,
		os.ExpandEnv(cfg.GetString("store_api_key")), cfg.GetString("app_instance_id"))
}

// newGateway builds the forecast mirror gateway from the configuration.
func newGateway(cfg *viper.Viper, mirrorDir string, log logrus.FieldLogger) (*ingest.Gateway, error) {
	host, err := requiredString(cfg, "ftp_host")
	if err != nil {
		return nil, err
	}
	return &ingest.Gateway{
		Mirror: &ingest.FTPMirror{
			Addr:     host,
			User:     os.ExpandEnv(cfg.GetString("ftp_user")),
			Password: os.ExpandEnv(cfg.GetString("ftp_password")),
			Dir:      cfg.GetString("ftp_dir"),
		},
		Dir: mirrorDir,
		Log: log,
	}, nil
}

// buildScheduler constructs the work-unit scheduler named by the scheduler
// configuration variable.
func buildScheduler(cfg *viper.Viper, log logrus.FieldLogger) (scheduler.Interface, error) {
	switch name := cfg.GetString("scheduler"); name {
	case "", "local":
		return &scheduler.Local{Width: cfg.GetInt("workers"), Log: log}, nil
	case "kubernetes":
		k, err := scheduler.NewInClusterKubernetes(cfg.GetString("k8s_namespace"))
		if err != nil {
			return nil, err
		}
		configureKubernetes(k, cfg, log)
		return k, nil
	default:
		return nil, fmt.Errorf("riverine: the scheduler configuration variable is %q; valid values are local and kubernetes", name)
	}
}

// configureKubernetes applies the k8s_* configuration variables to k.
func configureKubernetes(k *scheduler.Kubernetes, cfg *viper.Viper, log logrus.FieldLogger) {
	if image := cfg.GetString("k8s_image"); image != "" {
		k.Image = image
	}
	if claim := cfg.GetString("k8s_volume_claim"); claim != "" {
		k.Volumes = []core.Volume{{
			Name: claim,
			VolumeSource: core.VolumeSource{
				PersistentVolumeClaim: &core.PersistentVolumeClaimVolumeSource{
					ClaimName: claim,
				},
			},
		}}
	}
	if selector := GetStringMapString("k8s_node_selector", cfg); len(selector) > 0 {
		k.NodeSelector = selector
	}
	k.Log = log
}
