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

// Package riverineutil wires the riverine forecast pipeline to its
// command-line interface and configuration.
package riverineutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/lnashier/viper"
	"github.com/spatialmodel/riverine"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to Riverine.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "date",
			usage: `
              date specifies the forecast issue date to process, in
              YYYYMMDD format. The default is the current date in UTC.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), downloadCmd.Flags(), initflowsCmd.Flags()},
		},
		{
			name: "io_root",
			usage: `
              io_root specifies the directory holding the input/, output/
              and work/ trees of the routed watersheds.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), initflowsCmd.Flags()},
		},
		{
			name: "mirror_dir",
			usage: `
              mirror_dir specifies the local staging directory that runoff
              forecast archives are downloaded to and extracted in.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), downloadCmd.Flags(), initflowsCmd.Flags()},
		},
		{
			name: "era_interim_dir",
			usage: `
              era_interim_dir specifies the directory holding the ERA
              Interim historical discharge archive that return-period
              warning points are computed against.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "scheduler_log_dir",
			usage: `
              scheduler_log_dir specifies the directory receiving per-job
              scheduler logs, grouped in one subdirectory per forecast
              date. Logs older than a week are deleted.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "main_log_dir",
			usage: `
              main_log_dir specifies the directory receiving the rotating
              main process log. If empty, the process logs to standard
              error only.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), downloadCmd.Flags(), initflowsCmd.Flags()},
		},
		{
			name: "routing_exe",
			usage: `
              routing_exe specifies the location of the RAPID routing
              executable that work units run.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "warning_points_exe",
			usage: `
              warning_points_exe specifies the location of the
              warning-point generator executable. It is only used when
              create_warning_points is true.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "cadence",
			usage: `
              cadence specifies the inflow bucket width for
              high-resolution ensemble members. Valid values are 1h, 3h
              and 6h; low-resolution members always produce 6 h buckets.`,
			defaultVal: "6h",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), unitCmd.Flags()},
		},
		{
			name: "sync_rapid_input",
			usage: `
              sync_rapid_input specifies whether to refresh the routing
              input tree from the artifact store before processing.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "download_ecmwf",
			usage: `
              download_ecmwf specifies whether to download and extract the
              date's forecast archives from the FTP mirror before
              processing. If false, cycles already extracted into
              mirror_dir are processed instead.`,
			defaultVal: true,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "upload_output",
			usage: `
              upload_output specifies whether to publish each routed
              discharge file to the artifact store as soon as its work
              unit completes.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "initialize_flows",
			usage: `
              initialize_flows specifies whether work units initialize
              routing from the previous cycle's warm-start file, and
              whether new warm-start files are built from the routed
              discharge once a cycle finishes.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "create_warning_points",
			usage: `
              create_warning_points specifies whether to run the
              warning-point generator for each watershed after its cycle
              completes.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "store_url",
			usage: `
              store_url specifies the artifact store location. http:// and
              https:// URLs address a CKAN instance; file://, gs:// and
              s3:// URLs address a blob bucket.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "store_api_key",
			usage: `
              store_api_key specifies the API key for the CKAN artifact
              store. Blob stores use ambient credentials instead. The
              value may contain environment variables, for example
              $CKAN_API_KEY.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "app_instance_id",
			usage: `
              app_instance_id specifies the identifier that prefixes every
              resource name this instance publishes.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "ftp_host",
			usage: `
              ftp_host specifies the host:port of the upstream forecast
              mirror.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), downloadCmd.Flags()},
		},
		{
			name: "ftp_dir",
			usage: `
              ftp_dir specifies the remote directory on the mirror holding
              the runoff archives.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), downloadCmd.Flags()},
		},
		{
			name: "ftp_user",
			usage: `
              ftp_user specifies the mirror login. If empty, the login is
              anonymous.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), downloadCmd.Flags()},
		},
		{
			name: "ftp_password",
			usage: `
              ftp_password specifies the mirror password. The value may
              contain environment variables.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), downloadCmd.Flags()},
		},
		{
			name: "scheduler",
			usage: `
              scheduler specifies how work units run: 'local' runs them in
              a bounded worker pool on this machine, 'kubernetes' submits
              them as batch jobs to the cluster this process runs in.`,
			defaultVal: "local",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "workers",
			usage: `
              workers specifies the number of work units the local
              scheduler runs at once. Zero means one per CPU.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "k8s_namespace",
			usage: `
              k8s_namespace specifies the namespace kubernetes jobs are
              created in. The default is 'riverine'.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "k8s_image",
			usage: `
              k8s_image specifies the container image kubernetes jobs run.
              The default is 'riverine/riverine:latest'.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "k8s_volume_claim",
			usage: `
              k8s_volume_claim specifies the name of a persistent volume
              claim holding the forecast IO tree. It is mounted in every
              kubernetes job.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "k8s_node_selector",
			usage: `
              k8s_node_selector specifies node labels that kubernetes jobs
              are restricted to, as a JSON object.`,
			defaultVal: map[string]string{},
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "metrics_push_url",
			usage: `
              metrics_push_url specifies a Prometheus push gateway to
              receive cycle metrics. If empty, no metrics are pushed.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "forecast",
			usage: `
              forecast specifies the runoff forecast file for this work
              unit.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{unitCmd.Flags()},
		},
		{
			name: "watershed",
			usage: `
              watershed specifies the watershed name for this work unit.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{unitCmd.Flags()},
		},
		{
			name: "subbasin",
			usage: `
              subbasin specifies the subbasin name for this work unit.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{unitCmd.Flags()},
		},
		{
			name: "input",
			usage: `
              input specifies the directory holding the basin's routing
              input files.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{unitCmd.Flags()},
		},
		{
			name: "work",
			usage: `
              work specifies the scratch directory for this work unit.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{unitCmd.Flags()},
		},
		{
			name: "output",
			usage: `
              output specifies the directory the routed discharge file is
              written to.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{unitCmd.Flags()},
		},
		{
			name: "rapid",
			usage: `
              rapid specifies the location of the RAPID routing
              executable.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{unitCmd.Flags()},
		},
		{
			name: "warm-start",
			usage: `
              warm-start specifies whether to initialize routing from the
              previous cycle's warm-start file when one exists.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{unitCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("RIVERINE")
	Cfg.AutomaticEnv()

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, option.defaultVal.(int), option.usage)
				} else {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
			case map[string]string:
				b := bytes.NewBuffer(nil)
				e := json.NewEncoder(b)
				e.Encode(option.defaultVal)
				s := string(b.Bytes())
				if option.shorthand == "" {
					set.String(option.name, s, option.usage)
				} else {
					set.StringP(option.name, option.shorthand, s, option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(runCmd)
	Root.AddCommand(unitCmd)
	Root.AddCommand(downloadCmd)
	Root.AddCommand(initflowsCmd)
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("riverine: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "riverine",
	Short: "An operational ensemble streamflow forecasting system.",
	Long: `Riverine downscales ECMWF ensemble runoff forecasts onto river networks
and routes them with the RAPID Muskingum solver.
Use the subcommands specified below to access the system functionality.

Refer to the subcommand documentation for configuration options and default
settings. Configuration can be changed by using a configuration file (and
providing the path to the file using the --config flag), by using command-line
arguments, or by setting environment variables in the format 'RIVERINE_var'
where 'var' is the name of the variable to be set. Many configuration
variables are additionally allowed to contain environment variables within
them.
Refer to https://github.com/spf13/viper for additional configuration
information.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		loadEnvFile()
		return setConfig()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of Riverine.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("Riverine v%s\n", riverine.Version)
	},
	DisableAutoGenTag: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process the forecast cycles of one date end to end.",
	Long: `run downloads the date's runoff forecast archives, routes every ensemble
member through every watershed, publishes the routed discharge, and primes
the next cycle's warm starts. Work units that fail are skipped and logged;
run only returns an error when the cycle itself cannot proceed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		closeLog, err := startLogging(Cfg)
		if err != nil {
			return err
		}
		defer closeLog()
		return RunForecasts(context.Background(), Cfg)
	},
	DisableAutoGenTag: true,
}

var unitCmd = &cobra.Command{
	Use:   "unit",
	Short: "Route one ensemble member through one subbasin.",
	Long: `unit processes a single work unit: it downscales the runoff forecast to
reach inflow, routes it with the RAPID executable, and normalizes the routed
discharge into the output directory. This is the command line the batch
scheduler executes; everything it needs arrives in flags.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		closeLog, err := startLogging(Cfg)
		if err != nil {
			return err
		}
		defer closeLog()
		return RunUnit(context.Background(), Cfg)
	},
	DisableAutoGenTag: true,
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download and extract forecast archives without routing.",
	Long: `download mirrors the date's runoff forecast archives from the upstream
FTP server into the staging directory and extracts them, without routing
anything.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		closeLog, err := startLogging(Cfg)
		if err != nil {
			return err
		}
		defer closeLog()
		return DownloadForecasts(context.Background(), Cfg)
	},
	DisableAutoGenTag: true,
}

var initflowsCmd = &cobra.Command{
	Use:   "initflows",
	Short: "Rebuild warm-start files from routed output.",
	Long: `initflows rebuilds each basin's warm-start file from the routed discharge
already on disk for the date, without routing anything. It serves operator
re-runs after a cycle's output has been repaired by hand.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		closeLog, err := startLogging(Cfg)
		if err != nil {
			return err
		}
		defer closeLog()
		return InitFlows(Cfg)
	},
	DisableAutoGenTag: true,
}
