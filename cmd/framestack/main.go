// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.


package main

import (
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/mitchellh/mapstructure"
	"github.com/mlnoga/framestack/internal/align"
	"github.com/mlnoga/framestack/internal/gpuplan"
	"github.com/mlnoga/framestack/internal/ops"
	"github.com/mlnoga/framestack/internal/params"
	"github.com/mlnoga/framestack/internal/report"
	"github.com/mlnoga/framestack/internal/sidecar"
	"github.com/mlnoga/framestack/internal/stack"
	"github.com/spf13/cobra"
	yml "gopkg.in/yaml.v2"
)

// Version is typically injected via ldflags
var Version = "0.1.0"

// Everything the commands need besides their arguments
type config struct {
	Addr         string                  `yaml:"addr"`
	Root         string                  `yaml:"root"`    // directory the server resolves stack paths in
	Sidecar      string                  `yaml:"sidecar"` // metadata database, empty for none
	AsyncTimeout time.Duration           `yaml:"asyncTimeout"`
	Camera       params.CameraParameters `yaml:"camera"`
	Control      params.ControlSet       `yaml:"control"`
	AliSets      params.FrameAliSet      `yaml:"aliSets"`
	Slack        gpuplan.Slack           `yaml:"slack"`
}

func defaultConfig() config {
	return config{
		Addr:         ":8080",
		Root:         ".",
		AsyncTimeout: 30 * time.Second,
		Camera:       *params.NewCameraParametersDefault(),
		Control:      *params.NewControlSetDefault(),
		AliSets:      params.FrameAliSet{*params.NewFrameAliParamsDefault()},
		Slack:        gpuplan.DefaultSlack,
	}
}

// Loads the defaults, then overlays the configuration file if it exists
func loadConfig(k *koanf.Koanf, fileName string) (config, error) {
	c := config{}
	if err := k.Load(structs.Provider(defaultConfig(), "yaml"), nil); err != nil {
		return c, err
	}
	if err := k.Load(file.Provider(fileName), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") {
			return c, fmt.Errorf("loading config %s: %w", fileName, err)
		}
	}
	// enums such as the alignment strategy are written as text
	err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{
		Tag: "yaml",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.TextUnmarshallerHookFunc()),
			Result:           &c,
			WeaklyTypedInput: true,
		},
	})
	return c, err
}

func writeConfig(w io.Writer, c config) error {
	return yml.NewEncoder(w).Encode(c)
}

// State shared by all commands, set up before any of them runs
type app struct {
	configFile string
	logFile    string
	cpuProfile string

	k       *koanf.Koanf
	cfg     config
	log     io.Writer
	profile *os.File
}

// Creates the orchestrator with the CPU engine, and the sidecar if configured
func (a *app) orchestrator() (*stack.Orchestrator, error) {
	c := ops.NewContext(a.log)
	o := stack.New(c, report.NewWriterReporter(a.log), align.NewCPUEngine(a.log, nil))
	o.Slack = a.cfg.Slack
	o.AsyncTimeout = a.cfg.AsyncTimeout
	o.Readouts = stack.YAMLReadouts{}
	if a.cfg.Sidecar != "" {
		sc, err := sidecar.Open(a.cfg.Sidecar)
		if err != nil {
			return nil, fmt.Errorf("opening sidecar %s: %w", a.cfg.Sidecar, err)
		}
		o.Sidecar = sc
	}
	return o, nil
}

func (a *app) closeOrchestrator(o *stack.Orchestrator) {
	if o.Sidecar != nil {
		o.Sidecar.Close()
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "framestack",
		Short: "framestack sums and aligns electron microscope frame stacks",
		Long: `framestack plans the summation of camera readouts into frames, sizes the
alignment memory budget, and saves, sums and aligns frame stacks.

` + copyright,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.log = report.Tee(os.Stdout)
			if a.logFile != "" {
				if err := report.LogAlsoToFile(a.logFile); err != nil {
					return fmt.Errorf("unable to open logfile %s: %w", a.logFile, err)
				}
			}
			a.k = koanf.New(".")
			cfg, err := loadConfig(a.k, a.configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			if a.cpuProfile != "" {
				f, err := os.Create(a.cpuProfile)
				if err != nil {
					return fmt.Errorf("could not create CPU profile: %w", err)
				}
				if err := pprof.StartCPUProfile(f); err != nil {
					f.Close()
					return fmt.Errorf("could not start CPU profile: %w", err)
				}
				a.profile = f
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.profile != nil {
				pprof.StopCPUProfile()
				a.profile.Close()
			}
			report.LogSync()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "framestack.yml", "configuration `file`")
	rootCmd.PersistentFlags().StringVar(&a.logFile, "log", "", "save log output to `file` in addition to stdout")
	rootCmd.PersistentFlags().StringVar(&a.cpuProfile, "cpuprofile", "", "write cpu profile to `file`")

	rootCmd.AddCommand(newScheduleCmd(a))
	rootCmd.AddCommand(newPlanCmd(a))
	rootCmd.AddCommand(newAlignCmd(a))
	rootCmd.AddCommand(newSimulateCmd(a))
	rootCmd.AddCommand(newCaptureCmd(a))
	rootCmd.AddCommand(newComfileCmd(a))
	rootCmd.AddCommand(newServeCmd(a))
	rootCmd.AddCommand(newWatchCmd(a))
	rootCmd.AddCommand(newMkconfCmd(a))
	rootCmd.AddCommand(newConfCmd(a))
	rootCmd.AddCommand(newLegalCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		report.LogFatalf(os.Stderr, "Error: %v\n", err)
	}
}
