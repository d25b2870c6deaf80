package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"can-telemetry-core/config"
	"can-telemetry-core/signal"
	"can-telemetry-core/utils"
)

var (
	configPath string
	logLevel   string
	logFile    string
	logFormat  string
	family     string
	signalMap  string
)

var rootCmd = &cobra.Command{
	Use:   "cansim",
	Short: "CAN telemetry signal codec and ECU simulator",
	Long: `cansim encodes and decodes vehicle telemetry signals carried in 8-byte CAN
frames and simulates a plausible ECU when no hardware is connected.

Signal sets come from a built-in ECU family (--family) or a CSV signal map
(--signals). Runtime settings are read from a YAML file (--config); flags
override the file.`,
	SilenceUsage: true,
	Version:      "0.3.0",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "", "trace|debug|info|warn|error|critical")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Append logs to this file as well as stdout")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "text|json")
	rootCmd.PersistentFlags().StringVarP(&family, "family", "f", "", "Built-in ECU family (generic|turbo)")
	rootCmd.PersistentFlags().StringVarP(&signalMap, "signals", "s", "", "CSV signal map, overrides --family")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads --config, or the defaults, and applies the persistent
// flags that were set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("log") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-file") {
		cfg.Log.FilePath = logFile
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if flags.Changed("family") {
		cfg.Simulation.Family = family
		cfg.Simulation.SignalMap = ""
	}
	if flags.Changed("signals") {
		cfg.Simulation.SignalMap = signalMap
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*utils.Logger, error) {
	log, err := utils.NewFileLogger(cfg.Log.FilePath, utils.ParseLevel(cfg.Log.Level), cfg.Log.Stdout, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", cfg.Log.FilePath, err)
	}
	return log, nil
}

// loadRegistry builds the signal registry from the CSV map or the family.
func loadRegistry(cfg *config.Config, log logrus.FieldLogger) (*signal.Registry, error) {
	reg := signal.NewRegistry()
	if path := cfg.Simulation.SignalMap; path != "" {
		defs, err := signal.LoadCSVFile(path)
		if err != nil {
			return nil, err
		}
		if err := reg.Load(defs); err != nil {
			return nil, fmt.Errorf("signal map %s: %w", path, err)
		}
		log.Infof("loaded %d signals from %s", reg.Len(), path)
		return reg, nil
	}
	if err := reg.SeedDefaults(cfg.Simulation.Family); err != nil {
		return nil, err
	}
	log.Infof("seeded %d signals for ECU family %s", reg.Len(), cfg.Simulation.Family)
	return reg, nil
}
