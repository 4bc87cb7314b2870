package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"livestage/pkg/config"
	"livestage/pkg/logger"
)

var (
	configPath string
	logLevel   string
	provider   string
	faultSpec  string
)

var rootCmd = &cobra.Command{
	Use:          "streamer",
	Short:        "livestage streamer hosts or watches a live stream over WebRTC.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the YAML config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")
	rootCmd.PersistentFlags().StringVar(&provider, "provider", "", "media provider: devices or synthetic (overrides media.provider)")
	rootCmd.PersistentFlags().StringVar(&faultSpec, "fault", "", "synthetic provider faults, e.g. busy-camera,flaky-audio")

	rootCmd.AddCommand(hostCmd, viewCmd, probeCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if provider != "" {
		cfg.Media.Provider = provider
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.SugaredLogger, func(), error) {
	zapLogger, err := logger.NewWithOptions(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return nil, nil, err
	}
	return zapLogger.Sugar().With("component", "streamer"), func() { _ = zapLogger.Sync() }, nil
}
