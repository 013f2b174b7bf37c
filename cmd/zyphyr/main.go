// Command zyphyr inspects, verifies and benchmarks zyphyr datasets.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sanonone/zyphyr/internal/config"
)

var (
	configPath string
	logLevel   string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "zyphyr",
		Short:         "Tools for zyphyr vector datasets",
		Long:          `Inspect, verify and benchmark datasets of the zyphyr embedded vector search engine.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level from the config")

	root.AddCommand(newInfoCmd(), newVerifyCmd(), newBenchCmd())
	return root
}

// loadConfig reads --config when given, otherwise starts from the defaults with
// the ZYPHYR_DATA_DIR override applied.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
		if dir := os.Getenv(config.EnvDataDir); dir != "" {
			cfg.DataDir = dir
		}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return nil, err
	}
	return logger.Named("zyphyr"), nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
