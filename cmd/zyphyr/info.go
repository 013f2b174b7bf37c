package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/sanonone/zyphyr/pkg/engine"
)

func newInfoCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Open a dataset and print its statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			opts := cfg.Options(logger)
			opts.AutoFlushInterval = 0
			opts.MaintenanceInterval = 0
			db, err := engine.OpenWithOptions(opts)
			if err != nil {
				return err
			}
			defer db.Close()

			st, err := db.Stats()
			if err != nil {
				return err
			}
			out := struct {
				DataDir string `json:"data_dir"`
				engine.Stats
			}{cfg.DataDir, st}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data", "", "dataset directory (overrides data_dir)")
	return cmd
}
