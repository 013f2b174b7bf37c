package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sanonone/zyphyr/pkg/persistence"
)

func newVerifyCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a dataset's segment file without opening it for writing",
		Long: `Validates the segment header, the graph region checksum, every vector
record checksum and the graph structure. Exits non-zero on any corruption.`,
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

			path := filepath.Join(cfg.DataDir, persistence.SegmentFileName)
			rep, err := persistence.Verify(path, logger)
			if err != nil {
				return fmt.Errorf("verify %s: %w", path, err)
			}

			w := cmd.OutOrStdout()
			h := rep.Header
			fmt.Fprintf(w, "segment     %s\n", path)
			fmt.Fprintf(w, "id          %s\n", h.ID)
			fmt.Fprintf(w, "sequence    %d\n", h.Sequence)
			fmt.Fprintf(w, "metric      %s\n", h.Metric)
			fmt.Fprintf(w, "dim         %d\n", h.Dim)
			fmt.Fprintf(w, "m / efC     %d / %d\n", h.M, h.EfConstruction)
			fmt.Fprintf(w, "live        %d of %d slots (capacity %d)\n", h.LiveCount, h.Slots, h.Capacity)
			fmt.Fprintf(w, "max level   %d\n", rep.Graph.MaxLevel)
			fmt.Fprintf(w, "levels      %v\n", rep.Graph.LevelCounts)
			fmt.Fprintf(w, "avg degree  %.2f\n", rep.Graph.AvgDegree0)
			fmt.Fprintf(w, "file        %d bytes (%d dead graph bytes)\n", rep.FileSize, rep.DeadGraphBytes)
			fmt.Fprintln(w, "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data", "", "dataset directory (overrides data_dir)")
	return cmd
}
