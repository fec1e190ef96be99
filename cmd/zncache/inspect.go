package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

// newInspectCmd reports device geometry and cache-level free-space stats
// without issuing any Get calls, for checking flag values and a fresh
// device's starting state before running get/bench.
func newInspectCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Report device geometry and current cache free-space stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, dev, err := openCache(cmd, logger, randomCacheGenerator)
			if err != nil {
				return err
			}
			defer c.Destroy()

			geom := dev.Geometry()
			stats := c.CollectStats()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "zone_size=%d zone_cap=%d chunk_size=%d alignment=%d num_zones=%d chunks_per_zone=%d max_active=%d\n",
				geom.ZoneSize, geom.ZoneCap, geom.ChunkSize, geom.Alignment, geom.NumZones, geom.ChunksPerZone(), geom.MaxActive)
			fmt.Fprintf(out, "free_zones=%d free_chunks=%d hit_ratio=%.4f\n",
				stats.FreeZones, stats.FreeChunks, stats.HitRatio)
			return nil
		},
	}
	return cmd
}
