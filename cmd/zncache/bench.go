package main

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/johnramsden/zncache/internal/zncprof"
)

func newBenchCmd(logger *slog.Logger) *cobra.Command {
	var requests int
	var idSpace uint32
	var profileOut string
	var profileInterval time.Duration
	var profileZstd bool

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a synthetic workload against the cache and report hit ratio",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, dev, err := openCache(cmd, logger, randomCacheGenerator)
			if err != nil {
				return err
			}
			defer c.Destroy()

			var sampler *zncprof.Sampler
			if profileOut != "" {
				f, err := os.Create(profileOut)
				if err != nil {
					return fmt.Errorf("create profile output %q: %w", profileOut, err)
				}
				var opts []zncprof.Option
				if profileZstd {
					opts = append(opts, zncprof.WithZstd())
				}
				sampler, err = zncprof.New(c, f, profileInterval, logger, opts...)
				if err != nil {
					f.Close()
					return fmt.Errorf("start profiler: %w", err)
				}
				sampler.Start()
			}

			start := time.Now()
			ids := make([]uint32, requests)
			idBuf := make([]byte, 4)
			for i := range ids {
				if _, err := rand.Read(idBuf); err != nil {
					return fmt.Errorf("generate workload id: %w", err)
				}
				ids[i] = (uint32(idBuf[0])<<24 | uint32(idBuf[1])<<16 | uint32(idBuf[2])<<8 | uint32(idBuf[3])) % idSpace
			}

			for _, id := range ids {
				if _, err := c.Get(id, nil); err != nil {
					return fmt.Errorf("get %d: %w", id, err)
				}
			}
			elapsed := time.Since(start)

			if sampler != nil {
				if err := sampler.Stop(); err != nil {
					return fmt.Errorf("stop profiler: %w", err)
				}
			}

			stats := c.CollectStats()
			fmt.Fprintf(cmd.OutOrStdout(),
				"requests=%d id_space=%d elapsed=%s hit_ratio=%.4f free_zones=%d free_chunks=%d geometry_chunks_per_zone=%d\n",
				requests, idSpace, elapsed, stats.HitRatio, stats.FreeZones, stats.FreeChunks, dev.Geometry().ChunksPerZone())
			return nil
		},
	}

	cmd.Flags().IntVar(&requests, "requests", 1000, "number of Get calls to issue")
	cmd.Flags().Uint32Var(&idSpace, "id-space", 256, "range of distinct data ids sampled from")
	cmd.Flags().StringVar(&profileOut, "profile-out", "", "if set, write periodic JSON snapshots to this path")
	cmd.Flags().DurationVar(&profileInterval, "profile-interval", time.Second, "profiler sampling interval")
	cmd.Flags().BoolVar(&profileZstd, "profile-zstd", false, "zstd-compress the profiler output stream")
	return cmd
}
