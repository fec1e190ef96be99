package main

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/johnramsden/zncache/internal/format"
)

func newGetCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch a single data id, filling on a miss",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id64, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}
			id := uint32(id64)

			c, _, err := openCache(cmd, logger, randomCacheGenerator)
			if err != nil {
				return err
			}
			defer c.Destroy()

			data, err := c.Get(id, nil)
			if err != nil {
				return fmt.Errorf("get %d: %w", id, err)
			}
			got, err := format.Decode(data)
			if err != nil {
				return fmt.Errorf("decode payload for %d: %w", id, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "id=%d bytes=%d decoded_id=%d hit_ratio=%.4f\n",
				id, len(data), got, c.HitRatio())
			return nil
		},
	}
	return cmd
}
