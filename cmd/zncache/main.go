// Command zncache is a development CLI around the zoned-storage block
// cache core. It turns flags into a cachecore.Tunables value and a
// file-backed blockio.Device, then drives the cache through its get(),
// bench, and inspect operations.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/johnramsden/zncache/internal/logging"
)

var version = "dev"

func main() {
	var minLevel slog.LevelVar
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: &minLevel,
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelDebug)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:     "zncache",
		Short:   "Zoned-storage block cache CLI",
		Version: version,
	}

	addDeviceFlags(rootCmd)
	rootCmd.PersistentFlags().String("log-level", "info", "minimum log level: debug|info|warn|error")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		levelStr, _ := cmd.Flags().GetString("log-level")
		var level slog.Level
		if err := level.UnmarshalText([]byte(levelStr)); err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", levelStr, err)
		}
		minLevel.Set(level)
		return nil
	}

	rootCmd.AddCommand(
		newGetCmd(logger),
		newBenchCmd(logger),
		newInspectCmd(logger),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
