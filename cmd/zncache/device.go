package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/johnramsden/zncache/internal/blockio"
	"github.com/johnramsden/zncache/internal/cachecore"
	"github.com/johnramsden/zncache/internal/format"
)

// addDeviceFlags registers the persistent flags shared by every subcommand:
// the backing file path and the device geometry.
func addDeviceFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("file", "zncache.img", "path to the backing file device")
	cmd.PersistentFlags().Uint64("zone-size", 16<<20, "bytes per zone")
	cmd.PersistentFlags().Uint64("zone-cap", 16<<20, "usable bytes per zone")
	cmd.PersistentFlags().Uint64("chunk-size", 4<<10, "bytes per chunk")
	cmd.PersistentFlags().Uint64("alignment", 4<<10, "device I/O alignment in bytes")
	cmd.PersistentFlags().Uint32("num-zones", 64, "number of zones")
	cmd.PersistentFlags().Uint32("max-active-zones", 4, "maximum simultaneously active zones")
	cmd.PersistentFlags().String("policy", "promote-zone", "eviction policy: promote-zone|chunk")
	cmd.PersistentFlags().Uint32("evict-low-zones", 2, "low watermark, free zones")
	cmd.PersistentFlags().Uint32("evict-high-zones", 4, "high watermark, free zones")
	cmd.PersistentFlags().Uint32("evict-low-chunks", 16, "low watermark, free chunks")
	cmd.PersistentFlags().Uint32("evict-high-chunks", 32, "high watermark, free chunks")
}

func geometryFromFlags(cmd *cobra.Command) (blockio.Geometry, error) {
	zoneSize, _ := cmd.Flags().GetUint64("zone-size")
	zoneCap, _ := cmd.Flags().GetUint64("zone-cap")
	chunkSize, _ := cmd.Flags().GetUint64("chunk-size")
	alignment, _ := cmd.Flags().GetUint64("alignment")
	numZones, _ := cmd.Flags().GetUint32("num-zones")
	maxActive, _ := cmd.Flags().GetUint32("max-active-zones")

	geom := blockio.Geometry{
		ZoneSize:  zoneSize,
		ZoneCap:   zoneCap,
		ChunkSize: chunkSize,
		Alignment: alignment,
		NumZones:  numZones,
		MaxActive: maxActive,
	}
	if geom.ChunkSize == 0 || geom.ZoneCap%geom.ChunkSize != 0 {
		return blockio.Geometry{}, fmt.Errorf("zone-cap %d must be a multiple of chunk-size %d", geom.ZoneCap, geom.ChunkSize)
	}
	return geom, nil
}

func tunablesFromFlags(cmd *cobra.Command) (cachecore.Tunables, error) {
	policyStr, _ := cmd.Flags().GetString("policy")
	var policy cachecore.PolicyKind
	switch policyStr {
	case "promote-zone":
		policy = cachecore.PromoteZonePolicy
	case "chunk":
		policy = cachecore.ChunkPolicy
	default:
		return cachecore.Tunables{}, fmt.Errorf("unknown --policy %q, want promote-zone or chunk", policyStr)
	}

	lowZones, _ := cmd.Flags().GetUint32("evict-low-zones")
	highZones, _ := cmd.Flags().GetUint32("evict-high-zones")
	lowChunks, _ := cmd.Flags().GetUint32("evict-low-chunks")
	highChunks, _ := cmd.Flags().GetUint32("evict-high-chunks")
	maxActive, _ := cmd.Flags().GetUint32("max-active-zones")

	return cachecore.Tunables{
		Policy:                policy,
		EvictLowThreshZones:   lowZones,
		EvictHighThreshZones:  highZones,
		EvictLowThreshChunks:  lowChunks,
		EvictHighThreshChunks: highChunks,
		MaxOpenZones:          maxActive,
	}, nil
}

// openCache builds a file-backed device and a Cache over it from cmd's
// persistent flags. gen supplies miss payloads; randomCacheGenerator is used
// when the caller has no domain-specific payload source.
func openCache(cmd *cobra.Command, logger *slog.Logger, gen cachecore.PayloadGenerator) (*cachecore.Cache, *blockio.FileDevice, error) {
	path, _ := cmd.Flags().GetString("file")
	geom, err := geometryFromFlags(cmd)
	if err != nil {
		return nil, nil, err
	}
	tunables, err := tunablesFromFlags(cmd)
	if err != nil {
		return nil, nil, err
	}

	dev, err := blockio.NewFileDevice(path, geom, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open device %q: %w", path, err)
	}

	c := cachecore.New(dev, tunables, gen, logger)
	return c, dev, nil
}

// randomCacheGenerator fills a chunk's payload with the id header followed by
// whatever random bytes the caller supplied (or zeros if none), simulating
// the external remote-fetch collaborator spec.md describes.
func randomCacheGenerator(id uint32, randomBuf []byte, chunkSize uint64) []byte {
	buf := make([]byte, chunkSize)
	copy(buf[4:], randomBuf)
	format.EncodeInto(buf, id)
	return buf
}
