package main

import (
	"context"
	"flag"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/google/subcommands"
	"go.uber.org/zap"

	"mapview/internal/provider"
	"mapview/internal/tiling"
)

type infoCmd struct {
	inputPath string
}

func (c *infoCmd) Name() string     { return "info" }
func (c *infoCmd) Synopsis() string { return "print tile counts per level and metadata" }
func (c *infoCmd) Usage() string    { return "tilewarm info -i <path>\n" }
func (c *infoCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.inputPath, "i", "", "Input tileset (mbtiles, mvta or {z}/{x}/{y} pattern)")
}

type levelStats struct {
	tiles int
	bytes int64
}

func (c *infoCmd) info(ctx context.Context) error {
	source, err := provider.Open(c.inputPath, 0, zap.NewNop())
	if err != nil {
		return err
	}
	defer source.Close()
	visitor, ok := source.(provider.Visitor)
	if !ok {
		return fmt.Errorf("%s cannot enumerate its tiles", c.inputPath)
	}

	if mb, ok := source.(*provider.MBTilesProvider); ok {
		metadata, err := mb.Metadata(ctx)
		if err != nil {
			return err
		}
		for _, name := range slices.Sorted(maps.Keys(metadata)) {
			fmt.Printf("%-16s %s\n", name, metadata[name])
		}
		fmt.Println()
	}

	levels := make(map[uint32]*levelStats)
	err = visitor.VisitTiles(ctx, func(key tiling.TileKey, data []byte) error {
		s := levels[key.Level]
		if s == nil {
			s = &levelStats{}
			levels[key.Level] = s
		}
		s.tiles++
		s.bytes += int64(len(data))
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Printf("%5s %10s %12s\n", "level", "tiles", "bytes")
	for _, level := range slices.Sorted(maps.Keys(levels)) {
		s := levels[level]
		fmt.Printf("%5d %10d %12d\n", level, s.tiles, s.bytes)
	}
	return nil
}

func (c *infoCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.inputPath == "" {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	if err := c.info(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "info failed: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
