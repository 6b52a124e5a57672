package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mapview/internal/provider"
	"mapview/internal/tiling"
)

type convertCmd struct {
	inputPath  string
	outputPath string
	minZoom    int
	maxZoom    int
}

func (c *convertCmd) Name() string     { return "convert" }
func (c *convertCmd) Synopsis() string { return "copy tiles between tileset formats" }
func (c *convertCmd) Usage() string {
	return "tilewarm convert -i <path> -o <path> [-minzoom <z> -maxzoom <z>]\n"
}
func (c *convertCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.inputPath, "i", "", "Input tileset (mbtiles, mvta or {z}/{x}/{y} pattern)")
	f.StringVar(&c.outputPath, "o", "", "Output tileset (mbtiles, mvta or {z}/{x}/{y} pattern)")
	f.IntVar(&c.minZoom, "minzoom", 0, "Lowest level to copy")
	f.IntVar(&c.maxZoom, "maxzoom", tiling.MaxLevel, "Highest level to copy")
}

func (c *convertCmd) convert(ctx context.Context) (count int, err error) {
	source, err := provider.Open(c.inputPath, 0, zap.NewNop())
	if err != nil {
		return 0, err
	}
	defer source.Close()
	visitor, ok := source.(provider.Visitor)
	if !ok {
		return 0, fmt.Errorf("%s cannot enumerate its tiles", c.inputPath)
	}

	var metadata map[string]string
	if mb, ok := source.(*provider.MBTilesProvider); ok {
		if metadata, err = mb.Metadata(ctx); err != nil {
			return 0, err
		}
	}

	writer, err := provider.Create(c.outputPath, metadata)
	if err != nil {
		return 0, err
	}
	defer func() { err = multierr.Append(err, writer.Close()) }()

	bar := progressbar.NewOptions(-1, progressbar.OptionShowIts(), progressbar.OptionShowCount())
	defer bar.Finish()

	err = visitor.VisitTiles(ctx, func(key tiling.TileKey, data []byte) error {
		if int(key.Level) < c.minZoom || int(key.Level) > c.maxZoom {
			return nil
		}
		if err := writer.WriteTile(key, data); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
		count++
		bar.Add(1)
		return nil
	})
	return count, err
}

func (c *convertCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.inputPath == "" || c.outputPath == "" {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}

	count, err := c.convert(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nconvert failed: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("\ncopied %d tiles to %s\n", count, c.outputPath)
	return subcommands.ExitSuccess
}
