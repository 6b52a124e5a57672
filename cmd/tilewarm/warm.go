package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"

	"github.com/cshum/vipsgen/vips"
	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"mapview/internal/decoder"
	"mapview/internal/loader"
	"mapview/internal/logger"
	"mapview/internal/provider"
	"mapview/internal/tiling"
	"mapview/internal/worker"
)

type warmCmd struct {
	inputPath string
	format    string
	minZoom   int
	maxZoom   int
	workers   int
	logLevel  string
}

func (c *warmCmd) Name() string     { return "warm" }
func (c *warmCmd) Synopsis() string { return "decode every tile of a tileset through the worker pool" }
func (c *warmCmd) Usage() string {
	return "tilewarm warm -i <path> [-f vector|raster -minzoom <z> -maxzoom <z> -workers <n>]\n"
}
func (c *warmCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.inputPath, "i", "", "Input tileset (mbtiles, mvta or {z}/{x}/{y} pattern)")
	f.StringVar(&c.format, "f", "vector", "Tile format (vector, raster)")
	f.IntVar(&c.minZoom, "minzoom", 0, "Lowest level to decode")
	f.IntVar(&c.maxZoom, "maxzoom", tiling.MaxLevel, "Highest level to decode")
	f.IntVar(&c.workers, "workers", runtime.NumCPU(), "Decoder workers")
	f.StringVar(&c.logLevel, "log", "warn", "Log level")
}

type warmResult struct {
	ready    int
	empty    int
	failed   int
	features int
	bytes    int64
}

func (c *warmCmd) warm(ctx context.Context, log *zap.Logger) (*warmResult, error) {
	source, err := provider.Open(c.inputPath, 0, log)
	if err != nil {
		return nil, err
	}
	defer source.Close()
	visitor, ok := source.(provider.Visitor)
	if !ok {
		return nil, fmt.Errorf("%s cannot enumerate its tiles", c.inputPath)
	}

	serviceType := decoder.ServiceTypeVector
	if c.format == "raster" {
		vips.Startup(&vips.Config{})
		defer vips.Shutdown()
		serviceType = decoder.ServiceTypeRaster
	}

	registry := worker.NewRegistry(log, c.workers, worker.DefaultConnectTimeout)
	registry.Register(decoder.Bundle())
	defer registry.DestroyAll()

	dec, err := decoder.NewWorkerBasedDecoder(registry, decoder.BundleName, serviceType, log)
	if err != nil {
		return nil, err
	}
	defer dec.Dispose()
	if err := dec.Connect(ctx); err != nil {
		return nil, err
	}

	// the bar advances when a load settles; empty and failed fetches skip decoding
	var bar *progressbar.ProgressBar
	strategy := loader.StrategyFuncs{
		FetchFunc: func(ctx context.Context, key tiling.TileKey) ([]byte, error) {
			data, err := source.GetTile(ctx, key)
			if err != nil || len(data) == 0 {
				bar.Add(1)
			}
			return data, err
		},
		DecodeFunc: func(ctx context.Context, key tiling.TileKey, data []byte) (*decoder.DecodedTile, error) {
			defer bar.Add(1)
			return dec.DecodeTile(ctx, data, key, c.inputPath, decoder.ProjectionMercator)
		},
	}

	scheduler := loader.NewScheduler(ctx, int64(c.workers*2), log)
	var loaders []*loader.Loader
	err = visitor.VisitTiles(ctx, func(key tiling.TileKey, _ []byte) error {
		if int(key.Level) < c.minZoom || int(key.Level) > c.maxZoom {
			return nil
		}
		l := loader.New(key, strategy, log)
		// coarse levels first
		l.SetPriority(-int(key.Level))
		scheduler.Schedule(l)
		loaders = append(loaders, l)
		return nil
	})
	if err != nil {
		return nil, err
	}

	bar = progressbar.New(len(loaders))
	if err := scheduler.Run(ctx); err != nil {
		return nil, err
	}

	result := &warmResult{}
	for _, l := range loaders {
		state, err := l.WaitSettled(ctx)
		if err != nil {
			return result, err
		}
		switch {
		case state == loader.Ready && l.Payload().IsEmpty():
			result.empty++
		case state == loader.Ready:
			result.ready++
			result.features += l.Payload().FeatureCount()
			result.bytes += l.Payload().MemoryUsage()
		default:
			result.failed++
			log.Warn("Tile not decoded", zap.Stringer("tile", l.Key()), zap.Stringer("state", state), zap.Error(l.Err()))
		}
	}
	bar.Finish()
	return result, nil
}

func (c *warmCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.inputPath == "" || c.workers <= 0 || c.minZoom > c.maxZoom {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}

	log, err := logger.NewConsole(c.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return subcommands.ExitFailure
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	result, err := c.warm(ctx, log)
	if err != nil {
		log.Error("Warmup failed", zap.Error(err))
		return subcommands.ExitFailure
	}

	fmt.Printf("\ndecoded %d tiles (%d empty, %d failed), %d features, %.1f MB\n",
		result.ready, result.empty, result.failed, result.features, float64(result.bytes)/(1024*1024))
	if result.failed > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
