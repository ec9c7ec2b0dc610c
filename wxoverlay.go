package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"runtime"
	"syscall"
	"time"

	"github.com/rtm0/wxoverlay/internal/fetch"
	"github.com/rtm0/wxoverlay/internal/grib2"
	"github.com/rtm0/wxoverlay/internal/overlay"
	"github.com/rtm0/wxoverlay/internal/product"
)

var (
	file        = flag.String("file", "latest_goes.grib2", "path to the input file, GRIB2 or NetCDF")
	sourceURL   = flag.String("url", "", "optional URL to download the input file from before processing")
	match       = flag.String("match", "", "regular expression selecting records of the remote .idx inventory; download only those messages with range requests")
	configPath  = flag.String("config", "", "path to a YAML product table; built-in products are used when empty or missing")
	outDir      = flag.String("out", "", "output directory, overrides the configuration (default site/data)")
	concurrency = flag.Int("concurrency", runtime.NumCPU(), "number of products rendered concurrently")
	inventory   = flag.Bool("inventory", false, "print the wgrib2-style inventory of the input file and exit")
	dumpConfig  = flag.String("dump-config", "", "write the effective YAML configuration to this path and exit")
	verbose     = flag.Bool("v", false, "enable debug logging")
)

// options holds the parsed command line.
type options struct {
	File        string
	URL         string
	Match       string
	Config      string
	Out         string
	Concurrency int
	Inventory   bool
	DumpConfig  string
}

func main() {
	flag.Parse()
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := options{
		File:        *file,
		URL:         *sourceURL,
		Match:       *match,
		Config:      *configPath,
		Out:         *outDir,
		Concurrency: *concurrency,
		Inventory:   *inventory,
		DumpConfig:  *dumpConfig,
	}
	if err := run(ctx, logger, opts, os.Stdout); err != nil {
		logger.Error("Processing failed", "file", opts.File, "err", err)
		stop()
		os.Exit(1)
	}
}

// run executes one invocation. A missing input file is not an error: the
// scheduled job simply has nothing to do.
func run(ctx context.Context, logger *slog.Logger, opts options, stdout io.Writer) error {
	if opts.DumpConfig != "" {
		cfg, err := loadConfig(opts)
		if err != nil {
			return err
		}
		if err := cfg.Save(opts.DumpConfig); err != nil {
			return err
		}
		logger.Info("Wrote configuration", "path", opts.DumpConfig)
		return nil
	}

	if opts.URL != "" {
		if err := download(ctx, logger, opts); err != nil {
			return fmt.Errorf("download %s: %w", opts.URL, err)
		}
	}

	if _, err := os.Stat(opts.File); errors.Is(err, os.ErrNotExist) {
		logger.Info("No GRIB2 file found, skipping", "file", opts.File)
		return nil
	}

	if opts.Inventory {
		if err := printInventory(opts.File, stdout); err != nil {
			return fmt.Errorf("inventory: %w", err)
		}
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	start := time.Now()
	p := overlay.NewProcessor(logger, cfg, opts.Concurrency, opts.File)
	res, err := p.Run(ctx, overlay.FileOpener(opts.File, logger))
	if err != nil {
		return err
	}
	logger.Info("Done", "file", opts.File, "outputDir", cfg.OutputDir,
		"generated", len(res.Generated), "skipped", len(res.Skipped),
		"in", time.Since(start).Round(time.Millisecond))
	return nil
}

// loadConfig reads the product table and applies the command line
// overrides.
func loadConfig(opts options) (*product.Config, error) {
	cfg, err := product.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	if opts.Out != "" {
		cfg.OutputDir = opts.Out
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %q: %w", opts.Config, err)
	}
	return cfg, nil
}

func download(ctx context.Context, logger *slog.Logger, opts options) error {
	cli := fetch.NewClient(logger, opts.Concurrency)
	if opts.Match == "" {
		_, err := cli.Download(ctx, opts.URL, opts.File)
		return err
	}
	re, err := regexp.Compile(opts.Match)
	if err != nil {
		return err
	}
	_, err = cli.DownloadSubset(ctx, opts.URL, opts.File, re)
	return err
}

func printInventory(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	msgs, err := grib2.ReadMessages(f)
	if err != nil {
		return err
	}
	return grib2.WriteInventory(w, msgs)
}
