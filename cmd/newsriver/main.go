package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"

	"newsriver/pkg/config"
	"newsriver/pkg/feed"
	"newsriver/pkg/ingest"
	"newsriver/pkg/lifecycle"
	"newsriver/pkg/scheduler"
	"newsriver/pkg/store"
	"newsriver/server"
)

// Opts with all CLI options
type Opts struct {
	Config string `short:"c" long:"config" env:"CONFIG" default:"newsriver.yml" description:"config file path"`
	Listen string `short:"l" long:"listen" env:"LISTEN" description:"listen address, overrides config"`

	// Common options
	Debug   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
	Version bool `short:"V" long:"version" description:"show version info"`
	NoColor bool `long:"no-color" env:"NO_COLOR" description:"disable color output"`
}

var revision = "unknown"

func main() {
	var opts Opts
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.Version {
		fmt.Printf("Version: %s\nGolang: %s\n", revision, runtime.Version())
		os.Exit(0)
	}

	setupLog(opts.Debug)

	log.Printf("[INFO] starting newsriver version %s", revision)

	ctx, cancel := context.WithCancel(context.Background())

	// handle termination signals
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Print("[INFO] termination signal received")
		cancel()
	}()

	if err := run(ctx, opts); err != nil {
		log.Printf("[ERROR] newsriver failed: %v", err)
		cancel()
		os.Exit(1)
	}

	cancel()
	log.Print("[INFO] shutdown complete")
}

// run wires all components and blocks until the context is canceled
func run(ctx context.Context, opts Opts) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.New(ctx, store.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	fetcher := feed.NewFetcher(cfg.Poll.Timeout, cfg.Poll.UserAgent)
	writer := ingest.NewWriter(st, cfg.Dedup.Threshold, cfg.Lifecycle.Retention)
	cleaner := lifecycle.NewManager(st, cfg.Lifecycle.DeletionGrace, cfg.Lifecycle.SweepBatchSize)

	sched := scheduler.NewScheduler(scheduler.Params{
		Store:            st,
		Fetcher:          fetcher,
		Writer:           writer,
		Cleaner:          cleaner,
		PollInterval:     cfg.Poll.Interval,
		CleanupInterval:  cfg.Lifecycle.CleanupInterval,
		StreamInterval:   cfg.Lifecycle.StreamInterval,
		Lookback:         cfg.Dedup.Lookback,
		DisableThreshold: cfg.Lifecycle.DisableThreshold,
		MaxWorkers:       cfg.Poll.MaxWorkers,
	})

	srv := server.New(cfg, st, sched, cleaner, revision, opts.Debug)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Start(ctx)
		<-ctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(func() error {
		return srv.Run(ctx)
	})

	return g.Wait()
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist, and applies CLI overrides
func loadConfig(opts Opts) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && opts.Config == "newsriver.yml" {
			log.Printf("[WARN] config file %s not found, using defaults", opts.Config)
			cfg = config.Default()
		} else {
			return nil, err
		}
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	return cfg, nil
}

func setupLog(dbg bool, secs ...string) {
	logOpts := []lgr.Option{lgr.Out(io.Discard), lgr.Err(io.Discard)}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))
	if len(secs) > 0 {
		logOpts = append(logOpts, lgr.Secret(secs...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
