// Command demuxer runs one demultiplexing run: it stages a sample sheet and
// raw sequencer output from object storage, runs the demultiplexer, groups
// the produced reads per sample and publishes them.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/objectfs/demuxer/internal/config"
	"github.com/objectfs/demuxer/internal/demux"
	"github.com/objectfs/demuxer/internal/metrics"
	"github.com/objectfs/demuxer/internal/monitor"
	"github.com/objectfs/demuxer/internal/pipeline"
	"github.com/objectfs/demuxer/internal/storage"
	"github.com/objectfs/demuxer/internal/storage/gcs"
	"github.com/objectfs/demuxer/internal/storage/local"
	"github.com/objectfs/demuxer/internal/storage/s3"
	"github.com/objectfs/demuxer/pkg/errors"
	"github.com/objectfs/demuxer/pkg/utils"
)

const shutdownTimeout = 2 * time.Minute

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type flags struct {
	configPath   string
	expID        string
	logLevel     string
	logFile      string
	skipStaging  bool
	skipPublish  bool
	forceGlacier bool
	printConfig  bool
	writeConfig  string
}

func parseFlags(args []string, stderr io.Writer) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("demuxer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.configPath, "config", "", "path to a YAML configuration file")
	fs.StringVar(&f.expID, "exp-id", "", "run identifier, e.g. Run5 (overrides run.exp_id)")
	fs.StringVar(&f.logLevel, "log-level", "", "TRACE, DEBUG, INFO, WARN, ERROR or FATAL")
	fs.StringVar(&f.logFile, "log-file", "", "also write the run log to this file")
	fs.BoolVar(&f.skipStaging, "skip-input-staging", false, "use a sample sheet and raw data already staged locally")
	fs.BoolVar(&f.skipPublish, "skip-publish", false, "leave results in the staging directory")
	fs.BoolVar(&f.forceGlacier, "force-glacier", false, "stage raw data even from archival storage classes")
	fs.BoolVar(&f.printConfig, "print-config", false, "print the effective configuration and exit")
	fs.StringVar(&f.writeConfig, "write-config", "", "save the effective configuration to this file and exit")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if fs.NArg() == 1 && f.expID == "" {
		f.expID = fs.Arg(0)
	} else if fs.NArg() > 0 {
		return f, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return f, nil
}

func loadConfig(f flags) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if f.configPath != "" {
		if err := cfg.LoadFromFile(f.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	if f.expID != "" {
		cfg.Run.ExpID = f.expID
	}
	if f.logLevel != "" {
		cfg.Global.LogLevel = f.logLevel
	}
	if f.logFile != "" {
		cfg.Global.LogFile = f.logFile
	}
	if f.skipStaging {
		cfg.Options.SkipInputStaging = true
	}
	if f.skipPublish {
		cfg.Options.SkipPublish = true
	}
	if f.forceGlacier {
		cfg.Options.ForceGlacier = true
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Configuration, console io.Writer) (*utils.StructuredLogger, io.Closer, error) {
	level, err := utils.ParseLogLevel(cfg.Global.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	format, err := utils.ParseLogFormat(cfg.Global.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	out, closer, err := utils.OpenRunLog(console, cfg.Global.LogFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  level,
		Output: out,
		Format: format,
	})
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	for component, name := range cfg.Global.ComponentLevels {
		componentLevel, err := utils.ParseLogLevel(name)
		if err != nil {
			_ = closer.Close()
			return nil, nil, err
		}
		logger.SetComponentLevel(component, componentLevel)
	}
	return logger, closer, nil
}

// closeOnce lets the run log be closed before its upload and again on exit.
func closeOnce(c io.Closer) func() error {
	var (
		once sync.Once
		err  error
	)
	return func() error {
		once.Do(func() { err = c.Close() })
		return err
	}
}

// newStore registers a backend for every scheme the run's locations use.
func newStore(ctx context.Context, pc pipeline.Config, cfg *config.Configuration, recorder storage.TransferRecorder, logger *utils.StructuredLogger) (*storage.Client, error) {
	client := storage.NewClient(logger,
		storage.WithBackend(storage.SchemeFile, local.New()),
		storage.WithConcurrency(cfg.Storage.TransferConcurrency),
		storage.WithRecorder(recorder),
	)

	schemes := map[string]bool{}
	for _, u := range []storage.URI{pc.SampleSheetURI, pc.InputURI, pc.OutputURI, pc.ReportURI, pc.LogURI} {
		schemes[u.Scheme] = true
	}

	if schemes[storage.SchemeS3] {
		s3cfg := cfg.Storage.S3
		b, err := s3.NewBackend(ctx, &s3cfg, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		client.Register(storage.SchemeS3, b)
	}
	if schemes[storage.SchemeGCS] {
		gcscfg := cfg.Storage.GCS
		b, err := gcs.NewBackend(ctx, &gcscfg, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		client.Register(storage.SchemeGCS, b)
	}
	return client, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	f, err := parseFlags(args, stderr)
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return 2
	}
	if f.printConfig {
		if err := cfg.Write(stdout); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	}
	if f.writeConfig != "" {
		if err := cfg.SaveToFile(f.writeConfig); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	}

	logger, logCloser, err := newLogger(cfg, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "failed to set up logging: %v\n", err)
		return 2
	}
	closeLog := closeOnce(logCloser)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, cfg, logger, closeLog); err != nil {
		return 1
	}
	return 0
}

// execute performs the run. closeLog flushes and closes the run log file so
// the uploaded copy is complete; later lines reach the console only.
func execute(ctx context.Context, cfg *config.Configuration, logger *utils.StructuredLogger, closeLog func() error) error {
	pc, err := pipeline.ConfigFrom(cfg)
	if err != nil {
		logger.Error("invalid run configuration", map[string]interface{}{"error": err.Error()})
		return err
	}

	metricsConfig := cfg.Metrics
	collector, err := metrics.NewCollector(&metricsConfig, logger)
	if err != nil {
		logger.Error("failed to create metrics collector", map[string]interface{}{"error": err.Error()})
		return err
	}
	if err := collector.Start(ctx); err != nil {
		logger.Warn("metrics endpoint unavailable", map[string]interface{}{"error": err.Error()})
	}

	store, err := newStore(ctx, pc, cfg, collector, logger)
	if err != nil {
		logger.Error("failed to create storage clients", map[string]interface{}{"error": err.Error()})
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close storage clients", map[string]interface{}{"error": err.Error()})
		}
	}()

	var opts []pipeline.Option
	var onStart func(int)
	if cfg.Monitor.Enabled {
		mon := monitor.New(monitor.Config{
			Interval:   cfg.Monitor.Interval,
			DiskPath:   cfg.Run.StagingRoot,
			MaxSamples: cfg.Monitor.MaxSamples,
		}, logger, monitor.WithGauges(collector))
		onStart = mon.AttachPID
		opts = append(opts, pipeline.WithResources(mon))
	}
	opts = append(opts, pipeline.WithRecorder(collector))

	runnerOpts := []demux.Option{demux.WithEnv(cfg.Tool.Env...)}
	if onStart != nil {
		runnerOpts = append(runnerOpts, demux.WithOnStart(onStart))
	}
	tool := demux.NewRunner(cfg.Tool.Path, logger, runnerOpts...)

	orch := pipeline.New(pc, store, tool, logger, opts...)
	_, runErr := orch.Run(ctx)

	// Interrupted runs still report and upload their log.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := collector.Push(shutdownCtx, pc.ExpID); err != nil {
		logger.Warn("failed to push metrics", map[string]interface{}{"error": err.Error()})
	}
	if err := collector.Stop(shutdownCtx); err != nil {
		logger.Warn("failed to stop metrics endpoint", map[string]interface{}{"error": err.Error()})
	}
	logPhases(logger, collector.Phases())

	if err := closeLog(); err != nil {
		logger.Warn("failed to close run log", map[string]interface{}{"error": err.Error()})
	}
	if err := orch.UploadLog(shutdownCtx, cfg.Global.LogFile); err != nil {
		logger.Error("failed to upload run log", map[string]interface{}{
			"error": err.Error(),
			"code":  string(errors.CodeOf(err)),
		})
		runErr = multierr.Append(runErr, err)
	}
	return runErr
}

func logPhases(logger *utils.StructuredLogger, phases map[string]metrics.PhaseMetrics) {
	names := make([]string, 0, len(phases))
	for name := range phases {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := phases[name]
		logger.Info("phase summary", map[string]interface{}{
			"phase":    name,
			"duration": p.TotalDuration.Round(time.Millisecond).String(),
			"errors":   p.Errors,
		})
	}
}
