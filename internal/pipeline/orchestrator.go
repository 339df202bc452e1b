// Package pipeline drives one demultiplexing run through its states: stage
// the sample sheet, validate it, stage raw data, run the demultiplexer,
// regroup its output and publish the results.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"

	"github.com/objectfs/demuxer/internal/demux"
	"github.com/objectfs/demuxer/internal/grouper"
	"github.com/objectfs/demuxer/internal/remote"
	"github.com/objectfs/demuxer/internal/samplesheet"
	"github.com/objectfs/demuxer/internal/storage"
	"github.com/objectfs/demuxer/pkg/errors"
	"github.com/objectfs/demuxer/pkg/utils"
)

// Resources is the background sampler running alongside the demultiplexer.
// *monitor.Monitor implements it.
type Resources interface {
	Start(ctx context.Context) error
	Stop() error
	AttachPID(pid int)
}

// Recorder observes a run. *metrics.Collector implements it.
type Recorder interface {
	grouper.Recorder
	remote.AttemptRecorder
	RecordPhase(phase string, duration time.Duration, err error)
}

// Result is what a run produced, successful or not.
type Result struct {
	RunID       string
	ExecutionID string
	Layout      Layout
	State       State
	Transitions []Transition

	Samples        int
	InvalidSamples []string
	Tool           demux.Outcome
	Placements     []grouper.Placement
	// Published holds the paths the publish sync transferred, relative to
	// the output directory.
	Published []string
	Listed    []storage.ObjectInfo
	ReportDir string

	Duration time.Duration
	Err      error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithResources runs r for the duration of the Demultiplexing state.
func WithResources(r Resources) Option {
	return func(o *Orchestrator) { o.resources = r }
}

// WithRecorder attaches a run observer.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// Orchestrator runs one demultiplexing run. It is not reusable.
type Orchestrator struct {
	config    Config
	layout    Layout
	store     remote.Store
	tool      demux.Demultiplexer
	resources Resources
	recorder  Recorder
	logger    *utils.StructuredLogger

	mu    sync.RWMutex
	state State
	ran   bool
}

// New creates an Orchestrator for config. store performs remote operations
// and tool runs the demultiplexer.
func New(config Config, store remote.Store, tool demux.Demultiplexer, logger *utils.StructuredLogger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	o := &Orchestrator{
		config: config,
		layout: config.Layout(),
		store:  store,
		tool:   tool,
		logger: logger.WithComponent("pipeline").WithField("run_id", config.ExpID),
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Layout returns the staged tree the run uses.
func (o *Orchestrator) Layout() Layout {
	return o.layout
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

type phase struct {
	state State
	skip  bool
	run   func(ctx context.Context, res *Result, log *utils.StructuredLogger) error
}

// Run drives the state machine to Done or Failed. The returned Result is
// never nil; on failure its Err equals the returned error.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	res := &Result{
		RunID:       o.config.ExpID,
		ExecutionID: o.config.ExecutionID,
		Layout:      o.layout,
		State:       StateIdle,
	}

	o.mu.Lock()
	if o.ran {
		o.mu.Unlock()
		err := errors.NewError(errors.ErrCodeAlreadyStarted, "orchestrator already ran").WithComponent("pipeline")
		res.State, res.Err = StateFailed, err
		return res, err
	}
	o.ran = true
	o.mu.Unlock()

	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	o.logger.Info("starting run", map[string]interface{}{
		"execution_id": o.config.ExecutionID,
		"staging_dir":  o.layout.RunDir,
	})

	phases := []phase{
		{StateStagingInputs, o.config.SkipInputStaging, o.stageInputs},
		{StateValidatingSheet, false, o.validateSheet},
		{StateStagingRawData, o.config.SkipInputStaging, o.stageRawData},
		{StateDemultiplexing, false, o.demultiplex},
		{StateReorganizingOutputs, false, o.reorganize},
		{StatePublishingResults, o.config.SkipPublish, o.publish},
	}

	for _, p := range phases {
		log := o.logger.WithField("phase", p.state.String())
		if p.skip {
			log.Info("skipping phase")
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, o.fail(res, errors.Wrap(err, errors.ErrCodeOperationCanceled, "run interrupted").
				WithComponent("pipeline").WithOperation(p.state.String()))
		}

		o.transition(res, p.state)
		phaseStart := time.Now()
		err := p.run(ctx, res, log)
		if o.recorder != nil {
			o.recorder.RecordPhase(p.state.String(), time.Since(phaseStart), err)
		}
		if err != nil {
			return res, o.fail(res, err)
		}
	}

	o.transition(res, StateDone)
	o.logger.Info("run complete", map[string]interface{}{
		"duration":  time.Since(start).Round(time.Second).String(),
		"published": len(res.Published),
	})
	return res, nil
}

// UploadLog copies the local run log to the configured log location. It is
// meant to run after Run whatever its outcome; it does nothing when either
// side is unset.
func (o *Orchestrator) UploadLog(ctx context.Context, logPath string) error {
	if logPath == "" || !isSet(o.config.LogURI) {
		return nil
	}
	req := remote.Request{
		Kind:        remote.KindCopy,
		Source:      localURI(logPath),
		Destination: o.config.LogURI.Join(filepath.Base(logPath)),
	}
	_, err := o.executor(o.logger.WithField("phase", "log_upload")).Execute(ctx, req)
	return err
}

func (o *Orchestrator) executor(log *utils.StructuredLogger) *remote.Executor {
	return remote.NewExecutor(o.store, o.config.Retry, log, remote.WithRecorder(o.recorder))
}

func (o *Orchestrator) transition(res *Result, to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()

	res.State = to
	res.Transitions = append(res.Transitions, Transition{From: from, To: to, At: time.Now()})
	o.logger.Debug("state transition", map[string]interface{}{"from": from.String(), "to": to.String()})
}

func (o *Orchestrator) fail(res *Result, err error) error {
	failedIn := o.State()
	var de *errors.DemuxError
	if errors.As(err, &de) {
		if de.RunID == "" {
			de.WithRunID(o.config.ExpID)
		}
	} else {
		de = errors.Wrap(err, errors.ErrCodeInternalError, fmt.Sprintf("%s failed", failedIn)).
			WithComponent("pipeline").
			WithOperation(failedIn.String()).
			WithRunID(o.config.ExpID)
		err = de
	}

	o.transition(res, StateFailed)
	res.Err = err

	log := o.logger.WithField("phase", failedIn.String())
	log.Error("run failed", map[string]interface{}{
		"error": err.Error(),
		"code":  string(de.Code),
	})
	log.Error(de.DetailedDiagnostic())
	return err
}

func (o *Orchestrator) stageInputs(ctx context.Context, res *Result, log *utils.StructuredLogger) error {
	if err := o.layout.Create(); err != nil {
		return errors.Wrap(err, errors.ErrCodePathInvalid, "failed to create staging directories").
			WithComponent("pipeline").
			WithOperation(StateStagingInputs.String()).
			WithContext("path", o.layout.RunDir)
	}

	_, err := o.executor(log).Execute(ctx, remote.Request{
		Kind:        remote.KindCopy,
		Source:      o.config.SampleSheetURI.Join(o.config.SheetName),
		Destination: localURI(o.layout.SampleSheet),
	})
	return err
}

func (o *Orchestrator) validateSheet(ctx context.Context, res *Result, log *utils.StructuredLogger) error {
	sheet, err := samplesheet.Parse(o.layout.SampleSheet, o.config.SheetPreamble)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeValidationFailed, "failed to read sample sheet").
			WithComponent("samplesheet").
			WithOperation("validate").
			WithContext("path", o.layout.SampleSheet)
	}

	res.Samples = len(sheet.Samples)
	res.InvalidSamples = sheet.InvalidSampleIDs()
	if len(res.InvalidSamples) > 0 {
		return errors.NewError(errors.ErrCodeValidationFailed,
			fmt.Sprintf("found sample ids that are not run identifiers (RunXX_YY): %s",
				strings.Join(res.InvalidSamples, ", "))).
			WithComponent("samplesheet").
			WithOperation("validate").
			WithContext("path", o.layout.SampleSheet).
			WithDetail("invalid_samples", res.InvalidSamples)
	}
	if o.config.RequireSamples && res.Samples == 0 {
		return errors.NewError(errors.ErrCodeValidationFailed, "sample sheet lists no samples").
			WithComponent("samplesheet").
			WithOperation("validate").
			WithContext("path", o.layout.SampleSheet)
	}

	log.Info("sample sheet valid", map[string]interface{}{
		"samples":   res.Samples,
		"delimiter": string(sheet.Delimiter),
	})
	return nil
}

func (o *Orchestrator) stageRawData(ctx context.Context, res *Result, log *utils.StructuredLogger) error {
	result, err := o.executor(log).Execute(ctx, remote.Request{
		Kind:         remote.KindSync,
		Source:       o.config.InputURI.Join(o.config.ExpID),
		Destination:  localURI(o.layout.RawDir),
		ForceGlacier: o.config.ForceGlacier,
	})
	if err != nil {
		return err
	}
	if n := len(result.Transfer.Skipped); n > 0 {
		log.Warn("archived raw data was not staged", map[string]interface{}{"skipped": n})
	}
	return nil
}

func (o *Orchestrator) demultiplex(ctx context.Context, res *Result, log *utils.StructuredLogger) (err error) {
	if o.resources != nil {
		// A monitor that failed to start is not ours to stop.
		if startErr := o.resources.Start(ctx); startErr != nil {
			log.Warn("resource monitor did not start", map[string]interface{}{"error": startErr.Error()})
		} else {
			defer func() {
				o.resources.AttachPID(0)
				if stopErr := o.resources.Stop(); stopErr != nil {
					err = multierr.Append(err, stopErr)
				}
			}()
		}
	}

	outcome, err := o.tool.Run(ctx, demux.Invocation{
		SampleSheet: o.layout.SampleSheet,
		RawDir:      o.layout.RawDir,
		OutputDir:   o.layout.OutputDir,
		Options:     o.config.ToolOptions,
	})
	res.Tool = outcome
	return err
}

func (o *Orchestrator) reorganize(ctx context.Context, res *Result, log *utils.StructuredLogger) error {
	files, err := grouper.ProducedFiles(o.layout.OutputDir)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to list produced files").
			WithComponent("grouper").
			WithContext("path", o.layout.OutputDir)
	}
	log.Debugf("all fastq.gz files (%d)\n%s", len(files), strings.Join(files, "\n"))

	g := grouper.New(o.layout.OutputDir, o.config.Grouping, log, o.recorder)
	res.Placements, err = g.Apply(files)
	return err
}

func (o *Orchestrator) publish(ctx context.Context, res *Result, log *utils.StructuredLogger) error {
	ex := o.executor(log)

	synced, err := ex.Execute(ctx, remote.Request{
		Kind:        remote.KindSync,
		Source:      localURI(o.layout.OutputDir),
		Destination: o.config.OutputURI,
		Filters:     storage.Filters{storage.Exclude("*"), storage.Include("*fastq.gz")},
	})
	if err != nil {
		return err
	}
	res.Published = synced.Transfer.Transferred

	listed, err := ex.Execute(ctx, remote.Request{
		Kind:      remote.KindList,
		Source:    o.config.OutputURI,
		Recursive: true,
	})
	if err != nil {
		return err
	}
	res.Listed = listed.Objects
	for _, obj := range listed.Objects {
		log.Infof("%s %10s %s", obj.ModTime.Format("2006-01-02 15:04:05"), humanize.Bytes(uint64(obj.Size)), obj.Key)
	}

	reportDir, err := demux.ReportDir(o.layout.OutputDir)
	if err != nil {
		return err
	}
	res.ReportDir = reportDir

	_, err = ex.Execute(ctx, remote.Request{
		Kind:        remote.KindCopy,
		Source:      localURI(reportDir),
		Destination: o.config.ReportURI.Join(o.config.ExpID),
		Recursive:   true,
	})
	return err
}
