// Package demux runs the external demultiplexing tool as a subprocess and
// locates the reports it writes.
package demux

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/objectfs/demuxer/pkg/errors"
	"github.com/objectfs/demuxer/pkg/utils"
)

// DefaultTool is the demultiplexer looked up on PATH.
const DefaultTool = "bcl2fastq"

// Invocation is one tool run.
type Invocation struct {
	SampleSheet string
	RawDir      string
	OutputDir   string
	// Options are passed through verbatim, one argv entry each.
	Options []string
}

// Args returns the argv after the program name.
func (i Invocation) Args() []string {
	args := make([]string, 0, len(i.Options)+6)
	args = append(args, i.Options...)
	return append(args,
		"--sample-sheet", i.SampleSheet,
		"-R", i.RawDir,
		"-o", i.OutputDir,
	)
}

// Outcome describes a finished run.
type Outcome struct {
	PID      int
	ExitCode int
	Duration time.Duration
}

// Demultiplexer runs the tool to completion.
type Demultiplexer interface {
	Run(ctx context.Context, inv Invocation) (Outcome, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithOnStart registers a callback receiving the tool's PID once it starts.
func WithOnStart(fn func(pid int)) Option {
	return func(r *Runner) { r.onStart = fn }
}

// WithEnv appends KEY=VALUE entries to the inherited environment.
func WithEnv(env ...string) Option {
	return func(r *Runner) { r.env = append(r.env, env...) }
}

// Runner executes the tool binary at path.
type Runner struct {
	path      string
	env       []string
	onStart   func(pid int)
	waitDelay time.Duration
	logger    *utils.StructuredLogger
}

// NewRunner creates a Runner. An empty path means DefaultTool.
func NewRunner(path string, logger *utils.StructuredLogger, opts ...Option) *Runner {
	if path == "" {
		path = DefaultTool
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	r := &Runner{
		path:      path,
		waitDelay: 5 * time.Second,
		logger:    logger.WithComponent("demux"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Path returns the tool binary.
func (r *Runner) Path() string {
	return r.path
}

// Run starts the tool in its own process group and streams its output into
// the log line by line. Cancelling ctx kills the whole group.
func (r *Runner) Run(ctx context.Context, inv Invocation) (Outcome, error) {
	args := inv.Args()
	cmd := exec.CommandContext(ctx, r.path, args...)
	configureCommandProcess(cmd)
	cmd.Cancel = func() error { return terminateCommandProcess(cmd) }
	cmd.WaitDelay = r.waitDelay
	if len(r.env) > 0 {
		cmd.Env = append(cmd.Environ(), r.env...)
	}

	stdout := r.logger.WithField("stream", "stdout").Writer(utils.INFO)
	stderr := r.logger.WithField("stream", "stderr").Writer(utils.INFO)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.logger.Info(strings.Join(append([]string{r.path}, args...), " "))

	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return Outcome{}, errors.Wrap(err, errors.ErrCodeToolFailed, fmt.Sprintf("failed to start %s", r.path)).
			WithComponent("demux").WithOperation("start").WithRetryable(false)
	}

	outcome := Outcome{PID: cmd.Process.Pid}
	if r.onStart != nil {
		r.onStart(outcome.PID)
	}

	err := cmd.Wait()
	_ = stdout.Close()
	_ = stderr.Close()
	outcome.Duration = time.Since(start)
	outcome.ExitCode = cmd.ProcessState.ExitCode()

	fields := map[string]interface{}{
		"pid":       outcome.PID,
		"exit_code": outcome.ExitCode,
		"duration":  outcome.Duration.Round(time.Millisecond).String(),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		r.logger.Warn("demultiplexer interrupted", fields)
		return outcome, errors.Wrap(ctxErr, errors.ErrCodeOperationCanceled, fmt.Sprintf("%s interrupted", r.path)).
			WithComponent("demux").WithOperation("run")
	}

	if err != nil {
		var exitErr *exec.ExitError
		msg := fmt.Sprintf("%s failed", r.path)
		if errors.As(err, &exitErr) {
			msg = fmt.Sprintf("%s exited with status %d", r.path, outcome.ExitCode)
		}
		r.logger.Error(msg, fields)
		return outcome, errors.Wrap(err, errors.ErrCodeToolFailed, msg).
			WithComponent("demux").
			WithOperation("run").
			WithRetryable(false).
			WithDetail("exit_code", outcome.ExitCode).
			WithContext("sample_sheet", inv.SampleSheet)
	}

	r.logger.Info("demultiplexer finished", fields)
	return outcome, nil
}

// ReportDir returns the per-flowcell report directory the tool writes under
// outputDir, Reports/html/<flowcell>/all/all/all. When several flowcells are
// present the first in lexical order is returned.
func ReportDir(outputDir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(outputDir, "Reports", "html", "*", "all", "all", "all"))
	if err != nil {
		return "", fmt.Errorf("failed to search for reports: %w", err)
	}
	if len(matches) == 0 {
		return "", errors.NewError(errors.ErrCodeFileNotFound,
			fmt.Sprintf("no report directory under %s", filepath.Join(outputDir, "Reports", "html"))).
			WithComponent("demux")
	}
	sort.Strings(matches)
	return matches[0], nil
}
