// Package grouper reorganizes demultiplexed reads into <output>/<run>/<sample>/.
package grouper

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/objectfs/demuxer/internal/fastq"
	"github.com/objectfs/demuxer/internal/runid"
	"github.com/objectfs/demuxer/pkg/errors"
	"github.com/objectfs/demuxer/pkg/utils"
)

// Action is what happens to one produced file.
type Action string

const (
	ActionDiscard  Action = "discard"
	ActionKeepFlat Action = "keep-flat"
	ActionRelocate Action = "relocate"
)

// Options select the reorganization rules.
type Options struct {
	DiscardUndetermined bool
	GroupBySample       bool
}

// Decision is the outcome of classifying one file name.
type Decision struct {
	Action Action
	Run    string
	Sample string
	// Unmatched marks a keep-flat decision taken because grouping was on
	// but the name did not follow the produced-file convention.
	Unmatched bool
}

// Placement records where a file ended up.
type Placement struct {
	Source      string
	Destination string
	Decision    Decision
}

// Recorder observes grouping outcomes.
type Recorder interface {
	RecordGrouping(action string)
}

// Grouper applies Options to files inside OutputDir.
type Grouper struct {
	outputDir string
	opts      Options
	logger    *utils.StructuredLogger
	recorder  Recorder
}

// New creates a Grouper rooted at outputDir. recorder may be nil.
func New(outputDir string, opts Options, logger *utils.StructuredLogger, recorder Recorder) *Grouper {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Grouper{
		outputDir: outputDir,
		opts:      opts,
		logger:    logger.WithComponent("grouper"),
		recorder:  recorder,
	}
}

// Classify decides what to do with a file by its base name. It touches no
// filesystem state. A matched sample that is not a run identifier is an
// INVARIANT_VIOLATION error.
func Classify(name string, opts Options) (Decision, error) {
	if opts.DiscardUndetermined && fastq.IsUndetermined(name) {
		return Decision{Action: ActionDiscard}, nil
	}
	if !opts.GroupBySample {
		return Decision{Action: ActionKeepFlat}, nil
	}

	parsed, err := fastq.ParseFilename(name)
	if err != nil {
		return Decision{Action: ActionKeepFlat, Unmatched: true}, nil
	}

	id, err := runid.Parse(parsed.Sample)
	if err != nil {
		return Decision{}, errors.NewError(errors.ErrCodeInvariantViolation,
			fmt.Sprintf("produced file %s names sample %q, which is not a run identifier", name, parsed.Sample)).
			WithComponent("grouper").
			WithOperation("classify").
			WithContext("file", name).
			WithContext("sample", parsed.Sample).
			WithCause(err)
	}

	return Decision{Action: ActionRelocate, Run: id.RunName(), Sample: id.Raw}, nil
}

// Place applies the decision for the file at path.
func (g *Grouper) Place(path string) (Placement, error) {
	name := filepath.Base(path)
	decision, err := Classify(name, g.opts)
	if err != nil {
		return Placement{}, err
	}

	placement := Placement{Source: path, Destination: path, Decision: decision}

	switch decision.Action {
	case ActionDiscard:
		g.logger.Info("removing undetermined reads", map[string]interface{}{"file": name})
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return Placement{}, fmt.Errorf("failed to remove %s: %w", path, err)
		}
		placement.Destination = ""

	case ActionRelocate:
		dir, err := utils.SecureJoin(g.outputDir, decision.Run, decision.Sample)
		if err != nil {
			return Placement{}, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Placement{}, fmt.Errorf("failed to create %s: %w", dir, err)
		}
		dest := filepath.Join(dir, name)
		g.logger.Debug("moving file", map[string]interface{}{"file": name, "destination": dest})
		if err := os.Rename(path, dest); err != nil {
			return Placement{}, fmt.Errorf("failed to move %s: %w", path, err)
		}
		placement.Destination = dest

	case ActionKeepFlat:
		if decision.Unmatched {
			g.logger.Warn("file name does not match the produced-file pattern, leaving in place",
				map[string]interface{}{"file": path})
		}
	}

	if g.recorder != nil {
		g.recorder.RecordGrouping(string(decision.Action))
	}
	return placement, nil
}

// Apply places each file in order and stops at the first error.
func (g *Grouper) Apply(paths []string) ([]Placement, error) {
	placements := make([]Placement, 0, len(paths))
	for _, path := range paths {
		p, err := g.Place(path)
		if err != nil {
			return placements, err
		}
		placements = append(placements, p)
	}
	return placements, nil
}

// ProducedFiles lists the compressed fastq files directly under dir, sorted.
func ProducedFiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*fastq.gz"))
	if err != nil {
		return nil, err
	}
	return matches, nil
}
