package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout is the staged file tree of one run:
//
//	<root>[/<execution id>]/data/<exp id>/
//	    <sample sheet>
//	    bcl/
//	    fastqs/
type Layout struct {
	Root        string
	RunDir      string
	SampleSheet string
	RawDir      string
	OutputDir   string
}

// NewLayout derives the tree. An empty executionID stages directly under root.
func NewLayout(root, executionID, expID, sampleSheetName string) Layout {
	if executionID != "" {
		root = filepath.Join(root, executionID)
	}
	runDir := filepath.Join(root, "data", expID)
	return Layout{
		Root:        root,
		RunDir:      runDir,
		SampleSheet: filepath.Join(runDir, sampleSheetName),
		RawDir:      filepath.Join(runDir, "bcl"),
		OutputDir:   filepath.Join(runDir, "fastqs"),
	}
}

// Create makes the run and raw-input directories. Existing ones are kept.
func (l Layout) Create() error {
	for _, dir := range []string{l.RunDir, l.RawDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
