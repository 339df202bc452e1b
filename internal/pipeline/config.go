package pipeline

import (
	"os"

	"github.com/objectfs/demuxer/internal/config"
	"github.com/objectfs/demuxer/internal/grouper"
	"github.com/objectfs/demuxer/internal/storage"
	"github.com/objectfs/demuxer/pkg/errors"
	"github.com/objectfs/demuxer/pkg/retry"
)

// Config is everything an Orchestrator needs to know about one run.
type Config struct {
	ExpID          string
	ExecutionID    string
	StagingRoot    string
	SheetName      string
	SheetPreamble  int
	RequireSamples bool

	// Remote locations. A zero URI is unset.
	SampleSheetURI storage.URI
	InputURI       storage.URI
	OutputURI      storage.URI
	ReportURI      storage.URI
	LogURI         storage.URI

	SkipInputStaging bool
	SkipPublish      bool
	ForceGlacier     bool
	Grouping         grouper.Options

	ToolOptions []string
	Retry       retry.Config
}

// Layout returns the staged tree for this run.
func (c Config) Layout() Layout {
	return NewLayout(c.StagingRoot, c.ExecutionID, c.ExpID, c.SheetName)
}

// ConfigFrom converts a validated configuration. The execution id is read
// from the environment variable the configuration names.
func ConfigFrom(cfg *config.Configuration) (Config, error) {
	out := Config{
		ExpID:            cfg.Run.ExpID,
		StagingRoot:      cfg.Run.StagingRoot,
		SheetName:        cfg.SampleSheetName(),
		SheetPreamble:    cfg.Run.SampleSheetPreamble,
		RequireSamples:   cfg.Run.RequireSamples,
		SkipInputStaging: cfg.Options.SkipInputStaging,
		SkipPublish:      cfg.Options.SkipPublish,
		ForceGlacier:     cfg.Options.ForceGlacier,
		Grouping: grouper.Options{
			DiscardUndetermined: cfg.Options.DiscardUndetermined,
			GroupBySample:       cfg.Options.GroupBySample,
		},
		ToolOptions: cfg.Tool.Options,
		Retry:       cfg.Retry,
	}
	if cfg.Run.ExecutionIDEnv != "" {
		out.ExecutionID = os.Getenv(cfg.Run.ExecutionIDEnv)
	}

	for _, loc := range []struct {
		field string
		raw   string
		dst   *storage.URI
	}{
		{"sample_sheet_uri", cfg.Storage.SampleSheetURI, &out.SampleSheetURI},
		{"input_uri", cfg.Storage.InputURI, &out.InputURI},
		{"output_uri", cfg.Storage.OutputURI, &out.OutputURI},
		{"report_uri", cfg.Storage.ReportURI, &out.ReportURI},
		{"log_uri", cfg.Storage.LogURI, &out.LogURI},
	} {
		if loc.raw == "" {
			continue
		}
		u, err := storage.ParseURI(loc.raw)
		if err != nil {
			return Config{}, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid storage."+loc.field).
				WithComponent("pipeline")
		}
		*loc.dst = u
	}
	return out, nil
}

func isSet(u storage.URI) bool {
	return u.Scheme != ""
}

func localURI(path string) storage.URI {
	return storage.URI{Scheme: storage.SchemeFile, Key: path}
}
