// Package config loads run settings from defaults, a YAML file and DEMUXER_*
// environment variables, in that order of precedence.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/demuxer/internal/metrics"
	"github.com/objectfs/demuxer/internal/storage"
	"github.com/objectfs/demuxer/internal/storage/gcs"
	"github.com/objectfs/demuxer/internal/storage/s3"
	"github.com/objectfs/demuxer/pkg/errors"
	"github.com/objectfs/demuxer/pkg/retry"
	"github.com/objectfs/demuxer/pkg/utils"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "DEMUXER_"

// Configuration represents the complete run configuration
type Configuration struct {
	Global  GlobalConfig   `yaml:"global"`
	Run     RunConfig      `yaml:"run"`
	Storage StorageConfig  `yaml:"storage"`
	Options OptionsConfig  `yaml:"options"`
	Tool    ToolConfig     `yaml:"tool"`
	Retry   retry.Config   `yaml:"retry"`
	Monitor MonitorConfig  `yaml:"monitor"`
	Metrics metrics.Config `yaml:"metrics"`
}

// GlobalConfig represents logging settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LogFormat string `yaml:"log_format"`
	// ComponentLevels overrides log_level per component, e.g. monitor: DEBUG.
	ComponentLevels map[string]string `yaml:"component_levels,omitempty"`
}

// RunConfig identifies the experiment and where it is staged.
type RunConfig struct {
	ExpID string `yaml:"exp_id"`
	// SampleSheetName defaults to <exp_id>.csv.
	SampleSheetName     string `yaml:"sample_sheet_name"`
	SampleSheetPreamble int    `yaml:"sample_sheet_preamble"`
	StagingRoot         string `yaml:"staging_root"`
	// ExecutionIDEnv names the variable holding the batch job id that keys
	// the staging directory.
	ExecutionIDEnv string `yaml:"execution_id_env"`
	RequireSamples bool   `yaml:"require_samples"`
}

// StorageConfig holds the remote locations and backend settings.
type StorageConfig struct {
	InputURI       string `yaml:"input_uri"`
	OutputURI      string `yaml:"output_uri"`
	ReportURI      string `yaml:"report_uri"`
	SampleSheetURI string `yaml:"sample_sheet_uri"`
	LogURI         string `yaml:"log_uri"`

	TransferConcurrency int `yaml:"transfer_concurrency"`

	S3  s3.Config  `yaml:"s3"`
	GCS gcs.Config `yaml:"gcs"`
}

// OptionsConfig are the run switches.
type OptionsConfig struct {
	SkipInputStaging    bool `yaml:"skip_input_staging"`
	SkipPublish         bool `yaml:"skip_publish"`
	GroupBySample       bool `yaml:"group_by_sample"`
	DiscardUndetermined bool `yaml:"discard_undetermined"`
	ForceGlacier        bool `yaml:"force_glacier"`
}

// ToolConfig describes the demultiplexer invocation.
type ToolConfig struct {
	Path    string   `yaml:"path"`
	Options []string `yaml:"options"`
	Env     []string `yaml:"env"`
}

// MonitorConfig represents resource sampling settings
type MonitorConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	MaxSamples int           `yaml:"max_samples"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Run: RunConfig{
			SampleSheetPreamble: 21,
			StagingRoot:         "/tmp",
			ExecutionIDEnv:      "AWS_BATCH_JOB_ID",
		},
		Storage: StorageConfig{
			TransferConcurrency: 8,
			S3:                  *s3.NewDefaultConfig(),
			GCS:                 gcs.Config{ChunkSize: 16 * 1024 * 1024},
		},
		Options: OptionsConfig{
			GroupBySample:       true,
			DiscardUndetermined: true,
		},
		Tool: ToolConfig{
			Path:    "bcl2fastq",
			Options: []string{"--no-lane-splitting"},
		},
		Retry: retry.DefaultConfig(),
		Monitor: MonitorConfig{
			Enabled:    true,
			Interval:   90 * time.Second,
			MaxSamples: 1000,
		},
		Metrics: *metrics.DefaultConfig(),
	}
}

// SampleSheetName returns the configured sheet name or <exp_id>.csv.
func (c *Configuration) SampleSheetName() string {
	if c.Run.SampleSheetName != "" {
		return c.Run.SampleSheetName
	}
	return c.Run.ExpID + ".csv"
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithContext("path", filename)
	}

	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithContext("path", filename)
	}

	return nil
}

// LoadFromEnv applies DEMUXER_* overrides. Every malformed value is reported.
func (c *Configuration) LoadFromEnv() error {
	var errs error

	str := func(name string, dst *string) {
		if val, ok := os.LookupEnv(EnvPrefix + name); ok && val != "" {
			*dst = val
		}
	}
	boolean := func(name string, dst *bool) {
		val, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || val == "" {
			return
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = b
	}
	integer := func(name string, dst *int) {
		val, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || val == "" {
			return
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}
	duration := func(name string, dst *time.Duration) {
		val, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || val == "" {
			return
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
	}

	// Global settings
	str("LOG_LEVEL", &c.Global.LogLevel)
	str("LOG_FILE", &c.Global.LogFile)
	str("LOG_FORMAT", &c.Global.LogFormat)

	// Run
	str("EXP_ID", &c.Run.ExpID)
	str("SAMPLE_SHEET_NAME", &c.Run.SampleSheetName)
	integer("SAMPLE_SHEET_PREAMBLE", &c.Run.SampleSheetPreamble)
	str("STAGING_ROOT", &c.Run.StagingRoot)
	str("EXECUTION_ID_ENV", &c.Run.ExecutionIDEnv)
	boolean("REQUIRE_SAMPLES", &c.Run.RequireSamples)

	// Storage
	str("INPUT_URI", &c.Storage.InputURI)
	str("OUTPUT_URI", &c.Storage.OutputURI)
	str("REPORT_URI", &c.Storage.ReportURI)
	str("SAMPLE_SHEET_URI", &c.Storage.SampleSheetURI)
	str("LOG_URI", &c.Storage.LogURI)
	integer("TRANSFER_CONCURRENCY", &c.Storage.TransferConcurrency)
	str("S3_REGION", &c.Storage.S3.Region)
	str("S3_ENDPOINT", &c.Storage.S3.Endpoint)
	boolean("S3_FORCE_PATH_STYLE", &c.Storage.S3.ForcePathStyle)
	str("S3_STORAGE_CLASS", &c.Storage.S3.StorageClass)
	boolean("S3_ENABLE_CARGOSHIP", &c.Storage.S3.EnableCargoShipOptimization)
	str("GCS_ENDPOINT", &c.Storage.GCS.Endpoint)
	str("GCS_CREDENTIALS_FILE", &c.Storage.GCS.CredentialsFile)

	// Options
	boolean("SKIP_INPUT_STAGING", &c.Options.SkipInputStaging)
	boolean("SKIP_PUBLISH", &c.Options.SkipPublish)
	boolean("GROUP_BY_SAMPLE", &c.Options.GroupBySample)
	boolean("DISCARD_UNDETERMINED", &c.Options.DiscardUndetermined)
	boolean("FORCE_GLACIER", &c.Options.ForceGlacier)

	// Tool
	str("TOOL_PATH", &c.Tool.Path)
	if val, ok := os.LookupEnv(EnvPrefix + "TOOL_OPTIONS"); ok {
		c.Tool.Options = strings.Fields(val)
	}

	// Retry and monitoring
	integer("RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts)
	duration("RETRY_INITIAL_DELAY", &c.Retry.InitialDelay)
	boolean("MONITOR_ENABLED", &c.Monitor.Enabled)
	duration("MONITOR_INTERVAL", &c.Monitor.Interval)
	boolean("METRICS_ENABLED", &c.Metrics.Enabled)
	integer("METRICS_PORT", &c.Metrics.Port)
	str("METRICS_PUSH_GATEWAY", &c.Metrics.PushGateway)

	if errs != nil {
		return errors.Wrap(errs, errors.ErrCodeInvalidConfig, "invalid environment override")
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := c.Write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Write encodes the configuration as YAML. Credentials are included.
func (c *Configuration) Write(w io.Writer) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks the configuration and reports every problem found.
func (c *Configuration) Validate() error {
	var errs error
	fail := func(format string, args ...interface{}) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		fail("global.log_level: %v", err)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		fail("global.log_format: %v", err)
	}
	for component, level := range c.Global.ComponentLevels {
		if _, err := utils.ParseLogLevel(level); err != nil {
			fail("global.component_levels.%s: %v", component, err)
		}
	}

	if c.Run.ExpID == "" {
		fail("run.exp_id is required")
	} else if strings.ContainsAny(c.Run.ExpID, `/\`) {
		fail("run.exp_id must not contain path separators: %q", c.Run.ExpID)
	}
	if c.Run.SampleSheetPreamble < -1 {
		fail("run.sample_sheet_preamble must be -1 (auto) or a line count, got %d", c.Run.SampleSheetPreamble)
	}
	if c.Run.StagingRoot == "" {
		fail("run.staging_root is required")
	}

	checkURI := func(field, value string, required bool) {
		if value == "" {
			if required {
				fail("storage.%s is required", field)
			}
			return
		}
		if _, err := storage.ParseURI(value); err != nil {
			fail("storage.%s: %v", field, err)
		}
	}
	checkURI("sample_sheet_uri", c.Storage.SampleSheetURI, !c.Options.SkipInputStaging)
	checkURI("input_uri", c.Storage.InputURI, !c.Options.SkipInputStaging)
	checkURI("output_uri", c.Storage.OutputURI, !c.Options.SkipPublish)
	checkURI("report_uri", c.Storage.ReportURI, !c.Options.SkipPublish)
	checkURI("log_uri", c.Storage.LogURI, false)

	if c.Storage.TransferConcurrency <= 0 {
		fail("storage.transfer_concurrency must be greater than 0")
	}
	if c.Storage.S3.StorageClass != "" && !s3.ValidTier(c.Storage.S3.StorageClass) {
		fail("storage.s3.storage_class: unsupported storage class %q", c.Storage.S3.StorageClass)
	}

	if c.Tool.Path == "" {
		fail("tool.path is required")
	}

	if c.Retry.MaxAttempts < 1 {
		fail("retry.max_attempts must be at least 1")
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 {
		fail("retry delays must not be negative")
	}

	if c.Monitor.Enabled && c.Monitor.Interval <= 0 {
		fail("monitor.interval must be greater than 0")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 0 || c.Metrics.Port > 65535) {
		fail("metrics.port out of range: %d", c.Metrics.Port)
	}

	if errs != nil {
		return errors.Wrap(errs, errors.ErrCodeInvalidConfig, "invalid configuration").
			WithComponent("config").
			WithDetail("problems", len(multierr.Errors(errs)))
	}
	return nil
}
