package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/demuxer/internal/config"
	"github.com/objectfs/demuxer/internal/demux"
	"github.com/objectfs/demuxer/internal/grouper"
	"github.com/objectfs/demuxer/internal/storage"
	"github.com/objectfs/demuxer/internal/storage/local"
	"github.com/objectfs/demuxer/pkg/errors"
	"github.com/objectfs/demuxer/pkg/retry"
	"github.com/objectfs/demuxer/pkg/utils"
)

type fakeTool struct {
	mu          sync.Mutex
	invocations []demux.Invocation
	outputs     map[string]string
	err         error
}

func (f *fakeTool) Run(ctx context.Context, inv demux.Invocation) (demux.Outcome, error) {
	f.mu.Lock()
	f.invocations = append(f.invocations, inv)
	f.mu.Unlock()

	for rel, body := range f.outputs {
		path := filepath.Join(inv.OutputDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return demux.Outcome{}, err
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return demux.Outcome{}, err
		}
	}
	if f.err != nil {
		return demux.Outcome{PID: 4242, ExitCode: 1}, f.err
	}
	return demux.Outcome{PID: 4242}, nil
}

func (f *fakeTool) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invocations)
}

type fakeResources struct {
	mu       sync.Mutex
	started  int
	stopped  int
	pids     []int
	startErr error
}

func (f *fakeResources) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return f.startErr
}

func (f *fakeResources) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeResources) AttachPID(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pids = append(f.pids, pid)
}

type fakeRecorder struct {
	mu       sync.Mutex
	phases   []string
	grouped  map[string]int
	attempts map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{grouped: map[string]int{}, attempts: map[string]int{}}
}

func (f *fakeRecorder) RecordPhase(phase string, _ time.Duration, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases = append(f.phases, phase)
}

func (f *fakeRecorder) RecordGrouping(action string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grouped[action]++
}

func (f *fakeRecorder) RecordRemoteAttempt(operation, status string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[operation+"/"+status]++
}

// failingSync fails every sync into one destination.
type failingSync struct {
	*storage.Client
	dest  string
	calls int
}

func (f *failingSync) Sync(ctx context.Context, req storage.SyncRequest) (storage.TransferResult, error) {
	if req.Destination.Key == f.dest {
		f.calls++
		return storage.TransferResult{}, fmt.Errorf("connection reset by peer")
	}
	return f.Client.Sync(ctx, req)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	remote string
	config Config
	client *storage.Client
	tool   *fakeTool
	logs   *syncBuffer
	logger *utils.StructuredLogger
}

func sampleSheet(ids ...string) string {
	var b strings.Builder
	b.WriteString("[Header]\n")
	for i := 1; i < 20; i++ {
		fmt.Fprintf(&b, "Key%d,Value%d\n", i, i)
	}
	b.WriteString("[Data]\n")
	b.WriteString("Sample_ID,Sample_Name,index\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "%s,%s,ACGTACGT\n", id, id)
	}
	return b.String()
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func newFixture(t *testing.T, expID string, sampleIDs ...string) *fixture {
	t.Helper()
	remote := t.TempDir()

	writeFile(t, filepath.Join(remote, "sheets", expID+".csv"), sampleSheet(sampleIDs...))
	writeFile(t, filepath.Join(remote, "raw", expID, "RunInfo.xml"), "<RunInfo/>")
	writeFile(t, filepath.Join(remote, "raw", expID, "Data", "Intensities", "BaseCalls", "L001", "s_1_1101.bcl.gz"), "bcl")

	logs := &syncBuffer{}
	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  utils.DEBUG,
		Output: logs,
		Format: utils.FormatText,
	})
	require.NoError(t, err)

	return &fixture{
		remote: remote,
		config: Config{
			ExpID:          expID,
			StagingRoot:    t.TempDir(),
			SheetName:      expID + ".csv",
			SheetPreamble:  21,
			SampleSheetURI: storage.MustParseURI(filepath.Join(remote, "sheets")),
			InputURI:       storage.MustParseURI(filepath.Join(remote, "raw")),
			OutputURI:      storage.MustParseURI(filepath.Join(remote, "out")),
			ReportURI:      storage.MustParseURI(filepath.Join(remote, "reports")),
			Grouping:       grouper.Options{DiscardUndetermined: true, GroupBySample: true},
			ToolOptions:    []string{"--no-lane-splitting"},
			Retry:          retry.Config{MaxAttempts: 5},
		},
		client: storage.NewClient(logger, storage.WithBackend(storage.SchemeFile, local.New())),
		tool:   &fakeTool{},
		logs:   logs,
		logger: logger,
	}
}

func transitions(res *Result) []State {
	states := make([]State, 0, len(res.Transitions))
	for _, tr := range res.Transitions {
		states = append(states, tr.To)
	}
	return states
}

func TestRun_InvalidSampleSheetStopsBeforeTool(t *testing.T) {
	f := newFixture(t, "Run1", "Run1_1", "Run1_2", "BadName")
	resources := &fakeResources{}

	o := New(f.config, f.client, f.tool, f.logger, WithResources(resources))
	res, err := o.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidationFailed, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "BadName")
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateFailed, o.State())
	assert.Equal(t, []string{"BadName"}, res.InvalidSamples)
	assert.Equal(t, []State{StateStagingInputs, StateValidatingSheet, StateFailed}, transitions(res))
	assert.Same(t, err, res.Err)

	assert.Zero(t, f.tool.calls(), "demultiplexer must not run")
	assert.Zero(t, resources.started)

	// Raw data was never staged.
	entries, readErr := os.ReadDir(o.Layout().RawDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)

	var de *errors.DemuxError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Run1", de.RunID)
	assert.Equal(t, []string{"BadName"}, de.Details["invalid_samples"])
}

func TestRun_EndToEnd(t *testing.T) {
	f := newFixture(t, "Run5", "Run5_1")
	f.tool.outputs = map[string]string{
		"Run5_1_S1_R1_001.fastq.gz":                     "read one",
		"Run5_1_S1_R2_001.fastq.gz":                     "read two",
		"Undetermined_S0_R1_001.fastq.gz":               "lost",
		"Reports/html/HB2V7BGX9/all/all/all/index.html": "<html/>",
		"Stats/Stats.json":                              "{}",
	}
	resources := &fakeResources{}
	recorder := newFakeRecorder()

	o := New(f.config, f.client, f.tool, f.logger, WithResources(resources), WithRecorder(recorder))
	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, []State{
		StateStagingInputs, StateValidatingSheet, StateStagingRawData, StateDemultiplexing,
		StateReorganizingOutputs, StatePublishingResults, StateDone,
	}, transitions(res))
	assert.Equal(t, 1, res.Samples)

	layout := o.Layout()
	assert.FileExists(t, layout.SampleSheet)
	assert.FileExists(t, filepath.Join(layout.RawDir, "RunInfo.xml"))
	assert.FileExists(t, filepath.Join(layout.RawDir, "Data", "Intensities", "BaseCalls", "L001", "s_1_1101.bcl.gz"))

	require.Equal(t, 1, f.tool.calls())
	inv := f.tool.invocations[0]
	assert.Equal(t, layout.SampleSheet, inv.SampleSheet)
	assert.Equal(t, layout.RawDir, inv.RawDir)
	assert.Equal(t, layout.OutputDir, inv.OutputDir)
	assert.Equal(t, []string{"--no-lane-splitting"}, inv.Options)

	// Both reads grouped under <output>/Run5/Run5_1, undetermined discarded.
	sampleDir := filepath.Join(layout.OutputDir, "Run5", "Run5_1")
	assert.FileExists(t, filepath.Join(sampleDir, "Run5_1_S1_R1_001.fastq.gz"))
	assert.FileExists(t, filepath.Join(sampleDir, "Run5_1_S1_R2_001.fastq.gz"))
	assert.NoFileExists(t, filepath.Join(layout.OutputDir, "Undetermined_S0_R1_001.fastq.gz"))
	require.Len(t, res.Placements, 3)

	assert.Equal(t, []string{
		"Run5/Run5_1/Run5_1_S1_R1_001.fastq.gz",
		"Run5/Run5_1/Run5_1_S1_R2_001.fastq.gz",
	}, res.Published)
	assert.FileExists(t, filepath.Join(f.remote, "out", "Run5", "Run5_1", "Run5_1_S1_R2_001.fastq.gz"))
	assert.NoFileExists(t, filepath.Join(f.remote, "out", "Stats", "Stats.json"))
	assert.Len(t, res.Listed, 2)

	assert.True(t, strings.HasSuffix(res.ReportDir, filepath.Join("HB2V7BGX9", "all", "all", "all")))
	assert.FileExists(t, filepath.Join(f.remote, "reports", "Run5", "index.html"))

	assert.Equal(t, 1, resources.started)
	assert.Equal(t, 1, resources.stopped)
	assert.Equal(t, []int{0}, resources.pids)

	assert.Equal(t, []string{
		"staging_inputs", "validating_sheet", "staging_raw_data", "demultiplexing",
		"reorganizing_outputs", "publishing_results",
	}, recorder.phases)
	assert.Equal(t, 2, recorder.grouped["relocate"])
	assert.Equal(t, 1, recorder.grouped["discard"])
	assert.Equal(t, map[string]int{"copy/success": 2, "sync/success": 2, "list/success": 1}, recorder.attempts)

	logs := f.logs.String()
	assert.Contains(t, logs, "run_id=Run5")
	assert.Contains(t, logs, "phase=publishing_results")
	assert.Contains(t, logs, `sync --quiet `+layout.OutputDir+` `+filepath.Join(f.remote, "out")+` --exclude "*" --include "*fastq.gz"`)
}

func TestRun_ToolFailureStopsMonitor(t *testing.T) {
	f := newFixture(t, "Run3", "Run3_1")
	f.tool.err = errors.NewError(errors.ErrCodeToolFailed, "bcl2fastq exited with status 1").WithComponent("demux")
	resources := &fakeResources{}

	o := New(f.config, f.client, f.tool, f.logger, WithResources(resources))
	res, err := o.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeToolFailed, errors.CodeOf(err))
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 1, res.Tool.ExitCode)
	assert.Equal(t, 1, resources.started)
	assert.Equal(t, 1, resources.stopped)
	assert.NoDirExists(t, filepath.Join(f.remote, "out"))
	assert.Contains(t, f.logs.String(), "run failed")
}

func TestRun_MonitorStartFailureLeavesMonitorRunning(t *testing.T) {
	f := newFixture(t, "Run3", "Run3_1")
	f.config.SkipPublish = true
	f.tool.outputs = map[string]string{"Run3_1_S1_R1_001.fastq.gz": "reads"}
	resources := &fakeResources{
		startErr: errors.NewError(errors.ErrCodeAlreadyStarted, "monitor already started").WithComponent("monitor"),
	}

	o := New(f.config, f.client, f.tool, f.logger, WithResources(resources))
	res, err := o.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 1, f.tool.calls())
	assert.Equal(t, 1, resources.started)
	assert.Zero(t, resources.stopped, "monitor owned by someone else must not be stopped")
	assert.Empty(t, resources.pids)
	assert.Contains(t, f.logs.String(), "resource monitor did not start")
}

func TestRun_PublishExhaustsRetries(t *testing.T) {
	f := newFixture(t, "Run6", "Run6_2")
	f.tool.outputs = map[string]string{"Run6_2_S1_R1_001.fastq.gz": "reads"}
	store := &failingSync{Client: f.client, dest: f.config.OutputURI.Key}

	res, err := New(f.config, store, f.tool, f.logger).Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeRetryExhausted, errors.CodeOf(err))
	assert.Equal(t, 5, store.calls)
	assert.Equal(t, StatePublishingResults, res.Transitions[len(res.Transitions)-1].From)
	assert.Equal(t, StateFailed, res.State)
	assert.Empty(t, res.Published)
}

func TestRun_SkipStagingAndPublish(t *testing.T) {
	f := newFixture(t, "Run8", "Run8_1")
	f.config.SkipInputStaging = true
	f.config.SkipPublish = true
	f.tool.outputs = map[string]string{"Run8_1_S1_R1_001.fastq.gz": "reads"}

	layout := f.config.Layout()
	writeFile(t, layout.SampleSheet, sampleSheet("Run8_1"))

	// A nil store proves no remote operation is attempted.
	res, err := New(f.config, nil, f.tool, f.logger).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []State{
		StateValidatingSheet, StateDemultiplexing, StateReorganizingOutputs, StateDone,
	}, transitions(res))
	assert.FileExists(t, filepath.Join(layout.OutputDir, "Run8", "Run8_1", "Run8_1_S1_R1_001.fastq.gz"))
	assert.Contains(t, f.logs.String(), "skipping phase")
}

func TestRun_RequireSamples(t *testing.T) {
	f := newFixture(t, "Run2")
	f.config.RequireSamples = true

	res, err := New(f.config, f.client, f.tool, f.logger).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidationFailed, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "no samples")
	assert.Zero(t, res.Samples)
	assert.Zero(t, f.tool.calls())
}

func TestRun_EmptySheetPassesByDefault(t *testing.T) {
	f := newFixture(t, "Run2")
	f.config.SkipPublish = true

	res, err := New(f.config, f.client, f.tool, f.logger).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 1, f.tool.calls())
}

func TestRun_MissingSampleSheet(t *testing.T) {
	f := newFixture(t, "Run4", "Run4_1")
	f.config.SheetName = "absent.csv"

	res, err := New(f.config, f.client, f.tool, f.logger).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeRetryExhausted, errors.CodeOf(err))
	assert.Equal(t, []State{StateStagingInputs, StateFailed}, transitions(res))
	assert.Zero(t, f.tool.calls())

	var de *errors.DemuxError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 5, de.Details["attempts"])
	assert.Equal(t, 5, strings.Count(f.logs.String(), "[INFO] cp --quiet "))
}

func TestRun_Canceled(t *testing.T) {
	f := newFixture(t, "Run9", "Run9_1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := New(f.config, f.client, f.tool, f.logger).Run(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeOperationCanceled, errors.CodeOf(err))
	assert.Equal(t, []State{StateFailed}, transitions(res))
	assert.Zero(t, f.tool.calls())
}

func TestRun_OnlyOnce(t *testing.T) {
	f := newFixture(t, "Run2")
	f.config.SkipPublish = true
	o := New(f.config, f.client, f.tool, f.logger)

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	res, err := o.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAlreadyStarted, errors.CodeOf(err))
	assert.Equal(t, StateFailed, res.State)
}

func TestUploadLog(t *testing.T) {
	f := newFixture(t, "Run5", "Run5_1")
	logPath := filepath.Join(t.TempDir(), "Run5.log")
	writeFile(t, logPath, "run log\n")

	o := New(f.config, f.client, f.tool, f.logger)
	require.NoError(t, o.UploadLog(context.Background(), logPath), "unset log uri is a no-op")

	f.config.LogURI = storage.MustParseURI(filepath.Join(f.remote, "logs"))
	o = New(f.config, f.client, f.tool, f.logger)
	require.NoError(t, o.UploadLog(context.Background(), logPath))

	data, err := os.ReadFile(filepath.Join(f.remote, "logs", "Run5.log"))
	require.NoError(t, err)
	assert.Equal(t, "run log\n", string(data))
}

func TestNewLayout(t *testing.T) {
	l := NewLayout("/tmp", "", "Run5", "Run5.csv")
	assert.Equal(t, filepath.Join("/tmp", "data", "Run5"), l.RunDir)
	assert.Equal(t, filepath.Join("/tmp", "data", "Run5", "Run5.csv"), l.SampleSheet)
	assert.Equal(t, filepath.Join("/tmp", "data", "Run5", "bcl"), l.RawDir)
	assert.Equal(t, filepath.Join("/tmp", "data", "Run5", "fastqs"), l.OutputDir)

	l = NewLayout("/tmp", "job-1234", "Run5", "Run5.csv")
	assert.Equal(t, filepath.Join("/tmp", "job-1234"), l.Root)
	assert.Equal(t, filepath.Join("/tmp", "job-1234", "data", "Run5", "bcl"), l.RawDir)
}

func TestConfigFrom(t *testing.T) {
	t.Setenv("AWS_BATCH_JOB_ID", "job-42")

	cfg := config.NewDefault()
	cfg.Run.ExpID = "Run5"
	cfg.Storage.SampleSheetURI = "s3://sheets/sample-sheets"
	cfg.Storage.InputURI = "s3://raw/bcl"
	cfg.Storage.OutputURI = "gs://results/fastqs"
	cfg.Storage.ReportURI = "s3://results/reports"
	cfg.Options.ForceGlacier = true

	pc, err := ConfigFrom(cfg)
	require.NoError(t, err)
	assert.Equal(t, "job-42", pc.ExecutionID)
	assert.Equal(t, "Run5.csv", pc.SheetName)
	assert.Equal(t, 21, pc.SheetPreamble)
	assert.Equal(t, "gs", pc.OutputURI.Scheme)
	assert.False(t, isSet(pc.LogURI))
	assert.True(t, pc.ForceGlacier)
	assert.True(t, pc.Grouping.GroupBySample)
	assert.Equal(t, filepath.Join("/tmp", "job-42", "data", "Run5"), pc.Layout().RunDir)

	cfg.Storage.LogURI = "ftp://logs"
	_, err = ConfigFrom(cfg)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "validating_sheet", StateValidatingSheet.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateDemultiplexing.Terminal())
}
