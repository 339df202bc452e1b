package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/procfs"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Sample is one resource reading. Fields whose source was unavailable are
// left zero and the matching Has flag is false.
type Sample struct {
	Timestamp time.Time

	CgroupMemory    uint64
	HasCgroupMemory bool

	PID        int
	ProcessRSS uint64
	HasProcess bool

	DiskPath  string
	DiskTotal uint64
	DiskFree  uint64
	HasDisk   bool

	GoHeapAlloc  uint64
	NumGoroutine int
}

// DiskUsed is the space consumed on the sampled filesystem.
func (s Sample) DiskUsed() uint64 {
	if s.DiskFree > s.DiskTotal {
		return 0
	}
	return s.DiskTotal - s.DiskFree
}

// String is the human-readable log line.
func (s Sample) String() string {
	var parts []string
	if s.HasCgroupMemory {
		parts = append(parts, "memory usage: "+humanize.Bytes(s.CgroupMemory))
	}
	if s.HasProcess {
		parts = append(parts, fmt.Sprintf("tool rss (pid %d): %s", s.PID, humanize.Bytes(s.ProcessRSS)))
	}
	if s.HasDisk {
		parts = append(parts, fmt.Sprintf("disk usage %s: %s used of %s, %s free",
			s.DiskPath, humanize.Bytes(s.DiskUsed()), humanize.Bytes(s.DiskTotal), humanize.Bytes(s.DiskFree)))
	}
	if len(parts) == 0 {
		parts = append(parts, "heap: "+humanize.Bytes(s.GoHeapAlloc))
	}
	return strings.Join(parts, "; ")
}

// Sampler takes one reading. pid is zero when no process is attached. A
// partial sample may be returned together with an error.
type Sampler interface {
	Sample(pid int) (Sample, error)
}

// SystemSampler reads cgroup accounting, procfs and statfs.
type SystemSampler struct {
	CgroupRoot string
	DiskPath   string
	ProcRoot   string
}

// NewSystemSampler returns a sampler rooted at the usual Linux mounts.
func NewSystemSampler(diskPath string) *SystemSampler {
	return &SystemSampler{
		CgroupRoot: "/sys/fs/cgroup",
		DiskPath:   diskPath,
		ProcRoot:   procfs.DefaultMountPoint,
	}
}

// Sample implements Sampler.
func (s *SystemSampler) Sample(pid int) (Sample, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	sample := Sample{
		Timestamp:    time.Now(),
		PID:          pid,
		DiskPath:     s.DiskPath,
		GoHeapAlloc:  ms.HeapAlloc,
		NumGoroutine: runtime.NumGoroutine(),
	}

	var errs error
	if mem, err := readCgroupMemory(s.CgroupRoot); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		sample.CgroupMemory, sample.HasCgroupMemory = mem, true
	}

	if pid > 0 {
		if rss, err := s.processRSS(pid); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			sample.ProcessRSS, sample.HasProcess = rss, true
		}
	}

	if s.DiskPath != "" {
		if total, free, err := diskSpace(s.DiskPath); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			sample.DiskTotal, sample.DiskFree, sample.HasDisk = total, free, true
		}
	}

	return sample, errs
}

func (s *SystemSampler) processRSS(pid int) (uint64, error) {
	fs, err := procfs.NewFS(s.ProcRoot)
	if err != nil {
		return 0, fmt.Errorf("failed to open procfs: %w", err)
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return 0, fmt.Errorf("failed to open process %d: %w", pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to read stat of process %d: %w", pid, err)
	}
	return uint64(stat.ResidentMemory()), nil
}

// readCgroupMemory prefers the unified hierarchy and falls back to v1.
func readCgroupMemory(root string) (uint64, error) {
	candidates := []string{
		filepath.Join(root, "memory.current"),
		filepath.Join(root, "memory", "memory.usage_in_bytes"),
	}
	var errs error
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse %s: %w", p, err)
		}
		return v, nil
	}
	return 0, fmt.Errorf("no cgroup memory accounting under %s: %w", root, errs)
}

func diskSpace(path string) (total, free uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, fmt.Errorf("failed to statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize, nil
}
