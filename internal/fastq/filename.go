// Package fastq parses the file names produced by the demultiplexing tool.
package fastq

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// UndeterminedPrefix starts the names of reads that matched no sample.
const UndeterminedPrefix = "Undetermined"

// ErrNotFastq is returned for names outside the produced-file convention.
var ErrNotFastq = errors.New("not a demultiplexed fastq file name")

// filenamePattern is <sample>_S<n>[_L<lane>]_R<1|2>_001.fastq.gz.
var filenamePattern = regexp.MustCompile(`^(.+)_S(\d+)(?:_L(\d{3}))?_R([12])_001\.fastq\.gz$`)

// Filename is a parsed produced-file name.
type Filename struct {
	Sample       string
	SampleNumber int
	// Lane is zero when lanes were merged.
	Lane   int
	Read   int
	Suffix string
}

// ParseFilename parses a base name.
func ParseFilename(name string) (Filename, error) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return Filename{}, ErrNotFastq
	}

	f := Filename{Sample: m[1], Suffix: "_001.fastq.gz"}
	f.SampleNumber, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		f.Lane, _ = strconv.Atoi(m[3])
	}
	f.Read, _ = strconv.Atoi(m[4])
	return f, nil
}

// IsUndetermined reports whether name holds unassigned reads.
func IsUndetermined(name string) bool {
	return strings.HasPrefix(name, UndeterminedPrefix)
}

// IsFastq reports whether name carries the compressed fastq extension.
func IsFastq(name string) bool {
	return strings.HasSuffix(name, "fastq.gz")
}
