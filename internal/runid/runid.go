// Package runid parses sequencing run identifiers of the form Run<N>_<M>.
package runid

import (
	"fmt"
	"regexp"
	"strconv"
)

// Pattern matches a complete run identifier.
var Pattern = regexp.MustCompile(`^Run(\d+)_(\d+)$`)

// ID is a parsed run identifier. Raw keeps the original spelling, which
// matters when digits carry leading zeros.
type ID struct {
	Raw    string
	Run    int
	Sample int
}

// Valid reports whether s is a run identifier.
func Valid(s string) bool {
	return Pattern.MatchString(s)
}

// Parse splits s into its run and sample numbers.
func Parse(s string) (ID, error) {
	m := Pattern.FindStringSubmatch(s)
	if m == nil {
		return ID{}, fmt.Errorf("%q is not a run identifier (want Run<N>_<M>)", s)
	}
	run, err := strconv.Atoi(m[1])
	if err != nil {
		return ID{}, fmt.Errorf("run number in %q: %w", s, err)
	}
	sample, err := strconv.Atoi(m[2])
	if err != nil {
		return ID{}, fmt.Errorf("sample number in %q: %w", s, err)
	}
	return ID{Raw: s, Run: run, Sample: sample}, nil
}

// RunName is the part before the first underscore, e.g. "Run12" for "Run12_3".
func (id ID) RunName() string {
	for i := 0; i < len(id.Raw); i++ {
		if id.Raw[i] == '_' {
			return id.Raw[:i]
		}
	}
	return id.Raw
}

func (id ID) String() string {
	return id.Raw
}
