package fastq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilename(t *testing.T) {
	tests := []struct {
		name string
		want Filename
	}{
		{"Run12_3_S4_R1_001.fastq.gz", Filename{Sample: "Run12_3", SampleNumber: 4, Read: 1, Suffix: "_001.fastq.gz"}},
		{"Run5_1_S1_R2_001.fastq.gz", Filename{Sample: "Run5_1", SampleNumber: 1, Read: 2, Suffix: "_001.fastq.gz"}},
		{"Run5_1_S1_L002_R1_001.fastq.gz", Filename{Sample: "Run5_1", SampleNumber: 1, Lane: 2, Read: 1, Suffix: "_001.fastq.gz"}},
		{"Undetermined_S0_R1_001.fastq.gz", Filename{Sample: "Undetermined", SampleNumber: 0, Read: 1, Suffix: "_001.fastq.gz"}},
		{"BadName_S9_R1_001.fastq.gz", Filename{Sample: "BadName", SampleNumber: 9, Read: 1, Suffix: "_001.fastq.gz"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFilename(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFilenameRejects(t *testing.T) {
	for _, name := range []string{
		"notes.txt",
		"Run1_1_S1_R3_001.fastq.gz",
		"Run1_1_S1_R1_002.fastq.gz",
		"Run1_1_R1_001.fastq.gz",
		"Run1_1_S1_R1_001.fastq",
		"_S1_R1_001.fastq.gz",
	} {
		_, err := ParseFilename(name)
		assert.ErrorIs(t, err, ErrNotFastq, name)
	}
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsUndetermined("Undetermined_S0_R1_001.fastq.gz"))
	assert.False(t, IsUndetermined("Run1_1_S1_R1_001.fastq.gz"))
	assert.True(t, IsFastq("x.fastq.gz"))
	assert.False(t, IsFastq("x.fastq"))
}
