package samplesheet

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instrumentPreamble mimics the 21 non-blank lines that precede the data
// header in an instrument sample sheet.
func instrumentPreamble() string {
	lines := []string{
		"[Header],,,,,",
		"IEMFileVersion,4,,,,",
		"Investigator Name,lab,,,,",
		"Experiment Name,exp-42,,,,",
		"Date,2024-02-01,,,,",
		"Workflow,GenerateFASTQ,,,,",
		"Application,FASTQ Only,,,,",
		"Assay,TruSeq HT,,,,",
		"Description,,,,,",
		"Chemistry,Amplicon,,,,",
		"",
		"[Reads],,,,,",
		"151,,,,,",
		"151,,,,,",
		"",
		"[Settings],,,,,",
		"ReverseComplement,0,,,,",
		"Adapter,AGATCGGAAGAGCACACGTCTGAACTCCAGTCA,,,,",
		"AdapterRead2,AGATCGGAAGAGCGTCGTGTAGGGAAAGAGTGT,,,,",
		"MaskShortReads,22,,,,",
		"OverrideCycles,Y151;I8;I8;Y151,,,,",
		"FindAdaptersWithIndels,1,,,,",
		"[Data],,,,,",
	}
	return strings.Join(lines, "\n") + "\n"
}

func writeSheet(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sheet.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestValidate_ReturnsInvalidInOrder(t *testing.T) {
	body := instrumentPreamble() +
		"Sample_ID,Sample_Name,index,index2,Sample_Project,Description\n" +
		"Run1_1,a,ACGT,TTGA,p,\n" +
		"Run1_2,b,ACGA,TTGC,p,\n" +
		"BadName,c,ACGC,TTGG,p,\n" +
		"run1_4,d,ACGG,TTGT,p,\n"
	path := writeSheet(t, body)

	invalid, err := Validate(path, DefaultPreambleLines)
	require.NoError(t, err)
	assert.Equal(t, []string{"BadName", "run1_4"}, invalid)
}

func TestValidate_AllValid(t *testing.T) {
	body := instrumentPreamble() +
		"Sample_ID,Sample_Name,index\n" +
		"Run5_1,x,ACGT\n" +
		"\n" +
		",,\n" +
		"Run5_2,y,TTTT\n"
	path := writeSheet(t, body)

	invalid, err := Validate(path, DefaultPreambleLines)
	require.NoError(t, err)
	assert.Empty(t, invalid)

	sheet, err := Parse(path, DefaultPreambleLines)
	require.NoError(t, err)
	assert.Equal(t, []string{"Run5_1", "Run5_2"}, sheet.SampleIDs())
	assert.Equal(t, "x", sheet.Samples[0].SampleName)
	assert.Equal(t, "TTTT", sheet.Samples[1].Index)
	assert.Equal(t, path, sheet.Path)
}

func TestValidate_EmptySheetPasses(t *testing.T) {
	path := writeSheet(t, instrumentPreamble()+"Sample_ID,Sample_Name\n")

	invalid, err := Validate(path, DefaultPreambleLines)
	require.NoError(t, err)
	assert.Empty(t, invalid)
}

func TestValidate_BlankLinesDoNotCountTowardPreamble(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 3; i++ {
		sb.WriteString(fmt.Sprintf("line%d\n\n", i))
	}
	sb.WriteString("Sample_ID\nRun2_1\nOops\n")
	path := writeSheet(t, sb.String())

	invalid, err := Validate(path, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"Oops"}, invalid)
}

func TestValidate_EmptySampleIDIsInvalid(t *testing.T) {
	path := writeSheet(t, "Sample_ID,Sample_Name\n,orphan\nRun1_1,ok\n")

	invalid, err := Validate(path, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{""}, invalid)
}

func TestRead_DetectsDelimiter(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		delim rune
	}{
		{"comma", "Sample_ID,Lane\nRun1_1,1\nRun1_2,2\n", ','},
		{"tab", "Sample_ID\tLane\nRun1_1\t1\nRun1_2\t2\n", '\t'},
		{"semicolon", "Sample_ID;Lane\nRun1_1;1\nRun1_2;2\n", ';'},
		{"single column", "Sample_ID\nRun1_1\nRun1_2\n", ','},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sheet, err := Read(strings.NewReader(tt.body), 0)
			require.NoError(t, err)
			assert.Equal(t, tt.delim, sheet.Delimiter)
			assert.Equal(t, []string{"Run1_1", "Run1_2"}, sheet.SampleIDs())
		})
	}
}

func TestRead_AutoPreamble(t *testing.T) {
	body := instrumentPreamble() + "Sample_ID,Sample_Name\nRun3_1,a\nnope,b\n"

	sheet, err := Read(strings.NewReader(body), AutoPreamble)
	require.NoError(t, err)
	assert.Equal(t, []string{"nope"}, sheet.InvalidSampleIDs())

	_, err = Read(strings.NewReader("Sample_ID\nRun1_1\n"), AutoPreamble)
	assert.ErrorContains(t, err, "[Data]")
}

func TestRead_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		preamble int
		want     string
	}{
		{"missing column", "Name,Lane\nRun1_1,1\n", 0, "no Sample_ID column"},
		{"short file", "a\nb\n", 21, "expected 21 preamble lines, found 2"},
		{"no header", "a\nb\n\n", 2, "no header row"},
		{"bad preamble", "Sample_ID\n", -5, "invalid preamble length"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tt.body), tt.preamble)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestRead_RaggedRowsAndBOM(t *testing.T) {
	body := "\ufeffSample_ID,Sample_Name,index\nRun1_1\nRun1_2,b,AC,extra\n"

	sheet, err := Read(strings.NewReader(body), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Run1_1", "Run1_2"}, sheet.SampleIDs())
	assert.Equal(t, "AC", sheet.Samples[1].Index)
}

func TestParse_MissingFile(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "absent.csv"), 0)
	assert.ErrorContains(t, err, "failed to open sample sheet")
}
