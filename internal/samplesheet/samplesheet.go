// Package samplesheet reads instrument sample sheets and checks their
// Sample_ID column against the run identifier convention.
//
// A sheet is a preamble of free-form lines followed by a delimited table.
// The table header is located by counting non-blank preamble lines, or by
// the [Data] section marker when the preamble length is AutoPreamble.
package samplesheet

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/csimplestring/go-csv/detector"
	"github.com/gocarina/gocsv"

	"github.com/objectfs/demuxer/internal/runid"
)

const (
	// DefaultPreambleLines is the preamble length of current instrument sheets.
	DefaultPreambleLines = 21

	// AutoPreamble locates the header after the [Data] section marker.
	AutoPreamble = -1

	// SampleIDColumn is the column checked for run identifiers.
	SampleIDColumn = "Sample_ID"

	dataSectionMarker = "[Data]"
)

// Sample is one row of the data section.
type Sample struct {
	SampleID      string `csv:"Sample_ID"`
	SampleName    string `csv:"Sample_Name"`
	SampleProject string `csv:"Sample_Project"`
	Lane          string `csv:"Lane"`
	Index         string `csv:"index"`
	Index2        string `csv:"index2"`
}

// Sheet is a parsed sample sheet.
type Sheet struct {
	Path      string
	Delimiter rune
	Header    []string
	Samples   []*Sample
}

// Validate returns the Sample_ID values of the sheet at path that are not
// run identifiers, in sheet order. An empty sheet yields no invalid ids.
func Validate(path string, preambleLines int) ([]string, error) {
	sheet, err := Parse(path, preambleLines)
	if err != nil {
		return nil, err
	}
	return sheet.InvalidSampleIDs(), nil
}

// Parse reads the sheet at path.
func Parse(path string, preambleLines int) (*Sheet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sample sheet: %w", err)
	}
	defer f.Close()

	sheet, err := Read(f, preambleLines)
	if err != nil {
		return nil, fmt.Errorf("sample sheet %s: %w", path, err)
	}
	sheet.Path = path
	return sheet, nil
}

// Read parses a sheet from r.
func Read(r io.Reader, preambleLines int) (*Sheet, error) {
	if preambleLines < AutoPreamble {
		return nil, fmt.Errorf("invalid preamble length %d", preambleLines)
	}

	data, err := dataSection(r, preambleLines)
	if err != nil {
		return nil, err
	}

	sheet := &Sheet{Delimiter: determineDelimiter(data)}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = sheet.Delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse data section: %w", err)
	}

	records = dropBlankRecords(records)
	if len(records) == 0 {
		return nil, fmt.Errorf("no header row after the preamble")
	}

	sheet.Header = records[0]
	for i := range sheet.Header {
		sheet.Header[i] = strings.TrimSpace(sheet.Header[i])
	}
	if indexOf(sheet.Header, SampleIDColumn) < 0 {
		return nil, fmt.Errorf("header %v has no %s column", sheet.Header, SampleIDColumn)
	}

	rows := make([][]string, 0, len(records))
	rows = append(rows, sheet.Header)
	for _, rec := range records[1:] {
		rows = append(rows, fitRow(rec, len(sheet.Header)))
	}

	if err := gocsv.UnmarshalCSV(&recordReader{records: rows}, &sheet.Samples); err != nil {
		return nil, fmt.Errorf("failed to decode samples: %w", err)
	}
	return sheet, nil
}

// SampleIDs returns every Sample_ID in sheet order.
func (s *Sheet) SampleIDs() []string {
	ids := make([]string, 0, len(s.Samples))
	for _, sample := range s.Samples {
		ids = append(ids, sample.SampleID)
	}
	return ids
}

// InvalidSampleIDs returns the ids that are not run identifiers, in sheet order.
func (s *Sheet) InvalidSampleIDs() []string {
	var invalid []string
	for _, sample := range s.Samples {
		if !runid.Valid(sample.SampleID) {
			invalid = append(invalid, sample.SampleID)
		}
	}
	return invalid
}

// dataSection skips the preamble and returns the header line onward.
// Blank lines do not count toward the preamble.
func dataSection(r io.Reader, preambleLines int) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var (
		out     bytes.Buffer
		skipped int
		inData  = preambleLines == 0
		first   = true
	)
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			line = strings.TrimPrefix(line, "\ufeff")
			first = false
		}

		if !inData {
			if strings.TrimSpace(line) == "" {
				continue
			}
			if preambleLines == AutoPreamble {
				if isDataMarker(line) {
					inData = true
				}
				continue
			}
			skipped++
			if skipped == preambleLines {
				inData = true
			}
			continue
		}

		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sample sheet: %w", err)
	}
	if !inData {
		if preambleLines == AutoPreamble {
			return nil, fmt.Errorf("no %s section found", dataSectionMarker)
		}
		return nil, fmt.Errorf("expected %d preamble lines, found %d", preambleLines, skipped)
	}
	return out.Bytes(), nil
}

func isDataMarker(line string) bool {
	first := line
	if i := strings.IndexAny(line, ",;\t"); i >= 0 {
		first = line[:i]
	}
	return strings.EqualFold(strings.TrimSpace(first), dataSectionMarker)
}

// determineDelimiter returns the most likely delimiter of the data section,
// falling back to a comma.
func determineDelimiter(data []byte) rune {
	d := detector.New()
	delimiters := d.DetectDelimiter(bytes.NewReader(data), '"')
	for _, candidate := range delimiters {
		switch candidate {
		case ",", "\t", ";":
			return rune(candidate[0])
		}
	}
	return ','
}

func dropBlankRecords(records [][]string) [][]string {
	out := records[:0]
	for _, rec := range records {
		blank := true
		for _, field := range rec {
			if strings.TrimSpace(field) != "" {
				blank = false
				break
			}
		}
		if !blank {
			out = append(out, rec)
		}
	}
	return out
}

func fitRow(rec []string, width int) []string {
	if len(rec) == width {
		return rec
	}
	row := make([]string, width)
	copy(row, rec)
	return row
}

func indexOf(fields []string, name string) int {
	for i, f := range fields {
		if f == name {
			return i
		}
	}
	return -1
}

// recordReader feeds already-split records to gocsv.
type recordReader struct {
	records [][]string
	pos     int
}

func (r *recordReader) Read() ([]string, error) {
	if r.pos >= len(r.records) {
		return nil, io.EOF
	}
	rec := r.records[r.pos]
	r.pos++
	return rec, nil
}

func (r *recordReader) ReadAll() ([][]string, error) {
	rest := r.records[r.pos:]
	r.pos = len(r.records)
	return rest, nil
}
