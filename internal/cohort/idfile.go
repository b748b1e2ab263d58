package cohort

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// idColumns are the header names accepted in a CSV identifier file,
// compared case-insensitively.
var idColumns = []string{"id", "mrn"}

// ParseIDList splits a comma-separated identifier list, trimming
// whitespace and dropping empty entries.
func ParseIDList(list string) []string {
	var out []string
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ReadIDFile loads identifier values from a file. A name ending in
// .csv is parsed as CSV and must carry an ID or MRN column; anything
// else is read as one identifier per line. Blank entries are dropped.
func ReadIDFile(path string) ([]string, error) {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return readCSVIDs(path)
	}
	return readLineIDs(path)
}

func readLineIDs(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read id file: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

func readCSVIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read id file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read id file %s: %w", path, err)
	}
	col := idColumn(header)
	if col < 0 {
		return nil, fmt.Errorf("id file %s has no ID or MRN column", path)
	}

	var out []string
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read id file %s: %w", path, err)
		}
		if col < len(record) {
			if v := strings.TrimSpace(record[col]); v != "" {
				out = append(out, v)
			}
		}
	}
	return out, nil
}

func idColumn(header []string) int {
	for i, name := range header {
		for _, want := range idColumns {
			if strings.EqualFold(strings.TrimSpace(name), want) {
				return i
			}
		}
	}
	return -1
}
