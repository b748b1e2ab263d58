package ndjson

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/custodia-labs/chartpull-cli/internal/fhir"
	"github.com/custodia-labs/chartpull-cli/internal/logger"
)

// ErrStopScan halts a scan early without reporting an error to the
// caller of Scan.
var ErrStopScan = errors.New("ndjson: stop scan")

// Line is one parsed NDJSON line with its provenance.
type Line struct {
	Path     string
	Number   int // 1-based
	Resource fhir.Resource
}

// ScanFunc receives each parsed line. Returning ErrStopScan ends the
// scan cleanly; any other error aborts it.
type ScanFunc func(Line) error

// ScanFile streams the resources of one NDJSON file, transparently
// decompressing names ending in .gz. Blank lines are skipped; lines
// that fail to parse are logged and skipped, and the scan carries on.
func ScanFile(path string, fn ScanFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip %s: %w", path, err)
		}
		defer gz.Close()
		reader = gz
	}
	return scan(reader, path, fn)
}

// ScanFiles streams several files in order through one callback.
func ScanFiles(paths []string, fn ScanFunc) error {
	for _, path := range paths {
		if err := ScanFile(path, fn); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

// ScanReader streams resources from an already-open reader, attributing
// lines to the given name. Used for bulk download bodies.
func ScanReader(r io.Reader, name string, fn ScanFunc) error {
	return scan(r, name, fn)
}

func scan(r io.Reader, path string, fn ScanFunc) error {
	// Inlined attachments make lines arbitrarily large, so read with
	// ReadBytes rather than a token-capped Scanner.
	buf := bufio.NewReaderSize(r, 1<<20)
	number := 0
	for {
		raw, err := buf.ReadBytes('\n')
		if len(raw) > 0 {
			number++
			line := bytes.TrimSpace(raw)
			if len(line) > 0 {
				var resource fhir.Resource
				if jsonErr := json.Unmarshal(line, &resource); jsonErr != nil {
					logger.Warn("Skipping malformed line %d of %s: %v", number, path, jsonErr)
				} else if fnErr := fn(Line{Path: path, Number: number, Resource: resource}); fnErr != nil {
					return fnErr
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
	}
}

var pageName = regexp.MustCompile(`^([A-Za-z]+)\.(\d{3})\.ndjson(\.gz)?$`)

// ParsePageName splits a page file name of the form
// Type.NNN.ndjson[.gz] into its resource type and page index.
func ParsePageName(name string) (resourceType string, index int, ok bool) {
	m := pageName.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	index, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], index, true
}

// Pages lists the page files for one resource type in a directory,
// sorted by page index. A missing directory yields no pages.
func Pages(dir, resourceType string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	type page struct {
		index int
		path  string
	}
	var pages []page
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		typ, index, ok := ParsePageName(entry.Name())
		if ok && typ == resourceType {
			pages = append(pages, page{index: index, path: filepath.Join(dir, entry.Name())})
		}
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].index < pages[j].index })
	paths := make([]string, len(pages))
	for i, p := range pages {
		paths[i] = p.path
	}
	return paths, nil
}
