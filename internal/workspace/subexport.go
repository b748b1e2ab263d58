package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"

	"github.com/custodia-labs/chartpull-cli/internal/ndjson"
)

const (
	// LogFile is the per-sub-export structured event log.
	LogFile = "log.ndjson"
	// DeletedDir holds identifiers removed since the prior export.
	DeletedDir = "deleted"
)

var subExportName = regexp.MustCompile(`^(\d{3})\.(.+)$`)

// SubExport is one numbered export directory inside a Workspace. The
// sequence number is dense and 1-based; the label is the UTC date the
// run started or a user-supplied nickname.
type SubExport struct {
	root  string
	seq   int
	label string
	meta  *Metadata
}

// Seq returns the 1-based sequence number.
func (s *SubExport) Seq() int { return s.seq }

// Label returns the directory label after the sequence number.
func (s *SubExport) Label() string { return s.label }

// Name returns the directory name, e.g. "001.2026-08-25".
func (s *SubExport) Name() string {
	return fmt.Sprintf("%03d.%s", s.seq, s.label)
}

// Dir returns the absolute directory path.
func (s *SubExport) Dir() string {
	return filepath.Join(s.root, s.Name())
}

// LogPath returns the path of the sub-export's event log.
func (s *SubExport) LogPath() string {
	return filepath.Join(s.Dir(), LogFile)
}

// DeletedPath returns the path for a resource type's deletion file.
// Deletion files carry no page index; one file holds every deletion
// bundle for the type.
func (s *SubExport) DeletedPath(resourceType string) string {
	ext := ".ndjson"
	if s.meta != nil {
		ext = s.meta.Params.Ext()
	}
	return filepath.Join(s.Dir(), DeletedDir, resourceType+ext)
}

// EnsureDeletedDir creates the deleted subdirectory if needed and
// returns its path.
func (s *SubExport) EnsureDeletedDir() (string, error) {
	dir := filepath.Join(s.Dir(), DeletedDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// MetadataPath returns the path of the sub-export's metadata.json.
func (s *SubExport) MetadataPath() string {
	return filepath.Join(s.Dir(), MetadataFile)
}

// Metadata returns the loaded metadata, or nil when the directory has
// none. A sub-export without metadata cannot be resumed.
func (s *SubExport) Metadata() *Metadata { return s.meta }

// Complete reports whether the sub-export finished successfully.
func (s *SubExport) Complete() bool {
	return s.meta != nil && s.meta.Complete
}

// Save persists the sub-export's metadata atomically.
func (s *SubExport) Save() error {
	if s.meta == nil {
		return fmt.Errorf("sub-export %s has no metadata", s.Name())
	}
	return SaveMetadata(s.MetadataPath(), s.meta)
}

// Pages lists the finalised NDJSON pages for one resource type, in
// page order.
func (s *SubExport) Pages(resourceType string) ([]string, error) {
	return ndjson.Pages(s.Dir(), resourceType)
}

// AllPages lists every finalised NDJSON page in the sub-export in
// lexical order, grouping pages of a type together in page order.
func (s *SubExport) AllPages() ([]string, error) {
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		return nil, err
	}
	var pages []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, _, ok := ndjson.ParsePageName(entry.Name()); ok {
			pages = append(pages, filepath.Join(s.Dir(), entry.Name()))
		}
	}
	return pages, nil
}

// Writer opens a rolling NDJSON writer on the sub-export directory
// using the compression recorded in its parameters.
func (s *SubExport) Writer(rollSize int64) *ndjson.Writer {
	compress := s.meta != nil && s.meta.Params.Compression
	return ndjson.NewWriter(s.Dir(), compress, rollSize)
}

// WriteDeleted records deletion bundles for a resource type, replacing
// any previous deletion file for that type.
func (s *SubExport) WriteDeleted(resourceType string, bundles []any) error {
	if len(bundles) == 0 {
		return nil
	}
	if _, err := s.EnsureDeletedDir(); err != nil {
		return err
	}
	return ndjson.WriteFile(s.DeletedPath(resourceType), bundles)
}

// parseSubExportName splits a directory name into sequence and label.
func parseSubExportName(name string) (seq int, label string, ok bool) {
	m := subExportName.FindStringSubmatch(name)
	if m == nil {
		return 0, "", false
	}
	seq, err := strconv.Atoi(m[1])
	if err != nil || seq == 0 {
		return 0, "", false
	}
	return seq, m[2], true
}

// ListSubExports scans a directory for numbered sub-exports without
// taking the workspace lock. Results are ordered by sequence number.
// The cohort resolver uses this to read another workspace's patients.
func ListSubExports(root string) ([]*SubExport, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var subs []*SubExport
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		seq, label, ok := parseSubExportName(entry.Name())
		if !ok {
			continue
		}
		sub := &SubExport{root: root, seq: seq, label: label}
		meta, err := LoadMetadata(sub.MetadataPath())
		if err == nil {
			sub.meta = meta
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("sub-export %s: %w", sub.Name(), err)
		}
		subs = append(subs, sub)
	}

	slices.SortFunc(subs, func(a, b *SubExport) int { return a.seq - b.seq })
	return subs, nil
}
