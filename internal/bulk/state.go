package bulk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/custodia-labs/chartpull-cli/internal/fhir"
	"github.com/custodia-labs/chartpull-cli/internal/workspace"
)

// State is the resume token persisted under metadata.json's bulk_state
// key. It is written after kickoff and again after every completed
// file, so a restarted run can skip straight to the remaining work.
type State struct {
	StatusURL       string      `json:"status_url,omitempty"`
	TransactionTime string      `json:"transaction_time,omitempty"`
	Output          []FileState `json:"output,omitempty"`
	DeletedDone     bool        `json:"deleted_done,omitempty"`
	Downloaded      bool        `json:"downloaded,omitempty"`
}

// FileState records download progress for one manifest output entry.
// Files are matched across runs by URL; the pages list is what lets a
// resume verify earlier downloads are still intact on disk.
type FileState struct {
	URL   string     `json:"url"`
	Type  string     `json:"type"`
	Done  bool       `json:"done,omitempty"`
	Lines int64      `json:"lines,omitempty"`
	Bytes int64      `json:"bytes,omitempty"` // uncompressed NDJSON bytes
	Pages []PageInfo `json:"pages,omitempty"`
}

// PageInfo names one finalised page this file was written to, with its
// on-disk size at completion time.
type PageInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// LoadState decodes the bulk state recorded in a sub-export's
// metadata, returning an empty state when none is recorded yet.
func LoadState(meta *workspace.Metadata) (*State, error) {
	state := &State{}
	if len(meta.BulkState) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(meta.BulkState, state); err != nil {
		return nil, fmt.Errorf("parse bulk state: %w", err)
	}
	return state, nil
}

// saveState re-encodes the state into the sub-export's metadata and
// persists it.
func saveState(sub *workspace.SubExport, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode bulk state: %w", err)
	}
	sub.Metadata().BulkState = data
	return sub.Save()
}

// fileFor returns the state entry for a manifest URL, appending a new
// one on first sight.
func (s *State) fileFor(file fhir.ExportFile) *FileState {
	for i := range s.Output {
		if s.Output[i].URL == file.URL {
			return &s.Output[i]
		}
	}
	s.Output = append(s.Output, FileState{URL: file.URL, Type: file.Type})
	return &s.Output[len(s.Output)-1]
}

// intact reports whether every page recorded for the file still exists
// in dir with its recorded size. A file that fails the check is
// re-downloaded from scratch.
func (f *FileState) intact(dir string) bool {
	if !f.Done {
		return false
	}
	for _, page := range f.Pages {
		info, err := os.Stat(filepath.Join(dir, page.Name))
		if err != nil || info.Size() != page.Size {
			return false
		}
	}
	return true
}
