package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/custodia-labs/chartpull-cli/internal/fhir"
)

// MetadataFile is the per-sub-export state file name.
const MetadataFile = "metadata.json"

// Mode selects the acquisition strategy recorded for a sub-export.
type Mode string

const (
	ModeBulk  Mode = "bulk"
	ModeCrawl Mode = "crawl"
)

// SinceMode selects which resource date a since filter applies to.
type SinceMode string

const (
	// SinceUpdated filters on the server's meta.lastUpdated field.
	SinceUpdated SinceMode = "updated"
	// SinceCreated filters on per-type creation or effective dates.
	SinceCreated SinceMode = "created"
)

// Params captures the invocation parameters a sub-export was started
// with. A later run may only resume an in-progress sub-export when its
// own parameters are structurally equal to the recorded ones.
type Params struct {
	FHIRURL     string    `json:"fhir_url"`
	Group       string    `json:"group,omitempty"`
	Types       []string  `json:"types"`
	TypeFilters []string  `json:"type_filters,omitempty"`
	Since       string    `json:"since,omitempty"`
	SinceMode   SinceMode `json:"since_mode"`
	Mode        Mode      `json:"mode"`
	Nickname    string    `json:"nickname,omitempty"`
	Compression bool      `json:"compression"`
}

// Normalised returns a copy with the type list sorted and deduplicated,
// type filters sorted, and the since date canonicalised to UTC Z form.
// Parameters are normalised before they are persisted or compared.
func (p Params) Normalised() Params {
	out := p

	out.Types = slices.Clone(p.Types)
	slices.Sort(out.Types)
	out.Types = slices.Compact(out.Types)

	out.TypeFilters = slices.Clone(p.TypeFilters)
	slices.Sort(out.TypeFilters)

	if p.Since != "" {
		if t, err := fhir.ParseDateTime(p.Since); err == nil {
			out.Since = fhir.FormatInstant(t)
		}
	}
	return out
}

// Equal reports whether two parameter sets describe the same export.
// The nickname is a cosmetic label and does not participate.
func (p Params) Equal(other Params) bool {
	a, b := p.Normalised(), other.Normalised()
	return a.FHIRURL == b.FHIRURL &&
		a.Group == b.Group &&
		slices.Equal(a.Types, b.Types) &&
		slices.Equal(a.TypeFilters, b.TypeFilters) &&
		a.Since == b.Since &&
		a.SinceMode == b.SinceMode &&
		a.Mode == b.Mode &&
		a.Compression == b.Compression
}

// CohortInfo snapshots the patient cohort a sub-export was scoped to.
type CohortInfo struct {
	Source string `json:"source"`
	Hash   string `json:"hash"`
	Count  int    `json:"count"`
}

// TaskState records the progress of one hydration task.
type TaskState struct {
	Complete bool   `json:"complete"`
	Count    int    `json:"count"`
	Started  string `json:"started,omitempty"`
	Finished string `json:"finished,omitempty"`
}

// Metadata is the persistent state of a sub-export. It is written
// atomically so a reader never observes a partial file; the absence of
// complete=true marks the sub-export as in-progress.
type Metadata struct {
	Params           Params               `json:"params"`
	TransactionTimes map[string]string    `json:"transactionTimes,omitempty"`
	Cohort           *CohortInfo          `json:"cohort,omitempty"`
	NewPatients      []string             `json:"newPatients,omitempty"`
	BulkState        json.RawMessage      `json:"bulk_state,omitempty"`
	Hydration        map[string]TaskState `json:"hydration,omitempty"`
	Complete         bool                 `json:"complete"`
	Failures         int                  `json:"failures,omitempty"`
	Started          string               `json:"started"`
	Finished         string               `json:"finished,omitempty"`
}

// SetTransactionTime records one instant for a resource type.
func (m *Metadata) SetTransactionTime(resourceType, instant string) {
	if m.TransactionTimes == nil {
		m.TransactionTimes = make(map[string]string)
	}
	m.TransactionTimes[resourceType] = instant
}

// SetTransactionTimes records the same instant for every listed type.
// Bulk exports assert a single transaction time for the whole run.
func (m *Metadata) SetTransactionTimes(types []string, instant string) {
	for _, t := range types {
		m.SetTransactionTime(t, instant)
	}
}

// TransactionTime returns the single transaction time of a bulk
// sub-export, or the empty string when none is recorded.
func (m *Metadata) TransactionTime() string {
	for _, v := range m.TransactionTimes {
		return v
	}
	return ""
}

// HydrationState returns the recorded state of a hydration task.
func (m *Metadata) HydrationState(task string) TaskState {
	return m.Hydration[task]
}

// SetHydrationState records the state of a hydration task.
func (m *Metadata) SetHydrationState(task string, state TaskState) {
	if m.Hydration == nil {
		m.Hydration = make(map[string]TaskState)
	}
	m.Hydration[task] = state
}

// LoadMetadata reads and parses a metadata.json file.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &meta, nil
}

// SaveMetadata writes a metadata.json file atomically: the content is
// written to a temporary file, fsynced, and renamed over the final
// path. A crash mid-write leaves the previous version intact.
func SaveMetadata(path string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Ext returns the NDJSON file extension matching the recorded
// compression setting.
func (p Params) Ext() string {
	if p.Compression {
		return ".ndjson.gz"
	}
	return ".ndjson"
}
