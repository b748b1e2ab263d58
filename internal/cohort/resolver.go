package cohort

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/custodia-labs/chartpull-cli/internal/bulk"
	"github.com/custodia-labs/chartpull-cli/internal/client"
	"github.com/custodia-labs/chartpull-cli/internal/eventlog"
	"github.com/custodia-labs/chartpull-cli/internal/fhir"
	"github.com/custodia-labs/chartpull-cli/internal/logger"
	"github.com/custodia-labs/chartpull-cli/internal/workspace"
)

// patientType is the resource type cohorts are made of.
const patientType = "Patient"

// identifierBatch is how many identifier tokens are ORed into a single
// Patient search. The batch keeps query URLs well under common server
// length limits.
const identifierBatch = 10

// Resolution errors.
var (
	// ErrNoSource indicates none of the cohort inputs was given.
	ErrNoSource = errors.New("cohort: no patient source given")

	// ErrEmptyCohort indicates the chosen source produced no patients.
	ErrEmptyCohort = errors.New("cohort: no patients found")

	// ErrCohortChanged indicates a resumed sub-export whose cohort
	// input no longer matches the recorded snapshot.
	ErrCohortChanged = errors.New("cohort: patient set changed since the export started")
)

// fhirID matches the FHIR id datatype. Bare identifier values are used
// directly in search URLs, so anything outside the pattern is rejected
// up front.
var fhirID = regexp.MustCompile(`^[A-Za-z0-9.-]{1,64}$`)

// Source identifies where a cohort's patient ids came from.
type Source string

const (
	SourceIDList    Source = "id-list"
	SourceIDFile    Source = "id-file"
	SourceDirectory Source = "source-dir"
	SourceGroup     Source = "group"
)

// Options selects and configures the cohort source. When several
// inputs are set the highest-priority one wins: id list, then id file,
// then source directory, then group.
type Options struct {
	IDList    string // comma-separated identifier values
	IDFile    string // newline or CSV file of identifier values
	SourceDir string // workspace holding Patient pages to reuse
	Group     string // server-side Group id
	IDSystem  string // identifier system for id list and file values

	TypeFilters []string // "Type?query" filters passed to Group resolution
	RollSize    int64    // page roll threshold for written patients

	// ClientName and ClientVersion identify the tool in the bulk
	// export log during Group resolution.
	ClientName    string
	ClientVersion string
}

// Cohort is a resolved patient set.
type Cohort struct {
	Source Source
	IDs    []string // sorted Patient ids

	// New holds ids absent from the previous cohort, plus patients
	// that absorbed another record since then. The crawler fetches
	// their history without a since filter.
	New map[string]bool

	// Removed holds ids present in the previous cohort but not this
	// one. The resolver records them under deleted/.
	Removed []string
}

// Count returns the cohort size.
func (c *Cohort) Count() int { return len(c.IDs) }

// IsNew reports whether a patient should be crawled without a since
// filter.
func (c *Cohort) IsNew(id string) bool { return c.New[id] }

// Hash returns the cohort fingerprint.
func (c *Cohort) Hash() string { return HashIDs(c.IDs) }

// HashIDs fingerprints a patient id set: the SHA-256 of the sorted,
// newline-joined ids. The value is order-independent.
func HashIDs(ids []string) string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// Resolver turns cohort inputs into a patient id set and reconciles it
// against the workspace's previous export.
type Resolver struct {
	client *client.Client
	ws     *workspace.Workspace
	sub    *workspace.SubExport
	log    *eventlog.Log
	opts   Options
	now    func() time.Time
}

// New creates a resolver for one sub-export.
func New(c *client.Client, ws *workspace.Workspace, sub *workspace.SubExport, log *eventlog.Log, opts Options) *Resolver {
	return &Resolver{client: c, ws: ws, sub: sub, log: log, opts: opts, now: time.Now}
}

// Resolve produces the cohort. Patients resolved through the server,
// by identifier search or Group membership, are written into the
// sub-export as ordinary Patient pages with a recorded transaction
// time, so the crawler does not fetch them again. The metadata keeps a
// snapshot of the result; resolving a resumed sub-export checks the
// input still matches and performs no further network work.
func (r *Resolver) Resolve(ctx context.Context) (*Cohort, error) {
	source, err := r.source()
	if err != nil {
		return nil, err
	}
	if snap := r.sub.Metadata().Cohort; snap != nil {
		return r.resume(source, snap)
	}

	var ids []string
	var links map[string][]string
	switch source {
	case SourceIDList:
		ids, links, err = r.fromIdentifiers(ctx, ParseIDList(r.opts.IDList))
	case SourceIDFile:
		var values []string
		if values, err = ReadIDFile(r.opts.IDFile); err == nil {
			ids, links, err = r.fromIdentifiers(ctx, values)
		}
	case SourceDirectory:
		ids, links, err = readWorkspacePatients(r.opts.SourceDir)
	case SourceGroup:
		ids, links, err = r.fromGroup(ctx)
	}
	if err != nil {
		return nil, err
	}

	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w via %s", ErrEmptyCohort, source)
	}

	cohort := &Cohort{Source: source, IDs: ids, New: make(map[string]bool)}
	if err := r.reconcile(cohort, links); err != nil {
		return nil, err
	}

	meta := r.sub.Metadata()
	meta.Cohort = &workspace.CohortInfo{
		Source: string(source),
		Hash:   cohort.Hash(),
		Count:  cohort.Count(),
	}
	meta.NewPatients = sortedKeys(cohort.New)
	if err := r.sub.Save(); err != nil {
		return nil, err
	}

	logger.Info("Cohort resolved: %d patients via %s", cohort.Count(), source)
	return cohort, nil
}

// source picks the highest-priority input that was given.
func (r *Resolver) source() (Source, error) {
	switch {
	case r.opts.IDList != "":
		return SourceIDList, nil
	case r.opts.IDFile != "":
		return SourceIDFile, nil
	case r.opts.SourceDir != "":
		return SourceDirectory, nil
	case r.opts.Group != "":
		return SourceGroup, nil
	}
	return "", ErrNoSource
}

// resume rebuilds the cohort of a sub-export that already resolved
// one. Server-resolved patients are read back from the pages written
// at the time; local inputs are derived again. Either way the result
// must still match the recorded snapshot.
func (r *Resolver) resume(source Source, snap *workspace.CohortInfo) (*Cohort, error) {
	if snap.Source != string(source) {
		return nil, fmt.Errorf("%w: recorded source %s, now %s", ErrCohortChanged, snap.Source, source)
	}

	var ids []string
	var err error
	switch {
	case source == SourceGroup:
		ids, _, err = currentPatients(r.sub)
	case (source == SourceIDList || source == SourceIDFile) && r.opts.IDSystem != "":
		ids, _, err = currentPatients(r.sub)
	case source == SourceIDList:
		ids, err = directIDs(ParseIDList(r.opts.IDList))
	case source == SourceIDFile:
		var values []string
		if values, err = ReadIDFile(r.opts.IDFile); err == nil {
			ids, err = directIDs(values)
		}
	default:
		ids, _, err = readWorkspacePatients(r.opts.SourceDir)
	}
	if err != nil {
		return nil, err
	}

	slices.Sort(ids)
	ids = slices.Compact(ids)
	if HashIDs(ids) != snap.Hash {
		return nil, fmt.Errorf("%w: current ids no longer match the recorded snapshot", ErrCohortChanged)
	}

	cohort := &Cohort{Source: source, IDs: ids, New: make(map[string]bool)}
	for _, id := range r.sub.Metadata().NewPatients {
		cohort.New[id] = true
	}
	logger.Info("Reusing cohort of %d patients via %s", cohort.Count(), source)
	return cohort, nil
}

// fromIdentifiers resolves identifier values into Patient ids. With an
// identifier system the values are looked up on the server; without
// one they already are Patient ids.
func (r *Resolver) fromIdentifiers(ctx context.Context, values []string) ([]string, map[string][]string, error) {
	slices.Sort(values)
	values = slices.Compact(values)
	if len(values) == 0 {
		return nil, nil, nil
	}
	if r.opts.IDSystem == "" {
		ids, err := directIDs(values)
		return ids, nil, err
	}
	return r.searchIdentifiers(ctx, values)
}

// directIDs validates bare identifier values as FHIR Patient ids.
func directIDs(values []string) ([]string, error) {
	for _, v := range values {
		if !fhirID.MatchString(v) {
			return nil, fmt.Errorf("cohort: %q is not a valid Patient id; use --id-system for business identifiers", v)
		}
	}
	return values, nil
}

// searchIdentifiers looks identifier values up in batches and captures
// every distinct patient the server returns. Matches are written as
// Patient pages and the type's transaction time recorded, the same as
// a crawl of the type would leave behind.
func (r *Resolver) searchIdentifiers(ctx context.Context, values []string) ([]string, map[string][]string, error) {
	// A crash during an earlier attempt may have left a partial set of
	// pages behind; the resolution replaces them wholesale.
	if err := r.removePatientPages(); err != nil {
		return nil, nil, err
	}

	writer := r.sub.Writer(r.opts.RollSize)
	start := r.now()
	var latest time.Time
	seen := make(map[string]bool)
	links := make(map[string][]string)

	for batch := range slices.Chunk(values, identifierBatch) {
		query := identifierQuery(r.opts.IDSystem, batch)
		err := r.client.Search(ctx, query, func(bundle *fhir.Bundle) error {
			for _, res := range bundle.Resources() {
				if res.Type() != patientType || res.ID() == "" || seen[res.ID()] {
					continue
				}
				seen[res.ID()] = true
				if t, ok := res.LastUpdated(); ok && t.After(latest) {
					latest = t
				}
				if replaced := replacedLinks(res); len(replaced) > 0 {
					links[res.ID()] = replaced
				}
				if err := writer.Write(patientType, res); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			_ = writer.Discard(patientType)
			_ = writer.Close()
			return nil, nil, fmt.Errorf("resolve identifiers: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, nil, err
	}
	if len(seen) == 0 {
		return nil, nil, nil
	}

	stamp := latest
	if stamp.IsZero() {
		stamp = start
	}
	meta := r.sub.Metadata()
	meta.SetTransactionTime(patientType, fhir.FormatInstant(stamp))
	if err := r.sub.Save(); err != nil {
		return nil, nil, err
	}

	ids := sortedKeys(seen)
	logger.Info("Resolved %d identifiers to %d patients", len(values), len(ids))
	return ids, links, nil
}

// identifierQuery builds one Patient search ORing a batch of
// system|value tokens. Tokens are escaped individually so the commas
// between them keep their OR meaning.
func identifierQuery(system string, values []string) string {
	tokens := make([]string, 0, len(values))
	for _, v := range values {
		tokens = append(tokens, url.QueryEscape(system+"|"+v))
	}
	return patientType + "?identifier=" + strings.Join(tokens, ",")
}

// removePatientPages deletes the sub-export's finalised Patient pages.
func (r *Resolver) removePatientPages() error {
	pages, err := r.sub.Pages(patientType)
	if err != nil {
		return err
	}
	for _, page := range pages {
		if err := os.Remove(page); err != nil {
			return fmt.Errorf("remove stale page: %w", err)
		}
	}
	return nil
}

// fromGroup discovers Group membership through a Patient-only bulk
// export into this sub-export. No _since is sent even when the wider
// run carries one: reconciliation needs the full membership every run,
// and patients have no creation date to filter on.
func (r *Resolver) fromGroup(ctx context.Context) ([]string, map[string][]string, error) {
	exp := bulk.New(r.client, r.sub, r.log, bulk.Options{
		Group:         r.opts.Group,
		Types:         []string{patientType},
		TypeFilters:   patientFilters(r.opts.TypeFilters),
		RollSize:      r.opts.RollSize,
		ClientName:    r.opts.ClientName,
		ClientVersion: r.opts.ClientVersion,
	})
	if err := exp.Run(ctx); err != nil {
		return nil, nil, fmt.Errorf("resolve group %s: %w", r.opts.Group, err)
	}
	return currentPatients(r.sub)
}

// patientFilters keeps only the filters scoped to the Patient type.
func patientFilters(filters []string) []string {
	var out []string
	for _, f := range filters {
		if strings.HasPrefix(f, patientType+"?") {
			out = append(out, f)
		}
	}
	return out
}

// currentPatients reads ids and replaces-links back from the
// sub-export's own Patient pages.
func currentPatients(sub *workspace.SubExport) ([]string, map[string][]string, error) {
	pages, err := sub.Pages(patientType)
	if err != nil {
		return nil, nil, err
	}
	return readPatientPages(pages)
}
