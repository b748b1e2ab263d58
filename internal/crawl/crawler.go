package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/custodia-labs/chartpull-cli/internal/bulk"
	"github.com/custodia-labs/chartpull-cli/internal/client"
	"github.com/custodia-labs/chartpull-cli/internal/cohort"
	"github.com/custodia-labs/chartpull-cli/internal/eventlog"
	"github.com/custodia-labs/chartpull-cli/internal/fhir"
	"github.com/custodia-labs/chartpull-cli/internal/filtering"
	"github.com/custodia-labs/chartpull-cli/internal/logger"
	"github.com/custodia-labs/chartpull-cli/internal/ndjson"
	"github.com/custodia-labs/chartpull-cli/internal/workspace"
)

const (
	// DefaultPatientWorkers is the number of patients crawled at once.
	DefaultPatientWorkers = 8

	// DefaultTypeWorkers is the number of resource types queried at
	// once for a single patient.
	DefaultTypeWorkers = 4
)

// errStorage marks local write failures, which abort the crawl instead
// of being absorbed as per-query failures.
var errStorage = errors.New("crawl: storage error")

// Options configures one crawl run.
type Options struct {
	Filters *filtering.Filters
	Since   filtering.Since
	Cohort  *cohort.Cohort

	// Group is the server Group the cohort came from, if any. It only
	// shapes the synthetic export URL recorded in the log.
	Group string

	PatientWorkers int   // default DefaultPatientWorkers
	TypeWorkers    int   // default DefaultTypeWorkers
	RollSize       int64 // page roll threshold, default ndjson.DefaultRollSize

	ClientName    string
	ClientVersion string
}

// Crawler fans patient-level searches out over the cohort and writes
// the results into one sub-export.
type Crawler struct {
	client *client.Client
	ws     *workspace.Workspace
	sub    *workspace.SubExport
	log    *eventlog.Log
	opts   Options
	now    func() time.Time

	writer *ndjson.Writer

	// mu guards metadata saves and the run-wide failure record.
	mu       sync.Mutex
	failures int
	outcomes []any

	patientsDone  atomic.Int64
	patientsTotal int64
	resources     atomic.Int64
	bytes         atomic.Int64
}

// New creates a crawler writing into the given sub-export.
func New(c *client.Client, ws *workspace.Workspace, sub *workspace.SubExport, log *eventlog.Log, opts Options) *Crawler {
	if opts.PatientWorkers <= 0 {
		opts.PatientWorkers = DefaultPatientWorkers
	}
	if opts.TypeWorkers <= 0 {
		opts.TypeWorkers = DefaultTypeWorkers
	}
	return &Crawler{
		client: c,
		ws:     ws,
		sub:    sub,
		log:    log,
		opts:   opts,
		now:    time.Now,
	}
}

// typeState tracks one resource type across all patients of the run.
type typeState struct {
	name    string
	since   string          // filter instant, empty for a full fetch
	newIDs  map[string]bool // patients crawled without the since filter
	started time.Time

	mu        sync.Mutex
	seen      map[string]bool // resource ids already written
	latest    time.Time       // newest resource date observed
	remaining int             // patients still to finish this type
	failed    int             // queries that exhausted their retries
	aborted   bool
}

// Progress reports the crawler's live counters.
func (c *Crawler) Progress() (patientsDone, patientsTotal, resources int64) {
	return c.patientsDone.Load(), c.patientsTotal, c.resources.Load()
}

// Run crawls every pending resource type for every cohort patient.
// Query failures are absorbed: they are logged, counted in the
// metadata, and leave their type without a transaction time so a
// later run redoes it. Run only returns an error on cancellation or
// when local storage fails.
func (c *Crawler) Run(ctx context.Context) error {
	started := c.now()
	patients := c.opts.Cohort.IDs
	c.patientsTotal = int64(len(patients))

	states, err := c.pendingTypes()
	if err != nil {
		return err
	}
	if len(states) == 0 {
		logger.Info("Every resource type is already crawled, nothing to do")
		return nil
	}

	names := make([]string, len(states))
	for i, ts := range states {
		ts.remaining = len(patients)
		names[i] = ts.name
	}
	logger.Info("Crawling %d resource types for %d patients", len(states), len(patients))

	c.logKickoff(ctx, names)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.PatientWorkers)
	for _, patientID := range patients {
		g.Go(func() error {
			return c.crawlPatient(gctx, states, patientID)
		})
	}
	runErr := g.Wait()

	// Close finalises any page still open for a type that did not
	// finish; resumption replaces those pages anyway.
	if err := c.writer.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("%w: %v", errStorage, err)
	}
	if err := c.saveOutcomes(); err != nil && runErr == nil {
		runErr = err
	}

	c.mu.Lock()
	c.sub.Metadata().Failures = c.failures
	failures := c.failures
	err = c.sub.Save()
	c.mu.Unlock()
	if err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return runErr
	}

	if failures > 0 {
		logger.Error("Crawl finished with %d failed queries; rerun to retry the affected types", failures)
		return nil
	}
	c.logComplete(started)
	return nil
}

// pendingTypes builds the state for every type without a recorded
// transaction time, clearing pages a previous interrupted attempt may
// have left behind.
func (c *Crawler) pendingTypes() ([]*typeState, error) {
	meta := c.sub.Metadata()
	var states []*typeState
	for _, resourceType := range c.opts.Filters.Types() {
		if meta.TransactionTimes[resourceType] != "" {
			logger.Debug("Skipping %s, already crawled at %s", resourceType, meta.TransactionTimes[resourceType])
			continue
		}
		if err := c.removeStalePages(resourceType); err != nil {
			return nil, err
		}
		ts := &typeState{
			name:    resourceType,
			since:   c.opts.Since.For(resourceType),
			started: c.now(),
			seen:    make(map[string]bool),
		}
		if ts.since != "" {
			newIDs, err := cohort.NewPatientsFor(c.ws, c.sub, resourceType)
			if err != nil {
				return nil, err
			}
			ts.newIDs = newIDs
		}
		states = append(states, ts)
	}
	c.writer = c.sub.Writer(c.opts.RollSize)
	return states, nil
}

func (c *Crawler) removeStalePages(resourceType string) error {
	pages, err := c.sub.Pages(resourceType)
	if err != nil {
		return err
	}
	for _, page := range pages {
		if err := os.Remove(page); err != nil {
			return fmt.Errorf("remove stale page: %w", err)
		}
	}
	if len(pages) > 0 {
		logger.Debug("Removed %d stale %s pages from an interrupted crawl", len(pages), resourceType)
	}
	return nil
}

// crawlPatient runs every pending type for one patient, a bounded
// number of types at a time.
func (c *Crawler) crawlPatient(ctx context.Context, states []*typeState, patientID string) error {
	var written atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.TypeWorkers)
	for _, ts := range states {
		g.Go(func() error {
			err := c.crawlPatientType(gctx, ts, patientID, &written)
			c.finishPatientType(ts, err != nil)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	done := c.patientsDone.Add(1)
	c.log.Event(eventlog.EventCrawlPatientComplete, patientCompleteDetail{
		PatientID: patientID,
		Resources: written.Load(),
	})
	logger.Debug("Patient %s done (%d/%d)", patientID, done, c.patientsTotal)
	return nil
}

// crawlPatientType runs the type's searches for one patient. Server
// failures are recorded and absorbed; only cancellation and storage
// errors propagate.
func (c *Crawler) crawlPatientType(ctx context.Context, ts *typeState, patientID string, written *atomic.Int64) error {
	for _, query := range c.patientQueries(ts, patientID) {
		err := c.client.Search(ctx, query, func(bundle *fhir.Bundle) error {
			for _, res := range bundle.Resources() {
				if err := c.absorb(ts, res, written); err != nil {
					return err
				}
			}
			return nil
		})
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, errStorage):
			return err
		default:
			c.recordFailure(ts, patientID, query, err)
		}
	}
	return nil
}

// patientQueries renders the type's configured searches for one
// patient. New patients are fetched without the since filter so their
// full history lands in this sub-export.
func (c *Crawler) patientQueries(ts *typeState, patientID string) []string {
	since := ts.since
	if ts.newIDs[patientID] {
		since = ""
	}
	prefix := ts.name + "?patient=" + url.QueryEscape(patientID)
	if ts.name == fhir.TypePatient {
		prefix = ts.name + "?_id=" + url.QueryEscape(patientID)
	}

	queries := c.opts.Filters.SearchQueries(ts.name, since, c.opts.Since.Mode)
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		if q == "" {
			out = append(out, prefix)
		} else {
			out = append(out, prefix+"&"+q)
		}
	}
	return out
}

// absorb writes one search result, dropping duplicates and resources
// of unexpected types. Bundles can interleave results from concurrent
// patients, so admission runs under the type's lock.
func (c *Crawler) absorb(ts *typeState, res fhir.Resource, written *atomic.Int64) error {
	if res.Type() != ts.name {
		logger.Debug("Dropping stray %s result from a %s search", res.Type(), ts.name)
		return nil
	}
	if !ts.admit(res) {
		return nil
	}
	line, err := ndjson.MarshalLine(res)
	if err != nil {
		return fmt.Errorf("%w: %v", errStorage, err)
	}
	if err := c.writer.WriteRaw(ts.name, line); err != nil {
		return fmt.Errorf("%w: %v", errStorage, err)
	}
	written.Add(1)
	c.resources.Add(1)
	c.bytes.Add(int64(len(line)))
	return nil
}

// admit claims the resource's id and folds its dates into the type's
// newest-seen instant. Resources without an id are dropped: the
// output guarantees at most one record per (type, id).
func (ts *typeState) admit(res fhir.Resource) bool {
	id := res.ID()
	if id == "" {
		return false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.seen[id] {
		return false
	}
	ts.seen[id] = true
	if t, ok := res.LastUpdated(); ok && t.After(ts.latest) {
		ts.latest = t
	}
	if created := filtering.CreatedDate(res); created != "" {
		if t, err := fhir.ParseDateTime(created); err == nil && t.After(ts.latest) {
			ts.latest = t
		}
	}
	return true
}

// finishPatientType retires one patient from the type's countdown and
// finalises the type once the last patient is done.
func (c *Crawler) finishPatientType(ts *typeState, aborted bool) {
	ts.mu.Lock()
	if aborted {
		ts.aborted = true
	}
	ts.remaining--
	last := ts.remaining == 0
	clean := !ts.aborted && ts.failed == 0
	latest := ts.latest
	ts.mu.Unlock()
	if !last {
		return
	}

	// The open page must be durable before the metadata can claim the
	// type is done.
	if err := c.writer.Cut(ts.name); err != nil {
		logger.Error("Could not finalise %s pages: %v", ts.name, err)
		return
	}
	if !clean {
		return
	}

	// Record the newest resource date seen, clamped to the traversal
	// start: resources created while we crawled may have been missed,
	// so the next incremental run must reach back at least this far.
	instant := ts.started
	if !latest.IsZero() && latest.Before(instant) {
		instant = latest
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sub.Metadata().SetTransactionTime(ts.name, fhir.FormatInstant(instant))
	if err := c.sub.Save(); err != nil {
		logger.Error("Could not checkpoint %s completion: %v", ts.name, err)
	}
	logger.Info("Finished crawling %s", ts.name)
}

// recordFailure logs one finally-failed query and captures it as an
// OperationOutcome for the error/ directory.
func (c *Crawler) recordFailure(ts *typeState, patientID, query string, err error) {
	ts.mu.Lock()
	ts.failed++
	ts.mu.Unlock()

	logger.Error("Crawl query failed for patient %s: %s: %v", patientID, query, err)
	code, body := errorDetails(err)
	c.log.Event(eventlog.EventCrawlQueryError, queryErrorDetail{
		ResourceType: ts.name,
		PatientID:    patientID,
		Query:        query,
		Code:         code,
		Body:         body,
	})

	c.mu.Lock()
	c.failures++
	c.outcomes = append(c.outcomes, errorOutcome(err))
	c.mu.Unlock()
}

// saveOutcomes writes the captured OperationOutcome lines under
// error/, keeping lines from earlier runs of this sub-export.
func (c *Crawler) saveOutcomes() error {
	c.mu.Lock()
	outcomes := c.outcomes
	c.mu.Unlock()
	if len(outcomes) == 0 {
		return nil
	}

	path := filepath.Join(c.sub.Dir(), "error", fhir.TypeOperationOutcome+c.sub.Metadata().Params.Ext())
	var lines []any
	err := ndjson.ScanFile(path, func(line ndjson.Line) error {
		lines = append(lines, line.Resource)
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	lines = append(lines, outcomes...)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return ndjson.WriteFile(path, lines)
}

// errorOutcome shapes a failed query as the OperationOutcome line
// recorded under error/, mirroring what bulk servers put in their
// manifest error files.
func errorOutcome(err error) fhir.Resource {
	return fhir.Resource{
		"resourceType": fhir.TypeOperationOutcome,
		"issue": []any{
			map[string]any{
				"severity":    "error",
				"code":        "exception",
				"diagnostics": err.Error(),
			},
		},
	}
}

// logKickoff opens the bulk-style log trail with the export URL this
// crawl stands in for.
func (c *Crawler) logKickoff(ctx context.Context, types []string) {
	exportURL, err := bulk.KickoffURL(c.client.BaseURL(), c.opts.Group, types, nil, "")
	if err != nil {
		exportURL = c.client.BaseURL()
	}
	caps, _ := c.client.Capability(ctx)
	c.log.Event(eventlog.EventKickoff, bulk.NewKickoffDetail(exportURL, caps, c.opts.ClientName, c.opts.ClientVersion))
}

// logComplete closes the bulk-style log trail once every type carries
// a transaction time.
func (c *Crawler) logComplete(started time.Time) {
	c.log.Event(eventlog.EventStatusComplete, bulk.StatusCompleteDetail{
		TransactionTime: c.earliestTransactionTime(),
	})
	c.log.Event(eventlog.EventExportComplete, bulk.ExportCompleteDetail{
		Files:       int64(len(c.writer.Finalised())),
		Resources:   c.resources.Load(),
		Bytes:       c.bytes.Load(),
		Attachments: nil,
		Duration:    c.now().Sub(started).Milliseconds(),
	})
}

// earliestTransactionTime coalesces the per-type transaction times to
// the single instant the log's status_complete row carries, the way a
// bulk manifest would. The earliest is the only safe choice.
func (c *Crawler) earliestTransactionTime() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var earliest time.Time
	for _, value := range c.sub.Metadata().TransactionTimes {
		t, err := fhir.ParseDateTime(value)
		if err != nil {
			continue
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	if earliest.IsZero() {
		return fhir.FormatInstant(c.now())
	}
	return fhir.FormatInstant(earliest)
}
