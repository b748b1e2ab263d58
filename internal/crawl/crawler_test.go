package crawl

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/chartpull-cli/internal/client"
	"github.com/custodia-labs/chartpull-cli/internal/cohort"
	"github.com/custodia-labs/chartpull-cli/internal/eventlog"
	"github.com/custodia-labs/chartpull-cli/internal/fhir"
	"github.com/custodia-labs/chartpull-cli/internal/filtering"
	"github.com/custodia-labs/chartpull-cli/internal/ndjson"
	"github.com/custodia-labs/chartpull-cli/internal/workspace"
)

func newTestClient(t *testing.T, base string) *client.Client {
	t.Helper()
	c, err := client.New(client.Options{
		BaseURL: base,
		Retry: client.RetryPolicy{
			MaxAttempts: 2,
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    20 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	return c
}

func newCrawlSub(t *testing.T, fhirURL, since string, types ...string) (*workspace.Workspace, *workspace.SubExport) {
	t.Helper()
	ws, err := workspace.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	sub, _, err := ws.Ensure(workspace.Params{
		FHIRURL:   fhirURL,
		Types:     types,
		Since:     since,
		SinceMode: workspace.SinceUpdated,
		Mode:      workspace.ModeCrawl,
	})
	require.NoError(t, err)
	return ws, sub
}

func openTestLog(t *testing.T, sub *workspace.SubExport) *eventlog.Log {
	t.Helper()
	log, err := eventlog.Open(sub.LogPath())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func readLogEvents(t *testing.T, sub *workspace.SubExport) []map[string]any {
	t.Helper()
	file, err := os.Open(sub.LogPath())
	require.NoError(t, err)
	defer file.Close()

	var events []map[string]any
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var row map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		events = append(events, row)
	}
	require.NoError(t, scanner.Err())
	return events
}

func countEvents(events []map[string]any, eventID string) int {
	n := 0
	for _, row := range events {
		if row["eventId"] == eventID {
			n++
		}
	}
	return n
}

func newFilters(t *testing.T, types ...string) *filtering.Filters {
	t.Helper()
	f, err := filtering.New(types, nil, false)
	require.NoError(t, err)
	return f
}

func testCohort(ids ...string) *cohort.Cohort {
	return &cohort.Cohort{Source: cohort.SourceIDList, IDs: ids, New: map[string]bool{}}
}

func condition(id, patient, lastUpdated string) fhir.Resource {
	res := fhir.Resource{
		"resourceType": fhir.TypeCondition,
		"id":           id,
		"subject":      map[string]any{"reference": "Patient/" + patient},
	}
	if lastUpdated != "" {
		res["meta"] = map[string]any{"lastUpdated": lastUpdated}
	}
	return res
}

func serveBundle(t *testing.T, w http.ResponseWriter, resources ...fhir.Resource) {
	t.Helper()
	bundle := map[string]any{"resourceType": "Bundle", "type": "searchset"}
	var entries []any
	for _, res := range resources {
		entries = append(entries, map[string]any{"resource": res})
	}
	bundle["entry"] = entries
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(bundle))
}

// readPages returns every resource id found in the sub-export's pages
// for one type.
func readPages(t *testing.T, sub *workspace.SubExport, resourceType string) []string {
	t.Helper()
	pages, err := sub.Pages(resourceType)
	require.NoError(t, err)
	var ids []string
	require.NoError(t, ndjson.ScanFiles(pages, func(line ndjson.Line) error {
		ids = append(ids, line.Resource.ID())
		return nil
	}))
	return ids
}

func TestCrawler_WritesEveryTypeForEveryPatient(t *testing.T) {
	var mu sync.Mutex
	queries := map[string]int{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries[r.URL.Path+"?"+r.URL.RawQuery]++
		mu.Unlock()

		switch r.URL.Path {
		case "/metadata":
			http.NotFound(w, r)
		case "/Patient":
			id := r.URL.Query().Get("_id")
			serveBundle(t, w, fhir.Resource{"resourceType": "Patient", "id": id})
		case "/Condition":
			patient := r.URL.Query().Get("patient")
			serveBundle(t, w, condition("c-"+patient, patient, "2023-04-01T10:00:00Z"))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ws, sub := newCrawlSub(t, srv.URL, "", fhir.TypePatient, fhir.TypeCondition)
	crawler := New(newTestClient(t, srv.URL), ws, sub, openTestLog(t, sub), Options{
		Filters: newFilters(t, fhir.TypePatient, fhir.TypeCondition),
		Since:   filtering.Since{Mode: workspace.SinceUpdated},
		Cohort:  testCohort("p1", "p2"),
	})
	require.NoError(t, crawler.Run(context.Background()))

	assert.ElementsMatch(t, []string{"p1", "p2"}, readPages(t, sub, fhir.TypePatient))
	assert.ElementsMatch(t, []string{"c-p1", "c-p2"}, readPages(t, sub, fhir.TypeCondition))

	mu.Lock()
	assert.Equal(t, 1, queries["/Patient?_id=p1"])
	assert.Equal(t, 1, queries["/Condition?patient=p2"])
	mu.Unlock()

	meta := sub.Metadata()
	assert.EqualValues(t, 0, meta.Failures)
	assert.NotEmpty(t, meta.TransactionTimes[fhir.TypePatient])
	assert.NotEmpty(t, meta.TransactionTimes[fhir.TypeCondition])

	events := readLogEvents(t, sub)
	assert.Equal(t, 1, countEvents(events, eventlog.EventKickoff))
	assert.Equal(t, 1, countEvents(events, eventlog.EventStatusComplete))
	assert.Equal(t, 1, countEvents(events, eventlog.EventExportComplete))
	assert.Equal(t, 2, countEvents(events, eventlog.EventCrawlPatientComplete))
}

func TestCrawler_DeduplicatesSharedResources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Both patients come back with the same Condition record.
		serveBundle(t, w, condition("shared", "p1", ""))
	}))
	defer srv.Close()

	ws, sub := newCrawlSub(t, srv.URL, "", fhir.TypeCondition)
	crawler := New(newTestClient(t, srv.URL), ws, sub, openTestLog(t, sub), Options{
		Filters: newFilters(t, fhir.TypeCondition),
		Since:   filtering.Since{Mode: workspace.SinceUpdated},
		Cohort:  testCohort("p1", "p2"),
	})
	require.NoError(t, crawler.Run(context.Background()))

	assert.Equal(t, []string{"shared"}, readPages(t, sub, fhir.TypeCondition))
}

func TestCrawler_SkipsTypesWithTransactionTimes(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		serveBundle(t, w)
	}))
	defer srv.Close()

	ws, sub := newCrawlSub(t, srv.URL, "", fhir.TypeCondition)
	sub.Metadata().SetTransactionTime(fhir.TypeCondition, "2023-01-01T00:00:00Z")
	require.NoError(t, sub.Save())

	crawler := New(newTestClient(t, srv.URL), ws, sub, openTestLog(t, sub), Options{
		Filters: newFilters(t, fhir.TypeCondition),
		Since:   filtering.Since{Mode: workspace.SinceUpdated},
		Cohort:  testCohort("p1"),
	})
	require.NoError(t, crawler.Run(context.Background()))

	assert.Zero(t, hits)
	events := readLogEvents(t, sub)
	assert.Zero(t, countEvents(events, eventlog.EventKickoff))
}

func TestCrawler_NewPatientsCrawlWithoutSince(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]string{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.URL.Query().Get("patient")] = r.URL.Query().Get("_lastUpdated")
		mu.Unlock()
		serveBundle(t, w)
	}))
	defer srv.Close()

	ws, sub := newCrawlSub(t, srv.URL, "2023-06-01T00:00:00Z", fhir.TypeCondition)
	sub.Metadata().NewPatients = []string{"fresh"}
	require.NoError(t, sub.Save())

	crawler := New(newTestClient(t, srv.URL), ws, sub, openTestLog(t, sub), Options{
		Filters: newFilters(t, fhir.TypeCondition),
		Since:   filtering.Since{Mode: workspace.SinceUpdated, Fixed: "2023-06-01T00:00:00Z"},
		Cohort: &cohort.Cohort{
			Source: cohort.SourceIDList,
			IDs:    []string{"old", "fresh"},
			New:    map[string]bool{"fresh": true},
		},
	})
	require.NoError(t, crawler.Run(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "ge2023-06-01T00:00:00Z", seen["old"])
	assert.Equal(t, "", seen["fresh"])
}

func TestCrawler_FailedQueriesAreAbsorbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Condition":
			http.Error(w, `{"resourceType":"OperationOutcome","issue":[{"severity":"error","diagnostics":"backend worker died"}]}`, http.StatusInternalServerError)
		default:
			serveBundle(t, w, fhir.Resource{"resourceType": "Patient", "id": r.URL.Query().Get("_id")})
		}
	}))
	defer srv.Close()

	ws, sub := newCrawlSub(t, srv.URL, "", fhir.TypePatient, fhir.TypeCondition)
	crawler := New(newTestClient(t, srv.URL), ws, sub, openTestLog(t, sub), Options{
		Filters: newFilters(t, fhir.TypePatient, fhir.TypeCondition),
		Since:   filtering.Since{Mode: workspace.SinceUpdated},
		Cohort:  testCohort("p1"),
	})
	require.NoError(t, crawler.Run(context.Background()))

	meta := sub.Metadata()
	assert.Equal(t, 1, meta.Failures)
	assert.NotEmpty(t, meta.TransactionTimes[fhir.TypePatient])
	assert.Empty(t, meta.TransactionTimes[fhir.TypeCondition])

	// The failure is captured as an OperationOutcome line under error/.
	var outcomes []fhir.Resource
	errorFile := filepath.Join(sub.Dir(), "error", "OperationOutcome.ndjson")
	require.NoError(t, ndjson.ScanFile(errorFile, func(line ndjson.Line) error {
		outcomes = append(outcomes, line.Resource)
		return nil
	}))
	require.Len(t, outcomes, 1)
	assert.Equal(t, fhir.TypeOperationOutcome, outcomes[0].Type())

	events := readLogEvents(t, sub)
	assert.Equal(t, 1, countEvents(events, eventlog.EventCrawlQueryError))
	assert.Zero(t, countEvents(events, eventlog.EventExportComplete))
}

func TestCrawler_ResumeReplacesPagesOfUnfinishedTypes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveBundle(t, w, condition("current", r.URL.Query().Get("patient"), ""))
	}))
	defer srv.Close()

	ws, sub := newCrawlSub(t, srv.URL, "", fhir.TypeCondition)

	// A page left behind by an interrupted attempt.
	stale := filepath.Join(sub.Dir(), "Condition.001.ndjson")
	require.NoError(t, os.WriteFile(stale, []byte(`{"resourceType":"Condition","id":"stale"}`+"\n"), 0o644))

	crawler := New(newTestClient(t, srv.URL), ws, sub, openTestLog(t, sub), Options{
		Filters: newFilters(t, fhir.TypeCondition),
		Since:   filtering.Since{Mode: workspace.SinceUpdated},
		Cohort:  testCohort("p1"),
	})
	require.NoError(t, crawler.Run(context.Background()))

	assert.Equal(t, []string{"current"}, readPages(t, sub, fhir.TypeCondition))
}

func TestCrawler_TransactionTimeClampedToCrawlStart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The server reports an update far in the future.
		serveBundle(t, w, condition("c1", "p1", "2200-01-01T00:00:00Z"))
	}))
	defer srv.Close()

	start := time.Date(2023, 7, 1, 12, 0, 0, 0, time.UTC)
	ws, sub := newCrawlSub(t, srv.URL, "", fhir.TypeCondition)
	crawler := New(newTestClient(t, srv.URL), ws, sub, openTestLog(t, sub), Options{
		Filters: newFilters(t, fhir.TypeCondition),
		Since:   filtering.Since{Mode: workspace.SinceUpdated},
		Cohort:  testCohort("p1"),
	})
	crawler.now = func() time.Time { return start }
	require.NoError(t, crawler.Run(context.Background()))

	assert.Equal(t, "2023-07-01T12:00:00Z", sub.Metadata().TransactionTimes[fhir.TypeCondition])
}

func TestCrawler_TransactionTimeFromNewestResource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveBundle(t, w,
			condition("c1", "p1", "2023-02-01T00:00:00Z"),
			condition("c2", "p1", "2023-03-15T08:30:00Z"),
		)
	}))
	defer srv.Close()

	ws, sub := newCrawlSub(t, srv.URL, "", fhir.TypeCondition)
	crawler := New(newTestClient(t, srv.URL), ws, sub, openTestLog(t, sub), Options{
		Filters: newFilters(t, fhir.TypeCondition),
		Since:   filtering.Since{Mode: workspace.SinceUpdated},
		Cohort:  testCohort("p1"),
	})
	require.NoError(t, crawler.Run(context.Background()))

	// The newest lastUpdated predates the crawl, so it is recorded
	// verbatim.
	assert.Equal(t, "2023-03-15T08:30:00Z", sub.Metadata().TransactionTimes[fhir.TypeCondition])
}

func TestCrawler_CancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		// Give the client time to observe the cancellation before the
		// response arrives.
		time.Sleep(50 * time.Millisecond)
		serveBundle(t, w)
	}))
	defer srv.Close()

	ws, sub := newCrawlSub(t, srv.URL, "", fhir.TypeCondition)
	crawler := New(newTestClient(t, srv.URL), ws, sub, openTestLog(t, sub), Options{
		Filters: newFilters(t, fhir.TypeCondition),
		Since:   filtering.Since{Mode: workspace.SinceUpdated},
		Cohort:  testCohort("p1", "p2", "p3"),
	})

	err := crawler.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sub.Metadata().TransactionTimes)
}
