// Package crawl rebuilds a bulk export one patient at a time, for
// servers that do not offer $export. For every (patient, resource
// type) pair it runs the configured searches, follows paging links,
// and writes the results into the sub-export's rolling NDJSON pages.
//
// A crawl is resumable at resource-type granularity: when every
// patient has been traversed for a type without a failed query, the
// type's transaction time is recorded in metadata and a later run of
// the same sub-export skips it. Pages of an unfinished type are
// replaced wholesale on resume. Failed queries are logged, counted in
// metadata, and captured as OperationOutcome lines under error/; they
// never stop the crawl.
//
// On success the sub-export's log.ndjson carries the same kickoff,
// status_complete and export_complete rows a bulk export writes, so
// downstream consumers can read crawl output without caring how it
// was produced.
//
// # Import Rules
//
// crawl may import bulk (log vocabulary and kickoff URLs), client,
// cohort, eventlog, fhir, filtering, logger, ndjson, and workspace.
// It must not import hydrate or the CLI packages.
package crawl
