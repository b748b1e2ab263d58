// Package bulk drives a FHIR bulk data export: kickoff against the
// server's $export endpoint, polling the status URL until the manifest
// arrives, downloading the named NDJSON files in parallel, and cleaning
// the export up with a DELETE once everything is on disk.
//
// Progress is checkpointed in the sub-export's metadata under
// bulk_state after every completed file, so an interrupted run picks up
// where it stopped instead of re-kicking a fresh export. Every phase
// appends events to the sub-export's log.ndjson in the SMART bulk
// client log shape.
//
// # Import Rules
//
// This package may import client, eventlog, fhir, filtering, logger,
// ndjson, and workspace. It must not import cohort, crawl, hydrate, or
// the CLI layer.
package bulk
