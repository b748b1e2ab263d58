// Package hydrate fills the gaps servers leave in exported data. Some
// resources arrive pointing at things the export itself never
// included: note attachments living behind Binary URLs, Observations
// referenced by DiagnosticReports, Medications behind
// MedicationRequests, and the practitioners, organizations and
// locations the clinical record names. Hydration tasks walk the
// sub-export's pages, download what is missing, and append it as
// ordinary pages of the referenced type; the inline task instead
// rewrites DocumentReference and DiagnosticReport pages in place with
// attachment bodies embedded.
//
// The engine loops until no step produces a resource type it has not
// seen, so chains resolve regardless of task order, and it never
// downloads a resource twice: every output type has an id pool seeded
// from the pages already on disk. Completed tasks are checkpointed in
// metadata and skipped on rerun, and rewritten resources carry a
// hydrated meta.tag, so hydrating a finished sub-export a second time
// touches neither the network nor the files.
//
// # Import Rules
//
// hydrate may import client, eventlog, fhir, logger, ndjson, and
// workspace. It must not import bulk, cohort, crawl, or the CLI
// packages.
package hydrate
