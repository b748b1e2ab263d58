// Package eventlog writes the per-sub-export log.ndjson file: one JSON
// event per line in the SMART bulk-export log shape, with exportId,
// timestamp, eventId, and eventDetail keys. Bulk, crawl, and hydrate
// phases all append to the same file, so a whole run can be replayed
// from one place.
//
// The file is append-only and line-flushed; writers never rewrite
// earlier events.
//
// # Import Rules
//
// This package imports nothing from chartpull except the standard
// library and zerolog. Every pipeline package may import it.
package eventlog
