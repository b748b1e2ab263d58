// Package filtering turns export parameters into concrete FHIR search
// expressions: per-type date parameters for incremental pulls, default
// Observation category filters, user --type-filter queries, and the
// resolution of --since=auto and --since-mode=auto against a prior
// export and the server's capability statement.
//
// # Import Rules
//
// This package may import fhir, client, and workspace. The bulk and
// crawl drivers consume it; it never reaches back into them.
package filtering
