// Package workspace manages the on-disk export directory: numbered
// sub-export directories, their metadata.json files, the top-level
// symlink pool, and the advisory lock that keeps concurrent runs out.
//
// A Workspace is the user-facing output directory. Each acquisition run
// writes into its own SubExport directory named NNN.<label>, where NNN
// is a dense 1-based sequence and the label is the UTC date or a user
// nickname. Finalised pages are pooled at the top level as symlinks
// numbered globally per resource type.
//
// # Import Rules
//
// This package may import fhir, ndjson, and logger. It must not import
// client, bulk, crawl, or hydrate; those packages drive the workspace,
// not the other way round.
package workspace
