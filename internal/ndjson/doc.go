// Package ndjson reads and writes newline-delimited JSON resource
// files, the on-disk form of every export artefact.
//
// Writer produces size-bounded pages per resource type, each page
// written to a temporary file and renamed into place only after a
// flush and fsync, so a crash never leaves a half-written page under
// its final name. Reading is streaming: files are never loaded whole,
// and a malformed line is reported and skipped rather than aborting
// the scan.
package ndjson
