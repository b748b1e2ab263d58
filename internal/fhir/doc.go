// Package fhir defines the FHIR R4 types chartpull navigates and the
// parsing rules they carry.
//
// Whole resources are kept as Resource (a map) so that lines read from a
// server round-trip to disk without loss; only the structures the tool
// actually steers by get typed representations:
//
//   - Bundle: search result pages and deletion bundles
//   - OperationOutcome: server error payloads
//   - CapabilityStatement: server feature discovery
//   - ExportManifest: the bulk export completion document
//
// The package also owns FHIR date parsing (dateTime, instant and partial
// dates) and the canonical list of patient-compartment resource types.
//
// # Import Rules
//
//   - Can Import: Standard library only
//   - Cannot Import: Any internal/ package, any external dependency
package fhir
