// Package cohort resolves the set of patients an export run covers.
//
// A cohort comes from one of four sources, tried in priority order: a
// comma-separated identifier list, an identifier file, the Patient
// pages of another workspace, or a server-side Group. Identifier
// values paired with an identifier system are looked up through
// Patient searches; bare values are taken as Patient ids directly.
// Group membership is discovered by running a Patient-only bulk
// export, so the member patients land in the sub-export as ordinary
// pages.
//
// After resolution the cohort is compared against the most recent
// prior sub-export that exported patients. Ids that disappeared are
// recorded under deleted/; ids that appeared, and patients that
// absorbed another record through a replaces link, are flagged as new
// so the crawler fetches their history without a since filter.
//
// # Import Rules
//
// cohort may import bulk, client, eventlog, fhir, logger, ndjson, and
// workspace. It must not import crawl, hydrate, or the CLI packages.
package cohort
