// Package client is the FHIR HTTP client every exporter shares.
//
// It layers four concerns over net/http:
//
//   - authentication: SMART backend services client-credentials flow,
//     a signed RS384 assertion exchanged for a bearer token
//   - retries: bounded attempts with exponential backoff and jitter,
//     Retry-After aware, one re-authentication on a stale token
//   - rate limiting: a proactive token bucket plus a shared pause when
//     the server pushes back with 429 or 503
//   - paging: searchset Bundles followed through their next links
//
// Server failures surface as *ResponseError so callers can classify
// them with the Is* helpers instead of matching on strings.
package client
