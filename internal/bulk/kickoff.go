package bulk

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// NDJSONFormat is the _outputFormat requested on kickoff.
const NDJSONFormat = "application/fhir+ndjson"

// KickoffURL assembles the $export URL for a run. A non-empty group
// scopes the export to Group/<id>; otherwise the export runs at system
// level. The $export segment is appended unless the base already ends
// with it, so a caller may hand over a ready-made export endpoint.
//
// Query parameters are comma-delimited rather than repeated. The
// protocol requires servers to accept repeats, but not all of them do,
// so the condensed form travels better. Commas inside a type filter
// get an extra %2C quoting layer to keep them distinct from the commas
// separating filters.
func KickoffURL(base, group string, types, typeFilters []string, since string) (string, error) {
	parsed, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse export URL %q: %w", base, err)
	}
	if group != "" {
		parsed = parsed.JoinPath("Group", group)
	}
	if !strings.HasSuffix(parsed.Path, "/$export") {
		parsed = parsed.JoinPath("$export")
	}

	query := url.Values{}
	if len(types) > 0 {
		sorted := slices.Clone(types)
		slices.Sort(sorted)
		query.Set("_type", strings.Join(slices.Compact(sorted), ","))
	}
	if len(typeFilters) > 0 {
		quoted := make([]string, len(typeFilters))
		for i, filter := range typeFilters {
			quoted[i] = strings.ReplaceAll(filter, ",", "%2C")
		}
		slices.Sort(quoted)
		query.Set("_typeFilter", strings.Join(quoted, ","))
	}
	if since != "" {
		query.Set("_since", since)
	}
	query.Set("_outputFormat", NDJSONFormat)

	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// queryParameters flattens a URL's query string for the kickoff log
// event.
func queryParameters(raw string) map[string]string {
	out := map[string]string{}
	parsed, err := url.Parse(raw)
	if err != nil {
		return out
	}
	for key, values := range parsed.Query() {
		out[key] = strings.Join(values, ",")
	}
	return out
}
