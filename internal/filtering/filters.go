package filtering

import (
	"fmt"
	"slices"
	"strings"

	"github.com/custodia-labs/chartpull-cli/internal/fhir"
	"github.com/custodia-labs/chartpull-cli/internal/workspace"
)

// Filters holds the slicing parameters of one export: which resource
// types, which user-supplied type filters, and whether the default
// Observation categories apply. A since date is combined in at query
// time because crawl resolves it per resource type.
type Filters struct {
	types       []string
	manual      map[string][]string
	useDefaults bool
}

// New parses --type-filter values against the requested type list.
// Each filter must look like "Resource?params" and name a requested
// type. Defaults add the standard Observation categories when no
// manual Observation filter exists.
func New(types []string, typeFilters []string, useDefaults bool) (*Filters, error) {
	f := &Filters{
		types:       slices.Clone(types),
		manual:      make(map[string][]string),
		useDefaults: useDefaults,
	}
	for _, filter := range typeFilters {
		resourceType, params, found := strings.Cut(filter, "?")
		if !found || params == "" {
			return nil, fmt.Errorf("type filter %q must be in the form 'Resource?params'", filter)
		}
		if !slices.Contains(f.types, resourceType) {
			return nil, fmt.Errorf("type filter for %s but that type is not exported", resourceType)
		}
		f.manual[resourceType] = append(f.manual[resourceType], params)
	}
	for _, params := range f.manual {
		slices.Sort(params)
	}
	return f, nil
}

// Types returns the exported resource types in crawl order.
func (f *Filters) Types() []string {
	return slices.Clone(f.types)
}

// baseQueries returns the filter query strings for one type, without
// any since parameter. A type with no filter yields one empty query,
// meaning "everything".
func (f *Filters) baseQueries(resourceType string) []string {
	if manual := f.manual[resourceType]; len(manual) > 0 {
		return slices.Clone(manual)
	}
	if f.useDefaults && resourceType == fhir.TypeObservation {
		return []string{DefaultObservationFilter()}
	}
	return []string{""}
}

// SinceParam returns the search parameter carrying the since filter
// for a type under the given mode, or false when the type cannot be
// date-filtered (and is fetched in full).
func SinceParam(resourceType string, mode workspace.SinceMode) (string, bool) {
	if mode == workspace.SinceCreated {
		param, ok := CreatedSearchParams[resourceType]
		return param, ok
	}
	return UpdatedSearchParam, true
}

// SearchQueries returns the query strings to run for one resource
// type, since filter included. Multiple filters become independent
// queries whose results the caller unions. An empty since leaves the
// queries unfiltered.
func (f *Filters) SearchQueries(resourceType, since string, mode workspace.SinceMode) []string {
	queries := f.baseQueries(resourceType)
	if since == "" {
		return queries
	}
	param, ok := SinceParam(resourceType, mode)
	if !ok {
		return queries
	}
	clause := fmt.Sprintf("%s=ge%s", param, since)
	for i, q := range queries {
		if q == "" {
			queries[i] = clause
		} else {
			queries[i] = q + "&" + clause
		}
	}
	return queries
}

// TypeFilters renders the filters as bulk-export _typeFilter values of
// the form "Resource?params". Under updated mode the since date rides
// the kickoff's own _since parameter instead, so it is left out here;
// under created mode it is folded into the per-type filters. Types
// with no filter contribute nothing.
func (f *Filters) TypeFilters(since map[string]string, mode workspace.SinceMode) []string {
	var out []string
	for _, resourceType := range f.types {
		queries := f.baseQueries(resourceType)
		if mode == workspace.SinceCreated {
			if s := since[resourceType]; s != "" {
				queries = f.SearchQueries(resourceType, s, mode)
			}
		}
		for _, q := range queries {
			if q == "" {
				continue
			}
			out = append(out, resourceType+"?"+q)
		}
	}
	return out
}

// Manual returns the user-supplied filters in normalised order, for
// recording in metadata.
func (f *Filters) Manual() []string {
	var out []string
	for _, resourceType := range f.types {
		for _, params := range f.manual[resourceType] {
			out = append(out, resourceType+"?"+params)
		}
	}
	slices.Sort(out)
	return out
}
