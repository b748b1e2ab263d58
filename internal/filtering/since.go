package filtering

import (
	"context"
	"fmt"
	"time"

	"github.com/custodia-labs/chartpull-cli/internal/fhir"
	"github.com/custodia-labs/chartpull-cli/internal/workspace"
)

// SinceAuto is the --since flag value that reads since dates from the
// latest complete sub-export instead of the command line.
const SinceAuto = "auto"

// SinceModeAuto resolves to updated or created from the server's
// capability statement. It is never persisted; metadata records the
// resolved mode.
const SinceModeAuto workspace.SinceMode = "auto"

// CapabilitySource yields the server's capability statement.
type CapabilitySource interface {
	Capability(ctx context.Context) (*fhir.CapabilityStatement, error)
}

// Since is the resolved since configuration of one run. Either Fixed
// holds a single canonical instant for every type, or PerType holds
// instants read from a prior export. Both empty means no filter.
type Since struct {
	Mode    workspace.SinceMode
	Fixed   string
	PerType map[string]string
}

// For returns the since instant to filter one resource type with, or
// the empty string when the type is fetched in full.
func (s Since) For(resourceType string) string {
	if s.Fixed != "" {
		return s.Fixed
	}
	return s.PerType[resourceType]
}

// Bulk coalesces the configuration to the single _since value a bulk
// kickoff can carry: the fixed instant, or the earliest per-type
// instant provided every requested type has one. Any gap forces a full
// export because _since applies to all types at once.
func (s Since) Bulk(types []string) string {
	if s.Fixed != "" {
		return s.Fixed
	}
	if s.PerType == nil {
		return ""
	}
	var earliest time.Time
	for _, resourceType := range types {
		value := s.PerType[resourceType]
		if value == "" {
			return ""
		}
		t, err := fhir.ParseDateTime(value)
		if err != nil {
			return ""
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	if earliest.IsZero() {
		return ""
	}
	return fhir.FormatInstant(earliest)
}

// Empty reports whether no since filter applies anywhere.
func (s Since) Empty() bool {
	return s.Fixed == "" && len(s.PerType) == 0
}

// ResolveSinceMode turns auto into a concrete mode: updated when the
// server advertises Patient._lastUpdated search support (taken as a
// proxy for all types), created otherwise. Servers that store
// meta.lastUpdated but do not let clients search on it still resolve
// to created.
func ResolveSinceMode(ctx context.Context, caps CapabilitySource, requested workspace.SinceMode) (workspace.SinceMode, error) {
	switch requested {
	case workspace.SinceUpdated, workspace.SinceCreated:
		return requested, nil
	case SinceModeAuto, "":
	default:
		return "", fmt.Errorf("unknown since mode %q", requested)
	}

	statement, err := caps.Capability(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve since mode: %w", err)
	}
	if statement.SupportsSearchParam(fhir.TypePatient, UpdatedSearchParam) {
		return workspace.SinceUpdated, nil
	}
	return workspace.SinceCreated, nil
}

// AutoSince reads per-type transaction times from the highest-numbered
// complete sub-export. A nil map means no prior complete export
// exists and the run fetches everything.
func AutoSince(ws *workspace.Workspace, types []string) (map[string]string, error) {
	latest, err := ws.LatestComplete()
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}
	recorded := latest.Metadata().TransactionTimes
	if len(recorded) == 0 {
		return nil, nil
	}
	perType := make(map[string]string, len(types))
	for _, resourceType := range types {
		if instant, ok := recorded[resourceType]; ok {
			perType[resourceType] = instant
		}
	}
	return perType, nil
}

// Resolve builds the run's since configuration from the raw flag
// values. rawSince may be empty, the literal "auto", or an instant;
// instants are canonicalised to UTC Z form.
func Resolve(ctx context.Context, caps CapabilitySource, ws *workspace.Workspace, rawSince string, rawMode workspace.SinceMode, types []string) (Since, error) {
	mode, err := ResolveSinceMode(ctx, caps, rawMode)
	if err != nil {
		return Since{}, err
	}
	resolved := Since{Mode: mode}

	switch rawSince {
	case "":
	case SinceAuto:
		resolved.PerType, err = AutoSince(ws, types)
		if err != nil {
			return Since{}, err
		}
	default:
		t, err := fhir.ParseDateTime(rawSince)
		if err != nil {
			return Since{}, fmt.Errorf("invalid --since value %q: %w", rawSince, err)
		}
		resolved.Fixed = fhir.FormatInstant(t)
	}
	return resolved, nil
}
