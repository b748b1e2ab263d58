package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/chartpull-cli/internal/bulk"
	"github.com/custodia-labs/chartpull-cli/internal/crawl"
	"github.com/custodia-labs/chartpull-cli/internal/fhir"
	"github.com/custodia-labs/chartpull-cli/internal/filtering"
	"github.com/custodia-labs/chartpull-cli/internal/hydrate"
	"github.com/custodia-labs/chartpull-cli/internal/logger"
	"github.com/custodia-labs/chartpull-cli/internal/progress"
	"github.com/custodia-labs/chartpull-cli/internal/workspace"
)

// errNoAutoSince reports an --since=auto run over a workspace with no
// completed export to take dates from.
var errNoAutoSince = errors.New("--since=auto found no complete prior export; run once without --since or give an instant")

// ensureSubExport picks the sub-export a run writes into. A complete
// one with equal parameters already holds the requested data, so the
// run has nothing to acquire; the in-progress one is resumed when its
// parameters match; otherwise a fresh directory is created.
//
// since=auto is exempt from the completed match: each completed auto
// export seeds the next one's dates, so repeating the command starts a
// new delta instead of standing still.
func ensureSubExport(ws *workspace.Workspace, params workspace.Params) (sub *workspace.SubExport, done, resumed bool, err error) {
	if params.Since != filtering.SinceAuto {
		subs, err := ws.SubExports()
		if err != nil {
			return nil, false, false, err
		}
		for _, s := range subs {
			if s.Complete() && s.Metadata().Params.Equal(params) {
				return s, true, false, nil
			}
		}
	}
	sub, resumed, err = ws.Ensure(params)
	return sub, false, resumed, err
}

// finalize closes out a sub-export after its phases ran: the finish
// time is recorded, completeness follows the failure count, and the
// workspace's symlink pool is rebuilt. A sub-export that was already
// complete keeps its recorded times.
func finalize(cmd *cobra.Command, ws *workspace.Workspace, sub *workspace.SubExport) error {
	meta := sub.Metadata()
	if !meta.Complete {
		meta.Finished = fhir.FormatInstant(time.Now())
		meta.Complete = meta.Failures == 0
		if err := sub.Save(); err != nil {
			return err
		}
	}
	linked, err := ws.Relink()
	if err != nil {
		return err
	}
	if meta.Failures > 0 {
		cmd.Printf("Finished %s with %d failed queries; run the same command again to retry them\n",
			sub.Name(), meta.Failures)
	} else {
		cmd.Printf("Finished %s, %d pages linked\n", sub.Name(), linked)
	}
	return nil
}

// watch runs one pipeline phase under a live status display. Verbose
// runs use the plain printer so log lines are not torn apart by
// repaints.
func watch(cmd *cobra.Command, source progress.Source, phase func() error) error {
	display := progress.New(source, progress.Options{
		Out:   cmd.ErrOrStderr(),
		Plain: logger.IsVerbose(),
	})
	display.Start()
	defer display.Stop()
	return phase()
}

func bulkSource(e *bulk.Exporter) progress.Source {
	return func() progress.Snapshot {
		done, total, resources, bytes := e.Progress()
		if total == 0 {
			return progress.Snapshot{Phase: "Waiting for the server"}
		}
		return progress.Snapshot{
			Phase:     "Downloading export files",
			Unit:      "files",
			Done:      done,
			Total:     total,
			Resources: resources,
			Bytes:     bytes,
		}
	}
}

func crawlSource(c *crawl.Crawler) progress.Source {
	return func() progress.Snapshot {
		done, total, resources := c.Progress()
		return progress.Snapshot{
			Phase:     "Crawling patients",
			Unit:      "patients",
			Done:      done,
			Total:     total,
			Resources: resources,
		}
	}
}

func hydrateSource(r *hydrate.Runner) progress.Source {
	return func() progress.Snapshot {
		task, items := r.Progress()
		return progress.Snapshot{
			Phase:     "Hydrating",
			Detail:    task,
			Resources: items,
		}
	}
}

// bulkSince splits the resolved since configuration for a bulk kickoff.
// Under updated mode the dates ride the kickoff's single _since
// parameter; under created mode they are folded per type into the
// _typeFilter values instead.
func bulkSince(resolved filtering.Since, types []string) (kickoff string, perType map[string]string) {
	if resolved.Mode == workspace.SinceUpdated {
		return resolved.Bulk(types), nil
	}
	if resolved.Empty() {
		return "", nil
	}
	perType = make(map[string]string, len(types))
	for _, resourceType := range types {
		if value := resolved.For(resourceType); value != "" {
			perType[resourceType] = value
		}
	}
	return "", perType
}

// resolveSince wraps filtering.Resolve with the flag-level error for an
// auto request that found no prior complete export to continue from.
func resolveSince(ctx context.Context, caps filtering.CapabilitySource, ws *workspace.Workspace, rawMode workspace.SinceMode, types []string) (filtering.Since, error) {
	resolved, err := filtering.Resolve(ctx, caps, ws, sinceValue, rawMode, types)
	if err != nil {
		return filtering.Since{}, err
	}
	if sinceValue == filtering.SinceAuto && resolved.Empty() {
		return filtering.Since{}, errNoAutoSince
	}
	return resolved, nil
}
