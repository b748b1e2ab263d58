package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/chartpull-cli/internal/bulk"
	"github.com/custodia-labs/chartpull-cli/internal/client"
	"github.com/custodia-labs/chartpull-cli/internal/cohort"
	"github.com/custodia-labs/chartpull-cli/internal/crawl"
	"github.com/custodia-labs/chartpull-cli/internal/eventlog"
	"github.com/custodia-labs/chartpull-cli/internal/filtering"
	"github.com/custodia-labs/chartpull-cli/internal/hydrate"
	"github.com/custodia-labs/chartpull-cli/internal/workspace"
)

var exportMode string

var exportCmd = &cobra.Command{
	Use:   "export [folder]",
	Short: "Export a cohort's clinical record into a local folder",
	Long: `Runs the full pipeline: acquire the cohort's resources, hydrate notes
and referenced resources, and link the pages at the top of the folder.
The server's bulk $export operation is used when it offers one;
otherwise every patient is crawled through plain searches.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	addServerFlags(exportCmd)
	addSelectionFlags(exportCmd)
	addSinceFlags(exportCmd)
	addCohortFlags(exportCmd)
	addOutputFlags(exportCmd)
	exportCmd.Flags().StringVar(&exportMode, "export-mode", "auto", "acquisition strategy: auto, bulk or crawl")
	exportCmd.Flags().IntVar(&downloadWorkers, "download-workers", bulk.DefaultConcurrency, "parallel bulk file downloads")
	exportCmd.Flags().IntVar(&patientWorkers, "patient-workers", crawl.DefaultPatientWorkers, "patients crawled at once")
	exportCmd.Flags().IntVar(&typeWorkers, "type-workers", crawl.DefaultTypeWorkers, "resource types in flight per patient")
	exportCmd.Flags().IntVar(&attachmentWorkers, "attachment-workers", hydrate.DefaultAttachmentWorkers, "parallel attachment downloads")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	types, help, err := expandRequestedTypes(typeNames)
	if err != nil {
		return err
	}
	if help {
		return printTypes(cmd)
	}
	rollSize, err := parseRollSize()
	if err != nil {
		return err
	}
	compression, err := parseCompression()
	if err != nil {
		return err
	}
	rawMode, err := parseSinceMode()
	if err != nil {
		return err
	}

	rest, bulkClient, err := buildClients(ctx)
	if err != nil {
		return err
	}
	mode, err := resolveExportMode(ctx, cmd, bulkClient)
	if err != nil {
		return err
	}
	types, err = limitToServer(ctx, cmd, bulkClient, types)
	if err != nil {
		return err
	}

	ws, err := workspace.Open(args[0])
	if err != nil {
		return err
	}
	defer ws.Close()

	if err := checkExportContext(ws, rest.BaseURL(), groupID); err != nil {
		return err
	}
	resolved, err := resolveSince(ctx, bulkClient, ws, rawMode, types)
	if err != nil {
		return err
	}

	params := workspace.Params{
		FHIRURL:     rest.BaseURL(),
		Group:       groupID,
		Types:       types,
		TypeFilters: typeFilters,
		Since:       sinceValue,
		SinceMode:   resolved.Mode,
		Mode:        mode,
		Nickname:    nickname,
		Compression: compression,
	}
	sub, done, resumed, err := ensureSubExport(ws, params)
	if err != nil {
		return err
	}

	log, err := eventlog.Open(sub.LogPath())
	if err != nil {
		return err
	}
	defer log.Close()

	switch {
	case done:
		cmd.Printf("%s already holds this export\n", sub.Name())
	case resumed:
		cmd.Printf("Resuming %s\n", sub.Name())
	default:
		cmd.Printf("Starting %s\n", sub.Name())
	}

	if !done {
		filters, err := filtering.New(types, typeFilters, !noDefaultFilters)
		if err != nil {
			return err
		}
		switch mode {
		case workspace.ModeBulk:
			err = runBulkPhase(ctx, cmd, bulkClient, sub, log, filters, resolved, types, rollSize)
		case workspace.ModeCrawl:
			err = runCrawlPhase(ctx, cmd, rest, bulkClient, ws, sub, log, filters, resolved, rollSize)
		}
		if err != nil {
			return err
		}
	}

	runner := hydrate.New(rest, sub, log, hydrate.Options{
		AttachmentWorkers: attachmentWorkers,
		RollSize:          rollSize,
	})
	if err := watch(cmd, hydrateSource(runner), func() error { return runner.Run(ctx) }); err != nil {
		return err
	}

	return finalize(cmd, ws, sub)
}

// resolveExportMode turns --export-mode=auto into bulk when the server
// advertises an $export operation, crawl otherwise.
func resolveExportMode(ctx context.Context, cmd *cobra.Command, c *client.Client) (workspace.Mode, error) {
	switch exportMode {
	case "bulk":
		return workspace.ModeBulk, nil
	case "crawl":
		return workspace.ModeCrawl, nil
	case "", "auto":
	default:
		return "", errors.New("invalid --export-mode; use auto, bulk or crawl")
	}
	caps, err := c.Capability(ctx)
	if err != nil {
		return "", err
	}
	if caps.SupportsOperation("export") {
		return workspace.ModeBulk, nil
	}
	cmd.Println("Server offers no bulk $export; crawling instead")
	return workspace.ModeCrawl, nil
}

// checkExportContext refuses a folder whose earlier exports came from
// a different server or Group. Incremental runs chain their since
// dates from the folder's history, so mixing sources would silently
// produce wrong deltas.
func checkExportContext(ws *workspace.Workspace, fhirURL, group string) error {
	subs, err := ws.SubExports()
	if err != nil {
		return err
	}
	for _, sub := range subs {
		meta := sub.Metadata()
		if meta == nil {
			continue
		}
		if strings.TrimSuffix(meta.Params.FHIRURL, "/") != strings.TrimSuffix(fhirURL, "/") {
			return fmt.Errorf("the folder holds exports from %s, not %s; use a fresh folder",
				meta.Params.FHIRURL, fhirURL)
		}
		if meta.Params.Group != group {
			return fmt.Errorf("the folder holds exports for %s, not %s; use a fresh folder",
				groupLabel(meta.Params.Group), groupLabel(group))
		}
	}
	return nil
}

func groupLabel(group string) string {
	if group == "" {
		return "the whole system"
	}
	return "Group " + group
}

func runBulkPhase(ctx context.Context, cmd *cobra.Command, c *client.Client, sub *workspace.SubExport, log *eventlog.Log, filters *filtering.Filters, resolved filtering.Since, types []string, rollSize int64) error {
	kickoff, perType := bulkSince(resolved, types)
	exporter := bulk.New(c, sub, log, bulk.Options{
		Group:         groupID,
		Types:         types,
		TypeFilters:   filters.TypeFilters(perType, resolved.Mode),
		Since:         kickoff,
		Concurrency:   downloadWorkers,
		RollSize:      rollSize,
		ClientName:    appName,
		ClientVersion: version,
	})
	return watch(cmd, bulkSource(exporter), func() error { return exporter.Run(ctx) })
}

func runCrawlPhase(ctx context.Context, cmd *cobra.Command, rest, bulkClient *client.Client, ws *workspace.Workspace, sub *workspace.SubExport, log *eventlog.Log, filters *filtering.Filters, resolved filtering.Since, rollSize int64) error {
	opts := cohortOptions(rollSize)
	if opts.IDList == "" && opts.IDFile == "" && opts.SourceDir == "" && opts.Group == "" {
		// With no cohort input the folder's own patients are crawled
		// again.
		opts.SourceDir = ws.Root()
	}
	resolver := cohort.New(cohortClient(rest, bulkClient), ws, sub, log, opts)
	patients, err := resolver.Resolve(ctx)
	if errors.Is(err, cohort.ErrEmptyCohort) && groupCohort() {
		// A group with no members still finishes as a complete, empty
		// export.
		cmd.Println("The group has no patients; finishing an empty export")
		return nil
	}
	if err != nil {
		return err
	}
	cmd.Printf("Cohort: %d patients via %s\n", patients.Count(), patients.Source)

	crawler := crawl.New(rest, ws, sub, log, crawl.Options{
		Filters:        filters,
		Since:          resolved,
		Cohort:         patients,
		Group:          groupID,
		PatientWorkers: patientWorkers,
		TypeWorkers:    typeWorkers,
		RollSize:       rollSize,
		ClientName:     appName,
		ClientVersion:  version,
	})
	return watch(cmd, crawlSource(crawler), func() error { return crawler.Run(ctx) })
}

// groupCohort reports whether the Group flag is the active cohort
// source.
func groupCohort() bool {
	return idList == "" && idFile == "" && sourceDir == "" && groupID != ""
}

// cohortClient picks the client that resolves the cohort: a Group
// cohort runs a bulk Patient export, identifier cohorts use plain
// searches.
func cohortClient(rest, bulkClient *client.Client) *client.Client {
	if groupCohort() {
		return bulkClient
	}
	return rest
}
