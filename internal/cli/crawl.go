package cli

import (
	"github.com/spf13/cobra"

	"github.com/custodia-labs/chartpull-cli/internal/crawl"
	"github.com/custodia-labs/chartpull-cli/internal/eventlog"
	"github.com/custodia-labs/chartpull-cli/internal/filtering"
	"github.com/custodia-labs/chartpull-cli/internal/workspace"
)

var crawlCmd = &cobra.Command{
	Use:   "crawl [folder]",
	Short: "Export a cohort through per-patient searches",
	Long: `Fetches every patient's resources through plain FHIR searches instead
of a bulk export, for servers without $export or where bulk runs are
slow. The cohort comes from --group, --id-list, --id-file or
--source-dir.`,
	Args: cobra.ExactArgs(1),
	RunE: runCrawl,
}

func init() {
	addServerFlags(crawlCmd)
	addSelectionFlags(crawlCmd)
	addSinceFlags(crawlCmd)
	addCohortFlags(crawlCmd)
	addOutputFlags(crawlCmd)
	crawlCmd.Flags().IntVar(&patientWorkers, "patient-workers", crawl.DefaultPatientWorkers, "patients crawled at once")
	crawlCmd.Flags().IntVar(&typeWorkers, "type-workers", crawl.DefaultTypeWorkers, "resource types in flight per patient")
	rootCmd.AddCommand(crawlCmd)
}

func runCrawl(cmd *cobra.Command, args []string) error {
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
	types, err = limitToServer(ctx, cmd, rest, types)
	if err != nil {
		return err
	}

	ws, err := workspace.Open(args[0])
	if err != nil {
		return err
	}
	defer ws.Close()

	resolved, err := resolveSince(ctx, rest, ws, rawMode, types)
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
		Mode:        workspace.ModeCrawl,
		Nickname:    nickname,
		Compression: compression,
	}
	sub, done, resumed, err := ensureSubExport(ws, params)
	if err != nil {
		return err
	}
	if done {
		cmd.Printf("%s already holds this export\n", sub.Name())
		return finalize(cmd, ws, sub)
	}
	if resumed {
		cmd.Printf("Resuming %s\n", sub.Name())
	} else {
		cmd.Printf("Starting %s\n", sub.Name())
	}

	log, err := eventlog.Open(sub.LogPath())
	if err != nil {
		return err
	}
	defer log.Close()

	filters, err := filtering.New(types, typeFilters, !noDefaultFilters)
	if err != nil {
		return err
	}
	if err := runCrawlPhase(ctx, cmd, rest, bulkClient, ws, sub, log, filters, resolved, rollSize); err != nil {
		return err
	}
	return finalize(cmd, ws, sub)
}
