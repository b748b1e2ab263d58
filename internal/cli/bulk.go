package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/chartpull-cli/internal/bulk"
	"github.com/custodia-labs/chartpull-cli/internal/client"
	"github.com/custodia-labs/chartpull-cli/internal/eventlog"
	"github.com/custodia-labs/chartpull-cli/internal/filtering"
	"github.com/custodia-labs/chartpull-cli/internal/workspace"
)

var bulkCancelFlag bool

var bulkCmd = &cobra.Command{
	Use:   "bulk [folder]",
	Short: "Run a FHIR bulk export into a local folder",
	Long: `Drives the server's $export operation without the hydration pass:
kick off, poll until the manifest is ready, then download its NDJSON
files. An interrupted run resumes from the recorded status URL.
--cancel instead asks the server to drop the folder's in-flight
export.`,
	Args: cobra.ExactArgs(1),
	RunE: runBulkCmd,
}

func init() {
	addServerFlags(bulkCmd)
	addSelectionFlags(bulkCmd)
	addSinceFlags(bulkCmd)
	addOutputFlags(bulkCmd)
	bulkCmd.Flags().StringVar(&groupID, "group", "", "server Group id to export")
	bulkCmd.Flags().IntVar(&downloadWorkers, "download-workers", bulk.DefaultConcurrency, "parallel bulk file downloads")
	bulkCmd.Flags().BoolVar(&bulkCancelFlag, "cancel", false, "cancel the folder's in-flight export on the server")
	rootCmd.AddCommand(bulkCmd)
}

func runBulkCmd(cmd *cobra.Command, args []string) error {
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

	_, bulkClient, err := buildClients(ctx)
	if err != nil {
		return err
	}

	ws, err := workspace.Open(args[0])
	if err != nil {
		return err
	}
	defer ws.Close()

	if bulkCancelFlag {
		return cancelBulk(ctx, cmd, bulkClient, ws)
	}

	types, err = limitToServer(ctx, cmd, bulkClient, types)
	if err != nil {
		return err
	}
	resolved, err := resolveSince(ctx, bulkClient, ws, rawMode, types)
	if err != nil {
		return err
	}

	params := workspace.Params{
		FHIRURL:     bulkClient.BaseURL(),
		Group:       groupID,
		Types:       types,
		TypeFilters: typeFilters,
		Since:       sinceValue,
		SinceMode:   resolved.Mode,
		Mode:        workspace.ModeBulk,
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
	if err := runBulkPhase(ctx, cmd, bulkClient, sub, log, filters, resolved, types, rollSize); err != nil {
		return err
	}
	return finalize(cmd, ws, sub)
}

func cancelBulk(ctx context.Context, cmd *cobra.Command, c *client.Client, ws *workspace.Workspace) error {
	sub, err := ws.InProgress()
	if err != nil {
		return err
	}
	if sub == nil {
		return errors.New("the folder has no in-progress export to cancel")
	}
	if err := bulk.Cancel(ctx, c, sub); err != nil {
		return err
	}
	cmd.Printf("Cancelled the export in %s\n", sub.Name())
	return nil
}
