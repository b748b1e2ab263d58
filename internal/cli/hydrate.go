package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/chartpull-cli/internal/eventlog"
	"github.com/custodia-labs/chartpull-cli/internal/hydrate"
	"github.com/custodia-labs/chartpull-cli/internal/workspace"
)

var (
	hydrateTasks     []string
	hydrateMimetypes []string
	hydrateForce     bool
	hydrateExport    string
)

var hydrateCmd = &cobra.Command{
	Use:   "hydrate [folder]",
	Short: "Inline notes and fetch referenced resources",
	Long: `Runs the hydration tasks over an export: clinical note attachments are
inlined into their resources, and Observations and Medications that
are referenced but missing are fetched. Tasks already completed on the
sub-export are skipped unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runHydrate,
}

func init() {
	addServerFlags(hydrateCmd)
	hydrateCmd.Flags().StringSliceVar(&hydrateTasks, "tasks", nil, "hydration tasks to run ('help' to list them, default all)")
	hydrateCmd.Flags().StringSliceVar(&hydrateMimetypes, "mimetypes", nil, "attachment types to inline, default text/plain and text/html")
	hydrateCmd.Flags().BoolVar(&hydrateForce, "force", false, "rerun tasks already marked complete")
	hydrateCmd.Flags().StringVar(&hydrateExport, "export", "", "sub-export to hydrate, default the newest one")
	hydrateCmd.Flags().IntVar(&attachmentWorkers, "attachment-workers", hydrate.DefaultAttachmentWorkers, "parallel attachment downloads")
	hydrateCmd.Flags().StringVar(&rollSizeFlag, "roll-size", "", "start a new NDJSON page after this much data, like 250MB")
	rootCmd.AddCommand(hydrateCmd)
}

func runHydrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	for _, name := range hydrateTasks {
		if strings.EqualFold(name, "help") {
			cmd.Println("Hydration tasks:")
			for _, task := range hydrate.TaskNames() {
				cmd.Printf("  %s\n", task)
			}
			return nil
		}
	}
	rollSize, err := parseRollSize()
	if err != nil {
		return err
	}

	rest, _, err := buildClients(ctx)
	if err != nil {
		return err
	}

	ws, err := workspace.Open(args[0])
	if err != nil {
		return err
	}
	defer ws.Close()

	sub, err := pickSubExport(ws, hydrateExport)
	if err != nil {
		return err
	}

	log, err := eventlog.Open(sub.LogPath())
	if err != nil {
		return err
	}
	defer log.Close()

	runner := hydrate.New(rest, sub, log, hydrate.Options{
		Tasks:             hydrateTasks,
		Mimetypes:         hydrateMimetypes,
		Force:             hydrateForce,
		AttachmentWorkers: attachmentWorkers,
		RollSize:          rollSize,
	})
	if err := watch(cmd, hydrateSource(runner), func() error { return runner.Run(ctx) }); err != nil {
		return err
	}

	// Hydration adds pages, so the link pool is rebuilt. Completeness
	// of the sub-export is untouched.
	linked, err := ws.Relink()
	if err != nil {
		return err
	}
	cmd.Printf("Hydrated %s, %d pages linked\n", sub.Name(), linked)
	return nil
}

// pickSubExport selects the sub-export to operate on: the named one,
// or the newest when no name is given.
func pickSubExport(ws *workspace.Workspace, name string) (*workspace.SubExport, error) {
	subs, err := ws.SubExports()
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("%s holds no exports", ws.Root())
	}
	sub := subs[len(subs)-1]
	if name != "" {
		sub = nil
		for _, s := range subs {
			if s.Name() == name {
				sub = s
				break
			}
		}
		if sub == nil {
			return nil, fmt.Errorf("no sub-export named %s in %s", name, ws.Root())
		}
	}
	if sub.Metadata() == nil {
		return nil, fmt.Errorf("%s: %w", sub.Name(), workspace.ErrNoMetadata)
	}
	return sub, nil
}
