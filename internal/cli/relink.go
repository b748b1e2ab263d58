package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/chartpull-cli/internal/workspace"
)

var relinkCmd = &cobra.Command{
	Use:   "relink [folder]",
	Short: "Rebuild the folder's top-level symlinks",
	Long: `Removes the top-level NDJSON links and recreates them from the pages
inside every sub-export, for repairing a folder whose links were moved
or deleted by hand.`,
	Args: cobra.ExactArgs(1),
	RunE: runRelink,
}

func init() {
	rootCmd.AddCommand(relinkCmd)
}

func runRelink(cmd *cobra.Command, args []string) error {
	// Checked before opening so a typo'd path is not turned into a
	// fresh workspace directory.
	subs, err := workspace.ListSubExports(args[0])
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return fmt.Errorf("%s does not look like a chartpull export folder", args[0])
	}

	ws, err := workspace.Open(args[0])
	if err != nil {
		return err
	}
	defer ws.Close()

	linked, err := ws.Relink()
	if err != nil {
		return err
	}
	cmd.Printf("Relinked %d pages\n", linked)
	return nil
}
