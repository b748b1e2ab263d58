package cli

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	singleBinary  bool
	singleCompact bool
)

var singleCmd = &cobra.Command{
	Use:   "single [Type/id]",
	Short: "Fetch one resource and print it",
	Long: `Fetches a single resource by reference, like Patient/123, and prints
its JSON. --binary instead decodes a Binary resource's data field and
writes the raw bytes, for pulling an attachment by hand.`,
	Args: cobra.ExactArgs(1),
	RunE: runSingle,
}

func init() {
	addServerFlags(singleCmd)
	singleCmd.Flags().BoolVar(&singleBinary, "binary", false, "decode the resource's base64 data field to stdout")
	singleCmd.Flags().BoolVar(&singleCompact, "compact", false, "print the JSON on one line")
	rootCmd.AddCommand(singleCmd)
}

func runSingle(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rest, _, err := buildClients(ctx)
	if err != nil {
		return err
	}
	resource, err := rest.GetResource(ctx, args[0])
	if err != nil {
		return err
	}

	if singleBinary {
		encoded, _ := resource["data"].(string)
		if encoded == "" {
			return fmt.Errorf("%s has no data field to decode", args[0])
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("decode %s data: %w", args[0], err)
		}
		_, err = cmd.OutOrStdout().Write(raw)
		return err
	}

	var out []byte
	if singleCompact {
		out, err = json.Marshal(resource)
	} else {
		out, err = json.MarshalIndent(resource, "", "  ")
	}
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	return nil
}
