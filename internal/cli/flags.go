package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/custodia-labs/chartpull-cli/internal/client"
	"github.com/custodia-labs/chartpull-cli/internal/cohort"
	"github.com/custodia-labs/chartpull-cli/internal/fhir"
	"github.com/custodia-labs/chartpull-cli/internal/filtering"
	"github.com/custodia-labs/chartpull-cli/internal/workspace"
)

// Flag variables shared across the pipeline commands. Each command
// registers only the groups it uses, so one config file can serve
// several subcommands.
var (
	// server and auth
	fhirURL           string
	tokenURL          string
	smartClientID     string
	smartKey          string
	bulkSmartClientID string
	bulkSmartKey      string
	bearerTokenFile   string
	requestsPerSecond float64

	// resource selection
	typeNames        []string
	typeFilters      []string
	noDefaultFilters bool

	// incremental fetch
	sinceValue string
	sinceMode  string

	// cohort inputs
	groupID   string
	idList    string
	idFile    string
	idSystem  string
	sourceDir string

	// output shape
	nickname        string
	compressionName string
	rollSizeFlag    string

	// concurrency budgets
	downloadWorkers   int
	patientWorkers    int
	typeWorkers       int
	attachmentWorkers int
)

func addServerFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&fhirURL, "fhir-url", "", "base URL of the FHIR R4 server")
	cmd.Flags().StringVar(&tokenURL, "token-url", "", "SMART token endpoint, discovered from the server when unset")
	cmd.Flags().StringVar(&smartClientID, "smart-client-id", "", "SMART backend services client id")
	cmd.Flags().StringVar(&smartKey, "smart-key", "", "path to the SMART signing key (PEM or JWKS)")
	cmd.Flags().StringVar(&bulkSmartClientID, "bulk-smart-client-id", "", "separate client id for bulk export requests")
	cmd.Flags().StringVar(&bulkSmartKey, "bulk-smart-key", "", "signing key for the bulk client id")
	cmd.Flags().StringVar(&bearerTokenFile, "bearer-token", "", "file holding a fixed bearer token")
	cmd.Flags().Float64Var(&requestsPerSecond, "requests-per-second", 0, "request rate cap shared by all workers, 0 for none")
}

func addSelectionFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&typeNames, "type", nil, "resource types to export ('all' for every type, 'help' to list them)")
	cmd.Flags().StringArrayVar(&typeFilters, "type-filter", nil, "extra search filter as Type?param=value, repeatable")
	cmd.Flags().BoolVar(&noDefaultFilters, "no-default-filters", false, "drop the built-in category filters")
}

func addSinceFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&sinceValue, "since", "", "only fetch resources dated after this instant, or 'auto' to continue from the last complete export")
	cmd.Flags().StringVar(&sinceMode, "since-mode", "auto", "which date --since applies to: auto, updated or created")
}

func addCohortFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&groupID, "group", "", "server Group id holding the cohort")
	cmd.Flags().StringVar(&idList, "id-list", "", "comma-separated patient identifiers")
	cmd.Flags().StringVar(&idFile, "id-file", "", "file of patient identifiers, one per line or a CSV with an ID column")
	cmd.Flags().StringVar(&idSystem, "id-system", "", "identifier system; identifiers resolve via Patient?identifier=system|value")
	cmd.Flags().StringVar(&sourceDir, "source-dir", "", "reuse the Patient set of another export folder")
}

func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&nickname, "nickname", "", "label for the new sub-export instead of today's date")
	cmd.Flags().StringVar(&compressionName, "compression", "gzip", "NDJSON page compression: gzip or none")
	cmd.Flags().StringVar(&rollSizeFlag, "roll-size", "", "start a new NDJSON page after this much data, like 250MB")
}

// expandRequestedTypes resolves the --type values case-insensitively
// against the supported list. help reports that the user asked for the
// list instead of an export.
func expandRequestedTypes(values []string) (types []string, help bool, err error) {
	canonical := make(map[string]string, len(fhir.PatientTypes))
	for _, name := range fhir.PatientTypes {
		canonical[strings.ToLower(name)] = name
	}
	var requested []string
	for _, entry := range values {
		for _, name := range strings.Split(entry, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			switch strings.ToLower(name) {
			case "all":
				types, err = fhir.ExpandTypes(nil)
				return types, false, err
			case "help":
				return nil, true, nil
			}
			match, ok := canonical[strings.ToLower(name)]
			if !ok {
				return nil, false, fmt.Errorf("unknown resource type %q; try --type help", name)
			}
			requested = append(requested, match)
		}
	}
	types, err = fhir.ExpandTypes(requested)
	return types, false, err
}

func printTypes(cmd *cobra.Command) error {
	cmd.Println("Supported resource types:")
	for _, name := range fhir.PatientTypes {
		cmd.Printf("  %s\n", name)
	}
	return nil
}

// limitToServer drops requested types the server's capability statement
// does not list, with a note per dropped type.
func limitToServer(ctx context.Context, cmd *cobra.Command, c *client.Client, types []string) ([]string, error) {
	caps, err := c.Capability(ctx)
	if err != nil {
		return nil, err
	}
	var kept []string
	for _, resourceType := range types {
		if caps.SupportsResource(resourceType) {
			kept = append(kept, resourceType)
		} else {
			cmd.Printf("Skipping %s: the server does not serve it\n", resourceType)
		}
	}
	if len(kept) == 0 {
		return nil, errors.New("the server serves none of the requested resource types")
	}
	return kept, nil
}

// buildClients returns the REST client and the bulk client. A single
// credential pair serves both roles when only one is configured; with
// no credentials at all the clients are unauthenticated.
func buildClients(ctx context.Context) (rest, bulkClient *client.Client, err error) {
	if fhirURL == "" {
		return nil, nil, errors.New("--fhir-url is required")
	}

	restID, restKey := smartClientID, smartKey
	bulkID, bulkKey := bulkSmartClientID, bulkSmartKey
	if restID == "" && bulkID != "" {
		restID, restKey = bulkID, bulkKey
	}
	if bulkID == "" && restID != "" {
		bulkID, bulkKey = restID, restKey
	}

	var static client.TokenProvider
	if bearerTokenFile != "" {
		raw, err := os.ReadFile(bearerTokenFile)
		if err != nil {
			return nil, nil, fmt.Errorf("read bearer token: %w", err)
		}
		static = client.StaticTokenProvider(strings.TrimSpace(string(raw)))
	}

	endpoint := tokenURL
	if endpoint == "" && static == nil && restID != "" {
		endpoint, err = client.DiscoverTokenURL(ctx, nil, fhirURL)
		if err != nil {
			return nil, nil, err
		}
	}

	build := func(clientID, keyPath string) (*client.Client, error) {
		tokens := static
		if tokens == nil && clientID != "" {
			if keyPath == "" {
				return nil, fmt.Errorf("client id %s has no signing key; pass --smart-key", clientID)
			}
			key, err := client.LoadSigningKey(keyPath)
			if err != nil {
				return nil, err
			}
			tokens = client.NewSMARTProvider(endpoint, clientID, key, "", nil)
		}
		return client.New(client.Options{
			BaseURL:           fhirURL,
			Tokens:            tokens,
			RequestsPerSecond: requestsPerSecond,
		})
	}

	if rest, err = build(restID, restKey); err != nil {
		return nil, nil, err
	}
	if bulkClient, err = build(bulkID, bulkKey); err != nil {
		return nil, nil, err
	}
	return rest, bulkClient, nil
}

func parseSinceMode() (workspace.SinceMode, error) {
	switch sinceMode {
	case "", "auto":
		return filtering.SinceModeAuto, nil
	case "updated":
		return workspace.SinceUpdated, nil
	case "created":
		return workspace.SinceCreated, nil
	default:
		return "", fmt.Errorf("invalid --since-mode %q; use auto, updated or created", sinceMode)
	}
}

func parseCompression() (bool, error) {
	switch compressionName {
	case "", "gzip":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("invalid --compression %q; use gzip or none", compressionName)
	}
}

func parseRollSize() (int64, error) {
	if rollSizeFlag == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(rollSizeFlag)
	if err != nil {
		return 0, fmt.Errorf("invalid --roll-size %q: %w", rollSizeFlag, err)
	}
	return int64(n), nil
}

func cohortOptions(rollSize int64) cohort.Options {
	return cohort.Options{
		IDList:        idList,
		IDFile:        idFile,
		SourceDir:     sourceDir,
		Group:         groupID,
		IDSystem:      idSystem,
		TypeFilters:   typeFilters,
		RollSize:      rollSize,
		ClientName:    appName,
		ClientVersion: version,
	}
}
