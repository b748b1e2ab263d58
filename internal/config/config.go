// Package config applies a TOML file as command-line flag defaults.
// Keys use the same names as the flags they fill, written with dashes
// or underscores; a key only takes effect when the matching flag was
// not given on the command line, so flags always win. Keys with no
// matching flag on the running command are skipped, which lets one
// file serve several subcommands.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// Apply loads the TOML file at path and fills in every matching flag
// the command line left unset.
func Apply(cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var values map[string]any
	if err := toml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	flags := cmd.Flags()
	for key, value := range values {
		key = strings.ReplaceAll(key, "_", "-")
		if flags.Lookup(key) == nil || flags.Changed(key) {
			continue
		}
		// Arrays feed repeatable flags one element at a time.
		elements, ok := value.([]any)
		if !ok {
			elements = []any{value}
		}
		for _, element := range elements {
			text, err := render(element)
			if err != nil {
				return fmt.Errorf("config key %q: %w", key, err)
			}
			if err := flags.Set(key, text); err != nil {
				return fmt.Errorf("config key %q: %w", key, err)
			}
		}
	}
	return nil
}

// render turns one TOML value into the string a flag accepts.
func render(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case time.Time:
		return v.Format(time.RFC3339), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", value)
	}
}
