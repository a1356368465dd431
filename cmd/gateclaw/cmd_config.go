package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/user/gateclaw/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

// flatValues renders the config document as sorted dot-key / value pairs with
// secrets masked.
func flatValues(snap *config.Snapshot) (map[string]any, error) {
	data, err := json.Marshal(snap.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("reparse config: %w", err)
	}
	return config.MaskSecrets(config.Flatten(doc)), nil
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := config.NewCoordinator(cfgPath).Get()
		if err != nil {
			return err
		}
		values, err := flatValues(snap)
		if err != nil {
			return err
		}

		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			fmt.Fprintf(os.Stdout, "%s = %v\n", k, values[k])
		}
		fmt.Fprintf(os.Stdout, "\n# hash: %s\n", snap.Hash)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := config.NewCoordinator(cfgPath).Get()
		if err != nil {
			return err
		}
		values, err := flatValues(snap)
		if err != nil {
			return err
		}
		val, ok := values[args[0]]
		if !ok {
			return fmt.Errorf("unknown config key %q", args[0])
		}
		fmt.Fprintln(os.Stdout, val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		coord := config.NewCoordinator(cfgPath)
		snap, err := coord.Get()
		if err != nil {
			return err
		}

		// Values that parse as JSON keep their type; everything else is a
		// plain string, so `config set max_concurrent 8` sets a number and
		// `config set log_level debug` sets a string.
		var value any
		if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
			value = args[1]
		}

		if _, err := coord.Set(map[string]any{args[0]: value}, snap.Hash); err != nil {
			return err
		}
		display := args[1]
		if config.IsSecretKey(args[0]) {
			display = "***"
		}
		fmt.Fprintf(os.Stdout, "Set %s = %s\n", args[0], display)
		return nil
	},
}
