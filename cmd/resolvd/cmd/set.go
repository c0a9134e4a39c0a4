package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plexsphere/resolvd/internal/config"
	"github.com/plexsphere/resolvd/internal/resolver"
)

var setCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Commit a configuration value, subject to validation",
	Long: "Set a configuration key in the config file. Proposed STUN settings pass\n" +
		"through the same validators a running resolver registers; a rejected value\n" +
		"leaves the file untouched. A running resolver picks the change up on its\n" +
		"next reinitialization, not immediately.",
	Args: cobra.ExactArgs(2),
	RunE: runSet,
}

func init() {
	rootCmd.AddCommand(setCmd)
}

func runSet(_ *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	store, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("resolvd set: %w", err)
	}

	// The same gate a running resolver installs.
	store.RegisterValidator(resolver.KeySTUNServerAddress,
		func(_, v string) error { return resolver.ValidateHost(v) })
	store.RegisterValidator(resolver.KeySTUNServerPort,
		func(_, v string) error { return resolver.ValidatePort(v) })

	if err := store.Set(key, value); err != nil {
		return fmt.Errorf("resolvd set: %w", err)
	}
	if err := store.Save(); err != nil {
		return fmt.Errorf("resolvd set: %w", err)
	}
	return nil
}
