package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plexsphere/resolvd/internal/resolver"
)

var checkCmd = &cobra.Command{
	Use:   "check <key> <value>",
	Short: "Check whether a proposed configuration value would be accepted",
	Long: "Run a proposed value through the same validation that guards configuration\n" +
		"commits. Supported keys: STUN_SERVER_ADDRESS, STUN_SERVER_PORT.",
	Args: cobra.ExactArgs(2),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	var err error
	switch key {
	case resolver.KeySTUNServerAddress:
		err = resolver.ValidateHost(value)
	case resolver.KeySTUNServerPort:
		err = resolver.ValidatePort(value)
	default:
		return fmt.Errorf("resolvd check: unknown key %q", key)
	}

	if err != nil {
		return fmt.Errorf("rejected: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "accepted")
	return nil
}
