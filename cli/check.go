package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fin-hub/hubgate/daemon"
	"github.com/fin-hub/hubgate/hub"
)

// NewCheckCmd creates the "check" subcommand: validate a spoke declaration
// file without starting the gateway.
func NewCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [config-file]",
		Short: "Validate a hubgate.yaml spoke declaration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCheck,
	}
	return cmd
}

func runCheck(cmd *cobra.Command, args []string) error {
	explicit := ""
	if len(args) == 1 {
		explicit = args[0]
	}

	path, found, err := daemon.DiscoverConfigPath(explicit)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	if !found {
		return exitError(exitConfig, "no spoke declaration file found")
	}

	cfg, err := daemon.LoadConfig(path)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}

	// Dry-run registration against a throwaway catalog so declarations go
	// through the same validation as live registrations.
	catalog := hub.NewCatalog(hub.CatalogConfig{})
	registered, err := daemon.RegisterSpokesFromConfig(cmd.Context(), catalog, path)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d spoke declaration(s) valid\n", path, len(cfg.Spokes))
	for _, inst := range registered {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s %s (%d tool(s))\n", inst.ID, inst.Address, len(inst.Tools))
	}
	return nil
}
