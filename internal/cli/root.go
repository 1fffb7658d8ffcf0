// Package cli provides the command-line interface for the LiteClaw platform.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/liteclaw/liteclaw-platform/internal/cli/commands"
	"github.com/liteclaw/liteclaw-platform/internal/version"
)

// NewRootCommand creates the liteclaw-platform command tree.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "liteclaw-platform",
		Short: "LiteClaw Platform - multi-tenant front end for a LiteClaw gateway",
		Long: `LiteClaw Platform gives each signed-in user their own agent on a shared gateway.
It provisions agents, provider keys and channels, and proxies the gateway protocol
to browsers while confining every connection to its tenant.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	cmd.AddCommand(commands.NewServeCommand())
	cmd.AddCommand(commands.NewMigrateCommand())
	cmd.AddCommand(commands.NewTenantsCommand())
	cmd.AddCommand(commands.NewVersionCommand())

	// Global flags
	cmd.PersistentFlags().StringP("config", "c", "", "config file (default is ~/.liteclaw-platform/liteclaw-platform.{json,yaml})")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	return cmd
}

// Execute runs the root command until it finishes or the process is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
