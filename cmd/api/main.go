package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const serviceName = "estatehub"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   serviceName,
		Short: "Real estate portal change proposal and approval API",
		Long: `estatehub serves the change proposal and approval API for properties and banners.

Employees and agents stage edits as drafts and submit them for review; admins
approve, reject or request revisions. Configuration is read from the environment.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(serveCmd(), migrateCmd())
	return cmd
}
