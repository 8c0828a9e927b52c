package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/open-edge-platform/apt-bootstrap/internal/config/version"
)

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", version.Toolname, version.Version)
			fmt.Printf("Build Date: %s\n", version.BuildDate)
			fmt.Printf("Commit: %s\n", version.CommitSHA)
		},
	}
}
