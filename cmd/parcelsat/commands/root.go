package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parcelsat",
		Short: "ParcelSat - Parcel Imagery Pipeline",
		Long: `ParcelSat turns land-parcel boundary files into clipped satellite
imagery and metadata documents.

A run takes a KML boundary file, fans out over its polygon features,
searches an imagery provider for matching scenes, orders and downloads
imagery, and catalogs a metadata document per feature. Runs are
idempotent: re-processing the same file overwrites its previous outputs
instead of duplicating them.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "parcelsat.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newDeadLettersCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newProvidersCommand())

	return rootCmd
}
