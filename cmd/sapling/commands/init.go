package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/sapling/internal/printer"
	"github.com/dyluth/sapling/internal/scaffold"
)

var (
	forceInit bool
	initDir   string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default sapling.yml",
	Long: `Write a commented sapling.yml with every default spelled out, and a
received/ directory for serve --out.

Use --force to overwrite an existing sapling.yml.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	// Note: Cannot use -f shorthand; keep it free for future file flags
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing sapling.yml")
	initCmd.Flags().StringVar(&initDir, "dir", ".", "Directory to initialize")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if !forceInit {
		if err := scaffold.CheckExisting(initDir); err != nil {
			return printer.Error("already initialized", err.Error(), nil)
		}
	}

	if err := scaffold.Initialize(initDir, forceInit); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	scaffold.PrintSuccess()
	return nil
}
