package commands

import (
	"github.com/spf13/cobra"

	"github.com/dyluth/sapling/internal/printer"
	"github.com/dyluth/sapling/pkg/wire"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and protocol information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		printer.Printf("sapling %s\n", version)
		printer.Printf("  commit:   %s\n", commit)
		printer.Printf("  built:    %s\n", date)
		printer.Printf("  codecs:   %s, %s (optional zstd)\n", wire.CodecJSON, wire.CodecBinary)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
