package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pcap-platform/pcaprewrite/viewer"
)

var rootCmd = &cobra.Command{
	Use:          "pairs-viewer <pairs_file>",
	Short:        "Print the contents of a serialized pairs mapping file",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(_ *cobra.Command, args []string) error {
		return viewer.Print(args[0], os.Stdout)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}
