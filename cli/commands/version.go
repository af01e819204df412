package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/satishbabariya/rekey/cli/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Get().FullString())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.Version = version.Get().String()
}
