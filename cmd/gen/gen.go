package gen

import (
	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generators for server documentation",
	Long:  `Generators for server documentation`,
}

func init() {
	RootCmd.AddCommand(ManPagesCmd)
}
