package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/frostbite2000/MSN-Messenger-Server/cmd/gen"
	"github.com/frostbite2000/MSN-Messenger-Server/internal/meta"
)

var rootCmd = &cobra.Command{
	Use:   "msnserver",
	Short: "An MSN Messenger notification server",
	Long: `An MSN Messenger notification server

It speaks the MSNP dialects used by classic Messenger clients:
authentication, contact lists, presence and message relay over a
single notification connection.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := meta.GetInfo()
		fmt.Printf("msnserver %s (%s, %s, built %s, %s)\n",
			info.Version, info.Build, info.Branch, info.BuildTime, info.GoVersion)
	},
}

func init() {
	rootCmd.AddCommand(StartCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
