package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/sessionbrain/sessionbrain/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"                     _             _               _\n" +
		"  ___  ___  ___ ___ (_) ___  _ __ | |__  _ __ __ _(_)_ __\n" +
		" / __|/ _ \\/ __/ __|| |/ _ \\| '_ \\| '_ \\| '__/ _` | | '_ \\\n" +
		" \\__ \\  __/\\__ \\__ \\| | (_) | | | | |_) | | | (_| | | | | |\n" +
		" |___/\\___||___/___/|_|\\___/|_| |_|_.__/|_|  \\__,_|_|_| |_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "sessionbrain",
	Short: "sessionbrain - messaging session control plane",
	Long:  color.CyanString(logo) + "\nAllocates proxies and profiles to messaging sessions, queues outbound\ntasks, and keeps sessions alive.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(decisionsCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(proxyCmd)
}
