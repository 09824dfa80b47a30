package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	configPaths  []string
	pluginsRoot  string
	logLevel     string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "pluginctl",
	Short: "Install, activate, update and remove plugins",
	Long: `pluginctl manages the plugins under a plugins root.
Configuration is read from the files given with --config, then PLUGIND_* environment
variables, then flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "config", "c", nil, "configuration file (YAML or JSON), may be repeated")
	rootCmd.PersistentFlags().StringVar(&pluginsRoot, "plugins-root", "", "directory holding installed plugins")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "table", "output format: table|json|yaml")

	rootCmd.AddCommand(cmdInstall)
	rootCmd.AddCommand(cmdActivate)
	rootCmd.AddCommand(cmdDeactivate)
	rootCmd.AddCommand(cmdUpdate)
	rootCmd.AddCommand(cmdRemove)
	rootCmd.AddCommand(cmdStatus)
	rootCmd.AddCommand(cmdList)
	rootCmd.AddCommand(cmdBackups)
	rootCmd.AddCommand(cmdServe)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}
