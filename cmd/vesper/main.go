package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"vesper/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "vesper",
	Short: "Vesper cooperative task runtime shell",
	Long:  `Vesper is an embeddable cooperative task runtime with diagnostic tooling`,
}

func main() {
	rootCmd.Version = version.Version

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(topCmd)

	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")
	rootCmd.PersistentFlags().String("config", "vesper.toml", "runtime configuration file")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		mode, _ := cmd.Flags().GetString("color")
		applyColorMode(mode)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func applyColorMode(mode string) {
	switch mode {
	case "on":
		color.NoColor = false
	case "off":
		color.NoColor = true
	default:
		color.NoColor = !isTerminal(os.Stdout)
	}
}
