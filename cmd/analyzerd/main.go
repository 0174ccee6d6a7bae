package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/launchanalyzer/internal/config"
	"github.com/msageha/launchanalyzer/internal/model"
)

const version = "0.3.0"

var (
	baseDir    string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:           "analyzerd",
	Short:         "Automated launch analysis engine",
	Long:          `analyzerd classifies failed test items through analyzer services on a NATS bus and matches their logs against pattern templates.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "analyzerd %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseDir, "dir", ".", "Working directory holding config.yaml and data")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default <dir>/config.yaml)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (model.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(baseDir, "config.yaml")
	}
	return config.Load(path)
}
