package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/msageha/launchanalyzer/internal/config"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Inspect and edit per-project analyzer settings",
}

var projectShowCmd = &cobra.Command{
	Use:   "show <projectID>",
	Short: "Print the merged settings of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, ps, err := projectArgs(args[0])
		if err != nil {
			return err
		}
		s := ps.Settings(id)
		keys := make([]string, 0, len(s))
		for k := range s {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, s[k])
		}
		return nil
	},
}

var projectSetCmd = &cobra.Command{
	Use:   "set <projectID> <key> <value>",
	Short: "Set one setting; project 0 edits the defaults",
	Long:  `Set one setting. A running daemon picks the change up without a restart.`,
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, ps, err := projectArgs(args[0])
		if err != nil {
			return err
		}
		return ps.Set(id, args[1], args[2])
	},
}

func init() {
	rootCmd.AddCommand(projectCmd)
	projectCmd.AddCommand(projectShowCmd)
	projectCmd.AddCommand(projectSetCmd)
}

func projectArgs(raw string) (int64, *config.ProjectSettings, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, nil, fmt.Errorf("invalid project id %q", raw)
	}
	cfg, err := loadConfig()
	if err != nil {
		return 0, nil, err
	}
	path := cfg.Projects.SettingsPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	ps, err := config.LoadProjectSettings(path, nil)
	if err != nil {
		return 0, nil, err
	}
	return id, ps, nil
}
