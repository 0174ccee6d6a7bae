package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/launchanalyzer/internal/daemon"
	"github.com/msageha/launchanalyzer/internal/setup"
)

var (
	initNATSURL  string
	initHTTPAddr string
	initForce    bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the analysis daemon",
	Long:  `Run the daemon in the foreground until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := daemon.New(baseDir, cfg)
		if err != nil {
			return err
		}
		return d.Run()
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write default config.yaml and projects.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setup.Run(baseDir, setup.Options{
			NATSURL:  initNATSURL,
			HTTPAddr: initHTTPAddr,
			Force:    initForce,
		}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", baseDir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initNATSURL, "nats-url", "", "Broker URL to write into config.yaml")
	initCmd.Flags().StringVar(&initHTTPAddr, "http-addr", "", "Ops HTTP listen address")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config.yaml")
}
