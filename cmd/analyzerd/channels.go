package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/msageha/launchanalyzer/internal/analyzer"
	"github.com/msageha/launchanalyzer/internal/model"
)

var triggerUserID int64

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List analyzer services on the bus",
	Long:  `Discover analyzer services and print them in priority order.`,
	RunE:  runChannels,
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <launchID>",
	Short: "Publish a launch-finished event and wait for the daemon's reply",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrigger,
}

func init() {
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(triggerCmd)

	triggerCmd.Flags().Int64Var(&triggerUserID, "user", 0, "User id recorded on issue changes")
}

func connect(cfg model.Config) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("analyzerd-cli"),
		nats.Timeout(time.Duration(cfg.NATS.TimeoutSec)*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.NATS.URL, err)
	}
	return nc, nil
}

func runChannels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	nc, err := connect(cfg)
	if err != nil {
		return err
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chs, err := analyzer.NewDirectory(nc, cfg.Analyzer.DiscoveryWindow(), nil).ListChannels(ctx)
	if err != nil {
		return err
	}
	if len(chs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no analyzer services found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKEY\tPRIORITY\tINDEX\tSEARCH\tSUGGEST")
	for _, ch := range chs {
		prio := "-"
		if ch.Priority != math.MaxInt {
			prio = strconv.Itoa(ch.Priority)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%t\n", ch.Name, ch.Key, prio, ch.SupportsIndex, ch.SupportsSearch, ch.SupportsSuggest)
	}
	return w.Flush()
}

func runTrigger(cmd *cobra.Command, args []string) error {
	launchID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || launchID <= 0 {
		return fmt.Errorf("invalid launch id %q", args[0])
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	nc, err := connect(cfg)
	if err != nil {
		return err
	}
	defer nc.Close()

	data, err := json.Marshal(model.LaunchFinishedEvent{LaunchID: launchID, UserID: triggerUserID})
	if err != nil {
		return err
	}
	msg, err := nc.Request(cfg.NATS.LaunchFinishedSubject, data, time.Duration(cfg.NATS.TimeoutSec)*time.Second)
	if err != nil {
		return fmt.Errorf("request %s: %w", cfg.NATS.LaunchFinishedSubject, err)
	}

	var out struct {
		Scheduled int `json:"scheduled"`
	}
	if err := analyzer.DecodeResponse(msg.Data, &out); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "launch %d: %d analyses scheduled\n", launchID, out.Scheduled)
	return nil
}
