package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/graphile/worker-sub000/internal/config"
	"github.com/graphile/worker-sub000/internal/cron"
)

const defaultCrontabFile = "crontab"

func crontabCmd(cfg *config.Config) *cobra.Command {
	var (
		next int
		from string
	)
	cmd := &cobra.Command{
		Use:   "crontab",
		Short: "Parse a crontab and print each item's upcoming runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Crontab != "" && cfg.CrontabFile != "" {
				return fmt.Errorf("--crontab and --crontab-file are mutually exclusive")
			}
			start := time.Now()
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
				start = t
			}
			var (
				items []*cron.Item
				err   error
			)
			if cfg.Crontab != "" {
				items, err = cron.Parse(cfg.Crontab)
			} else {
				path := cfg.CrontabFile
				if path == "" {
					path = defaultCrontabFile
				}
				items, err = cron.LoadFile(path)
			}
			if err != nil {
				return err
			}
			return printCrontab(cmd.OutOrStdout(), items, start, next)
		},
	}
	cmd.Flags().StringVar(&cfg.Crontab, "crontab", cfg.Crontab, "Crontab text")
	cmd.Flags().StringVar(&cfg.CrontabFile, "crontab-file", cfg.CrontabFile, "Path to a crontab file (default ./crontab)")
	cmd.Flags().IntVarP(&next, "next", "n", 3, "Upcoming runs to print per item")
	cmd.Flags().StringVar(&from, "from", "", "RFC 3339 time to compute runs from (default now)")
	return cmd
}

func printCrontab(out io.Writer, items []*cron.Item, from time.Time, next int) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(out, "No crontab items.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTIFIER\tTASK\tBACKFILL\tPAYLOAD\tNEXT RUNS")
	for _, item := range items {
		payload := "-"
		if item.Payload != nil {
			encoded, err := json.Marshal(item.Payload)
			if err != nil {
				return fmt.Errorf("encode payload of %s: %w", item.Identifier, err)
			}
			payload = string(encoded)
		}
		sched := item.Schedule()
		t := from.UTC()
		for i := 0; i < next; i++ {
			t = sched.Next(t)
			first := item.Identifier
			task, backfill, p := item.Task, item.Options.Backfill.String(), payload
			if i > 0 {
				first, task, backfill, p = "", "", "", ""
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", first, task, backfill, p, t.Format(time.RFC3339))
		}
		if next <= 0 {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", item.Identifier, item.Task, item.Options.Backfill, payload)
		}
	}
	return w.Flush()
}
