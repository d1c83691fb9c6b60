package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tagaudit/internal/service"
	"tagaudit/internal/storage"
	"tagaudit/pkg/model"
)

var historyFlags struct {
	url       string
	platform  string
	since     time.Duration
	limit     int
	platforms bool
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List stored audits",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var showCmd = &cobra.Command{
	Use:   "show SCAN_ID",
	Short: "Print a stored audit as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	f := historyCmd.Flags()
	f.StringVar(&historyFlags.url, "url", "", "only audits of this URL")
	f.StringVar(&historyFlags.platform, "platform", "", "only audits where this platform was detected")
	f.DurationVar(&historyFlags.since, "since", 0, "only audits started within this window, e.g. 24h")
	f.IntVarP(&historyFlags.limit, "limit", "n", 20, "maximum rows")
	f.BoolVar(&historyFlags.platforms, "platforms", false, "print platform counts instead of audits")
}

func openService() (*service.Service, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Sqlite.DSN == "" {
		return nil, service.ErrNoStore
	}
	return service.New(cfg, nil, log)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close(cmd.Context())

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if historyFlags.platforms {
		counts, err := svc.PlatformCounts(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "PLATFORM\tSCANS")
		for _, c := range counts {
			fmt.Fprintf(tw, "%s\t%d\n", c.Platform, c.Scans)
		}
		return nil
	}

	opts := storage.ListOptions{URL: historyFlags.url, Platform: historyFlags.platform, Limit: historyFlags.limit}
	if historyFlags.since > 0 {
		opts.Since = time.Now().Add(-historyFlags.since)
	}
	recs, err := svc.History(cmd.Context(), opts)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "ID\tSTARTED\tURL\tOK\tTAGS\tSCORE\tVALID")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%d\t%t\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.URL, r.Success, r.Tags, r.Score, r.IsValid)
	}
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close(cmd.Context())

	a, err := svc.GetAudit(cmd.Context(), model.ScanID(args[0]))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(a)
}
