package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/refsync/internal/fallback"
	"github.com/sells-group/refsync/internal/monitoring"
)

var statusShowLog bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show collection progress per dataset",
	Long:  "Displays collection progress, record counts, and recent fetch activity for all datasets.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		fb, err := fallback.Default()
		if err != nil {
			return err
		}

		snap, err := monitoring.NewCollector(st, fb).Collect(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		formatSnapshot(os.Stdout, snap)

		problems := monitoring.Check(snap, monitoring.CheckConfig{
			ErrorThreshold: cfg.Collector.ErrorThreshold,
			StaleAfter:     2 * cfg.Collector.Interval(),
		})
		for _, p := range problems {
			fmt.Printf("\nWARNING [%s] %s: %s\n", p.Severity, p.Dataset, p.Message)
		}

		if statusShowLog {
			fmt.Println()
			formatFetchLog(os.Stdout, snap)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusShowLog, "log", false, "also show recent fetch log entries")
	rootCmd.AddCommand(statusCmd)
}

// formatSnapshot writes a tabular view of per-dataset progress to w.
func formatSnapshot(out io.Writer, snap *monitoring.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATASET\tRECORDS\tOFFSET\tTOTAL\tCOMPLETE\tLAST STATUS\tERRORS\tLAST FETCH")
	_, _ = fmt.Fprintln(w, "-------\t-------\t------\t-----\t--------\t-----------\t------\t----------")

	for _, ds := range snap.Datasets {
		p := ds.Progress

		total := "-"
		if p.TotalAvailable != nil {
			total = fmt.Sprintf("%d", *p.TotalAvailable)
		}
		lastFetch := "never"
		if p.LastFetchAt != nil {
			lastFetch = p.LastFetchAt.Format("2006-01-02 15:04")
		}

		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%v\t%s\t%d\t%s\n",
			ds.Dataset,
			ds.RecordCount,
			p.CurrentOffset,
			total,
			p.IsComplete,
			p.LastFetchStatus,
			p.ConsecutiveErrors,
			lastFetch,
		)
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\nFallback dataset version: %s\n", snap.FallbackVersion)
}

// formatFetchLog writes the recent fetch log entries for every dataset.
func formatFetchLog(out io.Writer, snap *monitoring.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATASET\tWHEN\tOFFSET\tCOUNT\tSTATUS\tERROR")
	_, _ = fmt.Fprintln(w, "-------\t----\t------\t-----\t------\t-----")

	for _, ds := range snap.Datasets {
		for _, e := range ds.RecentFetches {
			errMsg := ""
			if e.Error != "" {
				errMsg = truncate(e.Error, 60)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
				e.Dataset,
				e.CreatedAt.Format(time.RFC3339),
				e.Offset,
				e.Count,
				e.Status,
				errMsg,
			)
		}
	}
	_ = w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
