package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/refsync/internal/collector"
	"github.com/sells-group/refsync/internal/model"
)

var (
	collectOnce    bool
	collectDataset string
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect reference datasets from their external sources",
	Long: `Runs the collection loops that page through the configured external
ontology services and land records in the store.

By default each dataset gets a long-running loop that keeps collecting until
interrupted. Use --once to run a single cycle per dataset and exit, and
--dataset to restrict collection to one dataset.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if collectDataset == "" {
			if err := cfg.Validate("collect"); err != nil {
				return err
			}
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		var collectors []*collector.Collector
		if collectDataset != "" {
			dataset, err := model.ParseDataset(collectDataset)
			if err != nil {
				return err
			}
			c := buildCollector(st, dataset)
			if c == nil {
				return eris.Errorf("dataset %s has no base_url configured", dataset)
			}
			collectors = append(collectors, c)
		} else {
			collectors = buildCollectors(st)
		}
		if len(collectors) == 0 {
			return eris.New("no datasets configured; set datasets.<name>.base_url")
		}

		if collectOnce {
			for _, c := range collectors {
				result, err := c.Tick(ctx)
				if err != nil {
					return err
				}
				switch {
				case result.Skipped:
					fmt.Printf("%s: up to date\n", result.Dataset)
				default:
					fmt.Printf("%s: fetched %d (inserted %d, updated %d), complete=%v\n",
						result.Dataset, result.Fetched, result.Inserted, result.Updated, result.Completed)
				}
			}
			return nil
		}

		zap.L().Info("starting collection loops", zap.Int("datasets", len(collectors)))

		g, gctx := errgroup.WithContext(ctx)
		for _, c := range collectors {
			g.Go(func() error { return c.Run(gctx) })
		}

		if err := g.Wait(); err != nil && ctx.Err() == nil {
			return eris.Wrap(err, "collect")
		}
		return nil
	},
}

func init() {
	collectCmd.Flags().BoolVar(&collectOnce, "once", false, "run one cycle per dataset and exit")
	collectCmd.Flags().StringVar(&collectDataset, "dataset", "", "restrict to one dataset (disease, medication)")
	rootCmd.AddCommand(collectCmd)
}
