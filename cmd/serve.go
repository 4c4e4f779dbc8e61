package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/refsync/internal/api"
	"github.com/sells-group/refsync/internal/fallback"
	"github.com/sells-group/refsync/internal/monitoring"
)

var (
	servePort       int
	serveCollectors bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP lookup API",
	Long: `Serves record lookups, search, cross-reference resolution, and the
status surface over HTTP. With --with-collectors the background collection
loops run in the same process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		svc, err := buildResolver(st)
		if err != nil {
			return err
		}
		fb, err := fallback.Default()
		if err != nil {
			return err
		}

		srv := api.NewServer(svc, monitoring.NewCollector(st, fb), monitoring.CheckConfig{
			ErrorThreshold: cfg.Collector.ErrorThreshold,
			StaleAfter:     2 * cfg.Collector.Interval(),
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		httpSrv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: srv.Router(),
		}

		g, gctx := errgroup.WithContext(ctx)

		if serveCollectors {
			collectors := buildCollectors(st)
			zap.L().Info("starting embedded collectors", zap.Int("datasets", len(collectors)))
			for _, c := range collectors {
				g.Go(func() error { return c.Run(gctx) })
			}
		}

		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			return httpSrv.Shutdown(cmd.Context())
		})
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		if err := g.Wait(); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveCollectors, "with-collectors", false, "run collection loops in-process")
	rootCmd.AddCommand(serveCmd)
}
