package cli

import (
	"context"
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/montserZalloum/memora/internal/notify"
	"github.com/montserZalloum/memora/internal/server"
)

func newServeCmd(opts *options) *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with queue workers and periodic jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), nil, func(a *app) error {
				return serve(cmd.Context(), a, !noWorkers)
			})
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Do not consume the task queues (run `memora worker` separately)")
	return cmd
}

func serve(ctx context.Context, a *app, workers bool) error {
	// Alerts from this process and from separate workers all land in the
	// alert directory; the watcher feeds them to the websocket stream.
	recorder := notify.NewRecorder(100)
	watcher := notify.NewAlertWatcher(a.cfg.Alerts.Dir, func(alert notify.Alert) {
		_ = recorder.Notify(ctx, alert)
	}, a.log)
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("alert watcher: %w", err)
	}
	defer watcher.Stop()

	srv, err := server.New(server.Deps{
		Engine:     a.engine,
		Seasons:    a.seasons,
		Reconciler: a.recon,
		Alerts:     recorder,
	}, a.cfg.Server, a.log)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	a.log.Info("memora serving", zap.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, ln) })
	if workers {
		startWorkers(gctx, g, a)
	}
	startJobs(gctx, g, a)
	return g.Wait()
}

func startWorkers(ctx context.Context, g *errgroup.Group, a *app) {
	for _, r := range a.runners() {
		g.Go(func() error { return r.Run(ctx) })
	}
}

func startJobs(ctx context.Context, g *errgroup.Group, a *app) {
	if a.cfg.Reconcile.Enabled {
		g.Go(func() error { return a.recon.Start(ctx) })
	}
	if a.cfg.Archive.Enabled {
		g.Go(func() error { return a.seasons.Start(ctx) })
	}
}

func newWorkerCmd(opts *options) *cobra.Command {
	var jobs bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the persistence and maintenance queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), nil, func(a *app) error {
				g, gctx := errgroup.WithContext(cmd.Context())
				startWorkers(gctx, g, a)
				if jobs {
					startJobs(gctx, g, a)
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().BoolVar(&jobs, "jobs", false, "Also run the periodic reconciliation and archive jobs")
	return cmd
}
