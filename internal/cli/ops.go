package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/montserZalloum/memora/internal/notify"
)

func newReconcileCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one cache reconciliation pass and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), nil, func(a *app) error {
				report, err := a.recon.Run(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print cache, safe-mode, queue and storage status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), nil, func(a *app) error {
				st, err := a.engine.Status(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

func newAlertsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Operator alerts",
	}

	var serverURL, token string
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Print alerts as they are raised",
		Long: "Streams alerts from a running server with --server. Without it, alert files are consumed " +
			"directly from the alert directory; do not combine that with a running `memora serve`, which " +
			"consumes the same files.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL != "" {
				return streamAlerts(cmd.Context(), serverURL, token, func(alert notify.Alert) error {
					return printJSON(cmd.OutOrStdout(), alert)
				})
			}
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			out := cmd.OutOrStdout()
			watcher := notify.NewAlertWatcher(cfg.Alerts.Dir, func(alert notify.Alert) {
				_ = printJSON(out, alert)
			}, log)
			if err := watcher.Start(); err != nil {
				return err
			}
			defer watcher.Stop()
			<-cmd.Context().Done()
			return nil
		},
	}
	watch.Flags().StringVar(&serverURL, "server", "", "Base URL of a running server, e.g. http://127.0.0.1:7373")
	watch.Flags().StringVar(&token, "token", "", "Admin token sent as a Bearer token")

	cmd.AddCommand(watch)
	return cmd
}

// streamAlerts reads the websocket alert stream of the server at base until
// ctx is cancelled or the server closes the stream.
func streamAlerts(ctx context.Context, base, token string, fn func(notify.Alert) error) error {
	u, err := url.Parse(strings.TrimSuffix(base, "/") + "/v1/alerts/stream")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	dialOpts := &websocket.DialOptions{}
	if token != "" {
		dialOpts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, u.String(), dialOpts)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", u, err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	for {
		var alert notify.Alert
		if err := wsjson.Read(ctx, conn, &alert); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		if err := fn(alert); err != nil {
			return err
		}
	}
}
