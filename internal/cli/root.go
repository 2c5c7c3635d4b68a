// Package cli implements the memora command line: the long-running server
// and worker processes and the one-shot operator commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/montserZalloum/memora/internal/config"
	"github.com/montserZalloum/memora/internal/logging"
	"github.com/montserZalloum/memora/internal/notify"
)

type options struct {
	configPath string
	logLevel   string
}

// NewRootCmd returns the memora command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "memora",
		Short:         "Spaced-repetition schedule engine",
		Long:          "Memora serves due-item schedules from a Redis cache backed by a durable store, with safe-mode fallback, write-back persistence, reconciliation and season archival.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file (MEMORA_* environment variables override it)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(
		newServeCmd(opts),
		newWorkerCmd(opts),
		newReconcileCmd(opts),
		newSeasonCmd(opts),
		newArchiveCmd(opts),
		newRetentionCmd(opts),
		newStatusCmd(opts),
		newAlertsCmd(opts),
	)
	return root
}

func (o *options) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// withApp loads the configuration, wires the components, runs fn and
// releases everything afterwards.
func (o *options) withApp(ctx context.Context, alerts *notify.Recorder, fn func(a *app) error) error {
	cfg, log, err := o.load()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	a, err := newApp(ctx, cfg, log, alerts)
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("shutdown incomplete", zap.Error(err))
		}
	}()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
