package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

func newArchiveCmd(opts *options) *cobra.Command {
	var auto bool
	cmd := &cobra.Command{
		Use:   "archive [season]",
		Short: "Move an inactive season to cold storage, or run the auto-archive pass with --auto",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if auto == (len(args) == 1) {
				return errors.New("give exactly one of a season name or --auto")
			}
			return opts.withApp(cmd.Context(), nil, func(a *app) error {
				if auto {
					report, err := a.seasons.AutoArchive(cmd.Context())
					if err != nil {
						return err
					}
					if err := printJSON(cmd.OutOrStdout(), report); err != nil {
						return err
					}
					if len(report.Failures) > 0 {
						return errors.New("some seasons failed to archive")
					}
					return nil
				}
				res, err := a.seasons.ArchiveSeason(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().BoolVar(&auto, "auto", false, "Archive every due season with auto-archive set")
	return cmd
}

func newRetentionCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Manage retention of archived records",
	}

	flag := &cobra.Command{
		Use:   "flag",
		Short: "Mark archived records older than the retention period as eligible for deletion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), nil, func(a *app) error {
				n, err := a.seasons.FlagRetention(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"flagged": n})
			})
		},
	}

	var confirm bool
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Permanently delete flagged archived records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), nil, func(a *app) error {
				n, err := a.seasons.PurgeEligible(cmd.Context(), confirm)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"purged": n})
			})
		},
	}
	purge.Flags().BoolVar(&confirm, "confirm", false, "Required: acknowledge that deletion is irreversible")

	cmd.AddCommand(flag, purge)
	return cmd
}
