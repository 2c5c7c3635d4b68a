package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/montserZalloum/memora/internal/storage"
	"github.com/montserZalloum/memora/pkg/types"
)

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid date %q (want YYYY-MM-DD or RFC 3339)", s)
}

func newSeasonCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "season",
		Short: "Manage seasons",
	}

	var endDate string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a season and its storage partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			end, err := parseDate(endDate)
			if err != nil {
				return err
			}
			return opts.withApp(cmd.Context(), nil, func(a *app) error {
				season, err := a.seasons.CreateSeason(cmd.Context(), args[0], end)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), season)
			})
		},
	}
	create.Flags().StringVar(&endDate, "end-date", "", "Season end date (YYYY-MM-DD)")

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List seasons",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := storage.SeasonFilter{Status: types.SeasonStatus(status)}
			if status != "" && !types.IsValidSeasonStatus(filter.Status) {
				return fmt.Errorf("unknown status %q", status)
			}
			return opts.withApp(cmd.Context(), nil, func(a *app) error {
				seasons, err := a.seasons.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if seasons == nil {
					seasons = []types.Season{}
				}
				return printJSON(cmd.OutOrStdout(), seasons)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "Only seasons in this state")

	activate := &cobra.Command{
		Use:   "activate <name>",
		Short: "Open a season for reviews",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), nil, func(a *app) error {
				if err := a.seasons.Activate(cmd.Context(), args[0]); err != nil {
					return err
				}
				return printSeason(cmd, a, args[0])
			})
		},
	}

	deactivate := &cobra.Command{
		Use:   "deactivate <name>",
		Short: "Close a season for reviews",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), nil, func(a *app) error {
				if err := a.seasons.Deactivate(cmd.Context(), args[0]); err != nil {
					return err
				}
				return printSeason(cmd, a, args[0])
			})
		},
	}

	rename := &cobra.Command{
		Use:   "rename <old> <new>",
		Short: "Rename a season that has no partition yet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := types.ValidateSeasonName(args[1]); err != nil {
				return err
			}
			return opts.withApp(cmd.Context(), nil, func(a *app) error {
				if err := a.seasons.Rename(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				return printSeason(cmd, a, args[1])
			})
		},
	}

	var disable bool
	var autoEnd string
	autoArchive := &cobra.Command{
		Use:   "auto-archive <name>",
		Short: "Set or clear the auto-archive flag of an inactive season",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			end, err := parseDate(autoEnd)
			if err != nil {
				return err
			}
			return opts.withApp(cmd.Context(), nil, func(a *app) error {
				if err := a.seasons.SetAutoArchive(cmd.Context(), args[0], !disable, end); err != nil {
					return err
				}
				return printSeason(cmd, a, args[0])
			})
		},
	}
	autoArchive.Flags().BoolVar(&disable, "off", false, "Clear the flag instead of setting it")
	autoArchive.Flags().StringVar(&autoEnd, "end-date", "", "Also set the season end date (YYYY-MM-DD)")

	cmd.AddCommand(create, list, activate, deactivate, rename, autoArchive)
	return cmd
}

func printSeason(cmd *cobra.Command, a *app, name string) error {
	season, err := a.seasons.Get(cmd.Context(), name)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), season)
}
