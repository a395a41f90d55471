package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/models"
)

func newScheduleCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show, enable or disable a profile's schedule",
	}
	cmd.AddCommand(
		newScheduleShowCmd(e),
		newScheduleEnableCmd(e),
		newScheduleDisableCmd(e),
	)
	return cmd
}

func newScheduleShowCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show [profile-id]",
		Short: "Show the schedule of a profile",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(e)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.resolveProfile(args)
			if err != nil {
				return err
			}
			s, err := a.schedules.Get(p.ID)
			if err != nil {
				return err
			}
			return printSchedule(cmd.OutOrStdout(), e.flags.JSON, s)
		},
	}
}

func newScheduleEnableCmd(e *env) *cobra.Command {
	var (
		frequency string
		at        string
		silent    bool
	)

	cmd := &cobra.Command{
		Use:   "enable [profile-id]",
		Short: "Enable scheduled backups",
		Long: `Enable scheduled backups for a profile.

Frequency is one of:
  daily          every day at --time
  weekly:<0-6>   every week on the given weekday, 0 is Sunday
  monthly:<1-31> every month on the given day; shorter months are skipped`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			freq, err := models.ParseFrequency(frequency)
			if err != nil {
				return &errors.ErrValidation{Field: "frequency", Reason: err.Error()}
			}

			a, err := openApp(e)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.resolveProfile(args)
			if err != nil {
				return err
			}
			edit, err := a.schedules.Get(p.ID)
			if err != nil {
				return err
			}
			edit = edit.Clone()
			edit.Enabled = true
			edit.Frequency = freq
			if at != "" {
				edit.Time = at
			}
			s, err := a.schedules.Save(cmd.Context(), edit, silent)
			if err != nil {
				return err
			}
			return printSchedule(cmd.OutOrStdout(), e.flags.JSON, s)
		},
	}

	cmd.Flags().StringVar(&frequency, "frequency", "daily", "daily, weekly:<weekday> or monthly:<day>")
	cmd.Flags().StringVar(&at, "time", "", "Local time of day as HH:MM (default keeps the current time)")
	cmd.Flags().BoolVar(&silent, "silent", false, "Do not send a notification if scheduling fails")
	return cmd
}

func newScheduleDisableCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "disable [profile-id]",
		Short: "Disable scheduled backups",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(e)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.resolveProfile(args)
			if err != nil {
				return err
			}
			s, err := a.schedules.SetEnabled(cmd.Context(), p.ID, false, false)
			if err != nil {
				return err
			}
			return printSchedule(cmd.OutOrStdout(), e.flags.JSON, s)
		},
	}
}

func printSchedule(w io.Writer, asJSON bool, s *models.Schedule) error {
	if asJSON {
		return printJSON(w, s)
	}
	state := "disabled"
	if s.Enabled {
		state = "enabled"
	}
	fmt.Fprintf(w, "Profile:   %s\n", s.ProfileID)
	fmt.Fprintf(w, "State:     %s\n", state)
	fmt.Fprintf(w, "Frequency: %s at %s\n", s.Frequency, s.Time)
	fmt.Fprintf(w, "Last run:  %s\n", formatTime(s.LastRun))
	fmt.Fprintf(w, "Next run:  %s\n", formatTime(s.NextRun))
	return nil
}
