package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/models"
)

func newProfilesCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "profiles",
		Aliases: []string{"profile"},
		Short:   "List, inspect and edit backup profiles",
	}
	cmd.AddCommand(
		newProfilesListCmd(e),
		newProfilesShowCmd(e),
		newProfilesActivateCmd(e),
		newProfilesEditCmd(e),
		newProfilesDeleteCmd(e),
	)
	return cmd
}

func newProfilesListCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(e)
			if err != nil {
				return err
			}
			defer a.Close()

			profiles, err := a.profiles.List()
			if err != nil {
				return err
			}
			activeID := ""
			if active, err := a.profiles.Active(); err == nil {
				activeID = active.ID
			}

			out := cmd.OutOrStdout()
			if e.flags.JSON {
				redacted := make([]*models.Profile, 0, len(profiles))
				for _, p := range profiles {
					redacted = append(redacted, p.Redacted())
				}
				return printJSON(out, map[string]any{"profiles": redacted, "active_profile_id": activeID})
			}
			if len(profiles) == 0 {
				fmt.Fprintln(out, "No profiles. Run 'cloudbackup login' to create one.")
				return nil
			}

			tw := newTable(out, "", "ID", "NAME", "ROLE", "MODE", "DESTINATION", "SOURCES")
			for _, p := range profiles {
				marker := ""
				if p.ID == activeID {
					marker = "*"
				}
				row(tw, marker, p.ID, p.Name, p.Role, p.Mode, p.Destination(), len(p.Sources))
			}
			return tw.Flush()
		},
	}
}

func newProfilesShowCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show [profile-id]",
		Short: "Show a profile (the active one by default)",
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
			p = p.Redacted()

			out := cmd.OutOrStdout()
			if e.flags.JSON {
				return printJSON(out, p)
			}
			fmt.Fprintf(out, "ID:          %s\n", p.ID)
			fmt.Fprintf(out, "Name:        %s\n", p.Name)
			fmt.Fprintf(out, "Role:        %s\n", p.Role)
			fmt.Fprintf(out, "Mode:        %s\n", p.Mode)
			fmt.Fprintf(out, "Destination: %s\n", p.Destination())
			fmt.Fprintf(out, "Tool:        %s (config %s)\n", p.RcloneBin, p.RcloneConf)
			fmt.Fprintf(out, "Flags:       %s\n", strings.Join(p.Flags, " "))
			fmt.Fprintln(out, "Sources:")
			if len(p.Sources) == 0 {
				fmt.Fprintln(out, "  (none)")
			}
			for _, s := range p.Sources {
				fmt.Fprintf(out, "  %s\n", s)
			}
			if p.AWSConfig != nil {
				fmt.Fprintf(out, "Admin keys:  %s / %s\n", p.AWSConfig.AccessKeyID, p.AWSConfig.SecretAccessKey)
			}
			return nil
		},
	}
}

func newProfilesActivateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <profile-id>",
		Short: "Select the active profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(e)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.profiles.SelectActive(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Active profile: %s\n", args[0])
			return nil
		},
	}
}

type profileEdit struct {
	name          string
	mode          string
	addSources    []string
	removeSources []string
	flags         []string
	resetFlags    bool
}

func (pe *profileEdit) apply(p *models.Profile) error {
	if pe.name != "" {
		p.Name = pe.name
	}
	if pe.mode != "" {
		switch strings.ToLower(pe.mode) {
		case "copy":
			p.Mode = models.ModeCopy
		case "sync":
			p.Mode = models.ModeSync
		default:
			return &errors.ErrValidation{Field: "mode", Reason: fmt.Sprintf("unknown mode %q, want copy or sync", pe.mode)}
		}
	}
	for _, src := range pe.addSources {
		if !slices.Contains(p.Sources, src) {
			p.Sources = append(p.Sources, src)
		}
	}
	if len(pe.removeSources) > 0 {
		p.Sources = slices.DeleteFunc(p.Sources, func(s string) bool {
			return slices.Contains(pe.removeSources, s)
		})
	}
	if pe.resetFlags {
		p.Flags = append([]string(nil), models.DefaultProfileFlags...)
	}
	if len(pe.flags) > 0 {
		p.Flags = append([]string(nil), pe.flags...)
	}
	return nil
}

func newProfilesEditCmd(e *env) *cobra.Command {
	var edit profileEdit

	cmd := &cobra.Command{
		Use:   "edit [profile-id]",
		Short: "Change a profile's name, mode, sources or tool flags",
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
			if err := edit.apply(p); err != nil {
				return err
			}
			updated, err := a.profiles.Update(cmd.Context(), p)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if e.flags.JSON {
				return printJSON(out, updated.Redacted())
			}
			fmt.Fprintf(out, "Profile %s updated: %s, %d source(s)\n", updated.ID, updated.Mode, len(updated.Sources))
			return nil
		},
	}

	cmd.Flags().StringVar(&edit.name, "name", "", "Display name")
	cmd.Flags().StringVar(&edit.mode, "mode", "", "Backup mode: copy or sync")
	cmd.Flags().StringArrayVar(&edit.addSources, "add-source", nil, "Add a local source folder (repeatable)")
	cmd.Flags().StringArrayVar(&edit.removeSources, "remove-source", nil, "Remove a source folder (repeatable)")
	cmd.Flags().StringArrayVar(&edit.flags, "flag", nil, "Replace the tool flags (repeatable)")
	cmd.Flags().BoolVar(&edit.resetFlags, "reset-flags", false, "Restore the default tool flags")
	return cmd
}

func newProfilesDeleteCmd(e *env) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <profile-id>",
		Short: "Delete a profile, its schedule and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				ok, err := e.prompt(cmd).Confirm(fmt.Sprintf("Delete profile %s?", args[0]))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}

			a, err := openApp(e)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.profiles.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Profile %s deleted\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}
