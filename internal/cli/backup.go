package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/models"
)

// maxListedDeletes caps how many pending deletions are printed before asking.
const maxListedDeletes = 20

func newBackupCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Preview, run and restore backups",
	}
	cmd.AddCommand(
		newBackupPreviewCmd(e),
		newBackupRunCmd(e),
		newBackupRestoreCmd(e),
		newBackupListCmd(e),
		newBackupHistoryCmd(e),
	)
	return cmd
}

func newBackupPreviewCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "preview [profile-id]",
		Short: "Show what a sync would copy, update and delete",
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
			cs, err := a.gate.Preview(cmd.Context(), p)
			if err != nil {
				return err
			}
			if e.flags.JSON {
				return printJSON(cmd.OutOrStdout(), cs)
			}
			printChangeSet(cmd.OutOrStdout(), cs)
			return nil
		},
	}
}

func newBackupRunCmd(e *env) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "run [profile-id]",
		Short: "Run a backup now",
		Long: `Run a backup of the profile's sources now.

Sync profiles are previewed first. If the sync would delete remote files
you are asked to confirm, unless --yes is given.`,
		Args: cobra.MaximumNArgs(1),
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
			out := cmd.OutOrStdout()

			confirmed := yes
			if p.Mode == models.ModeSync {
				cs, err := a.gate.Preview(cmd.Context(), p)
				if err != nil {
					return err
				}
				if cs.HasDeletes() && !yes {
					if !e.flags.JSON {
						printChangeSet(out, cs)
					}
					ok, err := e.prompt(cmd).Confirm(fmt.Sprintf("Delete %d remote file(s)?", len(cs.FilesToDelete)))
					if err != nil {
						return err
					}
					if !ok {
						return &errors.ErrConfirmationRequired{ProfileID: p.ID, Deletes: len(cs.FilesToDelete)}
					}
					confirmed = true
				}
			}

			op, err := a.gate.ConfirmAndRun(cmd.Context(), p, confirmed)
			if err != nil {
				return err
			}
			if e.flags.JSON {
				if err := printJSON(out, op); err != nil {
					return err
				}
			} else {
				printOperation(out, op)
			}
			if op.Status == models.StatusFailed {
				return fmt.Errorf("backup failed: %s", op.ErrorMessage)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm remote deletions without asking")
	return cmd
}

func newBackupRestoreCmd(e *env) *cobra.Command {
	var (
		target    string
		profileID string
	)

	cmd := &cobra.Command{
		Use:   "restore <remote-path>...",
		Short: "Copy remote files back into a local folder",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return &errors.ErrValidation{Field: "to", Reason: "a local target folder is required"}
			}

			a, err := openApp(e)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.resolveProfile([]string{profileID})
			if err != nil {
				return err
			}
			op, err := a.gate.Restore(cmd.Context(), p, args, target)
			if err != nil {
				return err
			}
			if e.flags.JSON {
				return printJSON(cmd.OutOrStdout(), op)
			}
			printOperation(cmd.OutOrStdout(), op)
			if op.Status == models.StatusFailed {
				return fmt.Errorf("restore failed: %s", op.ErrorMessage)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "to", "", "Local folder to restore into")
	cmd.Flags().StringVar(&profileID, "profile", "", "Profile to restore from (default is the active profile)")
	return cmd
}

func newBackupListCmd(e *env) *cobra.Command {
	var (
		depth     int
		profileID string
	)

	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List files under the profile's destination",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(e)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.resolveProfile([]string{profileID})
			if err != nil {
				return err
			}
			sub := ""
			if len(args) > 0 {
				sub = args[0]
			}
			files, err := a.tool.List(cmd.Context(), p, sub, depth)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if e.flags.JSON {
				return printJSON(out, files)
			}
			tw := newTable(out, "PATH", "SIZE", "MODIFIED")
			for _, f := range files {
				size := formatBytes(f.Size)
				path := f.Path
				if f.IsDir {
					size = "-"
					path += "/"
				}
				mod := f.ModTime
				row(tw, path, size, formatTime(&mod))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&depth, "depth", 1, "Recursion depth, 0 lists everything")
	cmd.Flags().StringVar(&profileID, "profile", "", "Profile to list (default is the active profile)")
	return cmd
}

func newBackupHistoryCmd(e *env) *cobra.Command {
	var (
		limit    int
		clearAll bool
	)

	cmd := &cobra.Command{
		Use:   "history [profile-id]",
		Short: "Show or clear a profile's operation history",
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
			out := cmd.OutOrStdout()

			if clearAll {
				if err := a.gate.ClearHistory(p.ID); err != nil {
					return err
				}
				fmt.Fprintf(out, "History of %s cleared\n", p.ID)
				return nil
			}

			// Pull in runs the scheduler finished since the last look.
			if _, err := a.logSync.Sync(cmd.Context(), p.ID); err != nil {
				a.logger.Warn("failed to import scheduled run logs", "profile_id", p.ID, "error", err)
			}
			ops, err := a.gate.History(p.ID, limit)
			if err != nil {
				return err
			}
			if e.flags.JSON {
				if ops == nil {
					ops = []*models.Operation{}
				}
				return printJSON(out, ops)
			}
			if len(ops) == 0 {
				fmt.Fprintln(out, "No operations recorded.")
				return nil
			}
			tw := newTable(out, "STARTED", "TYPE", "STATUS", "FILES", "BYTES", "ERROR")
			for _, op := range ops {
				started := op.StartedAt
				row(tw, formatTime(&started), op.Type, op.Status, op.FilesTransferred, formatBytes(op.BytesTransferred), op.ErrorMessage)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of operations")
	cmd.Flags().BoolVar(&clearAll, "clear", false, "Delete the recorded history")
	return cmd
}

func printChangeSet(w io.Writer, cs *models.ChangeSet) {
	fmt.Fprintf(w, "To copy:   %d\n", len(cs.FilesToCopy))
	fmt.Fprintf(w, "To update: %d\n", len(cs.FilesToUpdate))
	fmt.Fprintf(w, "To delete: %d\n", len(cs.FilesToDelete))
	fmt.Fprintf(w, "Total:     %d file(s), %s\n", cs.TotalFiles, formatBytes(cs.TotalSize))
	for i, d := range cs.FilesToDelete {
		if i == maxListedDeletes {
			fmt.Fprintf(w, "  ... and %d more\n", len(cs.FilesToDelete)-maxListedDeletes)
			break
		}
		fmt.Fprintf(w, "  delete %s\n", d.Path)
	}
}

func printOperation(w io.Writer, op *models.Operation) {
	fmt.Fprintf(w, "%s %s: %d file(s), %s\n", op.Type, op.Status, op.FilesTransferred, formatBytes(op.BytesTransferred))
	if op.ErrorMessage != "" {
		fmt.Fprintf(w, "Error: %s\n", op.ErrorMessage)
	}
}
