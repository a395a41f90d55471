package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudbackup/cloudbackup/internal/credentials"
	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/logging"
	"github.com/cloudbackup/cloudbackup/internal/models"
)

func newCredentialsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Validate or revoke storage credentials",
	}
	cmd.AddCommand(
		newCredentialsValidateCmd(e),
		newCredentialsRevokeCmd(e),
	)
	return cmd
}

func subjectOf(p *models.Profile) (string, error) {
	if p.SubjectID == "" {
		return "", &errors.ErrValidation{Field: "profile", Reason: fmt.Sprintf("profile %s is not bound to an identity", p.ID)}
	}
	return p.SubjectID, nil
}

func newCredentialsValidateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [profile-id]",
		Short: "Check that the stored service credential is accepted",
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
			subject, err := subjectOf(p)
			if err != nil {
				return err
			}
			cred, err := a.store.GetServiceCredential(subject)
			if err != nil {
				if errors.IsNotFound(err) {
					return fmt.Errorf("%w: no service credential for %s", errors.ErrUnattendedUnavailable, subject)
				}
				return err
			}

			region := cred.Region
			if region == "" {
				region = a.cfg.Storage.Region
			}
			arn, err := credentials.NewValidator().Validate(cmd.Context(), cred.AccessKeyID, cred.SecretAccessKey, "", region)
			if err != nil {
				return fmt.Errorf("service credential %s rejected: %w", logging.Redact(cred.AccessKeyID), err)
			}

			out := cmd.OutOrStdout()
			if e.flags.JSON {
				return printJSON(out, map[string]any{
					"subject_id":    subject,
					"access_key_id": logging.Redact(cred.AccessKeyID),
					"arn":           arn,
					"valid":         true,
				})
			}
			fmt.Fprintf(out, "Service credential %s is valid (%s)\n", logging.Redact(cred.AccessKeyID), arn)
			return nil
		},
	}
}

func newCredentialsRevokeCmd(e *env) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "revoke [profile-id]",
		Short: "Forget the service credential and disable scheduled runs",
		Long: `Forget the locally cached service credential and remove the unattended
tool config. The profile's schedule is disabled because scheduled runs need
that credential. The credential itself is not deleted from the backend.`,
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
			subject, err := subjectOf(p)
			if err != nil {
				return err
			}
			if !yes {
				ok, err := e.prompt(cmd).Confirm(fmt.Sprintf("Revoke the service credential of %s?", p.Name))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}

			coord, err := a.coordinator(cmd.Context())
			if err != nil {
				return err
			}
			if err := coord.Revoke(cmd.Context(), subject); err != nil && !errors.IsNotFound(err) {
				return err
			}
			if s, err := a.schedules.Get(p.ID); err == nil && s.Enabled {
				if _, err := a.schedules.SetEnabled(cmd.Context(), p.ID, false, true); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service credential of %s revoked\n", p.Name)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}
