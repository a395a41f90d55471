package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cloudbackup/cloudbackup/internal/admin"
	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/logging"
	"github.com/cloudbackup/cloudbackup/internal/models"
)

func newAdminCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Set up the shared bucket and provision employee storage users",
		Long: `Commands for Admin profiles. setup-bucket prepares the shared bucket.
Employees get their own storage user confined to <bucket>/<username>/,
created with the administrator keys stored on the profile.`,
	}
	cmd.PersistentFlags().String("profile", "", "Admin profile (default is the active profile)")
	cmd.AddCommand(
		newAdminConfigureCmd(e),
		newAdminSetupBucketCmd(e),
		newAdminAddEmployeeCmd(e),
		newAdminRemoveEmployeeCmd(e),
		newAdminEmployeesCmd(e),
		newAdminEmployeeConfigCmd(e),
	)
	return cmd
}

func adminProfile(cmd *cobra.Command, a *app) (*models.Profile, error) {
	id, _ := cmd.Flags().GetString("profile")
	p, err := a.resolveProfile([]string{id})
	if err != nil {
		return nil, err
	}
	if p.Role != models.RoleAdmin {
		return nil, &errors.ErrInvalidState{State: string(p.Role), Operation: "administer employees"}
	}
	return p, nil
}

func newAdminConfigureCmd(e *env) *cobra.Command {
	var (
		accessKeyID string
		region      string
		bucket      string
	)

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Store the administrator keys used to manage employees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(e)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := adminProfile(cmd, a)
			if err != nil {
				return err
			}
			if accessKeyID == "" {
				return &errors.ErrValidation{Field: "access-key-id", Reason: "is required"}
			}
			secret, err := e.prompt(cmd).Secret("Secret access key: ")
			if err != nil {
				return err
			}
			if secret == "" {
				return &errors.ErrValidation{Field: "secret_access_key", Reason: "must not be empty"}
			}

			cfg := &models.AWSConfig{}
			if p.AWSConfig != nil {
				cfg = p.AWSConfig
			}
			cfg.AccessKeyID = accessKeyID
			cfg.SecretAccessKey = secret
			if region != "" {
				cfg.Region = region
			} else if cfg.Region == "" {
				cfg.Region = a.cfg.Storage.Region
			}
			if bucket != "" {
				cfg.BucketName = bucket
			} else if cfg.BucketName == "" {
				cfg.BucketName = p.Bucket
			}
			p.AWSConfig = cfg

			if _, err := a.profiles.Update(cmd.Context(), p); err != nil {
				return err
			}
			a.logger.Audit(cmd.Context(), logging.NewAuditEvent(logging.AdminAction, "configure administrator keys", logging.StatusSuccess).
				WithSubject(p.SubjectID).
				WithDetail("profile_id", p.ID).
				WithDetail("access_key_id", logging.Redact(accessKeyID)))
			fmt.Fprintf(cmd.OutOrStdout(), "Administrator keys %s stored on %s\n", logging.Redact(accessKeyID), p.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&accessKeyID, "access-key-id", "", "Administrator access key ID")
	cmd.Flags().StringVar(&region, "region", "", "Region of the bucket")
	cmd.Flags().StringVar(&bucket, "bucket", "", "Bucket employees are confined to (default is the profile bucket)")
	return cmd
}

func newAdminSetupBucketCmd(e *env) *cobra.Command {
	var lc models.LifecycleConfig

	cmd := &cobra.Command{
		Use:   "setup-bucket",
		Short: "Create and harden the profile's bucket",
		Long: `Create the bucket if it does not exist, then enable versioning and
SSE-S3 default encryption, block public access and deny requests made
without TLS. Safe to run again.

With --lifecycle, objects move to STANDARD_IA after --days-to-ia days and to
GLACIER after --days-to-glacier days (0 keeps them out of GLACIER). Objects
are never expired.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(e)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := adminProfile(cmd, a)
			if err != nil {
				return err
			}
			res, err := a.admin.SetupBucket(cmd.Context(), p.ID, lc)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if e.flags.JSON {
				return printJSON(out, res)
			}
			if res.Created {
				fmt.Fprintf(out, "Created bucket %s in %s\n", res.Bucket, res.Region)
			} else {
				fmt.Fprintf(out, "Bucket %s already exists\n", res.Bucket)
			}
			fmt.Fprintln(out, "Versioning, SSE-S3 encryption, public access block and TLS-only policy applied")
			if res.Lifecycle.Enabled {
				fmt.Fprintf(out, "Lifecycle: STANDARD_IA after %d days", res.Lifecycle.DaysToIA)
				if g := res.Lifecycle.DaysToGlacier; g > 0 && g < admin.NeverToGlacier {
					fmt.Fprintf(out, ", GLACIER after %d days", g)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&lc.Enabled, "lifecycle", false, "Add storage-class transitions")
	cmd.Flags().IntVar(&lc.DaysToIA, "days-to-ia", 30, "Days before objects move to STANDARD_IA")
	cmd.Flags().IntVar(&lc.DaysToGlacier, "days-to-glacier", 90, "Days before objects move to GLACIER (0 for never)")
	return cmd
}

func newAdminAddEmployeeCmd(e *env) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "add-employee",
		Short: "Create a storage user for an employee",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return &errors.ErrValidation{Field: "name", Reason: "is required"}
			}
			a, err := openApp(e)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := adminProfile(cmd, a)
			if err != nil {
				return err
			}
			emp, err := a.admin.AddEmployee(cmd.Context(), p.ID, name)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if e.flags.JSON {
				return printJSON(out, emp)
			}
			fmt.Fprintf(out, "Employee %s created as %s (id %s)\n", emp.Name, emp.Username, emp.ID)
			fmt.Fprintf(out, "Access key ID:     %s\n", emp.AccessKeyID)
			fmt.Fprintf(out, "Secret access key: %s\n", emp.SecretAccessKey)
			fmt.Fprintln(out, "Use 'cloudbackup admin employee-config' to hand out a tool config.")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Employee display name")
	return cmd
}

func newAdminRemoveEmployeeCmd(e *env) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "remove-employee <employee-id>",
		Short: "Delete an employee's storage user and keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				ok, err := e.prompt(cmd).Confirm(fmt.Sprintf("Delete employee %s and their access keys?", args[0]))
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

			if err := a.admin.RemoveEmployee(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Employee %s removed\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func newAdminEmployeesCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "employees",
		Short: "List provisioned employees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(e)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := adminProfile(cmd, a)
			if err != nil {
				return err
			}
			emps, err := a.admin.Employees(p.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if e.flags.JSON {
				redacted := make([]models.Employee, 0, len(emps))
				for _, emp := range emps {
					r := *emp
					r.SecretAccessKey = ""
					redacted = append(redacted, r)
				}
				return printJSON(out, redacted)
			}
			if len(emps) == 0 {
				fmt.Fprintln(out, "No employees.")
				return nil
			}
			tw := newTable(out, "ID", "NAME", "USERNAME", "ACCESS KEY", "CONFIG ISSUED", "CREATED")
			for _, emp := range emps {
				created := emp.CreatedAt
				row(tw, emp.ID, emp.Name, emp.Username, emp.AccessKeyID, emp.RcloneConfigGenerated, formatTime(&created))
			}
			return tw.Flush()
		},
	}
}

func newAdminEmployeeConfigCmd(e *env) *cobra.Command {
	var (
		region  string
		outPath string
	)

	cmd := &cobra.Command{
		Use:   "employee-config <employee-id>",
		Short: "Render a tool config for an employee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(e)
			if err != nil {
				return err
			}
			defer a.Close()

			conf, err := a.admin.EmployeeConfig(args[0], region)
			if err != nil {
				return err
			}
			if outPath == "" {
				fmt.Fprint(cmd.OutOrStdout(), conf)
				return nil
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o700); err != nil {
				return &errors.ErrDirectoryCreate{Path: filepath.Dir(outPath), Err: err}
			}
			if err := os.WriteFile(outPath, []byte(conf), 0o600); err != nil {
				return &errors.ErrFileWrite{Path: outPath, Err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&region, "region", "", "Region (default is the admin profile's region)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the config to a file instead of stdout")
	return cmd
}
