package cli

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/cloudbackup/cloudbackup/internal/admin"
	"github.com/cloudbackup/cloudbackup/internal/config"
	"github.com/cloudbackup/cloudbackup/internal/rclone"
)

// Version is set at build time.
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// GlobalFlags contains flags shared by every command.
type GlobalFlags struct {
	Config  string
	Verbose bool
	JSON    bool
}

// env is what every command closure shares.
type env struct {
	flags *GlobalFlags
	// exec replaces the system process runner when set.
	exec     rclone.ExecFunc
	newLogin loginFactory
	prompt   func(cmd *cobra.Command) prompter
	// adminOpts are appended to the provisioner's options.
	adminOpts []admin.Option
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&env{
		flags:    &GlobalFlags{},
		newLogin: newCognitoLogin,
		prompt:   newTerminalPrompter,
	})
}

func newRootCmd(e *env) *cobra.Command {

	root := &cobra.Command{
		Use:   "cloudbackup",
		Short: "Cloud backup manager",
		Long: `cloudbackup signs you in, provisions a backup profile bound to your
storage prefix, and runs manual and scheduled rclone backups.

Usage:
  cloudbackup [command] [flags]

Available Commands:
  login        Sign in and provision the active profile
  profiles     List, inspect and edit backup profiles
  schedule     Show, enable or disable a profile's schedule
  backup       Preview, run and restore backups
  credentials  Validate or revoke storage credentials
  admin        Provision employee storage users
  serve        Run the scheduler and the local HTTP bridge
  doctor       Diagnose configuration and tooling

Use "cloudbackup [command] --help" for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&e.flags.Config, "config", config.PathFromEnv(), "Path to configuration file")
	root.PersistentFlags().BoolVarP(&e.flags.Verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&e.flags.JSON, "json", false, "Output in JSON format")

	root.AddCommand(
		newVersionCmd(e),
		newLoginCmd(e),
		newProfilesCmd(e),
		newScheduleCmd(e),
		newBackupCmd(e),
		newCredentialsCmd(e),
		newAdminCmd(e),
		newServeCmd(e),
		newDoctorCmd(e),
	)
	return root
}

func newVersionCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := GetVersionInfo()
			if e.flags.JSON {
				return printJSON(cmd.OutOrStdout(), info)
			}
			printVersion(cmd.OutOrStdout(), info)
			return nil
		},
	}
}

// VersionInfo contains version information
type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	BuildDate string `json:"build_date"`
}

// GetVersionInfo returns version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		BuildDate: BuildDate,
	}
}

func printVersion(w io.Writer, info VersionInfo) {
	fmt.Fprintln(w, "cloudbackup version:", info.Version)
	fmt.Fprintln(w, "Go version:", info.GoVersion)
	fmt.Fprintln(w, "OS/Arch:", info.OS+"/"+info.Arch)
	fmt.Fprintln(w, "Build date:", info.BuildDate)
}
