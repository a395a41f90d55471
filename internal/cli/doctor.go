package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
	"runtime"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudbackup/cloudbackup/internal/config"
	"github.com/cloudbackup/cloudbackup/internal/logging"
	"github.com/cloudbackup/cloudbackup/internal/rclone"
	"github.com/cloudbackup/cloudbackup/internal/store"
)

const (
	statusOK   = "OK"
	statusWarn = "WARN"
	statusFail = "FAIL"
)

func newDoctorCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose system and configuration issues",
		Long: `Perform a diagnostic of the cloudbackup installation.

This command checks:
- System information
- The configuration file and data directory
- The rclone binary and the interactive and scheduled tool configs
- Sign-in, credential issuance and notification settings

Example:
  cloudbackup doctor`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report := runDoctor(cmd.Context(), e)
			if e.flags.JSON {
				return printJSON(cmd.OutOrStdout(), report)
			}
			return outputDoctorReportTable(cmd.OutOrStdout(), report)
		},
	}
}

// DoctorReport represents the complete diagnostic report
type DoctorReport struct {
	Timestamp       time.Time     `json:"timestamp"`
	Checks          []DoctorCheck `json:"checks"`
	Recommendations []string      `json:"recommendations"`
}

// DoctorCheck represents a single diagnostic check
type DoctorCheck struct {
	Category    string `json:"category"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Message     string `json:"message"`
	Severity    string `json:"severity,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

func runDoctor(ctx context.Context, e *env) DoctorReport {
	if ctx == nil {
		ctx = context.Background()
	}
	report := DoctorReport{Timestamp: time.Now().UTC()}
	report.Checks = append(report.Checks, collectSystemInfo()...)

	cfg, check := checkConfigFile(e.flags.Config)
	report.Checks = append(report.Checks, check)
	report.Checks = append(report.Checks, checkDataDir(cfg), checkDatabase(cfg))

	opts := []rclone.Option{rclone.WithLogger(logging.Nop())}
	if e.exec != nil {
		opts = append(opts, rclone.WithExec(e.exec))
	}
	tool := rclone.New(opts...)
	report.Checks = append(report.Checks, checkTool(ctx, tool, cfg)...)
	report.Checks = append(report.Checks, checkServices(cfg)...)

	report.Recommendations = generateRecommendations(report.Checks)
	return report
}

func collectSystemInfo() []DoctorCheck {
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	return []DoctorCheck{
		{Category: "System", Name: "Operating System", Status: statusOK, Message: fmt.Sprintf("OS: %s (%s)", runtime.GOOS, runtime.GOARCH)},
		{Category: "System", Name: "Go Version", Status: statusOK, Message: fmt.Sprintf("Go: %s (CPUs: %d)", runtime.Version(), runtime.NumCPU())},
		{Category: "System", Name: "User", Status: statusOK, Message: fmt.Sprintf("User: %s", username)},
	}
}

// checkConfigFile always returns a usable config: the file's when it loads,
// the defaults otherwise.
func checkConfigFile(path string) (*config.Config, DoctorCheck) {
	check := DoctorCheck{Category: "Configuration", Name: "Config File"}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err == nil {
		check.Status = statusOK
		check.Message = fmt.Sprintf("Config file loaded: %s", path)
		return cfg, check
	}

	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		check.Status = statusWarn
		check.Message = fmt.Sprintf("Config file not found, using defaults: %s", path)
		check.Severity = "low"
		check.Remediation = "Create a config.yaml or pass --config"
	} else {
		check.Status = statusFail
		check.Message = fmt.Sprintf("Config file invalid: %v", err)
		check.Severity = "high"
		check.Remediation = "Check config.yaml syntax and values"
	}
	return config.Default(), check
}

func checkDataDir(cfg *config.Config) DoctorCheck {
	check := DoctorCheck{Category: "Configuration", Name: "Data Directory"}
	info, err := os.Stat(cfg.App.DataDir)
	switch {
	case os.IsNotExist(err):
		check.Status = statusWarn
		check.Message = fmt.Sprintf("Data directory does not exist: %s", cfg.App.DataDir)
		check.Severity = "low"
		check.Remediation = "It is created on first login"
	case err != nil:
		check.Status = statusFail
		check.Message = fmt.Sprintf("Data directory not accessible: %v", err)
		check.Severity = "high"
	case !info.IsDir():
		check.Status = statusFail
		check.Message = fmt.Sprintf("Data path is not a directory: %s", cfg.App.DataDir)
		check.Severity = "high"
		check.Remediation = "Set app.data_dir to a directory"
	default:
		check.Status = statusOK
		check.Message = fmt.Sprintf("Data directory: %s", cfg.App.DataDir)
	}
	return check
}

func checkDatabase(cfg *config.Config) DoctorCheck {
	check := DoctorCheck{Category: "Configuration", Name: "Database"}
	if _, err := os.Stat(cfg.DBPath()); os.IsNotExist(err) {
		check.Status = statusWarn
		check.Message = fmt.Sprintf("Database does not exist yet: %s", cfg.DBPath())
		check.Severity = "low"
		check.Remediation = "It is created on first login"
		return check
	}

	st, err := store.NewSQLiteStoreWithHistory(cfg.DBPath(), cfg.Sync.HistoryLimit)
	if err != nil {
		check.Status = statusFail
		check.Message = fmt.Sprintf("Database cannot be opened: %v", err)
		check.Severity = "high"
		check.Remediation = "Move the damaged database aside and log in again"
		return check
	}
	defer st.Close()

	profiles, err := st.ListProfiles()
	if err != nil {
		check.Status = statusFail
		check.Message = fmt.Sprintf("Database query failed: %v", err)
		check.Severity = "high"
		return check
	}
	check.Status = statusOK
	check.Message = fmt.Sprintf("%d profile(s) in %s", len(profiles), cfg.DBPath())
	return check
}

func checkTool(ctx context.Context, tool *rclone.Tool, cfg *config.Config) []DoctorCheck {
	var checks []DoctorCheck

	found := tool.Detect(ctx)
	binCheck := DoctorCheck{Category: "Tooling", Name: "rclone"}
	switch {
	case len(found) == 0:
		binCheck.Status = statusFail
		binCheck.Message = "rclone was not found"
		binCheck.Severity = "high"
		binCheck.Remediation = "Install rclone and make sure it is on PATH, or set sync.rclone_bin"
	case !slices.Contains(found, cfg.Sync.RcloneBin):
		binCheck.Status = statusWarn
		binCheck.Message = fmt.Sprintf("Configured binary %q did not answer; found %v", cfg.Sync.RcloneBin, found)
		binCheck.Severity = "medium"
		binCheck.Remediation = fmt.Sprintf("Set sync.rclone_bin to %s", found[0])
	default:
		binCheck.Status = statusOK
		binCheck.Message = fmt.Sprintf("Using %s", cfg.Sync.RcloneBin)
	}
	checks = append(checks, binCheck)

	for _, tc := range []struct {
		name, path, remediation string
	}{
		{"Interactive Config", cfg.InteractiveToolConfigPath(), "Run 'cloudbackup login' to write it"},
		{"Scheduled Config", cfg.UnattendedToolConfigPath(), "Configure issuance.url and log in again to enable scheduled runs"},
	} {
		check := DoctorCheck{Category: "Tooling", Name: tc.name}
		ok, err := tool.ValidateConfig(ctx, cfg.Sync.RcloneBin, tc.path)
		switch {
		case err != nil:
			check.Status = statusWarn
			check.Message = fmt.Sprintf("Could not check %s: %v", tc.path, err)
			check.Severity = "low"
		case !ok:
			check.Status = statusWarn
			check.Message = fmt.Sprintf("Missing or unreadable: %s", tc.path)
			check.Severity = "medium"
			check.Remediation = tc.remediation
		default:
			check.Status = statusOK
			check.Message = tc.path
		}
		checks = append(checks, check)
	}
	return checks
}

func checkServices(cfg *config.Config) []DoctorCheck {
	identity := DoctorCheck{Category: "Services", Name: "Sign-in"}
	if cfg.Identity.Configured() {
		identity.Status = statusOK
		identity.Message = fmt.Sprintf("User pool client %s in %s", cfg.Identity.ClientID, cfg.Identity.Region)
	} else {
		identity.Status = statusFail
		identity.Message = "identity.client_id is not set"
		identity.Severity = "high"
		identity.Remediation = "Set identity.user_pool_id and identity.client_id"
	}

	federation := DoctorCheck{Category: "Services", Name: "Storage Role"}
	if cfg.Federation.RoleARN != "" {
		federation.Status = statusOK
		federation.Message = cfg.Federation.RoleARN
	} else {
		federation.Status = statusFail
		federation.Message = "federation.role_arn is not set"
		federation.Severity = "high"
		federation.Remediation = "Set federation.role_arn to the web-identity role"
	}

	issuance := DoctorCheck{Category: "Services", Name: "Credential Issuance"}
	if cfg.Issuance.Configured() {
		issuance.Status = statusOK
		issuance.Message = cfg.Issuance.URL
	} else {
		issuance.Status = statusWarn
		issuance.Message = "issuance.url is not set; scheduled backups are unavailable"
		issuance.Severity = "medium"
		issuance.Remediation = "Set issuance.url to enable scheduled backups"
	}

	telegram := DoctorCheck{Category: "Services", Name: "Telegram", Status: statusOK, Message: "disabled"}
	if cfg.Notify.Telegram.Enabled {
		telegram.Message = fmt.Sprintf("enabled, chat %d", cfg.Notify.Telegram.ChatID)
	}

	return []DoctorCheck{identity, federation, issuance, telegram}
}

func generateRecommendations(checks []DoctorCheck) []string {
	recommendations := []string{}

	failCount := 0
	warnCount := 0
	for _, check := range checks {
		switch check.Status {
		case statusFail:
			failCount++
			if check.Remediation != "" {
				recommendations = append(recommendations, fmt.Sprintf("[%s] %s: %s", check.Category, check.Name, check.Remediation))
			}
		case statusWarn:
			warnCount++
		}
	}

	if failCount == 0 && warnCount == 0 {
		recommendations = append(recommendations, "System is healthy. No recommendations needed.")
	} else if failCount > 0 {
		recommendations = append(recommendations, fmt.Sprintf("Found %d critical issue(s) and %d warning(s). Please address the critical issues first.", failCount, warnCount))
	}
	return recommendations
}

func outputDoctorReportTable(out io.Writer, report DoctorReport) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "=== cloudbackup Doctor Report ===")
	fmt.Fprintf(w, "Generated: %s\n", report.Timestamp.Format(time.RFC3339))

	for _, category := range []string{"System", "Configuration", "Tooling", "Services"} {
		fmt.Fprintf(w, "\n--- %s ---\n", category)
		for _, check := range report.Checks {
			if check.Category != category {
				continue
			}
			statusIcon := "✓"
			if check.Status == statusFail {
				statusIcon = "✗"
			} else if check.Status == statusWarn {
				statusIcon = "!"
			}
			fmt.Fprintf(w, "%s %s:\t%s\n", statusIcon, check.Name, check.Message)
		}
	}

	fmt.Fprintln(w, "\n--- Recommendations ---")
	for _, rec := range report.Recommendations {
		fmt.Fprintf(w, "• %s\n", rec)
	}
	return w.Flush()
}
