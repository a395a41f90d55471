package schedule

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/models"
)

// ScriptWriter renders the per-profile runner scripts used for unattended
// runs and knows where their logs go.
type ScriptWriter struct {
	scriptsDir string
	logsDir    string
	now        func() time.Time
}

func NewScriptWriter(scriptsDir, logsDir string) *ScriptWriter {
	return &ScriptWriter{scriptsDir: scriptsDir, logsDir: logsDir, now: time.Now}
}

func (w *ScriptWriter) ScriptPath(profileID string) string {
	return filepath.Join(w.scriptsDir, fmt.Sprintf("backup-%s.sh", profileID))
}

func (w *ScriptWriter) LogPath(profileID string) string {
	return filepath.Join(w.logsDir, fmt.Sprintf("backup-%s.log", profileID))
}

// Write renders the runner script for p using configPath as the rclone
// config and returns its path. The script is executable.
func (w *ScriptWriter) Write(p *models.Profile, configPath string) (string, error) {
	if len(p.Sources) == 0 {
		return "", &errors.ErrValidation{Field: "sources", Reason: "profile has no source paths"}
	}
	if err := os.MkdirAll(w.scriptsDir, 0700); err != nil {
		return "", &errors.ErrDirectoryCreate{Path: w.scriptsDir, Err: err}
	}
	path := w.ScriptPath(p.ID)
	if err := os.WriteFile(path, []byte(w.render(p, configPath)), 0700); err != nil {
		return "", &errors.ErrFileWrite{Path: path, Err: err}
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0755); err != nil {
		return "", &errors.ErrFileWrite{Path: path, Err: err}
	}
	return path, nil
}

// Remove deletes the runner script. A missing script is not an error.
func (w *ScriptWriter) Remove(profileID string) error {
	path := w.ScriptPath(profileID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &errors.ErrFileWrite{Path: path, Err: err}
	}
	return nil
}

func (w *ScriptWriter) render(p *models.Profile, configPath string) string {
	var sb strings.Builder
	sb.WriteString("#!/bin/bash\nset -euo pipefail\n\n")
	fmt.Fprintf(&sb, "# cloudbackup scheduled run\n# Profile: %s\n# Generated: %s\n\n",
		oneLine(p.Name), w.now().UTC().Format("2006-01-02 15:04:05 UTC"))

	// The log parser expects the C locale format of date(1).
	sb.WriteString("export LC_ALL=C\n\n")
	fmt.Fprintf(&sb, "RCLONE_BIN=%s\n", shellQuote(p.RcloneBin))
	fmt.Fprintf(&sb, "RCLONE_CONFIG=%s\n", shellQuote(configPath))
	fmt.Fprintf(&sb, "DESTINATION=%s\n", shellQuote(p.Destination()))
	fmt.Fprintf(&sb, "OPERATION=%s\n", shellQuote(p.Mode.Verb()))
	fmt.Fprintf(&sb, "PROFILE_NAME=%s\n", shellQuote(oneLine(p.Name)))
	fmt.Fprintf(&sb, "LOG_FILE=%s\n", shellQuote(w.LogPath(p.ID)))
	sb.WriteString("mkdir -p \"$(dirname \"$LOG_FILE\")\"\n\n")

	sb.WriteString("echo \"$(date): Starting backup for profile $PROFILE_NAME\" >> \"$LOG_FILE\"\n\n")

	flags := make([]string, 0, len(p.Flags))
	for _, f := range p.Flags {
		flags = append(flags, shellQuote(f))
	}
	for _, src := range p.Sources {
		fmt.Fprintf(&sb, "echo \"$(date): Backing up %s\" >> \"$LOG_FILE\"\n", escapeDoubleQuoted(oneLine(src)))
		fmt.Fprintf(&sb, "\"$RCLONE_BIN\" \"$OPERATION\" %s \"$DESTINATION\" --config \"$RCLONE_CONFIG\"", shellQuote(src))
		if len(flags) > 0 {
			sb.WriteString(" " + strings.Join(flags, " "))
		}
		sb.WriteString(" --log-file \"$LOG_FILE\" --log-level INFO\n\n")
	}

	sb.WriteString("echo \"$(date): Backup completed for profile $PROFILE_NAME\" >> \"$LOG_FILE\"\n")
	return sb.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func escapeDoubleQuoted(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")
	return r.Replace(s)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
