// Package rclone drives the external rclone binary: dry-run diffs, backup
// runs, restores and remote listings.
package rclone

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/logging"
	"github.com/cloudbackup/cloudbackup/internal/models"
)

// DetectCandidates are the binaries Detect tries, in order.
var DetectCandidates = []string{
	"/usr/local/bin/rclone",
	"/opt/homebrew/bin/rclone",
	"/usr/bin/rclone",
	"rclone",
}

// Tool wraps rclone invocations for a profile.
type Tool struct {
	exec    ExecFunc
	logger  *logging.Logger
	observe func(command string, d time.Duration)
	stat    func(path string) (os.FileInfo, error)
}

// Option configures a Tool.
type Option func(*Tool)

// WithExec replaces the process runner.
func WithExec(fn ExecFunc) Option {
	return func(t *Tool) { t.exec = fn }
}

func WithLogger(logger *logging.Logger) Option {
	return func(t *Tool) { t.logger = logger }
}

// WithObserver is called with the wall time of every rclone invocation.
func WithObserver(fn func(command string, d time.Duration)) Option {
	return func(t *Tool) { t.observe = fn }
}

// WithStat replaces the filesystem check used before runs.
func WithStat(fn func(path string) (os.FileInfo, error)) Option {
	return func(t *Tool) { t.stat = fn }
}

// New creates a Tool.
func New(opts ...Option) *Tool {
	t := &Tool{
		exec:   SystemExec,
		logger: logging.Nop(),
		stat:   os.Stat,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) run(ctx context.Context, bin string, args ...string) (Result, error) {
	start := time.Now()
	res, err := t.exec(ctx, bin, args...)
	if t.observe != nil && len(args) > 0 {
		t.observe(args[0], time.Since(start))
	}
	if err != nil {
		return res, &errors.ErrToolExecutionFailed{
			Command: bin + " " + firstArg(args),
			Stderr:  res.Stderr,
			Err:     err,
		}
	}
	return res, nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// DryRun asks rclone which files a sync of every source would copy, update
// or delete. It never modifies the remote.
func (t *Tool) DryRun(ctx context.Context, p *models.Profile) (*models.ChangeSet, error) {
	cs := models.NewChangeSet(p.ID)
	dest := p.Destination()

	for _, source := range p.Sources {
		args := []string{
			"sync", source, dest,
			"--dry-run",
			"--stats=0",
			"--config", p.RcloneConf,
		}
		args = append(args, p.Flags...)

		res, err := t.run(ctx, p.RcloneBin, args...)
		if err != nil {
			return nil, err
		}
		changes := ParseDryRun(res.Stderr)
		if !res.Success() && len(changes) == 0 {
			return nil, &errors.ErrToolExecutionFailed{
				Command: "rclone sync --dry-run",
				Stderr:  res.Stderr,
				Err:     fmt.Errorf("exit status %d", res.ExitCode),
			}
		}
		for _, c := range changes {
			cs.Add(c)
		}
	}

	t.logger.Debug("dry run finished",
		"profile_id", p.ID,
		"copy", len(cs.FilesToCopy),
		"update", len(cs.FilesToUpdate),
		"delete", len(cs.FilesToDelete),
	)
	return cs, nil
}

// ParseDryRun extracts the NOTICE lines of a dry-run. The path is the first
// double-quoted string on the line.
func ParseDryRun(output string) []models.FileChange {
	var changes []models.FileChange
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "NOTICE:") {
			continue
		}
		var action models.ChangeAction
		switch {
		case strings.Contains(line, "would copy"):
			action = models.ActionCopy
		case strings.Contains(line, "would update"):
			action = models.ActionUpdate
		case strings.Contains(line, "would delete"):
			action = models.ActionDelete
		default:
			continue
		}
		path, ok := quotedPath(line)
		if !ok {
			continue
		}
		changes = append(changes, models.FileChange{Path: path, Action: action})
	}
	return changes
}

func quotedPath(line string) (string, bool) {
	parts := strings.SplitN(line, `"`, 3)
	if len(parts) < 3 {
		return "", false
	}
	return parts[1], true
}

// Run executes the profile's backup. A non-zero exit from rclone produces a
// Failed operation rather than an error; errors are reserved for a tool
// that could not be started or a profile that cannot run at all.
func (t *Tool) Run(ctx context.Context, p *models.Profile) (*models.Operation, error) {
	if err := t.checkRunnable(p); err != nil {
		return nil, err
	}

	op := models.NewOperation(p.ID, models.OperationBackup)
	verb := p.Mode.Verb()
	dest := p.Destination()
	var log strings.Builder

	for _, source := range p.Sources {
		if _, err := t.stat(source); err != nil {
			return nil, &errors.ErrValidation{Field: "sources", Reason: "source not found: " + source}
		}

		args := []string{
			verb, source, dest,
			"--config", p.RcloneConf,
			"--progress",
			"--stats=1s",
			"--stats-one-line",
		}
		args = append(args, p.Flags...)

		res, err := t.run(ctx, p.RcloneBin, args...)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&log, "=== Source: %s ===\n%s%s\n", source, res.Stdout, res.Stderr)

		if !res.Success() {
			op.LogOutput = log.String()
			op.Finish(models.StatusFailed, fmt.Sprintf("rclone %s failed for %s: %s", verb, source, strings.TrimSpace(res.Stderr)))
			t.logger.Warn("backup source failed", "profile_id", p.ID, "source", source, "exit_code", res.ExitCode)
			return op, nil
		}
		if stats, ok := ParseStats(res.Stderr + "\n" + res.Stdout); ok {
			op.FilesTransferred += stats.Files
			op.BytesTransferred += stats.Bytes
		}
	}

	op.LogOutput = log.String()
	op.Finish(models.StatusCompleted, "")
	return op, nil
}

// Restore copies remote paths, relative to the profile destination, into
// localTarget.
func (t *Tool) Restore(ctx context.Context, p *models.Profile, remotePaths []string, localTarget string) (*models.Operation, error) {
	if len(remotePaths) == 0 {
		return nil, &errors.ErrValidation{Field: "remote_paths", Reason: "at least one path is required"}
	}
	if strings.TrimSpace(localTarget) == "" {
		return nil, &errors.ErrValidation{Field: "local_target", Reason: "must not be empty"}
	}

	op := models.NewOperation(p.ID, models.OperationRestore)
	var log strings.Builder

	for _, remotePath := range remotePaths {
		full := p.RemotePath(remotePath)
		args := []string{
			"copy", full, localTarget,
			"--config", p.RcloneConf,
			"--progress",
			"--stats=1s",
			"--stats-one-line",
			"--checksum",
			"--fast-list",
		}
		res, err := t.run(ctx, p.RcloneBin, args...)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&log, "=== Restoring: %s ===\n%s%s\n", remotePath, res.Stdout, res.Stderr)

		if !res.Success() {
			op.LogOutput = log.String()
			op.Finish(models.StatusFailed, fmt.Sprintf("restore failed for %s: %s", full, strings.TrimSpace(res.Stderr)))
			return op, nil
		}
		if stats, ok := ParseStats(res.Stderr + "\n" + res.Stdout); ok {
			op.FilesTransferred += stats.Files
			op.BytesTransferred += stats.Bytes
		}
	}

	op.LogOutput = log.String()
	op.Finish(models.StatusCompleted, "")
	return op, nil
}

type lsjsonItem struct {
	Path     string `json:"Path"`
	Name     string `json:"Name"`
	Size     int64  `json:"Size"`
	ModTime  string `json:"ModTime"`
	IsDir    bool   `json:"IsDir"`
	MimeType string `json:"MimeType"`
}

// List returns the remote entries under subpath. maxDepth <= 0 lists
// recursively. Directories sort before files, then by name.
func (t *Tool) List(ctx context.Context, p *models.Profile, subpath string, maxDepth int) ([]models.CloudFile, error) {
	args := []string{"lsjson", p.RemotePath(subpath), "--fast-list", "--config", p.RcloneConf}
	if maxDepth > 0 {
		args = append(args, "--max-depth", strconv.Itoa(maxDepth))
	} else {
		args = append(args, "--recursive")
	}

	res, err := t.run(ctx, p.RcloneBin, args...)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, &errors.ErrToolExecutionFailed{
			Command: "rclone lsjson",
			Stderr:  res.Stderr,
			Err:     fmt.Errorf("exit status %d", res.ExitCode),
		}
	}
	return parseListing(res.Stdout)
}

func parseListing(out string) ([]models.CloudFile, error) {
	var items []lsjsonItem
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		return nil, fmt.Errorf("failed to parse rclone output: %w", err)
	}

	files := make([]models.CloudFile, 0, len(items))
	for _, it := range items {
		name := it.Name
		if name == "" {
			name = it.Path
		}
		mod, err := time.Parse(time.RFC3339Nano, it.ModTime)
		if err != nil {
			mod = time.Now().UTC()
		}
		files = append(files, models.CloudFile{
			Path:     it.Path,
			Name:     name,
			Size:     it.Size,
			ModTime:  mod.UTC(),
			IsDir:    it.IsDir,
			MimeType: it.MimeType,
		})
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].IsDir != files[j].IsDir {
			return files[i].IsDir
		}
		return files[i].Name < files[j].Name
	})
	return files, nil
}

// ValidateConfig reports whether rclone can parse the config file.
func (t *Tool) ValidateConfig(ctx context.Context, bin, configPath string) (bool, error) {
	if _, err := t.stat(configPath); err != nil {
		return false, nil
	}
	res, err := t.run(ctx, bin, "config", "show", "--config", configPath)
	if err != nil {
		return false, err
	}
	return res.Success(), nil
}

// Detect returns the candidate binaries that answer "version" successfully.
func (t *Tool) Detect(ctx context.Context) []string {
	var found []string
	for _, candidate := range DetectCandidates {
		res, err := t.exec(ctx, candidate, "version")
		if err == nil && res.Success() {
			found = append(found, candidate)
		}
	}
	return found
}

func (t *Tool) checkRunnable(p *models.Profile) error {
	if len(p.Sources) == 0 {
		return &errors.ErrValidation{Field: "sources", Reason: "profile has no sources"}
	}
	if p.RcloneConf == "" {
		return &errors.ErrValidation{Field: "rclone_conf", Reason: "profile has no rclone config"}
	}
	if _, err := t.stat(p.RcloneConf); err != nil {
		return &errors.ErrValidation{Field: "rclone_conf", Reason: "rclone config not found at " + p.RcloneConf}
	}
	return nil
}
