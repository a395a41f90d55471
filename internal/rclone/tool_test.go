package rclone

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	name string
	args []string
}

type fakeExec struct {
	mu      sync.Mutex
	calls   []call
	respond func(args []string) (Result, error)
}

func (f *fakeExec) exec(_ context.Context, name string, args ...string) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, args: append([]string(nil), args...)})
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return Result{}, nil
	}
	return respond(args)
}

func (f *fakeExec) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func testProfile(t *testing.T, sources int) *models.Profile {
	t.Helper()
	dir := t.TempDir()
	conf := filepath.Join(dir, "rclone.conf")
	require.NoError(t, os.WriteFile(conf, []byte("[aws]\ntype = s3\n"), 0o600))

	p := models.NewProfile("jane", models.RoleUser)
	p.Bucket = "company-backups"
	p.Prefix = "users/sub-1"
	p.RcloneConf = conf
	p.RcloneBin = "/opt/rclone"
	for i := 0; i < sources; i++ {
		src := filepath.Join(dir, "src"+string(rune('a'+i)))
		require.NoError(t, os.MkdirAll(src, 0o755))
		p.Sources = append(p.Sources, src)
	}
	return p
}

const dryRunOutput = `2026/01/02 10:00:00 NOTICE: docs/a.txt: Skipped copy as --dry-run is set (size 10)
2026/01/02 10:00:00 NOTICE: "docs/new.txt": would copy
2026/01/02 10:00:00 NOTICE: "docs/changed.txt": would update
2026/01/02 10:00:00 NOTICE: "old/removed.txt": would delete
2026/01/02 10:00:00 INFO  : "ignored.txt": would copy
`

func TestParseDryRun(t *testing.T) {
	changes := ParseDryRun(dryRunOutput)
	require.Len(t, changes, 3)
	assert.Equal(t, models.FileChange{Path: "docs/new.txt", Action: models.ActionCopy}, changes[0])
	assert.Equal(t, models.ActionUpdate, changes[1].Action)
	assert.Equal(t, "old/removed.txt", changes[2].Path)
	assert.Equal(t, models.ActionDelete, changes[2].Action)
}

func TestDryRunBuildsArgsAndMergesSources(t *testing.T) {
	p := testProfile(t, 2)
	p.Mode = models.ModeSync
	fake := &fakeExec{respond: func(args []string) (Result, error) {
		return Result{Stderr: dryRunOutput}, nil
	}}
	tool := New(WithExec(fake.exec))

	cs, err := tool.DryRun(context.Background(), p)
	require.NoError(t, err)
	assert.Len(t, cs.FilesToCopy, 2)
	assert.Len(t, cs.FilesToDelete, 2)
	assert.Equal(t, 6, cs.TotalFiles)
	assert.True(t, cs.HasDeletes())

	calls := fake.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "/opt/rclone", calls[0].name)
	want := append([]string{"sync", p.Sources[0], "aws:company-backups/users/sub-1", "--dry-run", "--stats=0", "--config", p.RcloneConf}, p.Flags...)
	assert.Equal(t, want, calls[0].args)
}

func TestDryRunFailsWhenToolErrorsWithoutChanges(t *testing.T) {
	p := testProfile(t, 1)
	fake := &fakeExec{respond: func([]string) (Result, error) {
		return Result{Stderr: "ERROR : AccessDenied", ExitCode: 1}, nil
	}}
	_, err := New(WithExec(fake.exec)).DryRun(context.Background(), p)
	var toolErr *apperrors.ErrToolExecutionFailed
	require.True(t, stderrors.As(err, &toolErr))
	assert.Contains(t, toolErr.Error(), "AccessDenied")
}

func TestRunCompletedAccumulatesStats(t *testing.T) {
	p := testProfile(t, 2)
	fake := &fakeExec{respond: func([]string) (Result, error) {
		return Result{Stderr: "Transferred:   \t    2 / 2, 100%\nTransferred:   1.5 KiB / 1.5 KiB, 100%, 0 B/s, ETA -\n"}, nil
	}}
	var observed []string
	tool := New(WithExec(fake.exec), WithObserver(func(cmd string, _ time.Duration) { observed = append(observed, cmd) }))

	op, err := tool.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, op.Status)
	assert.Equal(t, models.OperationBackup, op.Type)
	assert.Equal(t, int64(4), op.FilesTransferred)
	assert.Equal(t, int64(3072), op.BytesTransferred)
	assert.Contains(t, op.LogOutput, "=== Source: "+p.Sources[0])
	assert.Equal(t, []string{"copy", "copy"}, observed)

	args := fake.recorded()[0].args
	assert.Equal(t, []string{"copy", p.Sources[0], p.Destination(), "--config", p.RcloneConf, "--progress", "--stats=1s", "--stats-one-line"}, args[:8])
}

func TestRunNonZeroExitIsFailedOperation(t *testing.T) {
	p := testProfile(t, 2)
	p.Mode = models.ModeSync
	fake := &fakeExec{respond: func([]string) (Result, error) {
		return Result{Stderr: "permission denied\n", ExitCode: 3}, nil
	}}

	op, err := New(WithExec(fake.exec)).Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, op.Status)
	assert.Equal(t, "rclone sync failed for "+p.Sources[0]+": permission denied", op.ErrorMessage)
	assert.NotNil(t, op.CompletedAt)
	assert.Len(t, fake.recorded(), 1)
}

func TestRunStartFailureIsError(t *testing.T) {
	p := testProfile(t, 1)
	fake := &fakeExec{respond: func([]string) (Result, error) {
		return Result{}, stderrors.New("executable file not found")
	}}
	_, err := New(WithExec(fake.exec)).Run(context.Background(), p)
	var toolErr *apperrors.ErrToolExecutionFailed
	require.True(t, stderrors.As(err, &toolErr))
}

func TestRunRejectsMissingSource(t *testing.T) {
	p := testProfile(t, 1)
	p.Sources = append(p.Sources, filepath.Join(t.TempDir(), "missing"))
	fake := &fakeExec{}
	_, err := New(WithExec(fake.exec)).Run(context.Background(), p)
	var validation *apperrors.ErrValidation
	require.True(t, stderrors.As(err, &validation))
}

func TestRestoreArgs(t *testing.T) {
	p := testProfile(t, 0)
	fake := &fakeExec{}
	op, err := New(WithExec(fake.exec)).Restore(context.Background(), p, []string{"/docs/a.txt"}, "/tmp/restore")
	require.NoError(t, err)
	assert.Equal(t, models.OperationRestore, op.Type)
	assert.Equal(t, models.StatusCompleted, op.Status)

	calls := fake.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{
		"copy", "aws:company-backups/users/sub-1/docs/a.txt", "/tmp/restore",
		"--config", p.RcloneConf, "--progress", "--stats=1s", "--stats-one-line", "--checksum", "--fast-list",
	}, calls[0].args)

	_, err = New(WithExec(fake.exec)).Restore(context.Background(), p, nil, "/tmp")
	assert.Error(t, err)
}

func TestListSortsDirectoriesFirst(t *testing.T) {
	p := testProfile(t, 0)
	fake := &fakeExec{respond: func(args []string) (Result, error) {
		return Result{Stdout: `[
			{"Path":"b.txt","Name":"b.txt","Size":5,"ModTime":"2026-01-02T10:00:00Z","IsDir":false},
			{"Path":"zdir","Name":"zdir","Size":-1,"ModTime":"2026-01-02T10:00:00Z","IsDir":true},
			{"Path":"a.txt","Name":"a.txt","Size":3,"ModTime":"2026-01-02T10:00:00Z","IsDir":false,"MimeType":"text/plain"}
		]`}, nil
	}}
	tool := New(WithExec(fake.exec))

	files, err := tool.List(context.Background(), p, "docs", 1)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "zdir", files[0].Name)
	assert.Equal(t, "a.txt", files[1].Name)
	assert.Equal(t, "text/plain", files[1].MimeType)

	args := fake.recorded()[0].args
	assert.Equal(t, []string{"lsjson", "aws:company-backups/users/sub-1/docs", "--fast-list", "--config", p.RcloneConf, "--max-depth", "1"}, args)

	_, err = tool.List(context.Background(), p, "", 0)
	require.NoError(t, err)
	assert.Equal(t, "--recursive", fake.recorded()[1].args[len(fake.recorded()[1].args)-1])
}

func TestValidateConfigAndDetect(t *testing.T) {
	p := testProfile(t, 0)
	fake := &fakeExec{respond: func(args []string) (Result, error) {
		if args[0] == "version" {
			return Result{ExitCode: 1}, nil
		}
		return Result{}, nil
	}}
	tool := New(WithExec(fake.exec))

	ok, err := tool.ValidateConfig(context.Background(), "rclone", p.RcloneConf)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tool.ValidateConfig(context.Background(), "rclone", filepath.Join(t.TempDir(), "none.conf"))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Empty(t, tool.Detect(context.Background()))
}

func TestParseByteSize(t *testing.T) {
	tests := map[string]int64{
		"512":       512,
		"1,024 B":   1024,
		"1.5 KiB":   1536,
		"2 MiB":     2 << 20,
		"1 GiB":     1 << 30,
		"3 KB":      3000,
		" 10.0 B ":  10,
	}
	for in, want := range tests {
		got, err := ParseByteSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseByteSize("lots")
	assert.Error(t, err)
}

func TestParseStatsOneLineProgress(t *testing.T) {
	out := strings.Join([]string{
		"Transferred:   \t    1 / 3, 33%",
		"Transferred:   100 B / 300 B, 33%, 0 B/s, ETA 1s\rTransferred:   300 B / 300 B, 100%, 0 B/s, ETA 0s",
		"Transferred:   \t    3 / 3, 100%",
	}, "\n")
	stats, ok := ParseStats(out)
	require.True(t, ok)
	assert.Equal(t, int64(3), stats.Files)
	assert.Equal(t, int64(300), stats.Bytes)

	_, ok = ParseStats("nothing to see")
	assert.False(t, ok)
}
