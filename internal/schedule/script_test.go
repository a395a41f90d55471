package schedule

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudbackup/cloudbackup/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProfile() *models.Profile {
	p := models.NewProfile("Jane's docs", models.RoleUser)
	p.RcloneBin = "/usr/local/bin/rclone"
	p.Bucket = "company-backups"
	p.Prefix = "users/sub-1"
	p.Sources = []string{"/home/jane/My Documents", "/home/jane/it's here"}
	p.Flags = []string{"--transfers", "4"}
	return p
}

func TestScriptWriterRendersRunner(t *testing.T) {
	dir := t.TempDir()
	w := NewScriptWriter(filepath.Join(dir, "scripts"), filepath.Join(dir, "logs"))
	w.now = func() time.Time { return time.Date(2025, 8, 20, 0, 0, 0, 0, time.UTC) }
	p := testProfile()

	path, err := w.Write(p, "/etc/cb/unattended.conf")
	require.NoError(t, err)
	assert.Equal(t, w.ScriptPath(p.ID), path)
	assert.Equal(t, "backup-"+p.ID+".sh", filepath.Base(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	script := string(data)

	assert.Contains(t, script, "#!/bin/bash\nset -euo pipefail\n")
	assert.Contains(t, script, "export LC_ALL=C\n")
	assert.Contains(t, script, "RCLONE_BIN='/usr/local/bin/rclone'\n")
	assert.Contains(t, script, "RCLONE_CONFIG='/etc/cb/unattended.conf'\n")
	assert.Contains(t, script, "DESTINATION='aws:company-backups/users/sub-1'\n")
	assert.Contains(t, script, "OPERATION='copy'\n")
	assert.Contains(t, script, `PROFILE_NAME='Jane'\''s docs'`)
	assert.Contains(t, script, "LOG_FILE='"+w.LogPath(p.ID)+"'\n")
	assert.Contains(t, script, `echo "$(date): Starting backup for profile $PROFILE_NAME" >> "$LOG_FILE"`)
	assert.Contains(t, script, `"$RCLONE_BIN" "$OPERATION" '/home/jane/My Documents' "$DESTINATION" --config "$RCLONE_CONFIG" '--transfers' '4' --log-file "$LOG_FILE" --log-level INFO`)
	assert.Contains(t, script, `'/home/jane/it'\''s here'`)
	assert.Contains(t, script, `echo "$(date): Backup completed for profile $PROFILE_NAME" >> "$LOG_FILE"`)
	assert.Contains(t, script, "# Generated: 2025-08-20 00:00:00 UTC")
}

func TestScriptWriterSyncModeAndRewrite(t *testing.T) {
	dir := t.TempDir()
	w := NewScriptWriter(dir, dir)
	p := testProfile()
	p.Mode = models.ModeSync

	_, err := w.Write(p, "/a.conf")
	require.NoError(t, err)
	require.NoError(t, os.Chmod(w.ScriptPath(p.ID), 0600))

	_, err = w.Write(p, "/b.conf")
	require.NoError(t, err)
	data, err := os.ReadFile(w.ScriptPath(p.ID))
	require.NoError(t, err)
	assert.Contains(t, string(data), "OPERATION='sync'")
	assert.Contains(t, string(data), "RCLONE_CONFIG='/b.conf'")

	info, err := os.Stat(w.ScriptPath(p.ID))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestScriptWriterRequiresSources(t *testing.T) {
	w := NewScriptWriter(t.TempDir(), t.TempDir())
	p := testProfile()
	p.Sources = nil
	_, err := w.Write(p, "/a.conf")
	assert.Error(t, err)
}

func TestScriptWriterRemove(t *testing.T) {
	dir := t.TempDir()
	w := NewScriptWriter(dir, dir)
	p := testProfile()

	require.NoError(t, w.Remove(p.ID))
	_, err := w.Write(p, "/a.conf")
	require.NoError(t, err)
	require.NoError(t, w.Remove(p.ID))
	_, err = os.Stat(w.ScriptPath(p.ID))
	assert.True(t, os.IsNotExist(err))
}
