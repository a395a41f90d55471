package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProfileDefaults(t *testing.T) {
	p := NewProfile("Jane", RoleUser)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "aws", p.Remote)
	assert.Equal(t, ModeCopy, p.Mode)
	assert.Equal(t, []string{"--checksum", "--fast-list", "--transfers=8", "--checkers=32"}, p.Flags)

	p.Flags[0] = "--changed"
	assert.Equal(t, "--checksum", DefaultProfileFlags[0], "defaults must not alias profile flags")
}

func TestProfileDestination(t *testing.T) {
	p := &Profile{Remote: "aws", Bucket: "acme-backups"}
	assert.Equal(t, "aws:acme-backups", p.Destination())

	p.Prefix = "/users/sub-1/"
	assert.Equal(t, "aws:acme-backups/users/sub-1", p.Destination())
	assert.Equal(t, "aws:acme-backups/users/sub-1/docs/a.txt", p.RemotePath("/docs/a.txt"))
	assert.Equal(t, "aws:acme-backups/users/sub-1", p.RemotePath(""))
}

func TestProfileValidate(t *testing.T) {
	valid := func(role Role, prefix string) *Profile {
		p := NewProfile("p", role)
		p.Bucket = "b"
		p.Prefix = prefix
		return p
	}

	require.NoError(t, valid(RoleAdmin, "").Validate())
	require.NoError(t, valid(RoleUser, UserPrefix("sub")).Validate())

	err := valid(RoleUser, "").Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-empty prefix")

	p := valid(RoleAdmin, "")
	p.Mode = "Mirror"
	assert.Error(t, p.Validate())

	p = valid(RoleAdmin, "")
	p.Bucket = ""
	assert.Error(t, p.Validate())
}

func TestProfileCloneIsDeep(t *testing.T) {
	p := NewProfile("admin", RoleAdmin)
	p.Sources = []string{"/home/a"}
	p.AWSConfig = &AWSConfig{Employees: []Employee{{Name: "bob"}}}

	c := p.Clone()
	c.Sources[0] = "/tmp"
	c.AWSConfig.Employees[0].Name = "eve"

	assert.Equal(t, "/home/a", p.Sources[0])
	assert.Equal(t, "bob", p.AWSConfig.Employees[0].Name)
}

func TestSessionInGroup(t *testing.T) {
	s := &Session{Groups: []string{"staff", "admins"}}
	assert.True(t, s.InGroup("admins"))
	assert.False(t, s.InGroup("root"))
	assert.False(t, s.InGroup(""))

	var nilSession *Session
	assert.False(t, nilSession.InGroup("admins"))
}

func TestFederatedCredentialExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var missing *FederatedCredential
	assert.True(t, missing.Expired(now))

	cred := &FederatedCredential{AccessKeyID: "ASIA", Expiration: now.Add(30 * time.Second)}
	assert.True(t, cred.Expired(now), "inside the skew window")

	cred.Expiration = now.Add(time.Hour)
	assert.False(t, cred.Expired(now))
}

func TestChangeSetAdd(t *testing.T) {
	cs := NewChangeSet("p1")
	cs.Add(FileChange{Path: "a", Size: 10, Action: ActionCopy})
	cs.Add(FileChange{Path: "b", Size: 5, Action: ActionUpdate})
	cs.Add(FileChange{Path: "c", Action: ActionDelete})
	cs.Add(FileChange{Path: "d", Action: "Move"})

	assert.Len(t, cs.FilesToCopy, 1)
	assert.Len(t, cs.FilesToUpdate, 1)
	assert.Len(t, cs.FilesToDelete, 1)
	assert.Equal(t, 3, cs.TotalFiles)
	assert.Equal(t, int64(15), cs.TotalSize)
	assert.True(t, cs.HasDeletes())
	assert.False(t, NewChangeSet("p").HasDeletes())
}

func TestOperationFinish(t *testing.T) {
	op := NewOperation("p1", OperationBackup)
	assert.Equal(t, StatusRunning, op.Status)
	assert.False(t, op.Terminal())

	op.Finish(StatusFailed, "rclone exited 1")
	assert.True(t, op.Terminal())
	require.NotNil(t, op.CompletedAt)
	assert.Equal(t, "rclone exited 1", op.ErrorMessage)
}

func TestBackupModeVerb(t *testing.T) {
	assert.Equal(t, "copy", ModeCopy.Verb())
	assert.Equal(t, "sync", ModeSync.Verb())
}
