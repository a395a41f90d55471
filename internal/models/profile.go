package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role decides the storage scope of a profile.
type Role string

const (
	RoleAdmin Role = "Admin"
	RoleUser  Role = "User"
)

// BackupMode selects the rclone verb used for a run.
type BackupMode string

const (
	// ModeCopy is additive only and never deletes remote files.
	ModeCopy BackupMode = "Copy"
	// ModeSync mirrors sources and may delete remote files.
	ModeSync BackupMode = "Sync"
)

// Verb returns the rclone subcommand for the mode.
func (m BackupMode) Verb() string {
	if m == ModeSync {
		return "sync"
	}
	return "copy"
}

// DefaultProfileFlags are applied to new profiles.
var DefaultProfileFlags = []string{"--checksum", "--fast-list", "--transfers=8", "--checkers=32"}

// Profile is the local backup configuration for one identity.
type Profile struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	SubjectID  string     `json:"subject_id,omitempty"`
	Role       Role       `json:"role"`
	RcloneBin  string     `json:"rclone_bin"`
	RcloneConf string     `json:"rclone_conf"`
	Remote     string     `json:"remote"`
	Bucket     string     `json:"bucket"`
	Prefix     string     `json:"prefix"`
	Sources    []string   `json:"sources"`
	Mode       BackupMode `json:"mode"`
	Flags      []string   `json:"rclone_flags"`
	AWSConfig  *AWSConfig `json:"aws_config,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewProfile returns a profile with the default remote, flags and mode.
func NewProfile(name string, role Role) *Profile {
	now := time.Now().UTC()
	return &Profile{
		ID:        uuid.New().String(),
		Name:      name,
		Role:      role,
		RcloneBin: "rclone",
		Remote:    "aws",
		Sources:   []string{},
		Mode:      ModeCopy,
		Flags:     append([]string(nil), DefaultProfileFlags...),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// UserPrefix is the namespace a User profile is confined to.
func UserPrefix(subjectID string) string {
	return "users/" + subjectID
}

// Destination returns the rclone remote path, e.g. "aws:bucket/users/abc".
func (p *Profile) Destination() string {
	prefix := strings.Trim(p.Prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s:%s", p.Remote, p.Bucket)
	}
	return fmt.Sprintf("%s:%s/%s", p.Remote, p.Bucket, prefix)
}

// RemotePath joins a path relative to the profile destination.
func (p *Profile) RemotePath(rel string) string {
	rel = strings.TrimLeft(rel, "/")
	if rel == "" {
		return p.Destination()
	}
	return p.Destination() + "/" + rel
}

// Validate checks the profile invariants.
func (p *Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("profile ID is required")
	}
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	switch p.Role {
	case RoleAdmin:
	case RoleUser:
		if strings.Trim(p.Prefix, "/") == "" {
			return fmt.Errorf("user profiles require a non-empty prefix")
		}
	default:
		return fmt.Errorf("unknown role %q", p.Role)
	}
	switch p.Mode {
	case ModeCopy, ModeSync:
	default:
		return fmt.Errorf("unknown mode %q", p.Mode)
	}
	if p.Remote == "" {
		return fmt.Errorf("remote is required")
	}
	if p.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	return nil
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.Sources = append([]string(nil), p.Sources...)
	c.Flags = append([]string(nil), p.Flags...)
	if p.AWSConfig != nil {
		aws := *p.AWSConfig
		aws.Employees = append([]Employee(nil), p.AWSConfig.Employees...)
		c.AWSConfig = &aws
	}
	return &c
}

// Redacted returns a copy safe to display, with administrator and employee
// secrets masked.
func (p *Profile) Redacted() *Profile {
	c := p.Clone()
	if c == nil || c.AWSConfig == nil {
		return c
	}
	c.AWSConfig.SecretAccessKey = mask(c.AWSConfig.SecretAccessKey)
	for i := range c.AWSConfig.Employees {
		c.AWSConfig.Employees[i].SecretAccessKey = mask(c.AWSConfig.Employees[i].SecretAccessKey)
	}
	return c
}

func mask(secret string) string {
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return strings.Repeat("*", len(secret)-4) + secret[len(secret)-4:]
}
