package models

import "time"

// AWSConfig is the administrator block attached to Admin profiles.
type AWSConfig struct {
	AccessKeyID     string          `json:"aws_access_key_id"`
	SecretAccessKey string          `json:"aws_secret_access_key"`
	Region          string          `json:"aws_region"`
	BucketName      string          `json:"bucket_name"`
	Lifecycle       LifecycleConfig `json:"lifecycle_config"`
	Employees       []Employee      `json:"employees"`
}

// LifecycleConfig describes bucket storage-class transitions.
type LifecycleConfig struct {
	Enabled       bool `json:"enabled"`
	DaysToIA      int  `json:"days_to_ia"`
	DaysToGlacier int  `json:"days_to_glacier"`
}

// Employee is a storage identity provisioned by an administrator.
type Employee struct {
	ID                    string    `json:"id"`
	ProfileID             string    `json:"profile_id"`
	Name                  string    `json:"name"`
	Username              string    `json:"username"`
	AccessKeyID           string    `json:"access_key_id"`
	SecretAccessKey       string    `json:"secret_access_key"`
	RcloneConfigGenerated bool      `json:"rclone_config_generated"`
	CreatedAt             time.Time `json:"created_at"`
}

// CloudFile is one entry from a remote listing.
type CloudFile struct {
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
	IsDir    bool      `json:"is_dir"`
	MimeType string    `json:"mime_type,omitempty"`
}
