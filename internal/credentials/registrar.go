package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/models"
)

// Registrar writes the rclone configs that hand credentials to the sync
// tool: one for interactive runs (federated credential) and one for
// unattended runs (service credential).
type Registrar struct {
	remote          string
	interactivePath string
	unattendedPath  string
}

func NewRegistrar(remote, interactivePath, unattendedPath string) *Registrar {
	if remote == "" {
		remote = "aws"
	}
	return &Registrar{remote: remote, interactivePath: interactivePath, unattendedPath: unattendedPath}
}

func (r *Registrar) InteractivePath() string { return r.interactivePath }

func (r *Registrar) UnattendedPath() string { return r.unattendedPath }

// WriteInteractive writes the federated credential including its session token.
func (r *Registrar) WriteInteractive(cred *models.FederatedCredential, region string) error {
	if cred == nil || cred.AccessKeyID == "" {
		return &errors.ErrValidation{Field: "federated_credential", Reason: "missing access key"}
	}
	return writeConfig(r.interactivePath, RenderConfig(r.remote, cred.AccessKeyID, cred.SecretAccessKey, cred.SessionToken, region))
}

// WriteUnattended writes the long-lived service credential.
func (r *Registrar) WriteUnattended(cred *models.ServiceCredential) error {
	if !cred.Complete() {
		return &errors.ErrValidation{Field: "service_credential", Reason: "incomplete credential"}
	}
	return writeConfig(r.unattendedPath, RenderConfig(r.remote, cred.AccessKeyID, cred.SecretAccessKey, "", cred.Region))
}

// RemoveUnattended deletes the unattended config. A missing file is not an error.
func (r *Registrar) RemoveUnattended() error {
	if err := os.Remove(r.unattendedPath); err != nil && !os.IsNotExist(err) {
		return &errors.ErrFileWrite{Path: r.unattendedPath, Err: err}
	}
	return nil
}

// RenderConfig renders an rclone S3 remote section. sessionToken is
// omitted when empty.
func RenderConfig(remote, accessKeyID, secretAccessKey, sessionToken, region string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s]\n", remote)
	sb.WriteString("type = s3\n")
	sb.WriteString("provider = AWS\n")
	sb.WriteString("env_auth = false\n")
	fmt.Fprintf(&sb, "access_key_id = %s\n", accessKeyID)
	fmt.Fprintf(&sb, "secret_access_key = %s\n", secretAccessKey)
	if sessionToken != "" {
		fmt.Fprintf(&sb, "session_token = %s\n", sessionToken)
	}
	fmt.Fprintf(&sb, "region = %s\n", region)
	sb.WriteString("acl = private\n\n")
	return sb.String()
}

// writeConfig replaces path atomically with mode 0600.
func writeConfig(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return &errors.ErrDirectoryCreate{Path: dir, Err: err}
	}
	tmp, err := os.CreateTemp(dir, ".rclone-*.conf")
	if err != nil {
		return &errors.ErrFileWrite{Path: path, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return &errors.ErrFileWrite{Path: path, Err: err}
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return &errors.ErrFileWrite{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &errors.ErrFileWrite{Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &errors.ErrFileWrite{Path: path, Err: err}
	}
	return nil
}
