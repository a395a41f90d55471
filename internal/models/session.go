package models

import "time"

// Session is one successful sign-in. It lives only in memory and is never persisted.
type Session struct {
	SubjectID    string    `json:"subject_id"`
	Email        string    `json:"email"`
	Groups       []string  `json:"groups,omitempty"`
	IDToken      string    `json:"-"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// InGroup reports whether the session belongs to the given group.
func (s *Session) InGroup(group string) bool {
	if s == nil || group == "" {
		return false
	}
	for _, g := range s.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// FederatedCredential is a short-lived storage credential derived from the
// session's identity token. Process-local only.
type FederatedCredential struct {
	AccessKeyID     string    `json:"-"`
	SecretAccessKey string    `json:"-"`
	SessionToken    string    `json:"-"`
	Expiration      time.Time `json:"expiration"`
}

// federatedSkew makes a credential count as expired slightly before AWS does.
const federatedSkew = time.Minute

// Expired reports whether the credential should be re-derived.
func (c *FederatedCredential) Expired(now time.Time) bool {
	if c == nil || c.AccessKeyID == "" {
		return true
	}
	if c.Expiration.IsZero() {
		return false
	}
	return !now.Add(federatedSkew).Before(c.Expiration)
}

// ServiceCredential is the long-lived credential minted once per subject by
// the issuance backend and cached locally for unattended runs.
type ServiceCredential struct {
	SubjectID       string    `json:"subject_id"`
	AccessKeyID     string    `json:"access_key_id"`
	SecretAccessKey string    `json:"secret_access_key"`
	Region          string    `json:"region"`
	ServiceUsername string    `json:"iam_username"`
	Bucket          string    `json:"bucket"`
	Prefix          string    `json:"s3_prefix"`
	CreatedAt       time.Time `json:"created_at"`
}

// Complete reports whether the credential carries everything needed to
// write an unattended tool config.
func (c *ServiceCredential) Complete() bool {
	return c != nil && c.AccessKeyID != "" && c.SecretAccessKey != "" && c.Region != ""
}
