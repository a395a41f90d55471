// Package profile provisions and manages local backup profiles.
package profile

import (
	"context"
	"strings"
	"time"

	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/logging"
	"github.com/cloudbackup/cloudbackup/internal/models"
	"github.com/cloudbackup/cloudbackup/internal/store"
)

// Unscheduler removes a profile's recurring schedule.
type Unscheduler interface {
	Unschedule(ctx context.Context, profileID string) error
}

// Defaults are applied to profiles created by the provisioner.
type Defaults struct {
	RcloneBin      string
	Remote         string
	Region         string
	Flags          []string
	ToolConfigPath string
}

// Service creates, selects and edits profiles.
type Service struct {
	store       store.Store
	adminGroup  string
	defaults    Defaults
	unscheduler Unscheduler
	logger      *logging.Logger
}

type Option func(*Service)

func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithUnscheduler makes Delete remove the profile's schedule first.
func WithUnscheduler(u Unscheduler) Option {
	return func(s *Service) { s.unscheduler = u }
}

func WithDefaults(d Defaults) Option {
	return func(s *Service) { s.defaults = d }
}

func NewService(st store.Store, adminGroup string, opts ...Option) *Service {
	s := &Service{
		store:      st,
		adminGroup: adminGroup,
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsAdmin reports whether the session belongs to the administrator group.
func (s *Service) IsAdmin(session *models.Session) bool {
	return session.InGroup(s.adminGroup)
}

// GetOrCreateProfile returns the profile bound to the session's subject,
// creating it on first login. Admin profiles cover the whole bucket; User
// profiles are confined to their own prefix. Repeat logins refresh the
// bucket and tool config path, and follow group changes: a demoted profile
// loses its full-bucket scope and AWS block, a promoted one gains them. The
// id never changes.
//
// cred may be nil when the federated exchange failed; the profile is still
// provisioned and the exchange can be retried later.
func (s *Service) GetOrCreateProfile(ctx context.Context, session *models.Session, isAdmin bool, bucket string, cred *models.FederatedCredential) (*models.Profile, error) {
	if session == nil || session.SubjectID == "" {
		return nil, &errors.ErrValidation{Field: "session", Reason: "subject required"}
	}
	bucket = strings.TrimSpace(bucket)

	existing, err := s.store.FindProfileBySubject(session.SubjectID)
	switch {
	case err == nil:
		return s.refresh(ctx, existing, isAdmin, bucket)
	case !errors.IsNotFound(err):
		return nil, err
	}

	role := models.RoleUser
	if isAdmin {
		role = models.RoleAdmin
	}
	name := session.Email
	if name == "" {
		name = session.SubjectID
	}

	p := models.NewProfile(name, role)
	p.SubjectID = session.SubjectID
	p.Bucket = bucket
	p.RcloneConf = s.defaults.ToolConfigPath
	if s.defaults.RcloneBin != "" {
		p.RcloneBin = s.defaults.RcloneBin
	}
	if s.defaults.Remote != "" {
		p.Remote = s.defaults.Remote
	}
	if len(s.defaults.Flags) > 0 {
		p.Flags = append([]string(nil), s.defaults.Flags...)
	}
	if role == models.RoleAdmin {
		p.Prefix = ""
		p.AWSConfig = &models.AWSConfig{Region: s.defaults.Region, BucketName: bucket}
	} else {
		p.Prefix = models.UserPrefix(session.SubjectID)
	}

	if err := p.Validate(); err != nil {
		return nil, &errors.ErrValidation{Field: "profile", Reason: err.Error()}
	}
	if err := s.store.SaveProfile(p); err != nil {
		return nil, err
	}

	s.logger.Audit(ctx, logging.NewAuditEvent(logging.ProfileCreated, "provision profile", logging.StatusSuccess).
		WithSubject(session.SubjectID).
		WithResource(p.Destination()).
		WithDetail("profile_id", p.ID).
		WithDetail("role", string(role)).
		WithDetail("federated", cred != nil))
	return p, nil
}

func (s *Service) refresh(ctx context.Context, p *models.Profile, isAdmin bool, bucket string) (*models.Profile, error) {
	changed := false
	previous := p.Role
	switch {
	case isAdmin && p.Role != models.RoleAdmin:
		p.Role = models.RoleAdmin
		p.Prefix = ""
		if p.AWSConfig == nil {
			p.AWSConfig = &models.AWSConfig{Region: s.defaults.Region, BucketName: p.Bucket}
		}
		changed = true
	case !isAdmin && p.Role != models.RoleUser:
		p.Role = models.RoleUser
		p.Prefix = models.UserPrefix(p.SubjectID)
		p.AWSConfig = nil
		changed = true
	}
	if bucket != "" && p.Bucket != bucket {
		p.Bucket = bucket
		if p.AWSConfig != nil {
			p.AWSConfig.BucketName = bucket
		}
		changed = true
	}
	if s.defaults.ToolConfigPath != "" && p.RcloneConf != s.defaults.ToolConfigPath {
		p.RcloneConf = s.defaults.ToolConfigPath
		changed = true
	}
	if !changed {
		return p, nil
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveProfile(p); err != nil {
		return nil, err
	}
	if p.Role != previous {
		s.logger.Audit(ctx, logging.NewAuditEvent(logging.RoleChanged, "change profile role", logging.StatusSuccess).
			WithSubject(p.SubjectID).
			WithResource(p.Destination()).
			WithDetail("profile_id", p.ID).
			WithDetail("from", string(previous)).
			WithDetail("to", string(p.Role)))
	}
	s.logger.InfoWithContext(ctx, "profile refreshed on login", "profile_id", p.ID, "role", string(p.Role))
	return p, nil
}

// SelectActive records profileID as the active profile.
func (s *Service) SelectActive(profileID string) error {
	if _, err := s.store.GetProfile(profileID); err != nil {
		return err
	}
	return s.store.Settings().Set(store.SettingActiveProfileID, profileID)
}

// Active returns the active profile.
func (s *Service) Active() (*models.Profile, error) {
	id, ok := s.store.Settings().Get(store.SettingActiveProfileID)
	if !ok || id == "" {
		return nil, &errors.ErrNotFound{Kind: "active profile", ID: "none"}
	}
	return s.store.GetProfile(id)
}

func (s *Service) Get(id string) (*models.Profile, error) {
	return s.store.GetProfile(id)
}

func (s *Service) List() ([]*models.Profile, error) {
	return s.store.ListProfiles()
}

// Create stores a manually configured profile.
func (s *Service) Create(ctx context.Context, p *models.Profile) (*models.Profile, error) {
	if err := p.Validate(); err != nil {
		return nil, &errors.ErrValidation{Field: "profile", Reason: err.Error()}
	}
	if err := s.store.SaveProfile(p); err != nil {
		return nil, err
	}
	s.logger.Audit(ctx, logging.NewAuditEvent(logging.ProfileCreated, "create profile", logging.StatusSuccess).
		WithSubject(p.SubjectID).
		WithResource(p.Destination()).
		WithDetail("profile_id", p.ID))
	return p, nil
}

// Update replaces an existing profile. Role and subject binding cannot be
// changed this way.
func (s *Service) Update(ctx context.Context, p *models.Profile) (*models.Profile, error) {
	current, err := s.store.GetProfile(p.ID)
	if err != nil {
		return nil, err
	}
	p.Role = current.Role
	p.SubjectID = current.SubjectID
	p.CreatedAt = current.CreatedAt
	if err := p.Validate(); err != nil {
		return nil, &errors.ErrValidation{Field: "profile", Reason: err.Error()}
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveProfile(p); err != nil {
		return nil, err
	}
	s.logger.InfoWithContext(ctx, "profile updated", "profile_id", p.ID)
	return p, nil
}

// Delete unschedules and removes a profile with its history.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.store.GetProfile(id); err != nil {
		return err
	}
	if s.unscheduler != nil {
		if err := s.unscheduler.Unschedule(ctx, id); err != nil && !errors.IsNotFound(err) {
			return err
		}
	}
	if err := s.store.DeleteProfile(id); err != nil {
		return err
	}
	settings := s.store.Settings()
	if active, ok := settings.Get(store.SettingActiveProfileID); ok && active == id {
		if err := settings.Delete(store.SettingActiveProfileID); err != nil {
			return err
		}
	}
	s.logger.InfoWithContext(ctx, "profile deleted", "profile_id", id)
	return nil
}
