package store

import "github.com/cloudbackup/cloudbackup/internal/models"

// DefaultHistoryLimit caps the operations kept per profile.
const DefaultHistoryLimit = 100

// Store is the persistence boundary for profiles, schedules, operation
// history, cached service credentials and provisioned employees.
// Lookups of missing records return *errors.ErrNotFound.
type Store interface {
	// Profiles
	GetProfile(id string) (*models.Profile, error)
	FindProfileBySubject(subjectID string) (*models.Profile, error)
	SaveProfile(p *models.Profile) error
	DeleteProfile(id string) error
	ListProfiles() ([]*models.Profile, error)

	// Schedules, one per profile
	GetSchedule(profileID string) (*models.Schedule, error)
	SaveSchedule(s *models.Schedule) error
	// UpdateSchedule applies fn to the stored schedule and writes the result
	// only if the row was not changed by another writer in between; on a
	// conflict fn runs again on the fresh row. fn returns false to leave the
	// row untouched. The result reports whether a write happened.
	UpdateSchedule(profileID string, fn func(*models.Schedule) bool) (bool, error)
	DeleteSchedule(profileID string) error
	ListSchedules() ([]*models.Schedule, error)

	// Operation history, newest first
	SaveOperation(op *models.Operation) error
	ListOperations(profileID string, limit int) ([]*models.Operation, error)
	ClearOperations(profileID string) error

	// Service credentials keyed by subject
	GetServiceCredential(subjectID string) (*models.ServiceCredential, error)
	SaveServiceCredential(c *models.ServiceCredential) error
	DeleteServiceCredential(subjectID string) error

	// Employees provisioned from an admin profile
	SaveEmployee(e *models.Employee) error
	GetEmployee(id string) (*models.Employee, error)
	ListEmployees(profileID string) ([]*models.Employee, error)
	DeleteEmployee(id string) error

	Settings() SettingsStore
	Close() error
}
