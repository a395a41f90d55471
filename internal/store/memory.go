package store

import (
	"sort"
	"sync"

	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/models"
)

// MemoryStore is an in-memory Store used by tests and by commands that run
// without a data directory. It is thread-safe and returns copies.
type MemoryStore struct {
	mu           sync.RWMutex
	profiles     map[string]*models.Profile           // key: profileID
	schedules    map[string]*models.Schedule          // key: profileID
	operations   map[string][]*models.Operation       // key: profileID, newest first
	credentials  map[string]*models.ServiceCredential // key: subjectID
	employees    map[string]*models.Employee          // key: employeeID
	settings     SettingsStore
	historyLimit int
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithHistory(DefaultHistoryLimit)
}

func NewMemoryStoreWithHistory(historyLimit int) *MemoryStore {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &MemoryStore{
		profiles:     make(map[string]*models.Profile),
		schedules:    make(map[string]*models.Schedule),
		operations:   make(map[string][]*models.Operation),
		credentials:  make(map[string]*models.ServiceCredential),
		employees:    make(map[string]*models.Employee),
		settings:     &memorySettings{values: make(map[string]string)},
		historyLimit: historyLimit,
	}
}

// Profile operations

func (s *MemoryStore) GetProfile(id string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, &errors.ErrNotFound{Kind: "profile", ID: id}
	}
	return p.Clone(), nil
}

func (s *MemoryStore) FindProfileBySubject(subjectID string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.Profile
	for _, p := range s.profiles {
		if p.SubjectID != subjectID || subjectID == "" {
			continue
		}
		if found == nil || p.CreatedAt.Before(found.CreatedAt) {
			found = p
		}
	}
	if found == nil {
		return nil, &errors.ErrNotFound{Kind: "profile for subject", ID: subjectID}
	}
	return found.Clone(), nil
}

func (s *MemoryStore) SaveProfile(p *models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p.Clone()
	return nil
}

// DeleteProfile cascades to the schedule, history and employees of the profile.
func (s *MemoryStore) DeleteProfile(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return &errors.ErrNotFound{Kind: "profile", ID: id}
	}
	delete(s.profiles, id)
	delete(s.schedules, id)
	delete(s.operations, id)
	for eid, e := range s.employees {
		if e.ProfileID == id {
			delete(s.employees, eid)
		}
	}
	return nil
}

func (s *MemoryStore) ListProfiles() ([]*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*models.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Schedule operations

func (s *MemoryStore) GetSchedule(profileID string) (*models.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[profileID]
	if !ok {
		return nil, &errors.ErrNotFound{Kind: "schedule", ID: profileID}
	}
	return sched.Clone(), nil
}

func (s *MemoryStore) SaveSchedule(sched *models.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sched.ProfileID] = sched.Clone()
	return nil
}

// UpdateSchedule runs fn outside the lock and only stores the result if the
// schedule was not replaced meanwhile.
func (s *MemoryStore) UpdateSchedule(profileID string, fn func(*models.Schedule) bool) (bool, error) {
	for {
		s.mu.RLock()
		current, ok := s.schedules[profileID]
		s.mu.RUnlock()
		if !ok {
			return false, &errors.ErrNotFound{Kind: "schedule", ID: profileID}
		}

		sched := current.Clone()
		if !fn(sched) {
			return false, nil
		}
		sched.ProfileID = profileID

		s.mu.Lock()
		if s.schedules[profileID] == current {
			s.schedules[profileID] = sched
			s.mu.Unlock()
			return true, nil
		}
		s.mu.Unlock()
	}
}

func (s *MemoryStore) DeleteSchedule(profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, profileID)
	return nil
}

func (s *MemoryStore) ListSchedules() ([]*models.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*models.Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		result = append(result, sched.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProfileID < result[j].ProfileID })
	return result, nil
}

// Operation history

func (s *MemoryStore) SaveOperation(op *models.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *op
	ops := s.operations[op.ProfileID]
	replaced := false
	for i, existing := range ops {
		if existing.ID == op.ID {
			ops[i] = &c
			replaced = true
			break
		}
	}
	if !replaced {
		ops = append(ops, &c)
	}
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].StartedAt.After(ops[j].StartedAt) })
	if len(ops) > s.historyLimit {
		ops = ops[:s.historyLimit]
	}
	s.operations[op.ProfileID] = ops
	return nil
}

func (s *MemoryStore) ListOperations(profileID string, limit int) ([]*models.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ops := s.operations[profileID]
	if limit > 0 && len(ops) > limit {
		ops = ops[:limit]
	}
	result := make([]*models.Operation, 0, len(ops))
	for _, op := range ops {
		c := *op
		result = append(result, &c)
	}
	return result, nil
}

func (s *MemoryStore) ClearOperations(profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.operations, profileID)
	return nil
}

// Service credentials

func (s *MemoryStore) GetServiceCredential(subjectID string) (*models.ServiceCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.credentials[subjectID]
	if !ok {
		return nil, &errors.ErrNotFound{Kind: "service credential", ID: subjectID}
	}
	c := *cred
	return &c, nil
}

func (s *MemoryStore) SaveServiceCredential(cred *models.ServiceCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cred
	s.credentials[cred.SubjectID] = &c
	return nil
}

func (s *MemoryStore) DeleteServiceCredential(subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[subjectID]; !ok {
		return &errors.ErrNotFound{Kind: "service credential", ID: subjectID}
	}
	delete(s.credentials, subjectID)
	return nil
}

// Employees

func (s *MemoryStore) SaveEmployee(e *models.Employee) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	s.employees[e.ID] = &c
	return nil
}

func (s *MemoryStore) GetEmployee(id string) (*models.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.employees[id]
	if !ok {
		return nil, &errors.ErrNotFound{Kind: "employee", ID: id}
	}
	c := *e
	return &c, nil
}

func (s *MemoryStore) ListEmployees(profileID string) ([]*models.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := []*models.Employee{}
	for _, e := range s.employees {
		if e.ProfileID == profileID {
			c := *e
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) DeleteEmployee(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.employees[id]; !ok {
		return &errors.ErrNotFound{Kind: "employee", ID: id}
	}
	delete(s.employees, id)
	return nil
}

// Settings returns the settings store
func (s *MemoryStore) Settings() SettingsStore {
	return s.settings
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// memorySettings keeps settings for the lifetime of a MemoryStore.
type memorySettings struct {
	mu     sync.RWMutex
	values map[string]string
}

func (m *memorySettings) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *memorySettings) Set(key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

func (m *memorySettings) Delete(key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}
