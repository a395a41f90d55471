package store

import (
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists records as JSON documents in a WAL-mode SQLite
// database. It is safe for concurrent use.
type SQLiteStore struct {
	mu           sync.RWMutex
	db           *sql.DB
	settings     SettingsStore
	historyLimit int
}

// NewSQLiteStore opens dbPath with the default history limit.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithHistory(dbPath, DefaultHistoryLimit)
}

// NewSQLiteStoreWithHistory opens dbPath keeping at most historyLimit
// operations per profile.
func NewSQLiteStoreWithHistory(dbPath string, historyLimit int) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_pragma=cache_size(2000)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}
	return newSQLiteStore(db, historyLimit)
}

func newSQLiteStore(db *sql.DB, historyLimit int) (*SQLiteStore, error) {
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	settingsStore, err := NewSQLiteSettingsStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &SQLiteStore{
		db:           db,
		settings:     settingsStore,
		historyLimit: historyLimit,
	}, nil
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "create migrations table", Err: err}
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "get current migration version", Err: err}
	}

	migrations := []struct {
		version int
		up      string
	}{
		{
			version: 1,
			up: `
				CREATE TABLE IF NOT EXISTS profiles (
					id TEXT PRIMARY KEY,
					subject_id TEXT,
					name TEXT NOT NULL,
					role TEXT NOT NULL,
					data TEXT NOT NULL,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);
				CREATE INDEX IF NOT EXISTS idx_profiles_subject ON profiles(subject_id);

				CREATE TABLE IF NOT EXISTS schedules (
					profile_id TEXT PRIMARY KEY,
					enabled INTEGER NOT NULL DEFAULT 0,
					data TEXT NOT NULL,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					FOREIGN KEY (profile_id) REFERENCES profiles(id) ON DELETE CASCADE
				);

				CREATE TABLE IF NOT EXISTS operations (
					id TEXT PRIMARY KEY,
					profile_id TEXT NOT NULL,
					started_at INTEGER NOT NULL,
					data TEXT NOT NULL,
					FOREIGN KEY (profile_id) REFERENCES profiles(id) ON DELETE CASCADE
				);
				CREATE INDEX IF NOT EXISTS idx_operations_profile ON operations(profile_id, started_at DESC);
			`,
		},
		{
			version: 2,
			up: `
				CREATE TABLE IF NOT EXISTS service_credentials (
					subject_id TEXT PRIMARY KEY,
					data TEXT NOT NULL,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);

				CREATE TABLE IF NOT EXISTS employees (
					id TEXT PRIMARY KEY,
					profile_id TEXT NOT NULL,
					username TEXT NOT NULL,
					data TEXT NOT NULL,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					FOREIGN KEY (profile_id) REFERENCES profiles(id) ON DELETE CASCADE
				);
				CREATE INDEX IF NOT EXISTS idx_employees_profile ON employees(profile_id);
			`,
		},
	}

	tx, err := db.Begin()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin migration transaction", Err: err}
	}
	defer tx.Rollback()

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := tx.Exec(m.up); err != nil {
			return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit migrations", Err: err}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Settings returns the settings store backed by the same database.
func (s *SQLiteStore) Settings() SettingsStore {
	return s.settings
}

// Profiles

func (s *SQLiteStore) GetProfile(id string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow("SELECT data FROM profiles WHERE id = ?", id).Scan(&data)
	if err != nil {
		return nil, notFoundOr(err, "profile", id, "get_profile")
	}
	var p models.Profile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "decode_profile", Err: err}
	}
	return &p, nil
}

func (s *SQLiteStore) FindProfileBySubject(subjectID string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow(
		"SELECT data FROM profiles WHERE subject_id = ? ORDER BY created_at ASC LIMIT 1",
		subjectID,
	).Scan(&data)
	if err != nil {
		return nil, notFoundOr(err, "profile for subject", subjectID, "find_profile_by_subject")
	}
	var p models.Profile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "decode_profile", Err: err}
	}
	return &p, nil
}

func (s *SQLiteStore) SaveProfile(p *models.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "encode_profile", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO profiles (id, subject_id, name, role, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subject_id = excluded.subject_id,
			name = excluded.name,
			role = excluded.role,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, p.ID, nullable(p.SubjectID), p.Name, string(p.Role), string(data), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "save_profile", Err: err}
	}
	return nil
}

// DeleteProfile removes the profile together with its schedule, history and employees.
func (s *SQLiteStore) DeleteProfile(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM profiles WHERE id = ?", id)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "delete_profile", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.ErrNotFound{Kind: "profile", ID: id}
	}
	return nil
}

func (s *SQLiteStore) ListProfiles() ([]*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT data FROM profiles ORDER BY name ASC, created_at ASC")
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list_profiles", Err: err}
	}
	defer rows.Close()

	profiles := []*models.Profile{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "list_profiles", Err: err}
		}
		var p models.Profile
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "decode_profile", Err: err}
		}
		profiles = append(profiles, &p)
	}
	return profiles, rows.Err()
}

// Schedules

func (s *SQLiteStore) GetSchedule(profileID string) (*models.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow("SELECT data FROM schedules WHERE profile_id = ?", profileID).Scan(&data)
	if err != nil {
		return nil, notFoundOr(err, "schedule", profileID, "get_schedule")
	}
	var sched models.Schedule
	if err := json.Unmarshal([]byte(data), &sched); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "decode_schedule", Err: err}
	}
	return &sched, nil
}

func (s *SQLiteStore) SaveSchedule(sched *models.Schedule) error {
	data, err := json.Marshal(sched)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "encode_schedule", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO schedules (profile_id, enabled, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(profile_id) DO UPDATE SET
			enabled = excluded.enabled,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, sched.ProfileID, sched.Enabled, string(data), time.Now().UTC())
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "save_schedule", Err: err}
	}
	return nil
}

// maxScheduleUpdateAttempts bounds the retries of UpdateSchedule under
// contention.
const maxScheduleUpdateAttempts = 5

// UpdateSchedule is a compare-and-swap on the stored JSON: the UPDATE only
// matches the exact row fn saw, which also holds against other processes
// sharing the database file.
func (s *SQLiteStore) UpdateSchedule(profileID string, fn func(*models.Schedule) bool) (bool, error) {
	for attempt := 0; attempt < maxScheduleUpdateAttempts; attempt++ {
		var old string
		s.mu.RLock()
		err := s.db.QueryRow("SELECT data FROM schedules WHERE profile_id = ?", profileID).Scan(&old)
		s.mu.RUnlock()
		if err != nil {
			return false, notFoundOr(err, "schedule", profileID, "update_schedule")
		}

		var sched models.Schedule
		if err := json.Unmarshal([]byte(old), &sched); err != nil {
			return false, &errors.ErrDatabaseQuery{Operation: "decode_schedule", Err: err}
		}
		if !fn(&sched) {
			return false, nil
		}
		sched.ProfileID = profileID
		data, err := json.Marshal(&sched)
		if err != nil {
			return false, &errors.ErrDatabaseQuery{Operation: "encode_schedule", Err: err}
		}

		s.mu.Lock()
		res, err := s.db.Exec(`
			UPDATE schedules SET enabled = ?, data = ?, updated_at = ?
			WHERE profile_id = ? AND data = ?
		`, sched.Enabled, string(data), time.Now().UTC(), profileID, old)
		s.mu.Unlock()
		if err != nil {
			return false, &errors.ErrDatabaseQuery{Operation: "update_schedule", Err: err}
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return true, nil
		}
	}
	return false, &errors.ErrDatabaseQuery{
		Operation: "update_schedule",
		Err:       fmt.Errorf("schedule %s kept changing after %d attempts", profileID, maxScheduleUpdateAttempts),
	}
}

func (s *SQLiteStore) DeleteSchedule(profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM schedules WHERE profile_id = ?", profileID); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "delete_schedule", Err: err}
	}
	return nil
}

func (s *SQLiteStore) ListSchedules() ([]*models.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT data FROM schedules ORDER BY profile_id")
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list_schedules", Err: err}
	}
	defer rows.Close()

	schedules := []*models.Schedule{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "list_schedules", Err: err}
		}
		var sched models.Schedule
		if err := json.Unmarshal([]byte(data), &sched); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "decode_schedule", Err: err}
		}
		schedules = append(schedules, &sched)
	}
	return schedules, rows.Err()
}

// Operations

// SaveOperation upserts op and prunes the profile's history to the limit.
func (s *SQLiteStore) SaveOperation(op *models.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "encode_operation", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "save_operation", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO operations (id, profile_id, started_at, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET started_at = excluded.started_at, data = excluded.data
	`, op.ID, op.ProfileID, op.StartedAt.UnixNano(), string(data))
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "save_operation", Err: err}
	}

	_, err = tx.Exec(`
		DELETE FROM operations
		WHERE profile_id = ? AND id NOT IN (
			SELECT id FROM operations WHERE profile_id = ?
			ORDER BY started_at DESC LIMIT ?
		)
	`, op.ProfileID, op.ProfileID, s.historyLimit)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "prune_operations", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "save_operation", Err: err}
	}
	return nil
}

// ListOperations returns the newest operations first. limit <= 0 returns all.
func (s *SQLiteStore) ListOperations(profileID string, limit int) ([]*models.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		"SELECT data FROM operations WHERE profile_id = ? ORDER BY started_at DESC LIMIT ?",
		profileID, limit,
	)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list_operations", Err: err}
	}
	defer rows.Close()

	ops := []*models.Operation{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "list_operations", Err: err}
		}
		var op models.Operation
		if err := json.Unmarshal([]byte(data), &op); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "decode_operation", Err: err}
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

func (s *SQLiteStore) ClearOperations(profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM operations WHERE profile_id = ?", profileID); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "clear_operations", Err: err}
	}
	return nil
}

// Service credentials

func (s *SQLiteStore) GetServiceCredential(subjectID string) (*models.ServiceCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow("SELECT data FROM service_credentials WHERE subject_id = ?", subjectID).Scan(&data)
	if err != nil {
		return nil, notFoundOr(err, "service credential", subjectID, "get_service_credential")
	}
	var cred models.ServiceCredential
	if err := json.Unmarshal([]byte(data), &cred); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "decode_service_credential", Err: err}
	}
	return &cred, nil
}

// SaveServiceCredential is last-writer-wins per subject.
func (s *SQLiteStore) SaveServiceCredential(cred *models.ServiceCredential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "encode_service_credential", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO service_credentials (subject_id, data, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET data = excluded.data
	`, cred.SubjectID, string(data), cred.CreatedAt)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "save_service_credential", Err: err}
	}
	return nil
}

func (s *SQLiteStore) DeleteServiceCredential(subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM service_credentials WHERE subject_id = ?", subjectID)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "delete_service_credential", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.ErrNotFound{Kind: "service credential", ID: subjectID}
	}
	return nil
}

// Employees

func (s *SQLiteStore) SaveEmployee(e *models.Employee) error {
	data, err := json.Marshal(e)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "encode_employee", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO employees (id, profile_id, username, data, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			data = excluded.data
	`, e.ID, e.ProfileID, e.Username, string(data), e.CreatedAt)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "save_employee", Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetEmployee(id string) (*models.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow("SELECT data FROM employees WHERE id = ?", id).Scan(&data)
	if err != nil {
		return nil, notFoundOr(err, "employee", id, "get_employee")
	}
	var e models.Employee
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "decode_employee", Err: err}
	}
	return &e, nil
}

func (s *SQLiteStore) ListEmployees(profileID string) ([]*models.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT data FROM employees WHERE profile_id = ? ORDER BY created_at ASC",
		profileID,
	)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list_employees", Err: err}
	}
	defer rows.Close()

	employees := []*models.Employee{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "list_employees", Err: err}
		}
		var e models.Employee
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "decode_employee", Err: err}
		}
		employees = append(employees, &e)
	}
	return employees, rows.Err()
}

func (s *SQLiteStore) DeleteEmployee(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM employees WHERE id = ?", id)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "delete_employee", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.ErrNotFound{Kind: "employee", ID: id}
	}
	return nil
}

func notFoundOr(err error, kind, id, operation string) error {
	if stderrors.Is(err, sql.ErrNoRows) {
		return &errors.ErrNotFound{Kind: kind, ID: id}
	}
	return &errors.ErrDatabaseQuery{Operation: operation, Err: err}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
