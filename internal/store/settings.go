package store

import (
	"database/sql"
	"time"
)

// Setting keys
const (
	SettingActiveProfileID = "active_profile_id"
	SettingLastLoginEmail  = "last_login_email"
)

// SettingsStore is a small key/value store for process preferences.
type SettingsStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

// SQLiteSettingsStore implements SettingsStore on the settings table.
type SQLiteSettingsStore struct {
	db *sql.DB
}

// NewSQLiteSettingsStore creates the settings table if needed.
func NewSQLiteSettingsStore(db *sql.DB) (*SQLiteSettingsStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return nil, err
	}
	return &SQLiteSettingsStore{db: db}, nil
}

func (s *SQLiteSettingsStore) Get(key string) (string, bool) {
	var value string
	if err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value); err != nil {
		return "", false
	}
	return value, true
}

func (s *SQLiteSettingsStore) Set(key, value string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now)
	return err
}

func (s *SQLiteSettingsStore) Delete(key string) error {
	_, err := s.db.Exec("DELETE FROM settings WHERE key = ?", key)
	return err
}
