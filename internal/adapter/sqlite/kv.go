package sqlite

import (
	"database/sql"
	"errors"
)

// Get returns the value stored under key
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM download_records WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set stores value under key
func (s *Store) Set(key string, value []byte) error {
	query := `
		INSERT INTO download_records (key, value, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`

	_, err := s.db.Exec(query, key, value)
	return err
}

// Delete removes key
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec("DELETE FROM download_records WHERE key = ?", key)
	return err
}

// ListKeys returns every stored key
func (s *Store) ListKeys() ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM download_records ORDER BY key")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}
