package storage

import (
	"strings"
)

// GetSettings loads settings for the provided keys. Missing keys are absent
// from the result.
func (s *Store) GetSettings(keys []string) (map[string]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	result := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	query := "SELECT key, value FROM settings WHERE key IN (?" + strings.Repeat(",?", len(keys)-1) + ")"
	args := make([]any, len(keys))
	for i, key := range keys {
		args[i] = key
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		result[key] = value
	}
	return result, rows.Err()
}

// GetSetting returns one value and whether it was set.
func (s *Store) GetSetting(key string) (string, bool, error) {
	values, err := s.GetSettings([]string{key})
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

// ListSettings returns every stored key and value, optionally limited to keys
// starting with prefix.
func (s *Store) ListSettings(prefix string) (map[string]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.Query(`SELECT key, value FROM settings WHERE key LIKE ? ESCAPE '\' ORDER BY key`, likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		result[key] = value
	}
	return result, rows.Err()
}

// SetSetting upserts a setting value. Empty value deletes the row.
func (s *Store) SetSetting(key, value string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return s.DeleteSetting(key)
	}
	err := withBusyRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO settings (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, value, s.timestamp())
		return err
	})
	if err != nil {
		return err
	}
	s.notify(newEvent(EventSettingUpdated, key, nil))
	return nil
}

// DeleteSetting removes key. Deleting a missing key is not an error.
func (s *Store) DeleteSetting(key string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	var affected int64
	err := withBusyRetry(func() error {
		res, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}
	if affected > 0 {
		s.notify(newEvent(EventSettingDeleted, key, nil))
	}
	return nil
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
