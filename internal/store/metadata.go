package store

import (
	"database/sql"
	"errors"
)

const seedHashKey = "seed_hash"

// SetMetadata upserts a key-value pair in the metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SeedApplied reports whether seed data with the given content hash has
// already been loaded, so repeated seeding is a no-op unless the seed
// content changed.
func (s *Store) SeedApplied(hash string) (bool, error) {
	stored, err := s.GetMetadata(seedHashKey)
	if err != nil {
		return false, err
	}
	return stored == hash, nil
}

// MarkSeedApplied records the content hash of the applied seed data.
func (s *Store) MarkSeedApplied(hash string) error {
	return s.SetMetadata(seedHashKey, hash)
}
