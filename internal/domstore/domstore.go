// Package domstore persists window.localStorage for the headless
// backends. Entries are keyed by document origin in a SQLite table, so
// same-origin documents share state and cross-origin documents cannot
// see each other's keys.
package domstore

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "github.com/glebarez/sqlite"
)

// Store is a localStorage key-value store.
type Store struct {
	db *sql.DB
}

// Open opens the store. An empty dataDir keeps it in memory for the
// process lifetime.
func Open(dataDir string) (*Store, error) {
	dsn := ":memory:"
	if dataDir != "" {
		dsn = filepath.Join(dataDir, "dom_storage.db")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening storage db: %w", err)
	}
	// The in-memory database lives in a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS dom_storage (
		origin TEXT NOT NULL,
		key    TEXT NOT NULL,
		value  TEXT NOT NULL,
		PRIMARY KEY (origin, key)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating storage table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(origin, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM dom_storage WHERE origin = ? AND key = ?`, origin, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading storage key: %w", err)
	}
	return v, true, nil
}

func (s *Store) Set(origin, key, value string) error {
	_, err := s.db.Exec(`INSERT INTO dom_storage (origin, key, value) VALUES (?, ?, ?)
		ON CONFLICT (origin, key) DO UPDATE SET value = excluded.value`, origin, key, value)
	if err != nil {
		return fmt.Errorf("writing storage key: %w", err)
	}
	return nil
}

func (s *Store) Remove(origin, key string) error {
	_, err := s.db.Exec(`DELETE FROM dom_storage WHERE origin = ? AND key = ?`, origin, key)
	if err != nil {
		return fmt.Errorf("removing storage key: %w", err)
	}
	return nil
}

func (s *Store) Clear(origin string) error {
	_, err := s.db.Exec(`DELETE FROM dom_storage WHERE origin = ?`, origin)
	if err != nil {
		return fmt.Errorf("clearing storage: %w", err)
	}
	return nil
}

func (s *Store) Keys(origin string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM dom_storage WHERE origin = ? ORDER BY key`, origin)
	if err != nil {
		return nil, fmt.Errorf("listing storage keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning storage key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ShimJS builds the window.localStorage facade over the native
// accessors an engine must provide: __wvStorageHas, __wvStorageGet,
// __wvStorageSet, __wvStorageRemove, __wvStorageClear and
// __wvStorageKeys (the last returning a JSON array of keys).
const ShimJS = `
(function() {
	var s = {
		getItem: function(k) {
			k = String(k);
			return __wvStorageHas(k) ? __wvStorageGet(k) : null;
		},
		setItem: function(k, v) { __wvStorageSet(String(k), String(v)); },
		removeItem: function(k) { __wvStorageRemove(String(k)); },
		clear: function() { __wvStorageClear(); },
		key: function(i) {
			var ks = JSON.parse(__wvStorageKeys());
			i = Number(i);
			return (i >= 0 && i < ks.length) ? ks[i] : null;
		}
	};
	Object.defineProperty(s, 'length', {
		get: function() { return JSON.parse(__wvStorageKeys()).length; }
	});
	Object.defineProperty(window, 'localStorage', { value: s });
})();
`
