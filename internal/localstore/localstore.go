// Package localstore is the agent's client-local storage: a small SQLite
// key/value file holding the consent flag and the logged-in identity.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"geopresence/internal/model"
)

const (
	KeyConsent  = "locationTrackingGranted"
	KeyIdentity = "identity"
)

var ErrNoIdentity = errors.New("no identity stored")

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite file at path. ":memory:" is
// accepted for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// one connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		log.Printf("localstore: WAL not enabled: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) get(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) set(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

func (s *Store) remove(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// LoadConsent implements presence.ConsentStore.
func (s *Store) LoadConsent() (bool, error) {
	v, ok, err := s.get(KeyConsent)
	if err != nil || !ok {
		return false, err
	}
	return v == "true", nil
}

// SaveConsent implements presence.ConsentStore.
func (s *Store) SaveConsent(granted bool) error {
	if !granted {
		return s.remove(KeyConsent)
	}
	return s.set(KeyConsent, "true")
}

// Login stores the identity the agent tracks.
func (s *Store) Login(subject model.Subject) error {
	if subject.ID == "" {
		return errors.New("login: subject id is required")
	}
	raw, err := json.Marshal(subject)
	if err != nil {
		return err
	}
	return s.set(KeyIdentity, string(raw))
}

// Logout clears the identity. A running agent sees this as session end.
func (s *Store) Logout() error { return s.remove(KeyIdentity) }

func (s *Store) Identity() (model.Subject, error) {
	v, ok, err := s.get(KeyIdentity)
	if err != nil {
		return model.Subject{}, err
	}
	if !ok {
		return model.Subject{}, ErrNoIdentity
	}
	var subject model.Subject
	if err := json.Unmarshal([]byte(v), &subject); err != nil {
		return model.Subject{}, fmt.Errorf("decode identity: %w", err)
	}
	return subject, nil
}

// WatchSessionEnded polls until the stored identity is cleared or replaced
// by a different subject, then closes the returned channel. Read errors are
// logged and polling continues. A non-positive interval disables polling
// and the channel never closes.
func (s *Store) WatchSessionEnded(ctx context.Context, subjectID string, every time.Duration) <-chan struct{} {
	ended := make(chan struct{})
	if every <= 0 {
		log.Printf("localstore: session polling disabled (interval %s)", every)
		return ended
	}
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}

			subject, err := s.Identity()
			switch {
			case errors.Is(err, ErrNoIdentity):
			case err != nil:
				log.Printf("localstore: reading identity: %v", err)
				continue
			case subject.ID == subjectID:
				continue
			}
			close(ended)
			return
		}
	}()
	return ended
}
