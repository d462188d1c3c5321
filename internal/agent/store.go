package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/3cpo-dev/fleetroll/pkg/api"
)

var bucketInvocations = []byte("invocations")

// ErrNotFound is returned for unknown invocation ids.
var ErrNotFound = errors.New("invocation not found")

// Store persists invocations in a bbolt file so results survive restarts.
type Store struct {
	db *bolt.DB
}

// OpenStore opens or creates the database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInvocations)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Put inserts or replaces inv.
func (s *Store) Put(inv Invocation) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInvocations).Put([]byte(inv.ID), data)
	})
}

// Get returns the invocation with id or ErrNotFound.
func (s *Store) Get(id string) (Invocation, error) {
	var inv Invocation
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInvocations).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &inv)
	})
	return inv, err
}

// MarkInterrupted fails every invocation left unfinished by a previous
// process and returns how many were changed.
func (s *Store) MarkInterrupted() (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvocations)
		var updates []Invocation
		err := b.ForEach(func(k, v []byte) error {
			var inv Invocation
			if err := json.Unmarshal(v, &inv); err != nil {
				return err
			}
			if !inv.State.Terminal() {
				inv.State = api.CommandFailed
				inv.Stderr += "agent restarted before the batch finished\n"
				inv.ExitCode = -1
				inv.FinishedAt = time.Now()
				updates = append(updates, inv)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, inv := range updates {
			data, err := json.Marshal(inv)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(inv.ID), data); err != nil {
				return err
			}
		}
		n = len(updates)
		return nil
	})
	return n, err
}

// Prune deletes finished invocations older than cutoff.
func (s *Store) Prune(cutoff time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvocations)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var inv Invocation
			if err := json.Unmarshal(v, &inv); err != nil {
				return err
			}
			if inv.State.Terminal() && inv.FinishedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}
