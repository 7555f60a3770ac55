// Package checkpoint persists consumer cursors outside the ordered log.
//
// A cursor is the token of the last entry a consumer group finished for a
// partition. Commits are monotonic: committing a token that does not advance
// the stored cursor is a no-op, so redelivered batches can be committed safely.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tallyhq/tally/internal/stream"
)

const cursorsBucket = "cursors"

// Store loads and commits consumer cursors.
type Store interface {
	// Load returns the committed cursor, or "" when none exists.
	Load(group, partition string) (string, error)
	// Commit advances the cursor to token unless it would move backwards.
	Commit(group, partition, token string) error
	// List returns every committed cursor of a group keyed by partition.
	List(group string) (map[string]string, error)
	Close() error
}

// BoltStore is a Store backed by a bbolt database file.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// Open opens or creates the checkpoint database at path.
func Open(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cursorsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: init bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(group, partition string) (string, error) {
	var token string
	err := s.db.View(func(tx *bolt.Tx) error {
		g := tx.Bucket([]byte(cursorsBucket)).Bucket([]byte(group))
		if g == nil {
			return nil
		}
		if v := g.Get([]byte(partition)); v != nil {
			token = string(v)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("checkpoint: load %s/%s: %w", group, partition, err)
	}
	return token, nil
}

func (s *BoltStore) Commit(group, partition, token string) error {
	if token == "" {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		g, err := tx.Bucket([]byte(cursorsBucket)).CreateBucketIfNotExists([]byte(group))
		if err != nil {
			return err
		}
		if prev := g.Get([]byte(partition)); prev != nil && stream.CompareTokens(token, string(prev)) <= 0 {
			return nil
		}
		return g.Put([]byte(partition), []byte(token))
	})
	if err != nil {
		return fmt.Errorf("checkpoint: commit %s/%s: %w", group, partition, err)
	}
	return nil
}

func (s *BoltStore) List(group string) (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		g := tx.Bucket([]byte(cursorsBucket)).Bucket([]byte(group))
		if g == nil {
			return nil
		}
		return g.ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list %s: %w", group, err)
	}
	return out, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
