package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/models"
	bolt "go.etcd.io/bbolt"
)

// openTimeout is how long to wait for the bolt file lock. bbolt holds an
// exclusive lock while the database is open, so a short wait keeps the
// single-writer failure fast.
const openTimeout = 500 * time.Millisecond

var (
	sessionBucket = []byte("session")
	tokenSetKey   = []byte("token_set")
)

// BoltStore keeps the session as JSON in a bbolt database. Every
// operation opens and closes the database so no lock is held between
// commands.
type BoltStore struct {
	path string
}

// NewBoltStore returns a store backed by the database at path.
func NewBoltStore(path string) *BoltStore {
	return &BoltStore{path: path}
}

// Path returns the database path.
func (s *BoltStore) Path() string { return s.path }

// Load reads the stored TokenSet.
func (s *BoltStore) Load() (*models.TokenSet, error) {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.ErrSessionNotFound
	}

	db, err := s.open(true)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var ts *models.TokenSet

	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		if b == nil {
			return apperrors.ErrSessionNotFound
		}

		v := b.Get(tokenSetKey)
		if v == nil {
			return apperrors.ErrSessionNotFound
		}

		ts = &models.TokenSet{}
		if err := json.Unmarshal(v, ts); err != nil {
			return &CorruptError{Path: s.path, Reason: "unparsable", Err: err}
		}

		return validate(s.path, ts)
	})
	if err != nil {
		return nil, err
	}

	return ts, nil
}

// Save replaces the stored TokenSet in one transaction.
func (s *BoltStore) Save(ts *models.TokenSet) error {
	if err := validate(s.path, ts); err != nil {
		return fmt.Errorf("refusing to save: %w", err)
	}

	data, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	db, err := s.open(false)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sessionBucket)
		if err != nil {
			return err
		}

		return b.Put(tokenSetKey, data)
	})
}

// Clear removes the stored TokenSet.
func (s *BoltStore) Clear() error {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	db, err := s.open(false)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(sessionBucket) == nil {
			return nil
		}

		return tx.DeleteBucket(sessionBucket)
	})
}

func (s *BoltStore) open(readOnly bool) (*bolt.DB, error) {
	if !readOnly {
		if err := os.MkdirAll(filepath.Dir(s.path), dirPerm); err != nil {
			return nil, fmt.Errorf("creating session directory: %w", err)
		}
	}

	db, err := bolt.Open(s.path, filePerm, &bolt.Options{Timeout: openTimeout, ReadOnly: readOnly})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, apperrors.ErrSessionLocked
		}

		if readOnly {
			return nil, &CorruptError{Path: s.path, Reason: "cannot open database", Err: err}
		}

		return nil, fmt.Errorf("opening session db: %w", err)
	}

	return db, nil
}
