package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/overlandkit/overland/pkg/logx"
)

// kvBucket holds all string key/value pairs.
const kvBucket = "kv"

// Store is a string-keyed, string-valued persistence layer backed by bbolt.
// Writes to the same key are serialized by bbolt's single-writer transaction
// model, so per-key ordering holds without extra locking.
type Store struct {
	db     *bolt.DB
	path   string
	logger *logx.Logger
}

// Config holds store configuration.
type Config struct {
	Path        string        `json:"path"`
	OpenTimeout time.Duration `json:"open_timeout"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() *Config {
	return &Config{
		Path:        "/var/lib/overland/overland.db",
		OpenTimeout: 5 * time.Second,
	}
}

// New opens (creating if necessary) the store at the configured path.
func New(config *Config, logger *logx.Logger) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bolt.Open(config.Path, 0o600, &bolt.Options{Timeout: config.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	s := &Store{db: db, path: config.Path, logger: logger}
	if err := s.initializeBucket(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store bucket: %w", err)
	}

	logger.Info("store_opened", "path", config.Path)
	return s, nil
}

func (s *Store) initializeBucket() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(kvBucket))
		return err
	})
}

// Get returns the value for key. The second return is false when the key is
// absent.
func (s *Store) Get(key string) (string, bool, error) {
	var value string
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(kvBucket)).Get([]byte(key))
		if data != nil {
			value = string(data)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read key %s: %w", key, err)
	}

	return value, found, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(kvBucket)).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing an absent key is a no-op.
func (s *Store) Remove(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(kvBucket)).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to remove key %s: %w", key, err)
	}
	return nil
}

// GetJSON reads key and unmarshals it into v. Returns false when the key is
// absent.
func (s *Store) GetJSON(key string, v interface{}) (bool, error) {
	raw, found, err := s.Get(key)
	if err != nil || !found {
		return found, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return true, fmt.Errorf("failed to decode key %s: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals v and stores it under key.
func (s *Store) SetJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode key %s: %w", key, err)
	}
	return s.Set(key, string(data))
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
