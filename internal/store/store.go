// File: internal/store/store.go
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
	"go.uber.org/zap"

	"github.com/citywatch/formrunner/internal/batch"
)

// ErrNotFound is returned when a requested record has never been persisted.
var ErrNotFound = errors.New("store: record not found")

// Fixed record keys. Both the batch state and the settings snapshot are
// single whole-record entries; no partial-field updates are observable
// externally.
const (
	batchStateKey = "batch"
	settingsKey   = "settings"
)

// Store provides durable, whole-record persistence for the batch state and
// the settings snapshot, backed by BadgerDB.
type Store struct {
	db  *badgerhold.Store
	log *zap.Logger
}

// Open creates (if needed) and opens the state database under dataDir.
func Open(dataDir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %q: %w", dataDir, err)
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = filepath.Join(dataDir, "state")
	opts.ValueDir = opts.Dir
	// Badger's own logger is noisy at INFO; our zap logger reports
	// store-level operations instead.
	opts.Logger = nil
	// State on disk must never lag behind the action it describes.
	opts.SyncWrites = true

	db, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	return &Store{
		db:  db,
		log: logger.Named("store"),
	}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadState reads the persisted batch state. Callers must re-fetch rather
// than cache; the durable record is the only state that survives a restart.
func (s *Store) LoadState() (*batch.State, error) {
	var st batch.State
	if err := s.db.Get(batchStateKey, &st); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load batch state: %w", err)
	}
	return &st, nil
}

// SaveState persists the batch state as a whole-record snapshot, bumping its
// version. The write is durable before SaveState returns.
func (s *Store) SaveState(st *batch.State) error {
	st.Version++
	if err := s.db.Upsert(batchStateKey, st); err != nil {
		return fmt.Errorf("failed to save batch state: %w", err)
	}
	s.log.Debug("Batch state persisted.",
		zap.Int64("version", st.Version),
		zap.Bool("running", st.Running),
		zap.Int("current_index", st.CurrentIndex),
		zap.Int("queue_len", len(st.Queue)))
	return nil
}

// LoadSettings reads the persisted settings snapshot.
func (s *Store) LoadSettings() (*batch.Settings, error) {
	var settings batch.Settings
	if err := s.db.Get(settingsKey, &settings); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return &settings, nil
}

// SaveSettings persists the settings snapshot as a whole record.
func (s *Store) SaveSettings(settings *batch.Settings) error {
	if err := s.db.Upsert(settingsKey, settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	s.log.Debug("Settings persisted.")
	return nil
}

// DB exposes the raw badger handle for maintenance commands.
func (s *Store) DB() *badger.DB {
	return s.db.Badger()
}
