package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/timshannon/badgerhold/v4"
)

// DB manages the badger database connection shared by the job store, the
// worker registry and the history store.
type DB struct {
	store  *badgerhold.Store
	logger *slog.Logger
	path   string
}

// Open opens (or creates) the database at path.
func Open(logger *slog.Logger, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil // badger's own logger is too chatty; slog covers us

	s, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", path, err)
	}

	logger.Info("database opened", "path", path)
	return &DB{store: s, logger: logger, path: path}, nil
}

// Store returns the underlying badgerhold store.
func (db *DB) Store() *badgerhold.Store {
	return db.store
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.store == nil {
		return nil
	}
	return db.store.Close()
}
