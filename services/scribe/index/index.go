// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index keeps a lookup table from change entry ids to the session
// that recorded them.
//
// The table is a cache over the version store: every record can be rebuilt
// from history, so a missing or stale index only costs a slower lookup.
// It is stored in BadgerDB under the state directory.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const entryPrefix = "entry/"

// ErrClosed is returned by operations on a closed index.
var ErrClosed = errors.New("entry index is closed")

// Config holds configuration for an entry index.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory keeps the index in memory only. Useful for testing.
	InMemory bool

	// SyncWrites makes every write durable before returning.
	SyncWrites bool

	// Logger receives BadgerDB diagnostics. Nil disables them.
	Logger *slog.Logger
}

// DefaultConfig returns the configuration used by the CLI.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Record locates one change entry.
type Record struct {
	EntryID    string    `json:"entry_id"`
	SessionID  string    `json:"session_id"`
	RelPath    string    `json:"rel_path"`
	BackupPath string    `json:"backup_path,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Index is a BadgerDB-backed entry index.
//
// # Thread Safety
//
// Safe for concurrent use.
type Index struct {
	db *badger.DB
}

// Open opens or creates an index.
//
// # Inputs
//
//   - cfg: Index configuration. Path is required unless InMemory is set.
//
// # Outputs
//
//   - *Index: Ready to use. Close it when done.
//   - error: Non-nil if the database cannot be opened, for example when
//     another process holds it.
func Open(cfg Config) (*Index, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent index")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create index directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "index")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open entry index: %w", err)
	}
	return &Index{db: db}, nil
}

// Put stores or replaces a record.
func (ix *Index) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.EntryID == "" {
		return errors.New("record has no entry id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.EntryID, err)
	}
	return ix.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(entryPrefix+rec.EntryID), data)
	})
}

// PutAll stores several records in one transaction.
func (ix *Index) PutAll(ctx context.Context, recs []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wb := ix.db.NewWriteBatch()
	defer wb.Cancel()
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", rec.EntryID, err)
		}
		if err := wb.Set([]byte(entryPrefix+rec.EntryID), data); err != nil {
			return fmt.Errorf("stage record %s: %w", rec.EntryID, err)
		}
	}
	return wb.Flush()
}

// Get looks up an entry. The bool is false when the entry is not indexed.
func (ix *Index) Get(ctx context.Context, entryID string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	var rec Record
	err := ix.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(entryPrefix + entryID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read record %s: %w", entryID, err)
	}
	return rec, true, nil
}

// Count returns the number of indexed entries.
func (ix *Index) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := ix.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Reset removes every record.
func (ix *Index) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ix.db.DropPrefix([]byte(entryPrefix))
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	if ix.db.IsClosed() {
		return ErrClosed
	}
	return ix.db.Close()
}
