// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval bounds how long Acquire sleeps between attempts
// when no file event arrives. A holder that exits without releasing
// produces no event.
const DefaultPollInterval = 500 * time.Millisecond

// LockInfo describes the process holding the store lock.
type LockInfo struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Config holds configuration for a StoreLock.
type Config struct {
	// Path is the lock file. Required.
	Path string

	// Owner names the holder in LockInfo, e.g. the CLI command.
	Owner string

	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration

	// Logger receives structured logs. Nil uses slog.Default().
	Logger *slog.Logger
}

// StoreLock serializes writers of one state directory across processes.
//
// # Description
//
// Holds an exclusive OS lock on a single file. The holder's LockInfo is
// written into the locked file for diagnostics. The file itself is never
// removed, so a lock is never taken on an unlinked inode.
//
// # Thread Safety
//
// All methods are safe for concurrent use. A StoreLock is not reentrant.
type StoreLock struct {
	path   string
	owner  string
	poll   time.Duration
	locker FileLocker
	logger *slog.Logger

	mu     sync.Mutex
	file   *os.File
	info   *LockInfo
	closed bool
}

// New creates a StoreLock. The lock is not acquired.
func New(cfg Config) (*StoreLock, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("lock path is required")
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving lock path %s: %w", cfg.Path, err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreLock{
		path:   abs,
		owner:  cfg.Owner,
		poll:   cfg.PollInterval,
		locker: newFileLocker(),
		logger: logger.With("component", "lock.StoreLock"),
	}, nil
}

// Path returns the lock file path.
func (l *StoreLock) Path() string {
	return l.path
}

// TryAcquire takes the lock without waiting.
//
// # Outputs
//
//   - error: nil on success, a *LockError wrapping ErrLocked when another
//     process holds it, other errors on I/O failure.
func (l *StoreLock) TryAcquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.file != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening lock file %s: %w", l.path, err)
	}

	if err := l.locker.Lock(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLocked) {
			holder, _ := ReadHolder(l.path)
			return &LockError{Path: l.path, Holder: holder, Err: ErrLocked}
		}
		return fmt.Errorf("locking %s: %w", l.path, err)
	}

	host, _ := os.Hostname()
	info := &LockInfo{
		PID:        os.Getpid(),
		Host:       host,
		Owner:      l.owner,
		AcquiredAt: time.Now().UTC(),
	}
	if err := writeInfo(f, info); err != nil {
		l.locker.Unlock(f)
		f.Close()
		return fmt.Errorf("writing lock info: %w", err)
	}

	l.file = f
	l.info = info
	l.logger.Debug("acquired store lock",
		"path", l.path,
		"owner", l.owner)
	return nil
}

// Acquire takes the lock, waiting until it is free or ctx is done.
//
// # Description
//
// Watches the lock file's directory and retries whenever the file
// changes. A holder releasing the lock truncates the file, which wakes
// waiters immediately. Retries also happen every poll interval.
//
// # Outputs
//
//   - error: nil on success, ctx.Err() wrapped with the last *LockError
//     when the context ends first.
func (l *StoreLock) Acquire(ctx context.Context) error {
	err := l.TryAcquire()
	if err == nil || !errors.Is(err, ErrLocked) {
		return err
	}

	watcher, werr := fsnotify.NewWatcher()
	if werr != nil {
		l.logger.Warn("file watcher unavailable, polling for lock",
			"error", werr)
	} else {
		defer watcher.Close()
		if aerr := watcher.Add(filepath.Dir(l.path)); aerr != nil {
			l.logger.Warn("failed to watch lock directory",
				"path", filepath.Dir(l.path),
				"error", aerr)
		}
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events, errs = watcher.Events, watcher.Errors
	}

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	l.logger.Info("waiting for store lock", "path", l.path)
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for lock: %w (%v)", ctx.Err(), err)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != l.path {
				continue
			}
		case werr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			l.logger.Warn("file watcher error", "error", werr)
			continue
		case <-ticker.C:
		}

		err = l.TryAcquire()
		if err == nil || !errors.Is(err, ErrLocked) {
			return err
		}
	}
}

// Release gives the lock up.
//
// # Outputs
//
//   - error: ErrNotHeld if this StoreLock does not hold the lock.
func (l *StoreLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrNotHeld
	}
	f := l.file
	l.file = nil
	l.info = nil

	var errs []error
	if err := f.Truncate(0); err != nil {
		errs = append(errs, fmt.Errorf("clearing lock info: %w", err))
	}
	if err := l.locker.Unlock(f); err != nil {
		errs = append(errs, fmt.Errorf("unlocking: %w", err))
	}
	if err := f.Close(); err != nil {
		errs = append(errs, err)
	}

	l.logger.Debug("released store lock", "path", l.path)
	return errors.Join(errs...)
}

// Close releases the lock if held. A closed StoreLock cannot be
// acquired again.
func (l *StoreLock) Close() error {
	var err error
	if l.Held() {
		err = l.Release()
	}
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return err
}

// Held reports whether this StoreLock holds the lock.
func (l *StoreLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// Info returns the LockInfo written by this holder, or nil.
func (l *StoreLock) Info() *LockInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.info == nil {
		return nil
	}
	cp := *l.info
	return &cp
}

// ReadHolder reads the LockInfo recorded in a lock file.
//
// # Outputs
//
//   - *LockInfo: The recorded holder, nil when the file is missing or
//     empty, i.e. nobody has held the lock since the last release.
//   - error: Non-nil if the file cannot be read or parsed.
func ReadHolder(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parsing lock info: %w", err)
	}
	return &info, nil
}

func writeInfo(f *os.File, info *LockInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(append(data, '\n'), 0); err != nil {
		return err
	}
	return f.Sync()
}
