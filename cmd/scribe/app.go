// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/scribe/pkg/logging"
	"github.com/AleutianAI/scribe/pkg/ux"
	"github.com/AleutianAI/scribe/services/scribe/backup"
	"github.com/AleutianAI/scribe/services/scribe/index"
	"github.com/AleutianAI/scribe/services/scribe/lock"
	"github.com/AleutianAI/scribe/services/scribe/statedir"
	"github.com/AleutianAI/scribe/services/scribe/telemetry"
	"github.com/AleutianAI/scribe/services/scribe/transaction"
	"github.com/AleutianAI/scribe/services/scribe/vcs"
)

// globalOptions are the persistent root flags.
type globalOptions struct {
	root        string
	configPath  string
	logLevel    string
	json        bool
	timeout     time.Duration
	personality string
}

// storeFactory builds the version store for a layout. Tests substitute an
// in-memory store.
type storeFactory func(layout statedir.Layout, cfg vcs.GitConfig) (vcs.HistoryStore, error)

func gitStoreFactory(layout statedir.Layout, cfg vcs.GitConfig) (vcs.HistoryStore, error) {
	return vcs.NewGitStore(layout, cfg)
}

// app holds everything one command invocation opens.
//
// Read-only commands never open the entry index: BadgerDB takes an
// exclusive directory lock, and only holders of the store lock may take
// it. Without the index the manager scans session journals.
type app struct {
	opts     globalOptions
	stdout   io.Writer
	stderr   io.Writer
	newStore storeFactory

	cfg      Config
	layout   statedir.Layout
	logger   *logging.Logger
	printer  *ux.Printer
	manager  *transaction.Manager
	backups  *backup.DefaultManager
	index    *index.Index
	lock     *lock.StoreLock
	shutdown func(context.Context) error
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:   stdout,
		stderr:   stderr,
		newStore: gitStoreFactory,
	}
}

// openMode selects what open prepares.
type openMode int

const (
	// readOnly opens the store without the lock or the index.
	readOnly openMode = iota

	// mutating takes the store lock and opens the index.
	mutating
)

// open loads configuration and wires every component for cmd.
func (a *app) open(cmd *cobra.Command, mode openMode) error {
	if a.opts.json {
		ux.SetPersonalityLevel(ux.PersonalityMachine)
	} else if a.opts.personality != "" {
		ux.SetPersonalityLevel(ux.ParsePersonalityLevel(a.opts.personality))
	} else {
		ux.InitPersonality()
	}
	a.printer = ux.NewPrinter(a.stdout)

	layout, err := statedir.Resolve(a.opts.root)
	if err != nil {
		return err
	}
	a.layout = layout

	configPath := a.opts.configPath
	required := configPath != ""
	if configPath == "" {
		configPath = filepath.Join(layout.Root, ConfigFileName)
	}
	cfg, err := LoadConfig(configPath, required)
	if err != nil {
		return err
	}
	if a.opts.logLevel != "" {
		cfg.Log.Level = a.opts.logLevel
	}
	if a.opts.timeout > 0 {
		cfg.CommandTimeout = a.opts.timeout
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "scribe",
		JSON:    cfg.Log.JSON || a.opts.json,
		Output:  a.stderr,
	})

	ctx := cmd.Context()

	metricsFile := ""
	if cfg.Telemetry.MetricExporter == telemetry.ExporterPrometheus {
		metricsFile = layout.MetricsFile
	}
	tc := cfg.telemetryConfig(metricsFile)
	tc.Output = a.stderr
	a.shutdown, err = telemetry.Init(ctx, tc)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	store, err := a.newStore(layout, vcs.GitConfig{
		Timeout:  cfg.CommandTimeout,
		Identity: vcs.Identity{Name: cfg.Identity.Name, Email: cfg.Identity.Email},
		Logger:   a.logger.Slog(),
	})
	if err != nil {
		return fmt.Errorf("opening version store: %w", err)
	}

	a.backups = backup.NewManager(backup.Config{Dir: layout.BackupDir})

	var opts []transaction.Option
	if mode == mutating {
		if err := a.acquireLock(ctx, cmd.Name()); err != nil {
			return err
		}
		if cfg.Index.Enabled {
			ix, err := index.Open(index.Config{
				Path:       layout.IndexDir,
				SyncWrites: true,
				Logger:     a.logger.Slog(),
			})
			if err != nil {
				// The index is a cache; history stays authoritative.
				a.logger.Warn("entry index unavailable, scanning history instead",
					"path", layout.IndexDir,
					"error", err)
			} else {
				a.index = ix
				opts = append(opts, transaction.WithIndex(ix))
			}
		}
	}

	mgr, err := transaction.NewManager(transaction.Config{
		Layout:         layout,
		MetricsEnabled: cfg.Telemetry.MetricExporter != telemetry.ExporterNone,
		TracingEnabled: cfg.Telemetry.TraceExporter != telemetry.ExporterNone,
		Logger:         a.logger.Slog(),
	}, store, opts...)
	if err != nil {
		return err
	}
	a.manager = mgr
	return nil
}

func (a *app) acquireLock(ctx context.Context, owner string) error {
	if !a.cfg.Lock.Enabled {
		return nil
	}
	l, err := lock.New(lock.Config{
		Path:   a.layout.LockPath,
		Owner:  owner,
		Logger: a.logger.Slog(),
	})
	if err != nil {
		return err
	}
	if a.cfg.Lock.Wait <= 0 {
		err = l.TryAcquire()
	} else {
		wctx, cancel := context.WithTimeout(ctx, a.cfg.Lock.Wait)
		err = l.Acquire(wctx)
		cancel()
	}
	if err != nil {
		return fmt.Errorf("acquiring store lock: %w", err)
	}
	a.lock = l
	return nil
}

// close releases everything open acquired, in reverse order.
func (a *app) close() error {
	var errs []error
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing index: %w", err))
		}
		a.index = nil
	}
	if a.lock != nil {
		if err := a.lock.Close(); err != nil {
			errs = append(errs, fmt.Errorf("releasing lock: %w", err))
		}
		a.lock = nil
	}
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
		cancel()
		a.shutdown = nil
	}
	if a.logger != nil {
		if err := a.logger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// run wraps a command body with open and close.
func (a *app) run(mode openMode, fn func(ctx context.Context, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := a.open(cmd, mode); err != nil {
			a.close()
			return err
		}
		defer func() {
			if cerr := a.close(); cerr != nil {
				fmt.Fprintf(a.stderr, "warning: %v\n", cerr)
			}
		}()
		return fn(cmd.Context(), cmd, args)
	}
}

// absPath resolves a user-supplied path against the working directory.
func absPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", p, err)
	}
	return abs, nil
}
