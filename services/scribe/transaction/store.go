// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"context"
	"time"

	"github.com/AleutianAI/scribe/services/scribe/vcs"
)

// tracedStore wraps a HistoryStore with a span and a duration metric per
// call. Read-only lookups pass through untraced.
type tracedStore struct {
	vcs.HistoryStore
	tracer *Tracer
}

func (s tracedStore) observe(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := s.tracer.StartStoreOp(ctx, op)
	start := time.Now()
	err := fn(ctx)
	recordStoreOp(ctx, op, time.Since(start), err)
	s.tracer.EndStoreOp(span, err)
	return err
}

func (s tracedStore) UpdateRefs(ctx context.Context, updates []vcs.RefUpdate) error {
	return s.observe(ctx, "update_refs", func(ctx context.Context) error {
		return s.HistoryStore.UpdateRefs(ctx, updates)
	})
}

func (s tracedStore) HashFile(ctx context.Context, absPath string) (st vcs.FileState, err error) {
	err = s.observe(ctx, "hash_file", func(ctx context.Context) error {
		st, err = s.HistoryStore.HashFile(ctx, absPath)
		return err
	})
	return st, err
}

func (s tracedStore) WriteTree(ctx context.Context, baseCommit string, overlay map[string]vcs.FileState) (id string, err error) {
	err = s.observe(ctx, "write_tree", func(ctx context.Context) error {
		id, err = s.HistoryStore.WriteTree(ctx, baseCommit, overlay)
		return err
	})
	return id, err
}

func (s tracedStore) CommitTree(ctx context.Context, req vcs.CommitRequest) (id string, err error) {
	err = s.observe(ctx, "commit_tree", func(ctx context.Context) error {
		id, err = s.HistoryStore.CommitTree(ctx, req)
		return err
	})
	return id, err
}

func (s tracedStore) Log(ctx context.Context, exclude, include string) (commits []vcs.Commit, err error) {
	err = s.observe(ctx, "log", func(ctx context.Context) error {
		commits, err = s.HistoryStore.Log(ctx, exclude, include)
		return err
	})
	return commits, err
}

func (s tracedStore) ChangedPaths(ctx context.Context, commit string) (paths map[string]vcs.FileState, err error) {
	err = s.observe(ctx, "changed_paths", func(ctx context.Context) error {
		paths, err = s.HistoryStore.ChangedPaths(ctx, commit)
		return err
	})
	return paths, err
}
