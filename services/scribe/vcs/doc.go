// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vcs adapts a private git object store into the history primitives
// scribe's transaction engine is built on.
//
// # Isolation
//
// The store lives under <root>/.scribe/history and never shares anything
// with a repository the user may keep at the project root. Every git
// invocation passes the store's metadata root and the project working tree
// explicitly, scrubs inherited GIT_* variables, disables prompts, signing,
// system config and automatic garbage collection, and carries a fixed
// machine identity.
//
// # Plumbing only
//
// Commits are assembled with hash-object, a scratch index, write-tree and
// commit-tree. Refs only move through update-ref --stdin transactions with
// expected old values, so a group of ref changes either lands completely or
// not at all. The store's own HEAD and index are never touched after init.
//
// # Implementations
//
//   - GitStore: the real store, driven through a Runner.
//   - MemoryStore: an in-memory content-addressed fake with the same
//     contract, used to test history reconstruction without processes.
package vcs
