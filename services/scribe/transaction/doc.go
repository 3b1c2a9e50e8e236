// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transaction records writes to a project as reversible changes and
// rolls individual changes back after the fact.
//
// # Model
//
// A session groups the writes of one run. Each recorded write becomes one
// commit on the session's branch in the private version store, carrying the
// change entry as a commit trailer. Committing a session squashes its net
// effect into one commit on the main line.
//
// Rolling back a change removes its commit from the session branch, replays
// the surviving changes as whole-file snapshots on top of the session's
// pre-edit snapshot ("later wins"), and for a committed session rewrites its
// squash commit and every main-line commit after it. All ref moves of one
// operation land in a single compare-and-swap transaction, and the affected
// file on disk is rewritten last. If that write fails the refs are put back.
//
// # Refs
//
//	refs/heads/main                          main line
//	refs/heads/sessions/<id>                 active changes, record order
//	refs/scribe/sessions/<id>/start          main tip at begin
//	refs/scribe/sessions/<id>/base           pre-edit snapshot chain
//	refs/scribe/sessions/<id>/journal        every change ever recorded
//	refs/scribe/sessions/<id>/squash         present once committed
//
// The Manager keeps no session state in memory; everything is re-derived
// from these refs, so separate processes can continue the same session.
package transaction
