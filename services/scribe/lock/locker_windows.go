// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package lock

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

// lockOffset places the locked byte far past the info payload. Windows
// locks are mandatory, so locking byte 0 would block readers of the
// holder info.
const lockOffset = 0x7FFFFFFF

// WindowsFileLocker implements FileLocker using LockFileEx.
//
// # Thread Safety
//
// Safe for concurrent use on different files.
type WindowsFileLocker struct{}

// Lock acquires an exclusive lock without blocking.
func (l *WindowsFileLocker) Lock(f *os.File) error {
	ol := &windows.Overlapped{Offset: lockOffset}
	err := windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, 1, 0, ol)
	if err != nil {
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return ErrLocked
		}
		return err
	}
	return nil
}

// Unlock releases the lock using UnlockFileEx.
func (l *WindowsFileLocker) Unlock(f *os.File) error {
	ol := &windows.Overlapped{Offset: lockOffset}
	err := windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, ol)
	if errors.Is(err, windows.ERROR_NOT_LOCKED) {
		return nil
	}
	return err
}

// isProcessAlive opens the process with the least access right that
// still proves existence.
func isProcessAlive(pid int) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var code uint32
	if err := windows.GetExitCodeProcess(handle, &code); err != nil {
		return false
	}
	const stillActive = 259
	return code == stillActive
}

// newPlatformLocker returns a Windows-specific file locker.
func newPlatformLocker() FileLocker {
	return &WindowsFileLocker{}
}
