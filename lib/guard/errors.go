// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import "errors"

// ErrVaultLocked is returned by operations that need the unlocked
// vault. Rejected immediately, never queued.
var ErrVaultLocked = errors.New("guard: vault is locked")

// ErrAlreadyUnlocked is returned by Unlock when the vault is open.
var ErrAlreadyUnlocked = errors.New("guard: vault is already unlocked")

// ErrSafeMode is returned for mutating commands while the agent is in
// safe mode after a crash loop. Status and read commands still work.
var ErrSafeMode = errors.New("guard: safe mode active after repeated restarts")

// ErrScanInProgress is returned by TriggerScan while another scan is
// running. The caller retries after the current scan finishes.
var ErrScanInProgress = errors.New("guard: a scan is already in progress")

// ErrNotUnlockedYet is returned by the IPC secret provider before the
// first unlock: the shared secret lives in the vault, so the command
// channel cannot authenticate anyone until the vault has been opened
// once.
var ErrNotUnlockedYet = errors.New("guard: vault has not been unlocked since startup")
