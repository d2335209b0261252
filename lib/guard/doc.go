// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package guard is the agent's orchestrator.
//
// A Guard owns the vault's unlocked state and everything derived from
// it: the audit log's signing capability, the in-memory baseline, the
// filesystem watcher, and the scan lifecycle. All state transitions
// funnel through one mutex; the operations exposed to IPC handlers and
// the heartbeat loop are the only entry points.
//
// Lifecycle: New, Start (crash-loop check), then the daemon serves
// commands until Shutdown. The vault begins locked. Unlock brings the
// agent fully online — it opens the audit log on first unlock, loads
// or builds the baseline, and starts the watcher. Lock reverses all of
// that and zeroes the key material, but keeps the command channel's
// shared secret so an authenticated peer can unlock again.
//
// Safe mode, entered after repeated rapid restarts, refuses every
// mutating command until an operator intervenes and the agent is
// restarted cleanly. Unlock and the read commands keep working so the
// operator can inspect the agent while it is quarantined.
package guard
