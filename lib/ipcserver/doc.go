// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipcserver implements the agent's two Unix-socket servers:
// the unauthenticated status socket and the challenge/response
// authenticated command socket. Wire types and the client live in
// package ipc; this package owns listening, the per-connection
// session state machine, and graceful drain on shutdown.
package ipcserver
