// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the local control protocol: CBOR request and
// response types shared by the agent's socket servers and by client
// tooling, the challenge/response MAC, and a client implementation.
//
// Two Unix sockets with different trust levels:
//
//   - The status socket answers the Status query for any local peer,
//     with no authentication. It never executes commands.
//   - The command socket requires a challenge/response handshake
//     proving knowledge of the vault's shared IPC secret before any
//     command is accepted.
//
// Both sides keep strict request/response lockstep on a connection:
// exactly one CBOR value travels in each direction per cycle, so no
// framing protocol is needed.
package ipc
