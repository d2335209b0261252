// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock parameter instead of calling
// time.Now, time.After, or time.NewTicker directly. In production,
// Real() provides standard library behavior. In tests, Fake() provides
// a deterministic clock that advances only when Advance is called, so
// session expiry, scan scheduling, and log rotation can be tested
// without wall-clock sleeps.
package clock
