// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/warden-security/warden/lib/atomicfile"
)

// Crash-loop defaults: more than DefaultRestartThreshold starts inside
// DefaultRestartWindow puts the agent in safe mode.
const (
	DefaultRestartThreshold = 3
	DefaultRestartWindow    = 10 * time.Minute
)

// restartState is the on-disk restart history, JSON for operator
// inspection.
type restartState struct {
	Starts []time.Time `json:"starts"`
}

// RestartTracker records process starts in an atomically-written state
// file and decides when a crash loop warrants safe mode.
type RestartTracker struct {
	path      string
	threshold int
	window    time.Duration
}

// NewRestartTracker creates a tracker persisting to path. Zero values
// select the defaults.
func NewRestartTracker(path string, threshold int, window time.Duration) *RestartTracker {
	if threshold <= 0 {
		threshold = DefaultRestartThreshold
	}
	if window <= 0 {
		window = DefaultRestartWindow
	}
	return &RestartTracker{path: path, threshold: threshold, window: window}
}

// RecordStart appends a start timestamp and reports whether the agent
// should enter safe mode. Starts outside the window are dropped. A
// missing or unreadable state file counts as an empty history: losing
// the file must never brick the agent into safe mode.
func (t *RestartTracker) RecordStart(now time.Time) (safeMode bool, err error) {
	var state restartState
	if data, readErr := os.ReadFile(t.path); readErr == nil {
		// Corrupt history is discarded, not fatal.
		json.Unmarshal(data, &state)
	}

	cutoff := now.Add(-t.window)
	recent := state.Starts[:0]
	for _, start := range state.Starts {
		if start.After(cutoff) {
			recent = append(recent, start)
		}
	}
	state.Starts = append(recent, now)

	data, err := json.MarshalIndent(&state, "", "  ")
	if err != nil {
		return false, fmt.Errorf("guard: encoding restart state: %w", err)
	}
	data = append(data, '\n')
	if err := atomicfile.WriteFile(t.path, data, 0o600); err != nil {
		return false, fmt.Errorf("guard: writing restart state: %w", err)
	}

	return len(state.Starts) > t.threshold, nil
}

// MarkCleanShutdown clears the restart history. A deliberate stop is
// not a crash.
func (t *RestartTracker) MarkCleanShutdown() error {
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("guard: clearing restart state: %w", err)
	}
	return nil
}
